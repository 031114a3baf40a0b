// Copyright (C) 2015  Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

// Package monitor provides an embedded HTTP server exposing runtime
// diagnostics for a process embedding rcmap, plus TuningServer, a handler
// for live-adjusting a SyncMap's resize tunables.
package monitor

import (
	_ "expvar" // Go documentation recommended usage
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // Go documentation recommended usage
)

// Server represents a monitoring server
type Server interface {
	Run()
}

// server contains information for the monitoring server
type server struct {
	// Server name e.g. host[:port]
	serverName string
}

// NewMonitorServer creates a new server struct
func NewMonitorServer(serverName string) Server {
	return &server{
		serverName: serverName,
	}
}

// DebugIndexHandler returns the /debug landing page handler, exported so a
// caller registering its own handlers (as cmd/rcmapwatch does, to share one
// listener with TuningServer and promhttp.Handler) can mount it directly
// instead of going through Server.Run.
func DebugIndexHandler() http.HandlerFunc { return debugHandler }

// VarsPrettyHandler serves the same data as /debug/vars but formatted with
// VarsToString, easier to read by eye than expvar's single-line JSON.
func VarsPrettyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, VarsToString())
	}
}

func debugHandler(w http.ResponseWriter, r *http.Request) {
	indexTmpl := `<html>
	<head>
	<title>/debug</title>
	</head>
	<body>
	<p>/debug</p>
	<div><a href="/debug/vars">vars</a></div>
	<div><a href="/debug/vars/pretty">vars (pretty)</a></div>
	<div><a href="/debug/pprof">pprof</a></div>
	<div><a href="/metrics">metrics</a></div>
	<div>POST /debug/rcmap to tune a live map's resize thresholds</div>
	</body>
	</html>
	`
	fmt.Fprintf(w, indexTmpl)
}

// Run sets up the HTTP server and any handlers
func (s *server) Run() {
	http.HandleFunc("/debug", debugHandler)
	http.HandleFunc("/debug/vars/pretty", VarsPrettyHandler())

	// monitoring server
	err := http.ListenAndServe(s.serverName, nil)
	if err != nil {
		log.Printf("Could not start monitor server: %s", err)
	}
}
