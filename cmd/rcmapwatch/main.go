// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

// The rcmapwatch binary watches a directory and keeps a refcounted cache of
// open file handles, demonstrating rcmap.SyncMap under real churn: files
// come and go on the filesystem while readers may be holding acquired
// handles, and a runtime tuning endpoint lets an operator adjust the
// cache's resize behavior live.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aristanetworks/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	rcmapglog "github.com/aristanetworks/rcmap/glog"
	"github.com/aristanetworks/rcmap/monitor"
	"github.com/aristanetworks/rcmap/rcmap"
)

func main() {
	dir := flag.String("dir", ".", "directory to watch")
	listenAddr := flag.String("listenaddr", ":8080", "address to serve /metrics and /debug on")
	configFile := flag.String("config", "", "optional YAML file with max-load-pct/min-load-pct/max-rehashes-per-op/max-open-files")
	flag.Parse()

	cfg, err := loadTuningConfig(*configFile)
	if err != nil {
		glog.Fatalf("rcmapwatch: loading config %q: %v", *configFile, err)
	}

	opts := []rcmap.Option[string, *os.File]{
		rcmap.WithLogger[string, *os.File](rcmapglog.AtVerbosity(1)),
	}
	if cfg.MaxLoadPct > 0 {
		opts = append(opts, rcmap.WithMaxLoadPct[string, *os.File](cfg.MaxLoadPct))
	}
	if cfg.MinLoadPct > 0 {
		opts = append(opts, rcmap.WithMinLoadPct[string, *os.File](cfg.MinLoadPct))
	}
	if cfg.MaxRehashesPerOp != nil {
		opts = append(opts, rcmap.WithMaxRehashesPerOp[string, *os.File](*cfg.MaxRehashesPerOp))
	}

	files := rcmap.NewSyncMap[string, *os.File](16, func(a, b string) bool { return a == b }, opts...)

	prometheus.MustRegister(newStatsCollector(files))
	http.Handle("/metrics", promhttp.Handler())
	http.Handle("/debug/rcmap", monitor.NewTuningServer(files))
	http.HandleFunc("/debug", monitor.DebugIndexHandler())
	http.HandleFunc("/debug/vars/pretty", monitor.VarsPrettyHandler())
	go func() {
		if err := http.ListenAndServe(*listenAddr, nil); err != nil {
			glog.Errorf("rcmapwatch: http server: %v", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	l := newLoader(files, cfg.MaxOpenFiles)
	if err := l.warm(ctx, *dir); err != nil {
		glog.Fatalf("rcmapwatch: warming %q: %v", *dir, err)
	}

	if err := watchDir(ctx, l, *dir); err != nil && ctx.Err() == nil {
		glog.Fatalf("rcmapwatch: watching %q: %v", *dir, err)
	}

	files.Destroy()
}
