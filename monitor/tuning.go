// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package monitor

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/aristanetworks/rcmap/rcmap"
)

// syncMapTarget is the subset of *rcmap.SyncMap's tuning surface a
// TuningServer needs. Factoring it out keeps the reset machinery below free
// of the map's key/value type parameters.
type syncMapTarget interface {
	SetMaxLoadPct(pct int)
	MaxLoadPct() int
	SetMinLoadPct(pct int)
	MinLoadPct() int
	SetMaxRehashesPerOp(n int)
	MaxRehashesPerOp() int
}

// TuningServer is an http.Handler that lets an operator push a temporary
// override of a live SyncMap's resize tunables, with automatic revert after
// a timeout. Typical mount point is /debug/rcmap.
//
// A request with no timeout applies its changes permanently (until the next
// request or process restart). A request with a timeout schedules a revert
// to the value each tunable held immediately before this request; a second
// overlapping request on the same tunable cancels the first's pending
// revert and reschedules using the value the first request found, exactly
// as nested log-verbosity overrides behave.
type TuningServer[K, V any] struct {
	target  *rcmap.SyncMap[K, V]
	mu      sync.Mutex
	resetTo map[string]*resetState // ongoing resets, keyed by tunable name
	timer   newTimerFunc           // dependency injected to avoid time.Sleep in tests
	wg      sync.WaitGroup         // lets tests wait for in-flight resets to settle
}

// NewTuningServer returns a TuningServer that tunes target.
func NewTuningServer[K, V any](target *rcmap.SyncMap[K, V]) *TuningServer[K, V] {
	return &TuningServer[K, V]{target: target, timer: realTimer, resetTo: map[string]*resetState{}}
}

func (ts *TuningServer[K, V]) httpErr(w http.ResponseWriter, err string, code int) {
	http.Error(w, fmt.Sprintf("rcmap tuning error: %v (code %v)", err, code), code)
}

// ServeHTTP handles a /debug/rcmap request. It accepts POST form values:
//
//   - max-load-pct, min-load-pct, max-rehashes-per-op: new values for the
//     corresponding SyncMap tunable.
//   - timeout: a duration (e.g. "1m") after which every tunable touched by
//     this request reverts to the value it held before the request. Valid
//     range is 1s-24h. Omitting it makes the change permanent.
func (ts *TuningServer[K, V]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := parseTuningReq(r)
	if err != nil {
		ts.httpErr(w, "could not parse form: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := ts.handle(req); err != nil {
		ts.httpErr(w, "could not apply change: "+err.Error(), http.StatusInternalServerError)
		return
	}
	fmt.Fprint(w, "OK\n")
}

func (ts *TuningServer[K, V]) handle(req tuningReq) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	var errs []error
	for name, change := range req.updates {
		name := name // capture for closure

		resetFn, err := change.apply(ts.target)
		if err != nil {
			errs = append(errs, err)
		}

		// Always cancel a waiting reset for this tunable; carry its revert
		// function forward if it never got to run.
		if ongoing, exists := ts.resetTo[name]; exists {
			resetFn = ongoing.Clear()
			delete(ts.resetTo, name)
		}

		if !req.reset {
			continue
		}

		cancel := make(chan struct{})
		rt := &resetState{cancel: cancel, do: resetFn}
		ts.resetTo[name] = rt
		timer := ts.timer(req.resetTimeout)
		ts.wg.Add(1)
		go func() {
			defer ts.wg.Done()
			select {
			case <-cancel:
				if !timer.Stop() {
					<-timer.C()
				}
				return
			case <-timer.C():
				ts.mu.Lock()
				defer ts.mu.Unlock()
				select {
				case <-rt.cancel:
					return
				default:
				}
				resetFn()
				delete(ts.resetTo, name)
			}
		}()
	}
	return errors.Join(errs...)
}

// tunable applies one pending change to a syncMapTarget and returns a
// function that restores the value the target held before the change.
type tunable interface {
	apply(syncMapTarget) (func(), error)
}

type maxLoadPctTunable struct{ pct int }

func (t maxLoadPctTunable) apply(target syncMapTarget) (func(), error) {
	prev := target.MaxLoadPct()
	target.SetMaxLoadPct(t.pct)
	return func() { target.SetMaxLoadPct(prev) }, nil
}

type minLoadPctTunable struct{ pct int }

func (t minLoadPctTunable) apply(target syncMapTarget) (func(), error) {
	prev := target.MinLoadPct()
	target.SetMinLoadPct(t.pct)
	return func() { target.SetMinLoadPct(prev) }, nil
}

type maxRehashesPerOpTunable struct{ n int }

func (t maxRehashesPerOpTunable) apply(target syncMapTarget) (func(), error) {
	prev := target.MaxRehashesPerOp()
	target.SetMaxRehashesPerOp(t.n)
	return func() { target.SetMaxRehashesPerOp(prev) }, nil
}

const (
	maxLoadPctParam       = "max-load-pct"
	minLoadPctParam       = "min-load-pct"
	maxRehashesPerOpParam = "max-rehashes-per-op"
)

type tuningReq struct {
	reset        bool
	resetTimeout time.Duration
	updates      map[string]tunable
}

func parseTuningReq(r *http.Request) (tuningReq, error) {
	if r.Method != http.MethodPost {
		return tuningReq{}, errors.New("HTTP method must be POST")
	}
	if err := r.ParseForm(); err != nil {
		return tuningReq{}, err
	}
	opts := r.Form

	req := tuningReq{updates: map[string]tunable{}}

	if timeout := opts.Get("timeout"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return tuningReq{}, fmt.Errorf("could not parse timeout: %v", err)
		}
		if d < time.Second || d > 24*time.Hour {
			return tuningReq{}, errors.New("timeout too small or too large: valid between 1s-24h")
		}
		req.resetTimeout = d
		req.reset = true
	}

	if v := opts.Get(maxLoadPctParam); v != "" {
		pct, err := strconv.Atoi(v)
		if err != nil || pct <= 0 || pct > 100 {
			return tuningReq{}, fmt.Errorf("invalid %s argument: %q", maxLoadPctParam, v)
		}
		req.updates[maxLoadPctParam] = maxLoadPctTunable{pct: pct}
	}
	if v := opts.Get(minLoadPctParam); v != "" {
		pct, err := strconv.Atoi(v)
		if err != nil || pct < 0 || pct > 100 {
			return tuningReq{}, fmt.Errorf("invalid %s argument: %q", minLoadPctParam, v)
		}
		req.updates[minLoadPctParam] = minLoadPctTunable{pct: pct}
	}
	if v := opts.Get(maxRehashesPerOpParam); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return tuningReq{}, fmt.Errorf("invalid %s argument: %q", maxRehashesPerOpParam, v)
		}
		req.updates[maxRehashesPerOpParam] = maxRehashesPerOpTunable{n: n}
	}

	if len(req.updates) == 0 {
		return tuningReq{}, errors.New("empty request")
	}
	return req, nil
}

type resetState struct {
	cancel chan struct{}
	do     func()
}

func (r *resetState) Clear() func() {
	if r.cancel != nil {
		close(r.cancel)
	}
	old := r.do
	r.cancel = nil
	r.do = nil
	return old
}

// newTimerFunc is injected so tests can avoid real sleeps.
type newTimerFunc func(time.Duration) timer

type timer interface {
	C() <-chan time.Time
	Stop() bool
}

type timerImpl struct {
	*time.Timer
}

func (t timerImpl) C() <-chan time.Time { return t.Timer.C }

func realTimer(d time.Duration) timer {
	return timerImpl{time.NewTimer(d)}
}
