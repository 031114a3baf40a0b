// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

// Package rcmap implements RefCountedMap: an associative container whose
// values are shared by reference count, layered on chtable's incrementally
// resizing chained hash table. See Map and SyncMap.
package rcmap

import (
	"github.com/aristanetworks/rcmap/chtable"
	"github.com/aristanetworks/rcmap/logger"
	"github.com/aristanetworks/rcmap/refcell"
)

// options collects the tunables shared by Map and SyncMap. Unlike
// chtable.Option, a value destructor is not configured here: insert
// supplies one per call, because ownership of the destructor is
// value-specific (see Insert).
type options[K, V any] struct {
	keyDestructor    func(K)
	maxLoadPct       int
	minLoadPct       int
	maxRehashesPerOp int
	maxCapacity      int
	log              logger.Logger
}

func defaultOptions[K, V any]() options[K, V] {
	return options[K, V]{
		maxLoadPct:       75,
		minLoadPct:       10,
		maxRehashesPerOp: 5,
		log:              logger.Nop{},
	}
}

// Option configures a Map or SyncMap at construction time.
type Option[K, V any] func(*options[K, V])

// WithKeyDestructor installs a finalizer invoked on the key when an entry
// is removed from the map, whether by Release or Delete reaching zero, by
// Remove, or by Flush/Destroy. Remove (detach without destroy) still runs
// it on the key; only the value is handed to the caller undestroyed.
func WithKeyDestructor[K, V any](f func(K)) Option[K, V] {
	return func(o *options[K, V]) { o.keyDestructor = f }
}

// WithMaxLoadPct overrides the grow threshold (default 75).
func WithMaxLoadPct[K, V any](pct int) Option[K, V] {
	return func(o *options[K, V]) { o.maxLoadPct = pct }
}

// WithMinLoadPct overrides the shrink threshold (default 10).
func WithMinLoadPct[K, V any](pct int) Option[K, V] {
	return func(o *options[K, V]) { o.minLoadPct = pct }
}

// WithMaxRehashesPerOp overrides the migration step budget (default 5).
// Zero disables resizing entirely.
func WithMaxRehashesPerOp[K, V any](n int) Option[K, V] {
	return func(o *options[K, V]) { o.maxRehashesPerOp = n }
}

// WithMaxCapacity bounds how large the backing table may grow. Exceeding
// it downgrades a would-be resize to CodeRehashAdvisory instead of being
// performed; see chtable.WithMaxCapacity.
func WithMaxCapacity[K, V any](n int) Option[K, V] {
	return func(o *options[K, V]) { o.maxCapacity = n }
}

// WithLogger overrides the logger used for diagnostic messages (default
// logger.Nop{}).
func WithLogger[K, V any](l logger.Logger) Option[K, V] {
	return func(o *options[K, V]) { o.log = l }
}

func buildTableOptions[K, V any](o options[K, V]) []chtable.Option[K, *entry[V]] {
	tableOpts := []chtable.Option[K, *entry[V]]{
		chtable.WithValueDestructor[K, *entry[V]](finalizeEntry[V]),
		chtable.WithMaxLoadPct[K, *entry[V]](o.maxLoadPct),
		chtable.WithMinLoadPct[K, *entry[V]](o.minLoadPct),
		chtable.WithMaxRehashesPerOp[K, *entry[V]](o.maxRehashesPerOp),
	}
	if o.keyDestructor != nil {
		tableOpts = append(tableOpts, chtable.WithKeyDestructor[K, *entry[V]](o.keyDestructor))
	}
	if o.maxCapacity > 0 {
		tableOpts = append(tableOpts, chtable.WithMaxCapacity[K, *entry[V]](o.maxCapacity))
	}
	return tableOpts
}

// Map is the single-threaded RefCountedMap. It is not safe for concurrent
// use; see SyncMap for the synchronized variant.
type Map[K, V any] struct {
	table  *chtable.Table[K, *entry[V]]
	log    logger.Logger
	sealed int // entries currently in the Sealed state (marked, count>0)
}

// NewMap returns a Map with the given initial capacity (rounded up to a
// power of two) and key comparator.
func NewMap[K, V any](capacity int, equal func(a, b K) bool, opts ...Option[K, V]) *Map[K, V] {
	o := defaultOptions[K, V]()
	for _, opt := range opts {
		opt(&o)
	}
	return &Map[K, V]{
		table: chtable.New[K, *entry[V]](capacity, equal, buildTableOptions(o)...),
		log:   o.log,
	}
}

// Insert adds key with the given value and count 1. destructor (may be
// nil) runs when the entry is eventually destroyed, whether by Release or
// Delete reaching zero, or by Flush/Destroy tearing down the map; it does
// not run if the entry is later detached with Remove.
//
// Returns ErrDuplicateKey if the key is already live. On success the Code
// is CodeOK, or CodeRehashAdvisory if the insert succeeded but a resize
// that should have started could not be (the table is still correct,
// just more loaded than its configured bound).
func (m *Map[K, V]) Insert(key K, hash uint32, value V, destructor func(V)) (Code, error) {
	e := newEntry(value, destructor)
	before := m.table.Stats()
	code := m.table.Insert(key, hash, e)
	m.logRehash(before, code)
	switch code {
	case chtable.CodeDuplicate:
		e.cell.Destroy()
		return CodeOK, ErrDuplicateKey
	case chtable.CodeRehashAdvisory:
		return CodeRehashAdvisory, nil
	default:
		return CodeOK, nil
	}
}

// logRehash compares a Stats snapshot taken before a table operation against
// the table's current state and logs a grow/shrink transition at Info, or a
// rehash-start failure at Error.
func (m *Map[K, V]) logRehash(before chtable.Stats, code chtable.Code) {
	after := m.table.Stats()
	switch {
	case code == chtable.CodeRehashAdvisory:
		m.log.Errorf("rcmap: resize skipped, would exceed max capacity (size=%d capacity=%d)", after.Size, after.Capacity)
	case after.GrowCount > before.GrowCount:
		m.log.Infof("rcmap: growing to capacity %d", after.Capacity)
	case after.ShrinkCount > before.ShrinkCount:
		m.log.Infof("rcmap: shrinking to capacity %d", after.Capacity)
	}
}

// Acquire looks up key and, if it is live and not sealed, increments its
// reference count and returns the held value. It returns ErrKeyMissing if
// the key is absent, or ErrSealed if it has been marked for removal by a
// prior Delete even though holders of earlier acquisitions are still
// releasing it.
func (m *Map[K, V]) Acquire(key K, hash uint32) (V, error) {
	var zero V
	e, ok := m.table.Lookup(key, hash)
	if !ok {
		return zero, ErrKeyMissing
	}
	if e.markedForRemoval {
		return zero, ErrSealed
	}
	if !e.cell.RefInc() {
		// The cell reached zero between the lookup above and here; the
		// entry is on its way out of the table.
		return zero, ErrKeyMissing
	}
	return e.cell.Object(), nil
}

// Release decrements key's reference count. If the count reaches zero the
// entry is removed from the map and its value destructor runs exactly
// once. Returns ErrKeyMissing if the key is not present.
func (m *Map[K, V]) Release(key K, hash uint32) (Code, error) {
	e, ok := m.table.Lookup(key, hash)
	if !ok {
		return 0, ErrKeyMissing
	}
	wasSealed := e.markedForRemoval
	switch e.cell.RefDec() {
	case refcell.DecStillAlive, refcell.DecAlreadyZero:
		return CodeStillAlive, nil
	}
	// RefDec already ran the destructor on reaching zero; clear it so the
	// table's own value destructor (run by Remove below) does not run it
	// again on the now-zeroed value.
	e.cell.SetDestructor(nil)
	if wasSealed {
		m.sealed--
	}
	before := m.table.Stats()
	code := m.table.Remove(key, hash)
	m.logRehash(before, code)
	if code == chtable.CodeRehashAdvisory {
		return CodeRehashAdvisory, nil
	}
	return CodeOK, nil
}

// Delete performs a soft evict: it decrements key's reference count and,
// if the count reaches zero, removes the entry exactly as Release would.
// Otherwise it marks the entry for removal so that every subsequent
// Acquire on this key fails, even while the remaining holders have yet to
// call Release. Returns ErrKeyMissing if the key is not present.
func (m *Map[K, V]) Delete(key K, hash uint32) (Code, error) {
	e, ok := m.table.Lookup(key, hash)
	if !ok {
		return 0, ErrKeyMissing
	}
	wasSealed := e.markedForRemoval
	switch e.cell.RefDec() {
	case refcell.DecStillAlive, refcell.DecAlreadyZero:
		if !wasSealed {
			e.markedForRemoval = true
			m.sealed++
		}
		return CodeStillAlive, nil
	}
	// RefDec already ran the destructor on reaching zero; clear it so the
	// table's own value destructor (run by Remove below) does not run it
	// again on the now-zeroed value.
	e.cell.SetDestructor(nil)
	if wasSealed {
		m.sealed--
	}
	before := m.table.Stats()
	code := m.table.Remove(key, hash)
	m.logRehash(before, code)
	if code == chtable.CodeRehashAdvisory {
		return CodeRehashAdvisory, nil
	}
	return CodeOK, nil
}

// Remove detaches key from the map without invoking its value destructor,
// transferring ownership of the value to the caller. It returns (zero,
// false) if the key is not present.
func (m *Map[K, V]) Remove(key K, hash uint32) (V, bool) {
	var zero V
	e, ok := m.table.Lookup(key, hash)
	if !ok {
		return zero, false
	}
	obj := e.cell.Object()
	wasSealed := e.markedForRemoval
	e.cell.SetDestructor(nil)
	if code := m.table.Remove(key, hash); code < 0 {
		return zero, false
	}
	if wasSealed {
		m.sealed--
	}
	return obj, true
}

// Size returns the number of live entries.
func (m *Map[K, V]) Size() int { return m.table.Size() }

// LoadFactor returns the fractional occupancy of the authoritative table.
func (m *Map[K, V]) LoadFactor() float64 { return m.table.LoadFactor() }

// Flush destroys every entry (running key and value destructors) and
// leaves the map empty. The backing table keeps its current capacity (the
// target capacity, if a resize was in progress); it is not reset to the
// minimum capacity.
func (m *Map[K, V]) Flush() {
	m.table.Flush()
	m.sealed = 0
}

// Destroy destroys every entry and releases the map's storage. The map
// must not be used afterward.
func (m *Map[K, V]) Destroy() { m.table.Destroy() }

// Stats is a snapshot of a Map's occupancy, sealed-entry count and resize
// history, sourced from the underlying chtable.Table.
type Stats struct {
	chtable.Stats
	// Sealed is the number of entries currently marked for removal but
	// still referenced by at least one holder.
	Sealed int
}

// Stats returns a snapshot of the map's current state.
func (m *Map[K, V]) Stats() Stats {
	return Stats{Stats: m.table.Stats(), Sealed: m.sealed}
}
