// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package rcmap

import (
	"sync"
	"sync/atomic"

	"github.com/aristanetworks/rcmap/chtable"
	"github.com/aristanetworks/rcmap/logger"
	"github.com/aristanetworks/rcmap/refcell"
)

// syncEntry is the value chtable stores for a SyncMap. mu protects cell,
// markedForRemoval and removing; the table-wide mutex never guards these
// fields.
//
// markedForRemoval is the user-visible seal: Delete sets it to fence off
// future Acquire calls while honoring outstanding releases.
//
// removing is a second, internal-only flag set the instant a refdec
// reaches zero, before dropping mu and before the entry is actually
// unlinked from the table. It closes the handoff window the
// unsynchronized source left open: between releasing the entry lock and
// reacquiring the table lock to perform the removal, any other goroutine
// that finds this entry first acquires mu per the standard protocol and
// observes removing, so it backs off instead of reading a cell whose
// object has already been finalized. It is kept separate from
// markedForRemoval because a merely-sealed entry (Delete called, holders
// still outstanding) must still be eligible for Remove's forcible detach;
// only an entry already mid-teardown must not be.
type syncEntry[V any] struct {
	mu               sync.Mutex
	cell             *refcell.Cell[V]
	markedForRemoval bool
	removing         bool
}

func newSyncEntry[V any](value V, destructor func(V)) *syncEntry[V] {
	return &syncEntry[V]{cell: refcell.NewCell(value, destructor)}
}

func finalizeSyncEntry[V any](e *syncEntry[V]) {
	e.cell.FreeObject()
}

func buildSyncTableOptions[K, V any](o options[K, V]) []chtable.Option[K, *syncEntry[V]] {
	tableOpts := []chtable.Option[K, *syncEntry[V]]{
		chtable.WithValueDestructor[K, *syncEntry[V]](finalizeSyncEntry[V]),
		chtable.WithMaxLoadPct[K, *syncEntry[V]](o.maxLoadPct),
		chtable.WithMinLoadPct[K, *syncEntry[V]](o.minLoadPct),
		chtable.WithMaxRehashesPerOp[K, *syncEntry[V]](o.maxRehashesPerOp),
	}
	if o.keyDestructor != nil {
		tableOpts = append(tableOpts, chtable.WithKeyDestructor[K, *syncEntry[V]](o.keyDestructor))
	}
	if o.maxCapacity > 0 {
		tableOpts = append(tableOpts, chtable.WithMaxCapacity[K, *syncEntry[V]](o.maxCapacity))
	}
	return tableOpts
}

// SyncMap is the synchronized RefCountedMap: a map-wide mutex guards the
// table structure and each entry carries its own mutex guarding its
// reference count. Lock order is always table-wide before per-entry,
// never the reverse, to avoid deadlocking against a concurrent operation
// on a different key.
type SyncMap[K, V any] struct {
	// mu guards table (bucket arrays, chains, nelems, migration state).
	mu     sync.Mutex
	table  *chtable.Table[K, *syncEntry[V]]
	log    logger.Logger
	sealed int64 // entries currently in the Sealed state; atomic
}

// NewSyncMap returns a SyncMap with the given initial capacity (rounded
// up to a power of two) and key comparator.
func NewSyncMap[K, V any](capacity int, equal func(a, b K) bool, opts ...Option[K, V]) *SyncMap[K, V] {
	o := defaultOptions[K, V]()
	for _, opt := range opts {
		opt(&o)
	}
	return &SyncMap[K, V]{
		table: chtable.New[K, *syncEntry[V]](capacity, equal, buildSyncTableOptions(o)...),
		log:   o.log,
	}
}

// Insert adds key with the given value and count 1, as Map.Insert.
func (m *SyncMap[K, V]) Insert(key K, hash uint32, value V, destructor func(V)) (Code, error) {
	e := newSyncEntry(value, destructor)

	m.mu.Lock()
	before := m.table.Stats()
	code := m.table.Insert(key, hash, e)
	m.logRehashLocked(before, code)
	m.mu.Unlock()

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

// logRehashLocked is logRehash for SyncMap; it must be called with mu held.
func (m *SyncMap[K, V]) logRehashLocked(before chtable.Stats, code chtable.Code) {
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
// reference count and returns the held value, as Map.Acquire.
func (m *SyncMap[K, V]) Acquire(key K, hash uint32) (V, error) {
	var zero V

	m.mu.Lock()
	e, ok := m.table.Lookup(key, hash)
	if !ok {
		m.mu.Unlock()
		return zero, ErrKeyMissing
	}
	e.mu.Lock()
	m.mu.Unlock()
	defer e.mu.Unlock()

	if e.markedForRemoval {
		return zero, ErrSealed
	}
	if !e.cell.RefInc() {
		return zero, ErrKeyMissing
	}
	return e.cell.Object(), nil
}

// Release decrements key's reference count, as Map.Release.
func (m *SyncMap[K, V]) Release(key K, hash uint32) (Code, error) {
	e, ok := m.lockEntry(key, hash)
	if !ok {
		return 0, ErrKeyMissing
	}

	wasSealed := e.markedForRemoval
	result := e.cell.RefDec()
	if result == refcell.DecStillAlive || result == refcell.DecAlreadyZero {
		e.mu.Unlock()
		return CodeStillAlive, nil
	}
	// RefDec already ran the destructor on reaching zero; clear it so
	// finalizeSyncEntry (run by removeSealed below) does not run it again
	// on the now-zeroed value.
	e.cell.SetDestructor(nil)
	e.removing = true
	e.mu.Unlock()
	if wasSealed {
		atomic.AddInt64(&m.sealed, -1)
	}

	return m.removeSealed(key, hash)
}

// Delete performs a soft evict, as Map.Delete.
func (m *SyncMap[K, V]) Delete(key K, hash uint32) (Code, error) {
	e, ok := m.lockEntry(key, hash)
	if !ok {
		return 0, ErrKeyMissing
	}

	wasSealed := e.markedForRemoval
	result := e.cell.RefDec()
	if result == refcell.DecAlreadyZero {
		// A concurrent Release/Delete already drove the count to zero and
		// is removing the entry; leave it and the sealed count untouched.
		e.mu.Unlock()
		return CodeStillAlive, nil
	}
	if result == refcell.DecStillAlive {
		e.markedForRemoval = true
		e.mu.Unlock()
		if !wasSealed {
			atomic.AddInt64(&m.sealed, 1)
		}
		return CodeStillAlive, nil
	}
	// RefDec already ran the destructor on reaching zero; clear it so
	// finalizeSyncEntry (run by removeSealed below) does not run it again
	// on the now-zeroed value.
	e.cell.SetDestructor(nil)
	e.removing = true
	e.mu.Unlock()
	if wasSealed {
		atomic.AddInt64(&m.sealed, -1)
	}

	return m.removeSealed(key, hash)
}

// Remove detaches key from the map without invoking its value destructor,
// as Map.Remove.
func (m *SyncMap[K, V]) Remove(key K, hash uint32) (V, bool) {
	var zero V

	e, ok := m.lockEntry(key, hash)
	if !ok {
		return zero, false
	}
	if e.removing {
		// Already being torn down by a concurrent Release/Delete that
		// reached zero; its object has already been finalized.
		e.mu.Unlock()
		return zero, false
	}
	wasSealed := e.markedForRemoval
	obj := e.cell.Object()
	e.cell.SetDestructor(nil)
	e.removing = true
	e.mu.Unlock()
	if wasSealed {
		atomic.AddInt64(&m.sealed, -1)
	}

	if code, _ := m.removeSealed(key, hash); code < 0 {
		return zero, false
	}
	return obj, true
}

// lockEntry looks up key under the table lock, then hands off to the
// entry's own lock before releasing the table lock, per the documented
// protocol: the table is never locked across refcount work.
func (m *SyncMap[K, V]) lockEntry(key K, hash uint32) (*syncEntry[V], bool) {
	m.mu.Lock()
	e, ok := m.table.Lookup(key, hash)
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	e.mu.Lock()
	m.mu.Unlock()
	return e, true
}

// removeSealed reacquires the table lock to physically unlink an entry
// already flagged removing: either its cell has reached a zero count, or
// Remove is detaching it. It is called with no lock held.
func (m *SyncMap[K, V]) removeSealed(key K, hash uint32) (Code, error) {
	m.mu.Lock()
	before := m.table.Stats()
	code := m.table.Remove(key, hash)
	m.logRehashLocked(before, code)
	m.mu.Unlock()

	if code == chtable.CodeRehashAdvisory {
		return CodeRehashAdvisory, nil
	}
	return CodeOK, nil
}

// Size returns the number of live entries.
func (m *SyncMap[K, V]) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.Size()
}

// LoadFactor returns the fractional occupancy of the authoritative table.
func (m *SyncMap[K, V]) LoadFactor() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.LoadFactor()
}

// Flush destroys every entry and leaves the map empty, as Map.Flush.
func (m *SyncMap[K, V]) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table.Flush()
	atomic.StoreInt64(&m.sealed, 0)
}

// Destroy destroys every entry and releases the map's storage. It is not
// safe to call concurrently with any other operation, nor while another
// goroutine holds or is about to acquire the map's lock.
func (m *SyncMap[K, V]) Destroy() {
	m.table.Destroy()
}

// Stats returns a snapshot of the map's current state.
func (m *SyncMap[K, V]) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Stats: m.table.Stats(), Sealed: int(atomic.LoadInt64(&m.sealed))}
}

// SetMaxLoadPct overrides the grow threshold set at construction time. It
// is meant for runtime tuning (see monitor.TuningServer), not per-request
// configuration.
func (m *SyncMap[K, V]) SetMaxLoadPct(pct int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table.SetMaxLoadPct(pct)
}

// SetMinLoadPct overrides the shrink threshold set at construction time.
func (m *SyncMap[K, V]) SetMinLoadPct(pct int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table.SetMinLoadPct(pct)
}

// SetMaxRehashesPerOp overrides the migration step budget set at
// construction time.
func (m *SyncMap[K, V]) SetMaxRehashesPerOp(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table.SetMaxRehashesPerOp(n)
}

// MaxLoadPct returns the grow threshold currently in effect.
func (m *SyncMap[K, V]) MaxLoadPct() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.MaxLoadPct()
}

// MinLoadPct returns the shrink threshold currently in effect.
func (m *SyncMap[K, V]) MinLoadPct() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.MinLoadPct()
}

// MaxRehashesPerOp returns the migration step budget currently in effect.
func (m *SyncMap[K, V]) MaxRehashesPerOp() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.MaxRehashesPerOp()
}
