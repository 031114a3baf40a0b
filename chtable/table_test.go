// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package chtable

import (
	"fmt"
	"math/rand"
	"reflect"
	"sort"
	"testing"

	"github.com/aristanetworks/rcmap/test"
)

func strEqual(a, b string) bool { return a == b }

// fnv32 is a stand-in for a caller-supplied hash function; chtable never
// computes hashes itself.
func fnv32(s string) uint32 {
	const (
		offset = 2166136261
		prime  = 16777619
	)
	h := uint32(offset)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

func TestInsertLookupRemove(t *testing.T) {
	tb := New[string, int](0, strEqual)

	if code := tb.Insert("a", fnv32("a"), 1); code != CodeOK {
		t.Fatalf("Insert(a) = %v, want CodeOK", code)
	}
	if code := tb.Insert("a", fnv32("a"), 2); code != CodeDuplicate {
		t.Fatalf("Insert(a) again = %v, want CodeDuplicate", code)
	}
	if v, ok := tb.Lookup("a", fnv32("a")); !ok || v != 1 {
		t.Fatalf("Lookup(a) = (%v, %v), want (1, true)", v, ok)
	}
	if _, ok := tb.Lookup("missing", fnv32("missing")); ok {
		t.Fatalf("Lookup(missing) found a value")
	}
	if code := tb.Remove("a", fnv32("a")); code != CodeOK {
		t.Fatalf("Remove(a) = %v, want CodeOK", code)
	}
	if code := tb.Remove("a", fnv32("a")); code != CodeMissing {
		t.Fatalf("Remove(a) again = %v, want CodeMissing", code)
	}
	if _, ok := tb.Lookup("a", fnv32("a")); ok {
		t.Fatalf("Lookup(a) found a value after removal")
	}
}

func TestPowerOfTwoCapacity(t *testing.T) {
	for _, want := range []struct{ in, out int }{
		{0, 1}, {1, 1}, {2, 2}, {3, 4}, {5, 8}, {64, 64}, {65, 128},
	} {
		if got := roundUpPow2(want.in); got != want.out {
			t.Errorf("roundUpPow2(%d) = %d, want %d", want.in, got, want.out)
		}
	}
}

// TestGrowthAcrossThreshold is the seed scenario from spec §8.4: construct
// with capacity 1, insert 1000 distinct keys, and confirm every previously
// inserted key remains findable at every step (rehash neutrality).
func TestGrowthAcrossThreshold(t *testing.T) {
	tb := New[string, int](1, strEqual, WithMaxLoadPct[string, int](75))

	const n = 1000
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d-%d", i, rand.Int())
	}

	for i, k := range keys {
		if code := tb.Insert(k, fnv32(k), i); code < 0 {
			t.Fatalf("Insert(%q) = %v", k, code)
		}
		for j := 0; j <= i; j++ {
			if v, ok := tb.Lookup(keys[j], fnv32(keys[j])); !ok || v != j {
				t.Fatalf("after inserting %d keys, Lookup(%q) = (%v, %v), want (%d, true)",
					i+1, keys[j], v, ok, j)
			}
		}
	}

	if got := tb.primary.capacity; got < 2048 {
		t.Errorf("final capacity = %d, want >= 2048", got)
	}
	if got := tb.primary.capacity; got&(got-1) != 0 {
		t.Errorf("final capacity %d is not a power of two", got)
	}
	assertBitSlotConsistency(t, tb)
}

// TestShrinkRespectsFloor is the seed scenario from spec §8.5.
func TestShrinkRespectsFloor(t *testing.T) {
	tb := New[string, int](64, strEqual,
		WithMinLoadPct[string, int](10), WithMaxLoadPct[string, int](75))

	keys := make([]string, 100)
	for i := range keys {
		keys[i] = fmt.Sprintf("k%d", i)
		if code := tb.Insert(keys[i], fnv32(keys[i]), i); code < 0 {
			t.Fatalf("Insert(%q) = %v", keys[i], code)
		}
	}
	for _, k := range keys[:99] {
		if code := tb.Remove(k, fnv32(k)); code != CodeOK {
			t.Fatalf("Remove(%q) = %v", k, code)
		}
	}
	// Drain any in-flight migration.
	for i := 0; i < 1000 && tb.secondary != nil; i++ {
		tb.Lookup("nonexistent", 0)
	}

	if got := tb.primary.capacity; got < 64 {
		t.Fatalf("final capacity = %d, want >= 64 (minimumCapacity)", got)
	}
	if v, ok := tb.Lookup(keys[99], fnv32(keys[99])); !ok || v != 99 {
		t.Fatalf("surviving key lost after shrink: (%v, %v)", v, ok)
	}
}

func TestInsertDuringMigrationRejectsDuplicateInPrimary(t *testing.T) {
	tb := New[string, int](4, strEqual)
	tb.Insert("a", fnv32("a"), 1)
	// Force a migration to start without draining it.
	tb.secondary = newInnerTable[string, int](tb.primary.capacity * 2)
	tb.rehashCursor = 0

	if code := tb.Insert("a", fnv32("a"), 2); code != CodeDuplicate {
		t.Fatalf("Insert(a) while a lives in primary during migration = %v, want CodeDuplicate", code)
	}
}

func TestReplaceDoesNotInvokeDestructor(t *testing.T) {
	var destroyed []int
	tb := New[string, int](0, strEqual, WithValueDestructor[string, int](func(v int) {
		destroyed = append(destroyed, v)
	}))
	tb.Insert("k", fnv32("k"), 1)
	old, existed, code := tb.Replace("k", fnv32("k"), 2)
	if !existed || old != 1 || code != CodeOK {
		t.Fatalf("Replace = (%v, %v, %v), want (1, true, CodeOK)", old, existed, code)
	}
	if len(destroyed) != 0 {
		t.Fatalf("value destructor ran on replace; destroyed=%v, want none (ownership transfers via old)", destroyed)
	}
}

func TestFlushInvokesDestructorsAndResetsTable(t *testing.T) {
	var destroyedKeys []string
	var destroyedVals []int
	tb := New[string, int](0, strEqual,
		WithKeyDestructor[string, int](func(k string) { destroyedKeys = append(destroyedKeys, k) }),
		WithValueDestructor[string, int](func(v int) { destroyedVals = append(destroyedVals, v) }))
	tb.Insert("a", fnv32("a"), 1)
	tb.Insert("b", fnv32("b"), 2)
	tb.Flush()

	if tb.Size() != 0 {
		t.Fatalf("Size() after Flush() = %d, want 0", tb.Size())
	}
	if d := test.Diff(len(destroyedKeys), 2); d != "" {
		t.Fatalf("destroyedKeys: %s", d)
	}
	if d := test.Diff(len(destroyedVals), 2); d != "" {
		t.Fatalf("destroyedVals: %s", d)
	}
	if _, ok := tb.Lookup("a", fnv32("a")); ok {
		t.Fatalf("Lookup(a) found a value after Flush()")
	}
}

func TestReentrancyGuardPanics(t *testing.T) {
	var tb *Table[string, int]
	tb = New[string, int](0, strEqual, WithValueDestructor[string, int](func(int) {
		tb.Insert("reentrant", fnv32("reentrant"), 0)
	}))
	tb.Insert("a", fnv32("a"), 1)
	test.ShouldPanic(t, func() { tb.Remove("a", fnv32("a")) })
}

func TestRehashAdvisoryOnMaxCapacity(t *testing.T) {
	tb := New[string, int](2, strEqual, WithMaxCapacity[string, int](2))
	tb.Insert("a", fnv32("a"), 1)
	code := tb.Insert("b", fnv32("b"), 2)
	if code != CodeRehashAdvisory {
		t.Fatalf("Insert beyond MaxCapacity = %v, want CodeRehashAdvisory", code)
	}
	// The insert itself still succeeded; only the resize was refused.
	if v, ok := tb.Lookup("b", fnv32("b")); !ok || v != 2 {
		t.Fatalf("Lookup(b) = (%v, %v), want (2, true) despite advisory", v, ok)
	}
	if tb.secondary != nil {
		t.Fatalf("a secondary table was allocated despite exceeding MaxCapacity")
	}
}

// TestRehashPreservesAllEntries drives a table through several grow and
// shrink migrations via random insert/remove churn and, after every
// operation (including while a migration is in progress, by collecting
// both inner tables), confirms that its complete live set matches an
// independently tracked reference map exactly:
// nothing is lost, duplicated or corrupted by a split-phase rehash.
// kylelemons/godebug/pretty renders the mismatch as a readable structural
// diff instead of one opaque slice dump.
func TestRehashPreservesAllEntries(t *testing.T) {
	tb := New[string, int](1, strEqual,
		WithMinLoadPct[string, int](10), WithMaxLoadPct[string, int](75))
	reference := map[string]int{}

	r := rand.New(rand.NewSource(1))
	for i := 0; i < 5000; i++ {
		k := fmt.Sprintf("k%d", r.Intn(300))
		if _, present := reference[k]; present {
			if code := tb.Remove(k, fnv32(k)); code != CodeOK {
				t.Fatalf("Remove(%q) = %v, want CodeOK", k, code)
			}
			delete(reference, k)
		} else {
			if code := tb.Insert(k, fnv32(k), i); code < 0 {
				t.Fatalf("Insert(%q) = %v", k, code)
			}
			reference[k] = i
		}

		got, want := snapshot(tb), referenceSnapshot(reference)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("live set diverged from reference after %d ops:\n%s",
				i+1, test.PrettyDiff(got, want))
		}
	}
}

// kvPair is comparable with reflect.DeepEqual regardless of what K and V
// are, which is all snapshot/referenceSnapshot need from it.
type kvPair[K comparable, V any] struct {
	Key K
	Val V
}

func snapshot[K comparable, V any](tb *Table[K, V]) []kvPair[K, V] {
	var pairs []kvPair[K, V]
	collect := func(it *innerTable[K, V]) {
		if it == nil {
			return
		}
		for _, head := range it.buckets {
			for b := head; b != nil; b = b.next {
				pairs = append(pairs, kvPair[K, V]{b.key, b.value})
			}
		}
	}
	collect(tb.primary)
	collect(tb.secondary)
	sort.Slice(pairs, func(i, j int) bool {
		return fmt.Sprint(pairs[i].Key) < fmt.Sprint(pairs[j].Key)
	})
	return pairs
}

func referenceSnapshot[K comparable, V any](m map[K]V) []kvPair[K, V] {
	pairs := make([]kvPair[K, V], 0, len(m))
	for k, v := range m {
		pairs = append(pairs, kvPair[K, V]{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool {
		return fmt.Sprint(pairs[i].Key) < fmt.Sprint(pairs[j].Key)
	})
	return pairs
}

func assertBitSlotConsistency[K, V any](t *testing.T, tb *Table[K, V]) {
	t.Helper()
	check := func(it *innerTable[K, V]) {
		for i, head := range it.buckets {
			for b := head; b != nil; b = b.next {
				if int(b.hash&it.bitmask) != i {
					t.Errorf("bucket with hash %#x stored in slot %d, want slot %d",
						b.hash, i, b.hash&it.bitmask)
				}
			}
		}
	}
	check(tb.primary)
	if tb.secondary != nil {
		check(tb.secondary)
	}
}
