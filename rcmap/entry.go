// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package rcmap

import "github.com/aristanetworks/rcmap/refcell"

// entry is the value chtable stores for every key: a reference cell plus
// the sealed flag. Once markedForRemoval is true it never reverts; new
// acquisitions are fenced off even while outstanding releases proceed.
type entry[V any] struct {
	cell             *refcell.Cell[V]
	markedForRemoval bool
}

func newEntry[V any](value V, destructor func(V)) *entry[V] {
	return &entry[V]{cell: refcell.NewCell(value, destructor)}
}

// finalizeEntry is installed as the underlying table's value destructor.
// It runs whenever chtable detaches a bucket, whether that is because
// refdec already drove the cell to zero or Remove is detaching it (the
// common paths, where this is a no-op: Release, Delete and Remove clear the
// cell's destructor before unlinking) or because Flush/Destroy is tearing
// the whole table down with entries still live.
func finalizeEntry[V any](e *entry[V]) {
	e.cell.FreeObject()
}
