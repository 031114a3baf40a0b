// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package test

import "github.com/kylelemons/godebug/pretty"

// PrettyDiff renders a multi-line structural diff of two values using
// godebug/pretty. Unlike Diff, it has no notion of a Diff-implementing
// "comparable" type; it is meant for large composite snapshots (e.g. a
// hash table's bucket layout) where Diff's one-line-per-mismatch output
// is too terse to debug a failing test from.
func PrettyDiff(got, want interface{}) string {
	return pretty.Compare(got, want)
}
