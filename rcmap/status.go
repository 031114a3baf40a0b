// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package rcmap

// Code is the tri-valued return convention shared with chtable: zero means
// success, negative means the container was left unchanged, positive means
// "succeeded, with an advisory warning".
type Code int

const (
	// CodeOK indicates success.
	CodeOK Code = 0
	// CodeStillAlive indicates a Release decremented the count but the
	// entry is still referenced.
	CodeStillAlive Code = 1
	// CodeRehashAdvisory indicates the operation succeeded but a resize
	// that should have started could not be (see chtable.CodeRehashAdvisory).
	CodeRehashAdvisory Code = 2
)

// entryError is the taxonomy of named failures a Map/SyncMap operation can
// report, each kept as a typed sentinel the way errs.NetconfError keys off
// a fixed set of RFC6241 error tags.
type entryError string

func (e entryError) Error() string { return string(e) }

const (
	// ErrDuplicateKey is returned by Insert when the key is already live
	// in the map.
	ErrDuplicateKey entryError = "rcmap: key already exists"
	// ErrKeyMissing is returned by Acquire, Release or Delete when the key
	// is not present.
	ErrKeyMissing entryError = "rcmap: key not found"
	// ErrSealed is returned by Acquire when the entry has been marked for
	// removal by a prior Delete: new acquisitions are fenced off even
	// though outstanding holders may still be releasing it.
	ErrSealed entryError = "rcmap: entry is sealed (marked for removal)"
)
