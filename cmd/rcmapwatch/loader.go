// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package main

import (
	"context"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/aristanetworks/glog"

	"github.com/aristanetworks/rcmap/rcmap"
	"github.com/aristanetworks/rcmap/sync/semaphore"
)

// pathHash hashes a path for use as an rcmap key. rcmap never computes a
// hash itself; every caller supplies one.
func pathHash(path string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(path))
	return h.Sum32()
}

// loader opens every regular file under a directory, bounding how many are
// open concurrently with a weighted semaphore, and inserts each into files
// with reference count 1. That count represents the cache's own hold: a
// file stays open until a Remove or Rename event drives it back to zero and
// the value destructor closes it. A consumer that wants to read a cached
// file should Acquire it and Release when done, same as any rcmap user.
type loader struct {
	files *rcmap.SyncMap[string, *os.File]
	limit *semaphore.Weighted
}

func newLoader(files *rcmap.SyncMap[string, *os.File], maxOpenFiles int64) *loader {
	if maxOpenFiles <= 0 {
		maxOpenFiles = 64
	}
	return &loader{files: files, limit: semaphore.NewWeighted(maxOpenFiles)}
}

func (l *loader) warm(ctx context.Context, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if err := l.limit.Acquire(ctx, 1); err != nil {
			return err
		}
		go func() {
			defer l.limit.Release(1)
			if err := l.open(path); err != nil {
				glog.Errorf("rcmapwatch: opening %q: %v", path, err)
			}
		}()
		return nil
	})
}

func (l *loader) open(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	code, err := l.files.Insert(path, pathHash(path), f, func(f *os.File) { f.Close() })
	if err != nil {
		f.Close()
		return err
	}
	if code == rcmap.CodeRehashAdvisory {
		glog.Errorf("rcmapwatch: table at max capacity, degraded load factor after inserting %q", path)
	}
	return nil
}
