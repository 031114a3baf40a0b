// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package main

import (
	"context"
	"errors"
	"time"

	"github.com/aristanetworks/fsnotify"
	"github.com/cenkalti/backoff/v4"

	"github.com/aristanetworks/glog"
)

// watchDir mirrors fsnotify events for dir into the shared rcmap of open
// file handles until ctx is cancelled.
//
//   - Create: open the new file and Insert it with count 1 (the cache's
//     own hold, released by the Delete on a later Remove or Rename event).
//   - Remove or Rename: Delete the entry. Existing holders keep using their
//     acquired *os.File until they Release it; new Acquire calls see
//     ErrSealed or ErrKeyMissing.
//
// watcher.Add is retried with exponential backoff: a directory can be
// transiently unwatchable immediately after a rename races the watch call.
func watchDir(ctx context.Context, l *loader, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	addWithRetry := func() error {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 30 * time.Second
		return backoff.Retry(func() error { return watcher.Add(dir) }, b)
	}
	if err := addWithRetry(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("rcmapwatch: watcher event channel closed")
			}
			handleEvent(l, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("rcmapwatch: watcher error channel closed")
			}
			glog.Errorf("rcmapwatch: watcher error: %v", err)
		}
	}
}

func handleEvent(l *loader, event fsnotify.Event) {
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		if err := l.open(event.Name); err != nil {
			glog.Errorf("rcmapwatch: opening %q after create event: %v", event.Name, err)
		}
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		if _, err := l.files.Delete(event.Name, pathHash(event.Name)); err != nil {
			glog.Infof("rcmapwatch: delete %q on %v event: %v", event.Name, event.Op, err)
		}
	}
}
