// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package logger

// Nop is a Logger that discards everything. It is the default for callers
// that have no logging infrastructure wired up yet but still want to pass
// a concrete Logger rather than threading a nil check through every call
// site.
type Nop struct{}

var _ Logger = Nop{}

func (Nop) Info(args ...interface{})                 {}
func (Nop) Infof(format string, args ...interface{}) {}
func (Nop) Error(args ...interface{})                {}
func (Nop) Errorf(format string, args ...interface{}) {}
func (Nop) Fatal(args ...interface{})                {}
func (Nop) Fatalf(format string, args ...interface{}) {}
