// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package main

import (
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/aristanetworks/rcmap/rcmap"
)

func TestStatsCollectorReportsSize(t *testing.T) {
	files := rcmap.NewSyncMap[string, *os.File](4, strEqual)
	files.Insert("a", pathHash("a"), nil, nil)
	files.Insert("b", pathHash("b"), nil, nil)

	c := newStatsCollector(files)
	count := testutil.CollectAndCount(c)
	// One sample per Desc registered in Describe.
	if count != 7 {
		t.Fatalf("CollectAndCount = %d, want 7", count)
	}
}
