// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package main

import (
	"os"

	"gopkg.in/yaml.v2"
)

// tuningConfig is the on-disk representation of rcmapwatch's YAML tuning
// file. Any field left zero falls back to rcmap's own default.
type tuningConfig struct {
	MaxLoadPct       int   `yaml:"max-load-pct"`
	MinLoadPct       int   `yaml:"min-load-pct"`
	MaxRehashesPerOp *int  `yaml:"max-rehashes-per-op"`
	MaxOpenFiles     int64 `yaml:"max-open-files"`
}

func loadTuningConfig(path string) (tuningConfig, error) {
	var cfg tuningConfig
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return tuningConfig{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return tuningConfig{}, err
	}
	return cfg, nil
}
