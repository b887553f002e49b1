// Package config loads the optional YAML file cmd/coordinator and cmd/worker
// both accept via -config, layered under their environment-variable
// settings (spec.md §6 default rebalance window, the world rectangle, AOI,
// and initial split plan). Grounded on the teacher's plain getenv-style
// precedence (env wins), generalized to also read a file for the settings
// that don't fit naturally in a single env var.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/meshfield/internal/geom"
)

// SplitPlan describes one Split to apply to the initial single-leaf
// topology at worker startup: the origin to split at, and the worker id to
// assign each of the 2^D resulting children, in ascending child order.
type SplitPlan struct {
	Origin  geom.IntPoint `yaml:"origin"`
	Workers []int         `yaml:"workers"`
}

// File is the optional on-disk configuration. Every field has an
// env-var or built-in default fallback; File only needs to carry the
// settings environment variables don't cover well (points, split plans).
type File struct {
	WorldSize       int           `yaml:"world_size"`
	WorldUL         geom.IntPoint `yaml:"world_ul"`
	WorldBR         geom.IntPoint `yaml:"world_br"`
	MaxPartitions   int           `yaml:"max_partitions"`
	AOI             geom.IntPoint `yaml:"aoi"`
	InitialSplits   []SplitPlan   `yaml:"initial_splits"`
	RebalanceWindow int           `yaml:"rebalance_window"`
	RebalanceEvery  int           `yaml:"rebalance_every"`
	LogServerAddr   string        `yaml:"log_server_addr"`
	CompressLinks   bool          `yaml:"compress_links"`
}

// Load reads and parses path. An empty path returns a zero-value File, not
// an error, so callers can unconditionally layer env vars over it.
func Load(path string) (*File, error) {
	if path == "" {
		return &File{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &f, nil
}
