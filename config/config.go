// Package config externalizes the store's tunable knobs for front-ends
// that want a file instead of passing arguments to Initialize directly.
// The store façade never reads this file itself.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StoreConfig holds the tunables named throughout the store design: the
// maximum metadata length above which a write is rejected, the probe
// fraction used to size a similarity search, and the k-means kernel's
// iteration cap and convergence tolerance.
type StoreConfig struct {
	Dimension           int     `yaml:"dimension"`
	ClusterCount        int     `yaml:"cluster_count"`
	MaxMetadataLen      int     `yaml:"max_metadata_len"`
	ProbeFraction       float64 `yaml:"probe_fraction"`
	KMeansMaxIterations int     `yaml:"kmeans_max_iterations"`
	KMeansTolerance     float64 `yaml:"kmeans_tolerance"`
}

// New returns the documented defaults: 4096-byte metadata cap, 0.5 probe
// fraction, 25 Lloyd iterations, 1e-4 tolerance.
func New() StoreConfig {
	return StoreConfig{
		MaxMetadataLen:      4096,
		ProbeFraction:       0.5,
		KMeansMaxIterations: 25,
		KMeansTolerance:     1e-4,
	}
}

// Load reads a YAML config file, filling in any field left at its zero
// value with the documented default.
func Load(path string) (StoreConfig, error) {
	cfg := New()

	data, err := os.ReadFile(path)
	if err != nil {
		return StoreConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return StoreConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.MaxMetadataLen == 0 {
		cfg.MaxMetadataLen = 4096
	}
	if cfg.ProbeFraction == 0 {
		cfg.ProbeFraction = 0.5
	}
	if cfg.KMeansMaxIterations == 0 {
		cfg.KMeansMaxIterations = 25
	}
	if cfg.KMeansTolerance == 0 {
		cfg.KMeansTolerance = 1e-4
	}

	return cfg, nil
}
