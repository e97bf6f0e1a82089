// Package config holds the JSON run configuration for the bias-correction
// pipeline. All fields are pointers so a partial config file only overrides
// what it names; the Get* accessors supply defaults for the rest.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// RunConfig represents the root configuration for a bias-correction run.
// The same JSON schema is accepted by the CLI's --config flag.
type RunConfig struct {
	// Network params
	ConnLevel *int `json:"conn_level,omitempty"` // bias-free reference connection level
	Bandwidth *int `json:"bandwidth,omitempty"`  // bandwidth of the analyzed time series

	// Mask params
	NumSigma *float64 `json:"num_sigma,omitempty"` // phase threshold in sigmas
	Epsilon  *float64 `json:"epsilon,omitempty"`   // normalized amplitude threshold in [0-1]

	// Compute params
	MaxMemoryGB *float64 `json:"max_memory_gb,omitempty"` // per-patch memory budget
	Workers     *int     `json:"workers,omitempty"`       // parallel block workers, 1 disables the pool

	// Output params
	OutDir        *string `json:"out_dir,omitempty"`
	UpdateClosure *bool   `json:"update_closure,omitempty"` // recompute closure phase intermediates
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyRunConfig returns a RunConfig with all fields set to nil.
func EmptyRunConfig() *RunConfig {
	return &RunConfig{}
}

// LoadRunConfig loads a RunConfig from a JSON file. The file must have a
// .json extension and stay under the max file size. Fields omitted from the
// JSON retain their defaults, so partial configs are safe.
func LoadRunConfig(path string) (*RunConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyRunConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *RunConfig) Validate() error {
	if c.ConnLevel != nil && *c.ConnLevel < 2 {
		return fmt.Errorf("conn_level must be at least 2, got %d", *c.ConnLevel)
	}
	if c.Bandwidth != nil && *c.Bandwidth < 1 {
		return fmt.Errorf("bandwidth must be at least 1, got %d", *c.Bandwidth)
	}
	if c.ConnLevel != nil && c.Bandwidth != nil && *c.Bandwidth >= *c.ConnLevel {
		return fmt.Errorf("bandwidth (%d) must be smaller than the bias-free conn_level (%d)", *c.Bandwidth, *c.ConnLevel)
	}
	if c.NumSigma != nil && *c.NumSigma <= 0 {
		return fmt.Errorf("num_sigma must be positive, got %f", *c.NumSigma)
	}
	if c.Epsilon != nil && (*c.Epsilon < 0 || *c.Epsilon > 1) {
		return fmt.Errorf("epsilon must be between 0 and 1, got %f", *c.Epsilon)
	}
	if c.MaxMemoryGB != nil && *c.MaxMemoryGB <= 0 {
		return fmt.Errorf("max_memory_gb must be positive, got %f", *c.MaxMemoryGB)
	}
	if c.Workers != nil && *c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", *c.Workers)
	}
	return nil
}

// GetConnLevel returns the bias-free reference connection level or the default.
func (c *RunConfig) GetConnLevel() int {
	if c.ConnLevel == nil {
		return 20 // default
	}
	return *c.ConnLevel
}

// GetBandwidth returns the analysis bandwidth or the default.
func (c *RunConfig) GetBandwidth() int {
	if c.Bandwidth == nil {
		return 10 // default
	}
	return *c.Bandwidth
}

// GetNumSigma returns the num_sigma value or the default.
func (c *RunConfig) GetNumSigma() float64 {
	if c.NumSigma == nil {
		return 3 // default
	}
	return *c.NumSigma
}

// GetEpsilon returns the epsilon value or the default.
func (c *RunConfig) GetEpsilon() float64 {
	if c.Epsilon == nil {
		return 0.3 // default
	}
	return *c.Epsilon
}

// GetMaxMemoryGB returns the per-patch memory budget or the default.
func (c *RunConfig) GetMaxMemoryGB() float64 {
	if c.MaxMemoryGB == nil {
		return 4 // default
	}
	return *c.MaxMemoryGB
}

// GetWorkers returns the worker count or the default (all cores).
func (c *RunConfig) GetWorkers() int {
	if c.Workers == nil {
		return runtime.NumCPU()
	}
	return *c.Workers
}

// GetOutDir returns the output directory or the default.
func (c *RunConfig) GetOutDir() string {
	if c.OutDir == nil || *c.OutDir == "" {
		return "."
	}
	return *c.OutDir
}

// GetUpdateClosure reports whether closure-phase intermediates should be
// recomputed when absent (true by default).
func (c *RunConfig) GetUpdateClosure() bool {
	if c.UpdateClosure == nil {
		return true
	}
	return *c.UpdateClosure
}
