// Package config loads pipeline configuration from JSON files.
//
// All fields are pointer-typed so that a partial config file only overrides
// the values it names; the Get* accessors supply defaults for everything
// else. The same JSON schema is accepted by the cannon CLI's -config flag.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Default values for every tunable. These match the APOGEE-oriented
// defaults of the reference pipeline.
const (
	DefaultContinuumQuantile = 0.90
	DefaultWindowAngstroms   = 50.0
	DefaultContinuumFraction = 0.07
	DefaultContinuumBasis    = "sinusoid"
	DefaultContinuumOrder    = 3
	DefaultModelOrder        = 2
	DefaultMaxIterations     = 50
)

// PipelineConfig represents the root configuration for a pipeline run.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
type PipelineConfig struct {
	// Continuum params
	ContinuumQuantile *float64 `json:"continuum_quantile,omitempty"`
	WindowAngstroms   *float64 `json:"window_angstroms,omitempty"`
	ContinuumFraction *float64 `json:"continuum_fraction,omitempty"`
	ContinuumBasis    *string  `json:"continuum_basis,omitempty"` // "sinusoid" or "chebyshev"
	ContinuumOrder    *int     `json:"continuum_order,omitempty"`

	// Wavelength chunk boundaries, in Angstroms, as [lo, hi) pairs.
	// Empty means the full grid is treated as a single chunk.
	Ranges [][2]float64 `json:"ranges,omitempty"`

	// Model params
	ModelOrder    *int `json:"model_order,omitempty"`
	MaxIterations *int `json:"max_iterations,omitempty"`

	// Workers is the bound on concurrent per-pixel and per-object fits.
	// Zero or absent means one worker per available CPU.
	Workers *int `json:"workers,omitempty"`
}

// Empty returns a PipelineConfig with all fields unset.
func Empty() *PipelineConfig {
	return &PipelineConfig{}
}

// Load reads a PipelineConfig from a JSON file. The path must carry a
// .json extension and the file must be under 1MB.
func Load(path string) (*PipelineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks every set field for sanity. Unset fields are always valid
// since the accessors substitute defaults.
func (c *PipelineConfig) Validate() error {
	if c.ContinuumQuantile != nil && (*c.ContinuumQuantile <= 0 || *c.ContinuumQuantile >= 1) {
		return fmt.Errorf("continuum_quantile must be in (0, 1), got %v", *c.ContinuumQuantile)
	}
	if c.WindowAngstroms != nil && *c.WindowAngstroms <= 0 {
		return fmt.Errorf("window_angstroms must be positive, got %v", *c.WindowAngstroms)
	}
	if c.ContinuumFraction != nil && (*c.ContinuumFraction <= 0 || *c.ContinuumFraction >= 1) {
		return fmt.Errorf("continuum_fraction must be in (0, 1), got %v", *c.ContinuumFraction)
	}
	if c.ContinuumBasis != nil {
		switch *c.ContinuumBasis {
		case "sinusoid", "chebyshev":
		default:
			return fmt.Errorf("continuum_basis must be \"sinusoid\" or \"chebyshev\", got %q", *c.ContinuumBasis)
		}
	}
	if c.ContinuumOrder != nil && *c.ContinuumOrder < 1 {
		return fmt.Errorf("continuum_order must be >= 1, got %d", *c.ContinuumOrder)
	}
	if c.ModelOrder != nil && (*c.ModelOrder < 1 || *c.ModelOrder > 2) {
		return fmt.Errorf("model_order must be 1 or 2, got %d", *c.ModelOrder)
	}
	if c.MaxIterations != nil && *c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be >= 1, got %d", *c.MaxIterations)
	}
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", *c.Workers)
	}
	for i, r := range c.Ranges {
		if r[1] <= r[0] {
			return fmt.Errorf("range %d: hi (%v) must exceed lo (%v)", i, r[1], r[0])
		}
	}
	return nil
}

// GetContinuumQuantile returns the running-quantile level for pseudo-continuum
// estimation.
func (c *PipelineConfig) GetContinuumQuantile() float64 {
	if c.ContinuumQuantile != nil {
		return *c.ContinuumQuantile
	}
	return DefaultContinuumQuantile
}

// GetWindowAngstroms returns the sliding-window width in Angstroms.
func (c *PipelineConfig) GetWindowAngstroms() float64 {
	if c.WindowAngstroms != nil {
		return *c.WindowAngstroms
	}
	return DefaultWindowAngstroms
}

// GetContinuumFraction returns the target fraction of pixels selected as
// continuum.
func (c *PipelineConfig) GetContinuumFraction() float64 {
	if c.ContinuumFraction != nil {
		return *c.ContinuumFraction
	}
	return DefaultContinuumFraction
}

// GetContinuumBasis returns the continuum basis name.
func (c *PipelineConfig) GetContinuumBasis() string {
	if c.ContinuumBasis != nil {
		return *c.ContinuumBasis
	}
	return DefaultContinuumBasis
}

// GetContinuumOrder returns the continuum fit order.
func (c *PipelineConfig) GetContinuumOrder() int {
	if c.ContinuumOrder != nil {
		return *c.ContinuumOrder
	}
	return DefaultContinuumOrder
}

// GetModelOrder returns the label-polynomial order of the spectral model.
func (c *PipelineConfig) GetModelOrder() int {
	if c.ModelOrder != nil {
		return *c.ModelOrder
	}
	return DefaultModelOrder
}

// GetMaxIterations returns the iteration cap for label inference.
func (c *PipelineConfig) GetMaxIterations() int {
	if c.MaxIterations != nil {
		return *c.MaxIterations
	}
	return DefaultMaxIterations
}

// GetWorkers returns the worker-pool bound; zero means one per CPU.
func (c *PipelineConfig) GetWorkers() int {
	if c.Workers != nil {
		return *c.Workers
	}
	return 0
}
