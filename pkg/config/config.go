// Package config provides configuration loading and management for
// the galaxy pair separation pipeline. It handles loading
// configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/BetaGem/wallaby-galaxy-pair/pkg/peaks"
	"github.com/BetaGem/wallaby-galaxy-pair/pkg/pipeline"
	"github.com/BetaGem/wallaby-galaxy-pair/pkg/watershed"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`

		// UpsampleFactor is the ratio between the optical prior's grid
		// and the spectral cube's spatial grid
		UpsampleFactor int `yaml:"upsampleFactor"`

		// Smooth applies Gaussian smoothing to every resampled plane
		Smooth bool `yaml:"smooth"`

		// SpectralBinWidth sums groups of this many channels before
		// processing; 0 disables binning
		SpectralBinWidth int `yaml:"spectralBinWidth"`

		// SpectralSigma smooths each spectrum along the spectral axis
		// with a Gaussian of this width in channels; 0 disables it
		SpectralSigma float64 `yaml:"spectralSigma"`
	} `yaml:"processing"`

	// Segmentation parameters
	Segmentation struct {
		// SeedMultiplier scales the per-source seed cutoff above the
		// source's mean flux
		SeedMultiplier float64 `yaml:"seedMultiplier"`

		// GrowthCoef scales the growth thresholds used to prune weak seeds
		GrowthCoef float64 `yaml:"growthCoef"`

		// Connectivity2D and Connectivity3D select the flood
		// neighbourhoods: face, edge or vertex
		Connectivity2D string `yaml:"connectivity2d"`
		Connectivity3D string `yaml:"connectivity3d"`

		// MaskEpsilon is the strict footprint cut on the resampled mask
		MaskEpsilon float64 `yaml:"maskEpsilon"`

		// PeakMaskEpsilon is the looser footprint cut used by the
		// final peak-seeded pass
		PeakMaskEpsilon float64 `yaml:"peakMaskEpsilon"`
	} `yaml:"segmentation"`

	// Peak finding parameters
	Peaks struct {
		// BoxSize is the full width of the local-maximum search box
		BoxSize int `yaml:"boxSize"`

		// BorderWidth excludes candidates this close to the cube faces
		BorderWidth int `yaml:"borderWidth"`

		// MaxPeaks caps how many peaks re-seed the final stage; 0 means unlimited
		MaxPeaks int `yaml:"maxPeaks"`

		// Policy picks the survivors when MaxPeaks applies: brightest or scan
		Policy string `yaml:"policy"`

		// SNR sets the peak threshold in units of the noise RMS
		SNR float64 `yaml:"snr"`

		// SeedBox is the half-extent (spectral, y, x) of the label box
		// stamped around each peak
		SeedBox []int `yaml:"seedBox"`
	} `yaml:"peaks"`

	// Output parameters
	Output struct {
		// Dir is the directory results are written to
		Dir string `yaml:"dir"`

		// SaveIntermediaries determines whether the 2D and fixed-3D
		// segmentations are saved alongside the final labels
		SaveIntermediaries bool `yaml:"saveIntermediaries"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.UpsampleFactor = 4
	cfg.Processing.Smooth = true
	cfg.Processing.SpectralBinWidth = 0
	cfg.Processing.SpectralSigma = 0

	// Set default segmentation parameters
	cfg.Segmentation.SeedMultiplier = 1.0
	cfg.Segmentation.GrowthCoef = 1.0
	cfg.Segmentation.Connectivity2D = "face"
	cfg.Segmentation.Connectivity3D = "face"
	cfg.Segmentation.MaskEpsilon = 1e-3
	cfg.Segmentation.PeakMaskEpsilon = 1e-6

	// Set default peak finding parameters
	cfg.Peaks.BoxSize = 3
	cfg.Peaks.BorderWidth = 0
	cfg.Peaks.MaxPeaks = 0
	cfg.Peaks.Policy = "brightest"
	cfg.Peaks.SNR = 3.0
	cfg.Peaks.SeedBox = []int{3, 2, 2}

	// Set default output parameters
	cfg.Output.Dir = "output"
	cfg.Output.SaveIntermediaries = false
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Params converts the configuration into pipeline parameters,
// resolving the connectivity and peak policy names.
func (cfg *Config) Params() (pipeline.Params, error) {
	params := pipeline.DefaultParams()

	params.Workers = cfg.Processing.NumCores
	params.UpsampleFactor = cfg.Processing.UpsampleFactor
	params.Smooth = cfg.Processing.Smooth
	params.SpectralBinWidth = cfg.Processing.SpectralBinWidth
	params.SpectralSigma = cfg.Processing.SpectralSigma

	params.SeedMultiplier = cfg.Segmentation.SeedMultiplier
	params.GrowthCoef = cfg.Segmentation.GrowthCoef
	params.MaskEpsilon = cfg.Segmentation.MaskEpsilon
	params.PeakMaskEpsilon = cfg.Segmentation.PeakMaskEpsilon

	adj2D, err := watershed.ParseAdjacency(cfg.Segmentation.Connectivity2D)
	if err != nil {
		return params, fmt.Errorf("connectivity2d: %w", err)
	}
	adj3D, err := watershed.ParseAdjacency(cfg.Segmentation.Connectivity3D)
	if err != nil {
		return params, fmt.Errorf("connectivity3d: %w", err)
	}
	params.Adjacency2D = adj2D
	params.Adjacency3D = adj3D

	params.PeakBoxSize = cfg.Peaks.BoxSize
	params.PeakBorder = cfg.Peaks.BorderWidth
	params.MaxPeaks = cfg.Peaks.MaxPeaks
	params.PeakSNR = cfg.Peaks.SNR

	policy, err := peaks.ParseCapPolicy(cfg.Peaks.Policy)
	if err != nil {
		return params, fmt.Errorf("peak policy: %w", err)
	}
	params.PeakPolicy = policy

	if len(cfg.Peaks.SeedBox) != 3 {
		return params, fmt.Errorf("seedBox must have 3 elements, got %d", len(cfg.Peaks.SeedBox))
	}
	copy(params.SeedBox[:], cfg.Peaks.SeedBox)

	return params, nil
}
