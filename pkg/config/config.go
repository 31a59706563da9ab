// Package config provides configuration loading and management for pituitarymask.
// It handles loading configuration from YAML or TOML files and provides default values.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// AtlasPair names an atlas image and the mask drawn on it.
type AtlasPair struct {
	Image string `yaml:"image" toml:"image"`
	Mask  string `yaml:"mask" toml:"mask"`
}

// Config represents the application configuration loaded from YAML or TOML
type Config struct {
	// Toolkit locates the ANTs binaries and their scratch space
	Toolkit struct {
		// BinDir is the directory holding antsRegistration and friends.
		// Empty means the binaries are looked up on PATH.
		BinDir string `yaml:"binDir" toml:"bin_dir"`

		// Threads sets ITK_GLOBAL_DEFAULT_NUMBER_OF_THREADS for each tool (0 leaves it unset)
		Threads int `yaml:"threads" toml:"threads"`

		// WorkDir is the parent of the per-run scratch directory
		WorkDir string `yaml:"workDir" toml:"work_dir"`

		// KeepWorkDir keeps intermediate images and transforms after the run
		KeepWorkDir bool `yaml:"keepWorkDir" toml:"keep_work_dir"`
	} `yaml:"toolkit" toml:"toolkit"`

	// Registration parameters
	Registration struct {
		// Transform is the registration type, e.g. Affine or SyN
		Transform string `yaml:"transform" toml:"transform"`
	} `yaml:"registration" toml:"registration"`

	// BiasCorrection controls N4 bias field correction of the subject image
	BiasCorrection struct {
		Enabled        bool    `yaml:"enabled" toml:"enabled"`
		ShrinkFactor   int     `yaml:"shrinkFactor" toml:"shrink_factor"`
		Iterations     []int   `yaml:"iterations" toml:"iterations"`
		Tolerance      float64 `yaml:"tolerance" toml:"tolerance"`
		SplineDistance float64 `yaml:"splineDistance" toml:"spline_distance"`
	} `yaml:"biasCorrection" toml:"bias_correction"`

	// Atlas files; relative paths are resolved against Dir
	Atlas struct {
		Dir string `yaml:"dir" toml:"dir"`

		// Single is the atlas used by the single-atlas pipeline
		Single AtlasPair `yaml:"single" toml:"single"`

		// Multi lists the atlases voted over by the consensus pipeline
		Multi []AtlasPair `yaml:"multi" toml:"multi"`
	} `yaml:"atlas" toml:"atlas"`

	// Consensus parameters
	Consensus struct {
		// Threshold is the minimum number of atlas votes a voxel needs
		Threshold float64 `yaml:"threshold" toml:"threshold"`
	} `yaml:"consensus" toml:"consensus"`

	// Processing parameters
	Processing struct {
		// NumJobs is how many atlases are registered at the same time
		NumJobs int `yaml:"numJobs" toml:"num_jobs"`
	} `yaml:"processing" toml:"processing"`

	// Output parameters
	Output struct {
		// PreviewDir receives PNG quality-control slices when set
		PreviewDir string `yaml:"previewDir" toml:"preview_dir"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose" toml:"verbose"`
	} `yaml:"output" toml:"output"`
}

// Default atlas file names, relative to the atlas directory
const (
	DefaultAtlasImage = "mni_icbm152_t1_tal_nlin_asym_09a.nii"
	DefaultAtlasMask  = "pituitary_mask_2009a.nii.gz"
	DefaultAtlasCount = 10
)

// DefaultMultiAtlas returns atlas_001.nii.gz/mask_001.nii.gz through
// atlas_010.nii.gz/mask_010.nii.gz.
func DefaultMultiAtlas() []AtlasPair {
	pairs := make([]AtlasPair, DefaultAtlasCount)
	for i := range pairs {
		pairs[i] = AtlasPair{
			Image: fmt.Sprintf("atlas_%03d.nii.gz", i+1),
			Mask:  fmt.Sprintf("mask_%03d.nii.gz", i+1),
		}
	}
	return pairs
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default toolkit parameters
	cfg.Toolkit.BinDir = os.Getenv("ANTSPATH")
	cfg.Toolkit.WorkDir = os.TempDir()

	cfg.Registration.Transform = "Affine"

	// Set default N4 parameters
	cfg.BiasCorrection.ShrinkFactor = 4
	cfg.BiasCorrection.Iterations = []int{50, 50, 50, 50}
	cfg.BiasCorrection.Tolerance = 1e-7
	cfg.BiasCorrection.SplineDistance = 200

	// Set default atlases
	cfg.Atlas.Dir = "."
	cfg.Atlas.Single = AtlasPair{Image: DefaultAtlasImage, Mask: DefaultAtlasMask}
	cfg.Atlas.Multi = DefaultMultiAtlas()

	cfg.Consensus.Threshold = 5
	cfg.Processing.NumJobs = 1

	return cfg
}

// Validate checks that the configuration can drive a run
func (c *Config) Validate() error {
	if c.Registration.Transform == "" {
		return fmt.Errorf("registration transform must not be empty")
	}
	if c.Atlas.Single.Image == "" || c.Atlas.Single.Mask == "" {
		return fmt.Errorf("single atlas image and mask must be set")
	}
	if len(c.Atlas.Multi) == 0 {
		return fmt.Errorf("at least one multi-atlas pair is required")
	}
	for i, p := range c.Atlas.Multi {
		if p.Image == "" || p.Mask == "" {
			return fmt.Errorf("multi-atlas pair %d is missing image or mask", i+1)
		}
	}
	if c.Consensus.Threshold < 0 {
		return fmt.Errorf("consensus threshold must be non-negative, got %g", c.Consensus.Threshold)
	}
	if c.Processing.NumJobs < 1 {
		return fmt.Errorf("numJobs must be at least 1, got %d", c.Processing.NumJobs)
	}
	if c.Toolkit.Threads < 0 {
		return fmt.Errorf("threads must be non-negative, got %d", c.Toolkit.Threads)
	}
	if c.BiasCorrection.ShrinkFactor < 1 {
		return fmt.Errorf("bias correction shrink factor must be at least 1")
	}
	if len(c.BiasCorrection.Iterations) == 0 {
		return fmt.Errorf("bias correction needs at least one iteration level")
	}
	return nil
}

// ResolveAtlas joins a relative atlas path onto the atlas directory
func (c *Config) ResolveAtlas(path string) string {
	if filepath.IsAbs(path) || c.Atlas.Dir == "" {
		return path
	}
	return filepath.Join(c.Atlas.Dir, path)
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// LoadConfig loads configuration from a YAML or TOML file.
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

	// A list present in the file replaces the default list entirely
	cfg.Atlas.Multi = nil
	if isTOML(configPath) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if cfg.Atlas.Multi == nil {
		cfg.Atlas.Multi = DefaultMultiAtlas()
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML or TOML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	var data []byte
	if isTOML(configPath) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		data = buf.Bytes()
	} else {
		var err error
		data, err = yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
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
