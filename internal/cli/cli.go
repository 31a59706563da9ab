// Package cli holds the command-line plumbing shared by the pituitarymask and
// multiatlas commands: flag parsing, config overrides, toolkit construction
// and the run summary.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"pituitarymask/internal/logging"
	"pituitarymask/pkg/config"
	"pituitarymask/pkg/segmentation"
	"pituitarymask/pkg/toolkit"
)

// Mode selects the pipeline a command runs.
type Mode int

const (
	// Single registers one atlas
	Single Mode = iota

	// Consensus votes over the configured atlas list
	Consensus
)

func (m Mode) String() string {
	if m == Consensus {
		return "multiatlas"
	}
	return "pituitarymask"
}

// ErrUsage is returned when a required flag is missing.
var ErrUsage = errors.New("usage error")

// Options are the parsed command-line flags.
type Options struct {
	In         string
	Out        string
	Transform  string
	N4         bool
	ConfigPath string
	Atlas      string
	Mask       string
	AtlasDir   string
	Preview    string
	KeepWork   bool
	Verbose    bool

	// WriteConfig, when set, writes the default configuration there and exits
	WriteConfig string

	// consensus only
	Threshold float64
	Jobs      int

	mode Mode
	fs   *flag.FlagSet
}

// NewFlagSet registers the flags of mode on a new flag set. Defaults come
// from config.DefaultConfig so that the help text shows real values.
func NewFlagSet(mode Mode, output io.Writer) (*flag.FlagSet, *Options) {
	def := config.DefaultConfig()
	fs := flag.NewFlagSet(mode.String(), flag.ContinueOnError)
	fs.SetOutput(output)
	o := &Options{mode: mode, fs: fs}

	fs.StringVar(&o.In, "in", "", "Subject image to segment (NIfTI)")
	fs.StringVar(&o.Out, "out", "", "Output mask path")
	fs.StringVar(&o.Transform, "transform", def.Registration.Transform,
		"Registration type: "+strings.Join(toolkit.TransformKinds(), ", "))
	fs.BoolVar(&o.N4, "n4", def.BiasCorrection.Enabled, "Apply N4 bias field correction before registration")
	fs.StringVar(&o.ConfigPath, "config", "", "YAML or TOML configuration file")
	fs.StringVar(&o.AtlasDir, "atlas-dir", def.Atlas.Dir, "Directory that relative atlas and mask paths are resolved against")
	fs.StringVar(&o.Preview, "preview", "", "Directory for PNG previews of the result")
	fs.BoolVar(&o.KeepWork, "keep-work", false, "Keep the scratch directory with intermediate images and transforms")
	fs.BoolVar(&o.Verbose, "verbose", false, "Log toolkit command lines and output")
	fs.StringVar(&o.WriteConfig, "write-config", "", "Write the default configuration (YAML, or TOML for .toml) to this path and exit")

	switch mode {
	case Single:
		fs.StringVar(&o.Atlas, "atlas", def.Atlas.Single.Image, "Atlas image")
		fs.StringVar(&o.Mask, "mask", def.Atlas.Single.Mask, "Mask drawn on the atlas")
	case Consensus:
		fs.Float64Var(&o.Threshold, "threshold", def.Consensus.Threshold, "Minimum number of atlas votes a voxel needs (inclusive)")
		fs.IntVar(&o.Jobs, "jobs", def.Processing.NumJobs, "Number of atlases registered at the same time")
	}

	return fs, o
}

// Parse parses args and checks the required flags.
func (o *Options) Parse(args []string) error {
	if err := o.fs.Parse(args); err != nil {
		return err
	}
	if o.WriteConfig != "" {
		return nil
	}
	if o.In == "" || o.Out == "" {
		o.fs.Usage()
		return fmt.Errorf("%w: --in and --out are required", ErrUsage)
	}
	return nil
}

// Config loads the configuration file, if any, and lets flags given on the
// command line override it.
func (o *Options) Config() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if o.ConfigPath != "" {
		var err error
		if cfg, err = config.LoadConfig(o.ConfigPath); err != nil {
			return nil, err
		}
	}

	o.fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "transform":
			cfg.Registration.Transform = o.Transform
		case "n4":
			cfg.BiasCorrection.Enabled = o.N4
		case "atlas":
			cfg.Atlas.Single.Image = o.Atlas
		case "mask":
			cfg.Atlas.Single.Mask = o.Mask
		case "atlas-dir":
			cfg.Atlas.Dir = o.AtlasDir
		case "preview":
			cfg.Output.PreviewDir = o.Preview
		case "keep-work":
			cfg.Toolkit.KeepWorkDir = o.KeepWork
		case "verbose":
			cfg.Output.Verbose = o.Verbose
		case "threshold":
			cfg.Consensus.Threshold = o.Threshold
		case "jobs":
			cfg.Processing.NumJobs = o.Jobs
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Params builds the segmentation parameters from the resolved configuration.
func (o *Options) Params(cfg *config.Config) *segmentation.Params {
	resolve := func(p config.AtlasPair) config.AtlasPair {
		return config.AtlasPair{Image: cfg.ResolveAtlas(p.Image), Mask: cfg.ResolveAtlas(p.Mask)}
	}

	params := &segmentation.Params{
		InputFile:     o.In,
		OutputFile:    o.Out,
		TransformKind: cfg.Registration.Transform,
		BiasCorrect:   cfg.BiasCorrection.Enabled,
		Atlas:         resolve(cfg.Atlas.Single),
		Threshold:     cfg.Consensus.Threshold,
		NumJobs:       cfg.Processing.NumJobs,
		PreviewDir:    cfg.Output.PreviewDir,
	}
	if o.mode == Consensus {
		for _, p := range cfg.Atlas.Multi {
			params.Atlases = append(params.Atlases, resolve(p))
		}
	}
	return params
}

// ToolkitCloser is a toolkit owning resources released by Close.
type ToolkitCloser interface {
	toolkit.Toolkit
	Close() error
}

// NewToolkit builds the ANTs toolkit described by cfg.
func NewToolkit(cfg *config.Config, logger zerolog.Logger) (ToolkitCloser, error) {
	return toolkit.NewANTs(toolkit.Options{
		BinDir:      cfg.Toolkit.BinDir,
		WorkDir:     cfg.Toolkit.WorkDir,
		Threads:     cfg.Toolkit.Threads,
		KeepWorkDir: cfg.Toolkit.KeepWorkDir,
		Verbose:     cfg.Output.Verbose,
		N4: toolkit.N4Options{
			ShrinkFactor:   cfg.BiasCorrection.ShrinkFactor,
			Iterations:     cfg.BiasCorrection.Iterations,
			Tolerance:      cfg.BiasCorrection.Tolerance,
			SplineDistance: cfg.BiasCorrection.SplineDistance,
		},
		Logger: logger,
	})
}

// App runs one command end to end.
type App struct {
	Mode Mode

	// Stdout receives the banner and run summary, Stderr the log
	Stdout io.Writer
	Stderr io.Writer

	// NewToolkit defaults to the ANTs toolkit
	NewToolkit func(*config.Config, zerolog.Logger) (ToolkitCloser, error)
}

// Run parses args and executes the pipeline of the app's mode.
func (a *App) Run(ctx context.Context, args []string) error {
	stdout, stderr := a.Stdout, a.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	newToolkit := a.NewToolkit
	if newToolkit == nil {
		newToolkit = NewToolkit
	}

	_, opts := NewFlagSet(a.Mode, stderr)
	if err := opts.Parse(args); err != nil {
		return err
	}
	if opts.WriteConfig != "" {
		if err := config.CreateDefaultConfigFile(opts.WriteConfig); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Default configuration written to: %s\n", opts.WriteConfig)
		return nil
	}
	cfg, err := opts.Config()
	if err != nil {
		return err
	}
	logger := logging.NewWithWriter(stderr, a.Mode.String(), cfg.Output.Verbose)

	printBanner(stdout, a.Mode)

	tk, err := newToolkit(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to set up toolkit: %w", err)
	}
	defer func() {
		if err := tk.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to remove work directory")
		}
	}()

	params := opts.Params(cfg)
	segmenter := segmentation.NewSegmenter(params, tk, logger)

	switch a.Mode {
	case Consensus:
		err = segmenter.RunConsensus(ctx)
	default:
		err = segmenter.RunSingle(ctx)
	}
	if err != nil {
		return err
	}

	printSummary(stdout, params, segmenter.GetMetrics())
	return nil
}

func printBanner(w io.Writer, mode Mode) {
	fmt.Fprintln(w, "================================")
	if mode == Consensus {
		fmt.Fprintln(w, "MULTI-ATLAS PITUITARY MASK CONSENSUS")
	} else {
		fmt.Fprintln(w, "ATLAS-BASED PITUITARY MASK PROPAGATION")
	}
	fmt.Fprintln(w, "================================")
}

func printSummary(w io.Writer, params *segmentation.Params, m segmentation.Metrics) {
	fmt.Fprintf(w, "\nSegmentation completed successfully in %.2f seconds!\n", m.Elapsed.Seconds())
	fmt.Fprintf(w, "Output mask saved to: %s\n\n", params.OutputFile)

	fmt.Fprintf(w, "Mask Metrics:\n")
	fmt.Fprintf(w, "=============\n")
	fmt.Fprintf(w, "Voxels: %d\n", m.MaskVoxels)
	fmt.Fprintf(w, "Volume: %.2f mm³\n", m.MaskVolume)
	fmt.Fprintf(w, "Labels: %v\n", m.Labels)
	if m.MaskVoxels > 0 {
		fmt.Fprintf(w, "Centroid: (%.2f, %.2f, %.2f) mm\n", m.Centroid[0], m.Centroid[1], m.Centroid[2])
	}

	if len(m.AtlasDice) > 0 {
		fmt.Fprintf(w, "\nAtlas agreement with consensus (threshold %g):\n", params.Threshold)
		for i, d := range m.AtlasDice {
			fmt.Fprintf(w, "- %s: Dice %.3f\n", params.Atlases[i].Mask, d)
		}
	}

	if len(m.Previews) > 0 {
		fmt.Fprintln(w, "\nPreviews saved to:")
		for _, p := range m.Previews {
			fmt.Fprintf(w, "%s\n", p)
		}
	}
}
