package toolkit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pituitarymask/pkg/consensus"
	"pituitarymask/pkg/nifti"
)

// N4Options holds the N4BiasFieldCorrection parameters.
type N4Options struct {
	ShrinkFactor   int
	Iterations     []int
	Tolerance      float64
	SplineDistance float64
}

// DefaultN4Options returns shrink factor 4, 4x50 iterations at 1e-7 and a
// 200mm B-spline distance.
func DefaultN4Options() N4Options {
	return N4Options{
		ShrinkFactor:   4,
		Iterations:     []int{50, 50, 50, 50},
		Tolerance:      1e-7,
		SplineDistance: 200,
	}
}

// Options configures the ANTs toolkit.
type Options struct {
	// BinDir holds the ANTs executables; empty means PATH lookup
	BinDir string

	// WorkDir is the parent of the scratch directory
	WorkDir string

	// Threads is exported as ITK_GLOBAL_DEFAULT_NUMBER_OF_THREADS when > 0
	Threads int

	KeepWorkDir bool
	Verbose     bool
	N4          N4Options

	// Runner defaults to ExecRunner
	Runner CommandRunner
	Logger zerolog.Logger
}

// ANTs implements Toolkit on top of the ANTs command-line tools.
type ANTs struct {
	opts   Options
	runner CommandRunner
	log    zerolog.Logger
	dir    string

	seq atomic.Int64
	mu  sync.Mutex
}

var _ Toolkit = (*ANTs)(nil)

// NewANTs creates the per-run scratch directory and returns the toolkit.
// Close removes the directory.
func NewANTs(opts Options) (*ANTs, error) {
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if opts.N4.ShrinkFactor == 0 {
		opts.N4 = DefaultN4Options()
	}

	dir := filepath.Join(opts.WorkDir, "pituitarymask-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	return &ANTs{
		opts:   opts,
		runner: opts.Runner,
		log:    opts.Logger.With().Str("workdir", dir).Logger(),
		dir:    dir,
	}, nil
}

// Dir returns the scratch directory.
func (a *ANTs) Dir() string {
	return a.dir
}

// Close removes the scratch directory unless KeepWorkDir is set.
func (a *ANTs) Close() error {
	if a.opts.KeepWorkDir {
		a.log.Info().Msg("keeping work directory")
		return nil
	}
	return os.RemoveAll(a.dir)
}

// ReadImage loads a NIfTI file.
func (a *ANTs) ReadImage(path string) (*Image, error) {
	v, err := nifti.Read(path)
	if err != nil {
		return nil, err
	}
	return &Image{Volume: v, Path: path}, nil
}

// WriteImage stores the image as NIfTI at path.
func (a *ANTs) WriteImage(img *Image, path string) error {
	if img == nil || img.Volume == nil {
		return fmt.Errorf("no image to write")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nifti.Write(img.Volume, path)
}

// BiasCorrect runs N4BiasFieldCorrection on the image.
func (a *ANTs) BiasCorrect(ctx context.Context, img *Image) (*Image, error) {
	in, err := a.materialize(img)
	if err != nil {
		return nil, err
	}
	out := a.scratchPath("n4", ".nii.gz")

	n4 := a.opts.N4
	iters := make([]string, len(n4.Iterations))
	for i, it := range n4.Iterations {
		iters[i] = strconv.Itoa(it)
	}
	args := []string{
		"--image-dimensionality", "3",
		"--input-image", in,
		"--output", out,
		"--shrink-factor", strconv.Itoa(n4.ShrinkFactor),
		"--convergence", fmt.Sprintf("[%s,%s]", strings.Join(iters, "x"), formatFloat(n4.Tolerance)),
		"--bspline-fitting", fmt.Sprintf("[%s]", formatFloat(n4.SplineDistance)),
	}
	if err := a.run(ctx, "N4BiasFieldCorrection", args...); err != nil {
		return nil, err
	}
	return a.ReadImage(out)
}

// Register runs antsRegistration with fixed and moving images and returns
// the forward transforms.
func (a *ANTs) Register(ctx context.Context, fixed, moving *Image, kind string) (TransformList, error) {
	if err := ValidateTransformKind(kind); err != nil {
		return nil, err
	}
	fixedPath, err := a.materialize(fixed)
	if err != nil {
		return nil, err
	}
	movingPath, err := a.materialize(moving)
	if err != nil {
		return nil, err
	}

	prefix := a.scratchPath("reg", "_")
	args, transforms, err := RegistrationArgs(kind, fixedPath, movingPath, prefix, a.opts.Verbose)
	if err != nil {
		return nil, err
	}
	if err := a.run(ctx, "antsRegistration", args...); err != nil {
		return nil, err
	}

	for _, t := range transforms {
		if _, err := os.Stat(t); err != nil {
			return nil, fmt.Errorf("antsRegistration did not produce %s: %w", filepath.Base(t), err)
		}
	}
	return transforms, nil
}

// ApplyTransforms runs antsApplyTransforms, resampling moving onto the grid of
// fixed. Label interpolators keep the storage type of the moving image.
func (a *ANTs) ApplyTransforms(ctx context.Context, fixed, moving *Image, transforms TransformList, interp Interpolator) (*Image, error) {
	if err := interp.Validate(); err != nil {
		return nil, err
	}
	if len(transforms) == 0 {
		return nil, fmt.Errorf("empty transform list")
	}
	fixedPath, err := a.materialize(fixed)
	if err != nil {
		return nil, err
	}
	movingPath, err := a.materialize(moving)
	if err != nil {
		return nil, err
	}

	out := a.scratchPath("warped", ".nii.gz")
	args := []string{
		"--dimensionality", "3",
		"--input", movingPath,
		"--reference-image", fixedPath,
		"--output", out,
		"--interpolation", string(interp),
	}
	for _, t := range transforms {
		args = append(args, "--transform", t)
	}
	if err := a.run(ctx, "antsApplyTransforms", args...); err != nil {
		return nil, err
	}

	warped, err := a.ReadImage(out)
	if err != nil {
		return nil, err
	}
	if interp == NearestNeighbor || interp == GenericLabel {
		warped.Volume.DataType = moving.Volume.DataType
	}
	return warped, nil
}

// ThresholdMask keeps voxels whose value is at least low.
func (a *ANTs) ThresholdMask(img *Image, low float64) (*Image, error) {
	if img == nil || img.Volume == nil {
		return nil, fmt.Errorf("no image to threshold")
	}
	return NewImage(consensus.ThresholdAtLeast(img.Volume, low)), nil
}

// materialize makes sure the image exists on disk and returns its path.
func (a *ANTs) materialize(img *Image) (string, error) {
	if img == nil || img.Volume == nil {
		return "", fmt.Errorf("missing image")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if img.Path != "" {
		return img.Path, nil
	}
	path := a.scratchPath("image", ".nii.gz")
	if err := nifti.Write(img.Volume, path); err != nil {
		return "", fmt.Errorf("failed to stage image for toolkit: %w", err)
	}
	img.Path = path
	return path, nil
}

func (a *ANTs) scratchPath(stem, suffix string) string {
	n := a.seq.Add(1)
	return filepath.Join(a.dir, fmt.Sprintf("%03d_%s%s", n, stem, suffix))
}

func (a *ANTs) binary(name string) string {
	if a.opts.BinDir == "" {
		return name
	}
	return filepath.Join(a.opts.BinDir, name)
}

func (a *ANTs) run(ctx context.Context, tool string, args ...string) error {
	var env []string
	if a.opts.Threads > 0 {
		env = append(env, "ITK_GLOBAL_DEFAULT_NUMBER_OF_THREADS="+strconv.Itoa(a.opts.Threads))
	}

	a.log.Debug().Str("tool", tool).Strs("args", args).Msg("running")
	start := time.Now()
	stdout, stderr, code, err := a.runner.Run(ctx, env, a.binary(tool), args...)
	if err != nil {
		return &ToolError{Tool: tool, ExitCode: code, Stderr: string(stderr), Err: err}
	}
	if a.opts.Verbose && len(stdout) > 0 {
		a.log.Debug().Str("tool", tool).Msg(strings.TrimSpace(string(stdout)))
	}
	a.log.Debug().Str("tool", tool).Dur("elapsed", time.Since(start)).Msg("finished")
	return nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
