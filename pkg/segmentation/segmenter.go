// Package segmentation propagates an atlas region-of-interest mask into the
// space of a subject scan, either from a single atlas or by voting over
// several atlases.
package segmentation

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pituitarymask/internal/models"
	"pituitarymask/pkg/config"
	"pituitarymask/pkg/consensus"
	"pituitarymask/pkg/nifti"
	"pituitarymask/pkg/toolkit"
	"pituitarymask/pkg/visualization"
)

// Params holds the segmentation parameters shared by both pipelines.
type Params struct {
	// InputFile is the subject scan
	InputFile string

	// OutputFile is where the subject-space mask is written
	OutputFile string

	// TransformKind is the registration type, e.g. Affine or SyN
	TransformKind string

	// BiasCorrect runs N4 on the subject before any registration
	BiasCorrect bool

	// Atlas is used by RunSingle
	Atlas config.AtlasPair

	// Atlases are voted over by RunConsensus
	Atlases []config.AtlasPair

	// Threshold is the inclusive minimum vote count kept by RunConsensus
	Threshold float64

	// NumJobs bounds how many atlases are registered at once
	NumJobs int

	// PreviewDir receives PNG previews of the result when set
	PreviewDir string
}

// Validate checks the parameters common to both pipelines.
func (p *Params) Validate() error {
	if p.InputFile == "" {
		return fmt.Errorf("input file is required")
	}
	if p.OutputFile == "" {
		return fmt.Errorf("output file is required")
	}
	if !nifti.IsNifti(p.InputFile) {
		return fmt.Errorf("%w: input %s is not a .nii or .nii.gz file", nifti.ErrUnsupported, p.InputFile)
	}
	if !nifti.IsNifti(p.OutputFile) {
		return fmt.Errorf("%w: output %s is not a .nii or .nii.gz file", nifti.ErrUnsupported, p.OutputFile)
	}
	return toolkit.ValidateTransformKind(p.TransformKind)
}

// Metrics summarises the produced mask.
type Metrics struct {
	// MaskVoxels is the number of non-zero voxels in the output
	MaskVoxels int

	// MaskVolume is the physical volume of the output mask in mm³
	MaskVolume float64

	// Labels are the distinct values found in the output
	Labels []float64

	// Centroid is the centre of mass of the mask in world coordinates (mm).
	// Only meaningful when MaskVoxels > 0.
	Centroid [3]float64

	// AtlasDice is the overlap of each warped atlas mask with the consensus,
	// in atlas order. Empty for single-atlas runs.
	AtlasDice []float64

	// Elapsed is the wall time of the run
	Elapsed time.Duration

	// Previews lists the PNG files written, if any
	Previews []string
}

// Segmenter runs the atlas-based segmentation pipelines.
type Segmenter struct {
	params  *Params
	tk      toolkit.Toolkit
	log     zerolog.Logger
	metrics Metrics
}

// NewSegmenter creates a segmenter that delegates image operations to tk.
func NewSegmenter(params *Params, tk toolkit.Toolkit, logger zerolog.Logger) *Segmenter {
	return &Segmenter{
		params: params,
		tk:     tk,
		log:    logger,
	}
}

// GetMetrics returns the metrics of the last run.
func (s *Segmenter) GetMetrics() Metrics {
	return s.metrics
}

// RunSingle registers one atlas to the subject and writes its warped mask.
func (s *Segmenter) RunSingle(ctx context.Context) error {
	if err := s.params.Validate(); err != nil {
		return err
	}
	start := time.Now()

	// Step 1: subject image, bias corrected before any registration
	subject, err := s.loadSubject(ctx)
	if err != nil {
		return err
	}

	// Step 2: register the atlas and carry its mask into subject space
	warped, err := s.warpAtlas(ctx, subject, s.params.Atlas, 0)
	if err != nil {
		return err
	}

	// Step 3: write the result
	if err := s.writeOutput(subject, warped); err != nil {
		return err
	}

	s.metrics.Elapsed = time.Since(start)
	return nil
}

// RunConsensus registers every atlas to the subject, sums the warped masks
// and keeps the voxels with at least Threshold votes.
func (s *Segmenter) RunConsensus(ctx context.Context) error {
	if err := s.params.Validate(); err != nil {
		return err
	}
	if len(s.params.Atlases) == 0 {
		return fmt.Errorf("no atlases configured")
	}
	start := time.Now()

	// Step 1: subject image, bias corrected before any registration
	subject, err := s.loadSubject(ctx)
	if err != nil {
		return err
	}

	// Step 2: warp each atlas mask and fold it into the vote sum
	jobs := s.params.NumJobs
	if jobs < 1 {
		jobs = 1
	}
	var (
		acc    consensus.Accumulator
		mu     sync.Mutex
		warped = make([]*models.Volume, len(s.params.Atlases))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for i, pair := range s.params.Atlases {
		i, pair := i, pair
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			mask, err := s.warpAtlas(gctx, subject, pair, i+1)
			if err != nil {
				return fmt.Errorf("atlas %d (%s): %w", i+1, pair.Image, err)
			}

			mu.Lock()
			defer mu.Unlock()
			warped[i] = mask.Volume
			if err := acc.Add(mask.Volume); err != nil {
				return fmt.Errorf("atlas %d (%s): %w", i+1, pair.Image, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Step 3: threshold the vote sum
	s.log.Info().Float64("threshold", s.params.Threshold).Int("atlases", acc.Count()).Msg("applying threshold")
	out, err := s.tk.ThresholdMask(toolkit.NewImage(acc.Sum()), s.params.Threshold)
	if err != nil {
		return fmt.Errorf("failed to threshold vote sum: %w", err)
	}
	s.log.Info().Msg("done")

	// Step 4: write the result
	if err := s.writeOutput(subject, out); err != nil {
		return err
	}

	s.metrics.AtlasDice = make([]float64, len(warped))
	for i, m := range warped {
		d, err := consensus.Dice(m, out.Volume)
		if err != nil {
			return fmt.Errorf("failed to compare atlas %d with consensus: %w", i+1, err)
		}
		s.metrics.AtlasDice[i] = d
	}
	s.metrics.Elapsed = time.Since(start)
	return nil
}

// loadSubject reads the subject image and applies N4 when requested.
func (s *Segmenter) loadSubject(ctx context.Context) (*toolkit.Image, error) {
	s.log.Info().Str("path", s.params.InputFile).Msg("reading image")
	img, err := s.tk.ReadImage(s.params.InputFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read input image: %w", err)
	}
	s.log.Info().Msg("done")

	if s.params.BiasCorrect {
		s.log.Info().Msg("performing N4 bias field correction")
		img, err = s.tk.BiasCorrect(ctx, img)
		if err != nil {
			return nil, fmt.Errorf("failed to bias correct input image: %w", err)
		}
		s.log.Info().Msg("done")
	}
	return img, nil
}

// warpAtlas registers one atlas onto the subject and resamples its mask with
// nearest-neighbour interpolation so that label values are preserved.
// index is 0 for the single-atlas pipeline.
func (s *Segmenter) warpAtlas(ctx context.Context, subject *toolkit.Image, pair config.AtlasPair, index int) (*toolkit.Image, error) {
	log := s.log
	if index > 0 {
		log = s.log.With().Int("atlas", index).Logger()
	}

	log.Info().Str("atlas", pair.Image).Str("mask", pair.Mask).Msg("reading atlas and mask")
	atlas, err := s.tk.ReadImage(pair.Image)
	if err != nil {
		return nil, fmt.Errorf("failed to read atlas: %w", err)
	}
	mask, err := s.tk.ReadImage(pair.Mask)
	if err != nil {
		return nil, fmt.Errorf("failed to read mask: %w", err)
	}

	log.Info().Str("kind", s.params.TransformKind).Msg("registering atlas to image")
	start := time.Now()
	fwd, err := s.tk.Register(ctx, subject, atlas, s.params.TransformKind)
	if err != nil {
		return nil, fmt.Errorf("failed to register atlas: %w", err)
	}
	log.Info().Dur("elapsed", time.Since(start)).Msg("done")

	log.Info().Int("transforms", len(fwd)).Msg("applying transform to mask")
	warped, err := s.tk.ApplyTransforms(ctx, subject, mask, fwd, toolkit.NearestNeighbor)
	if err != nil {
		return nil, fmt.Errorf("failed to warp mask: %w", err)
	}
	log.Info().Msg("done")
	return warped, nil
}

// writeOutput stores the mask, records its metrics and renders previews.
func (s *Segmenter) writeOutput(subject, mask *toolkit.Image) error {
	s.log.Info().Str("path", s.params.OutputFile).Msg("writing warped mask")
	if err := s.tk.WriteImage(mask, s.params.OutputFile); err != nil {
		return fmt.Errorf("failed to write output mask: %w", err)
	}
	s.log.Info().Msg("done")

	v := mask.Volume
	s.metrics.MaskVoxels = consensus.CountNonZero(v)
	s.metrics.MaskVolume = float64(s.metrics.MaskVoxels) * v.VoxelVolume()
	s.metrics.Labels = consensus.Labels(v)
	s.metrics.Centroid = maskCentroid(v)

	if s.params.PreviewDir != "" {
		paths, err := s.savePreviews(subject, mask)
		if err != nil {
			s.log.Warn().Err(err).Str("dir", s.params.PreviewDir).Msg("failed to save previews")
		}
		s.metrics.Previews = paths
	}
	return nil
}

func (s *Segmenter) savePreviews(subject, mask *toolkit.Image) ([]string, error) {
	viewer, err := visualization.NewViewer(subject.Volume, mask.Volume)
	if err != nil {
		return nil, err
	}
	return viewer.SaveOrthogonal(s.params.PreviewDir, outputPrefix(s.params.OutputFile))
}

// maskCentroid returns the world position of the mean non-zero voxel index,
// or the world origin of voxel (0,0,0) for an empty mask.
func maskCentroid(v *models.Volume) [3]float64 {
	var sx, sy, sz float64
	n := 0
	for z := 0; z < v.Depth; z++ {
		for y := 0; y < v.Height; y++ {
			for x := 0; x < v.Width; x++ {
				if v.At(x, y, z) != 0 {
					sx += float64(x)
					sy += float64(y)
					sz += float64(z)
					n++
				}
			}
		}
	}
	if n == 0 {
		return v.WorldPoint(0, 0, 0)
	}
	return v.WorldPoint(sx/float64(n), sy/float64(n), sz/float64(n))
}

// outputPrefix strips the directory and NIfTI extensions from a file name.
func outputPrefix(path string) string {
	prefix := filepath.Base(path)
	prefix = strings.TrimSuffix(prefix, ".gz")
	prefix = strings.TrimSuffix(prefix, ".nii")
	return prefix
}
