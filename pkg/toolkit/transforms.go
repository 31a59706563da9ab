package toolkit

import (
	"fmt"
	"sort"
)

// stage is one antsRegistration --transform/--metric/... block.
type stage struct {
	transform   string
	metric      string // format string taking fixed and moving paths
	convergence string
	shrink      string
	smoothing   string
}

func (s stage) args(fixed, moving string) []string {
	return []string{
		"--transform", s.transform,
		"--metric", fmt.Sprintf(s.metric, fixed, moving),
		"--convergence", s.convergence,
		"--shrink-factors", s.shrink,
		"--smoothing-sigmas", s.smoothing,
	}
}

func linearStage(name string) stage {
	return stage{
		transform:   name + "[0.25]",
		metric:      "MI[%s,%s,1,32,Regular,0.2]",
		convergence: "[2100x1200x1200x10,1e-6,10]",
		shrink:      "6x4x2x1",
		smoothing:   "3x2x1x0vox",
	}
}

var synStage = stage{
	transform:   "SyN[0.2,3,0]",
	metric:      "MI[%s,%s,1,32]",
	convergence: "[40x20x0,1e-7,8]",
	shrink:      "4x2x1",
	smoothing:   "2x1x0vox",
}

// recipe describes how a named registration type maps onto antsRegistration.
type recipe struct {
	stages []stage

	// initialize aligns the centres of mass before the first stage
	initialize bool
}

func (r recipe) deformable() bool {
	for _, s := range r.stages {
		if s.transform == synStage.transform {
			return true
		}
	}
	return false
}

// outputs lists the transform files antsRegistration writes for prefix, in
// antsApplyTransforms order. Linear stages are collapsed into one affine.
func (r recipe) outputs(prefix string) TransformList {
	switch {
	case r.deformable() && r.initialize:
		return TransformList{prefix + "1Warp.nii.gz", prefix + "0GenericAffine.mat"}
	case r.deformable():
		return TransformList{prefix + "0Warp.nii.gz"}
	default:
		return TransformList{prefix + "0GenericAffine.mat"}
	}
}

var recipes = map[string]recipe{
	"Translation": {stages: []stage{linearStage("Translation")}, initialize: true},
	"Rigid":       {stages: []stage{linearStage("Rigid")}, initialize: true},
	"Similarity":  {stages: []stage{linearStage("Similarity")}, initialize: true},
	"Affine":      {stages: []stage{linearStage("Affine")}, initialize: true},
	"SyN":         {stages: []stage{linearStage("Affine"), synStage}, initialize: true},
	"SyNRA":       {stages: []stage{linearStage("Rigid"), linearStage("Affine"), synStage}, initialize: true},
	"SyNOnly":     {stages: []stage{synStage}},
}

// TransformKinds returns the supported registration types, sorted.
func TransformKinds() []string {
	kinds := make([]string, 0, len(recipes))
	for k := range recipes {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// ValidateTransformKind reports whether kind names a supported registration type.
func ValidateTransformKind(kind string) error {
	if _, ok := recipes[kind]; !ok {
		return fmt.Errorf("%w: %q (supported: %v)", ErrUnknownTransform, kind, TransformKinds())
	}
	return nil
}

// RegistrationArgs builds the antsRegistration arguments registering moving
// onto fixed and returns the transform files the command will produce.
func RegistrationArgs(kind, fixed, moving, prefix string, verbose bool) ([]string, TransformList, error) {
	r, ok := recipes[kind]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q (supported: %v)", ErrUnknownTransform, kind, TransformKinds())
	}

	args := []string{
		"--dimensionality", "3",
		"--float", "0",
		"--collapse-output-transforms", "1",
		"--output", prefix,
		"--interpolation", "Linear",
		"--winsorize-image-intensities", "[0.005,0.995]",
		"--use-histogram-matching", "0",
	}
	if r.initialize {
		args = append(args, "--initial-moving-transform", fmt.Sprintf("[%s,%s,1]", fixed, moving))
	}
	for _, s := range r.stages {
		args = append(args, s.args(fixed, moving)...)
	}
	if verbose {
		args = append(args, "--verbose", "1")
	}
	return args, r.outputs(prefix), nil
}
