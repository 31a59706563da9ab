package consensus

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pituitarymask/internal/models"
	"pituitarymask/pkg/nifti"
)

// randomMasks builds n binary masks of the given shape
func randomMasks(rng *rand.Rand, n, width, height, depth int) []*models.Volume {
	masks := make([]*models.Volume, n)
	for i := range masks {
		m := models.NewVolume(width, height, depth)
		m.DataType = nifti.DTUint8
		for j := range m.Data {
			if rng.Intn(2) == 1 {
				m.Data[j] = 1
			}
		}
		masks[i] = m
	}
	return masks
}

func TestAccumulatorEqualsVoxelwiseSum(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for n := 1; n <= 12; n++ {
		masks := randomMasks(rng, n, 6, 5, 4)

		var acc Accumulator
		for i, m := range masks {
			require.NoError(t, acc.Add(m))

			// after i+1 masks the sum equals the sum of the first i+1 masks
			for v := range m.Data {
				want := 0.0
				for _, prev := range masks[:i+1] {
					want += prev.Data[v]
				}
				if acc.Sum().Data[v] != want {
					t.Fatalf("n=%d after %d masks: voxel %d = %v, want %v", n, i+1, v, acc.Sum().Data[v], want)
				}
			}
		}
		assert.Equal(t, n, acc.Count())
	}
}

func TestAccumulatorDoesNotAliasFirstMask(t *testing.T) {
	first := models.NewVolume(2, 1, 1)
	first.Data = []float64{1, 0}
	second := models.NewVolume(2, 1, 1)
	second.Data = []float64{1, 1}

	var acc Accumulator
	require.NoError(t, acc.Add(first))
	require.NoError(t, acc.Add(second))

	assert.Equal(t, []float64{1, 0}, first.Data)
	assert.Equal(t, []float64{2, 1}, acc.Sum().Data)
}

func TestAccumulatorKeepsGeometryOfFirstMask(t *testing.T) {
	m := models.NewVolume(2, 2, 2)
	m.Spacing = [3]float64{0.5, 0.5, 1.2}
	m.Origin = [3]float64{1, 2, 3}

	var acc Accumulator
	require.NoError(t, acc.Add(m))
	assert.Equal(t, m.Spacing, acc.Sum().Spacing)
	assert.Equal(t, m.Origin, acc.Sum().Origin)
}

func TestAccumulatorRejectsShapeMismatch(t *testing.T) {
	var acc Accumulator
	require.NoError(t, acc.Add(models.NewVolume(3, 3, 3)))

	err := acc.Add(models.NewVolume(3, 3, 2))
	require.ErrorIs(t, err, ErrShapeMismatch)
	assert.Equal(t, 1, acc.Count())
}

func TestAccumulatorEmpty(t *testing.T) {
	var acc Accumulator
	assert.Nil(t, acc.Sum())
	assert.Zero(t, acc.Count())
	assert.Error(t, acc.Add(nil))
}

func TestThresholdIsInclusive(t *testing.T) {
	v := models.NewVolume(7, 1, 1)
	v.Data = []float64{0, 1, 2, 3, 4, 5, 6}

	for low := 0.0; low <= 7; low++ {
		out := ThresholdAtLeast(v, low)
		for i, val := range v.Data {
			want := 0.0
			if val >= low {
				want = 1
			}
			assert.Equal(t, want, out.Data[i], "low=%v value=%v", low, val)
		}
		assert.Equal(t, nifti.DTUint8, out.DataType)
	}
}

func TestThresholdBand(t *testing.T) {
	v := models.NewVolume(5, 1, 1)
	v.Data = []float64{1, 2, 3, 4, 5}

	out := Threshold(v, 2, 4)
	assert.Equal(t, []float64{0, 1, 1, 1, 0}, out.Data)
}

func TestTenAtlasMajorityOfFive(t *testing.T) {
	const atlases = 10
	// voxel i is marked by the first i atlases, so it receives i votes
	width := atlases + 1
	masks := make([]*models.Volume, atlases)
	for a := range masks {
		m := models.NewVolume(width, 1, 1)
		for i := 0; i < width; i++ {
			if a < i {
				m.Data[i] = 1
			}
		}
		masks[a] = m
	}

	var acc Accumulator
	for _, m := range masks {
		require.NoError(t, acc.Add(m))
	}
	out := ThresholdAtLeast(acc.Sum(), 5)

	for votes := 0; votes < width; votes++ {
		want := 0.0
		if votes >= 5 {
			want = 1
		}
		assert.Equal(t, want, out.Data[votes], "voxel with %d votes", votes)
	}
}

func TestDice(t *testing.T) {
	a := models.NewVolume(4, 1, 1)
	a.Data = []float64{1, 1, 0, 0}
	b := models.NewVolume(4, 1, 1)
	b.Data = []float64{1, 0, 1, 0}

	d, err := Dice(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, d, 1e-12)

	d, err = Dice(models.NewVolume(2, 1, 1), models.NewVolume(2, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, 1.0, d)

	_, err = Dice(a, models.NewVolume(3, 1, 1))
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestLabelsAndCount(t *testing.T) {
	v := models.NewVolume(6, 1, 1)
	v.Data = []float64{3, 0, 1, 3, 0, 1}

	assert.Equal(t, []float64{0, 1, 3}, Labels(v))
	assert.Equal(t, 4, CountNonZero(v))
}
