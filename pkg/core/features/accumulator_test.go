package features

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func vec(rms float64, mfcc ...float64) AudioFeatures {
	return AudioFeatures{MFCC: mfcc, RMS: rms}
}

func TestAccumulatorAverage(t *testing.T) {
	acc := NewAccumulator(vec(0.2, 1, 2), 1)
	acc.Update(vec(0.4, 3, 4), 1)

	avg := acc.Average()
	assert.InDelta(t, 0.3, avg.RMS, 1e-9)
	require.Len(t, avg.MFCC, 2)
	assert.InDelta(t, 2, avg.MFCC[0], 1e-9)
	assert.InDelta(t, 3, avg.MFCC[1], 1e-9)
	assert.Equal(t, 2, acc.Count())
}

func TestAccumulatorWeighting(t *testing.T) {
	acc := NewAccumulator(vec(0.1), 3)
	acc.Update(vec(0.5), 1)

	// (0.1*3 + 0.5*1) / 4 = 0.2
	assert.InDelta(t, 0.2, acc.Average().RMS, 1e-9)
	assert.InDelta(t, 4, acc.TotalWeight(), 1e-9)
}

func TestAccumulatorNormalizesBadWeights(t *testing.T) {
	for _, w := range []float64{0, -2, math.NaN(), math.Inf(1), math.Inf(-1)} {
		acc := NewAccumulator(vec(0.4), w)
		assert.InDelta(t, 1, acc.TotalWeight(), 1e-9)

		acc.Update(vec(0.2), w)
		assert.InDelta(t, 2, acc.TotalWeight(), 1e-9)
		assert.InDelta(t, 0.3, acc.Average().RMS, 1e-9)
	}
}

func TestAccumulatorZeroPadsShorterMFCC(t *testing.T) {
	acc := NewAccumulator(vec(0, 1, 1), 1)
	acc.Update(vec(0, 2, 2, 4), 1)

	avg := acc.Average()
	require.Len(t, avg.MFCC, 3)
	assert.InDelta(t, 1.5, avg.MFCC[0], 1e-9)
	assert.InDelta(t, 1.5, avg.MFCC[1], 1e-9)
	assert.InDelta(t, 2, avg.MFCC[2], 1e-9)
}

func TestAccumulatorAveragePure(t *testing.T) {
	acc := NewAccumulator(vec(0.5, 1), 1)
	first := acc.Average()
	first.MFCC[0] = 99

	second := acc.Average()
	assert.InDelta(t, 1, second.MFCC[0], 1e-9)
}

func TestAccumulatorOrderIndependence(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 8).Draw(t, "n")
		type sample struct {
			f AudioFeatures
			w float64
		}
		samples := make([]sample, n)
		for i := range samples {
			mfccLen := rapid.IntRange(0, 5).Draw(t, "mfccLen")
			mfcc := make([]float64, mfccLen)
			for j := range mfcc {
				mfcc[j] = rapid.Float64Range(-10, 10).Draw(t, "coef")
			}
			samples[i] = sample{
				f: AudioFeatures{
					MFCC:       mfcc,
					RMS:        rapid.Float64Range(0, 1).Draw(t, "rms"),
					PauseRatio: rapid.Float64Range(0, 1).Draw(t, "pause"),
				},
				w: rapid.Float64Range(0.1, 5).Draw(t, "w"),
			}
		}

		fold := func(order []int) AudioFeatures {
			acc := NewAccumulator(samples[order[0]].f, samples[order[0]].w)
			for _, i := range order[1:] {
				acc.Update(samples[i].f, samples[i].w)
			}
			return acc.Average()
		}

		forward := make([]int, n)
		for i := range forward {
			forward[i] = i
		}
		shuffled := append([]int(nil), forward...)
		rand.New(rand.NewSource(int64(rapid.IntRange(0, 1<<30).Draw(t, "seed")))).Shuffle(n, func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		a, b := fold(forward), fold(shuffled)
		assert.InDelta(t, a.RMS, b.RMS, 1e-9)
		assert.InDelta(t, a.PauseRatio, b.PauseRatio, 1e-9)
		require.Equal(t, len(a.MFCC), len(b.MFCC))
		for i := range a.MFCC {
			assert.InDelta(t, a.MFCC[i], b.MFCC[i], 1e-9)
		}
	})
}
