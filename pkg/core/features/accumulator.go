package features

import "math"

// Accumulator keeps the weighted running sum of feature vectors across a
// session. Updates commute: feeding the same vectors in any order yields the
// same average.
type Accumulator struct {
	sums        AudioFeatures
	totalWeight float64
	count       int
}

// NewAccumulator seeds an accumulator with an initial vector. Weights that
// are non-positive or non-finite are normalized to 1.
func NewAccumulator(f AudioFeatures, weight float64) *Accumulator {
	weight = normalizeWeight(weight)
	return &Accumulator{
		sums:        scale(f, weight),
		totalWeight: weight,
		count:       1,
	}
}

// Update folds another vector into the running sums. When the incoming MFCC
// list is longer than the accumulated one, the accumulated list is zero-padded
// to match; coefficients are never truncated.
func (a *Accumulator) Update(f AudioFeatures, weight float64) {
	weight = normalizeWeight(weight)
	if len(f.MFCC) > len(a.sums.MFCC) {
		padded := make([]float64, len(f.MFCC))
		copy(padded, a.sums.MFCC)
		a.sums.MFCC = padded
	}
	for i, c := range f.MFCC {
		a.sums.MFCC[i] += c * weight
	}
	a.sums.SpectralCentroid += f.SpectralCentroid * weight
	a.sums.SpectralFlux += f.SpectralFlux * weight
	a.sums.RMS += f.RMS * weight
	a.sums.ZCR += f.ZCR * weight
	a.sums.SpeechRate += f.SpeechRate * weight
	a.sums.PauseRatio += f.PauseRatio * weight
	a.sums.PitchMean += f.PitchMean * weight
	a.sums.PitchRange += f.PitchRange * weight
	a.totalWeight += weight
	a.count++
}

// Average returns the weighted mean vector. The receiver is not modified and
// the returned MFCC slice is detached from internal state.
func (a *Accumulator) Average() AudioFeatures {
	if a.totalWeight == 0 {
		return AudioFeatures{MFCC: make([]float64, len(a.sums.MFCC))}
	}
	return scale(a.sums, 1/a.totalWeight)
}

// Count reports how many vectors have been folded in.
func (a *Accumulator) Count() int {
	return a.count
}

// TotalWeight reports the accumulated weight.
func (a *Accumulator) TotalWeight() float64 {
	return a.totalWeight
}

func normalizeWeight(w float64) float64 {
	if math.IsNaN(w) || math.IsInf(w, 0) || w <= 0 {
		return 1
	}
	return w
}

func scale(f AudioFeatures, factor float64) AudioFeatures {
	out := f
	out.MFCC = make([]float64, len(f.MFCC))
	for i, c := range f.MFCC {
		out.MFCC[i] = c * factor
	}
	out.SpectralCentroid *= factor
	out.SpectralFlux *= factor
	out.RMS *= factor
	out.ZCR *= factor
	out.SpeechRate *= factor
	out.PauseRatio *= factor
	out.PitchMean *= factor
	out.PitchRange *= factor
	return out
}
