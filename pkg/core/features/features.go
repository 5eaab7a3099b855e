// Package features extracts acoustic descriptors from raw voice audio and
// maintains the per-session weighted running average used as stress and
// fatigue proxies.
package features

import (
	"math"

	"github.com/stillpoint-app/checkin/pkg/core"
)

// AudioFeatures is one scalar descriptor vector per analysis window.
type AudioFeatures struct {
	MFCC             []float64 `json:"mfcc"`
	SpectralCentroid float64   `json:"spectral_centroid"`
	SpectralFlux     float64   `json:"spectral_flux"`
	RMS              float64   `json:"rms"`
	ZCR              float64   `json:"zcr"`
	SpeechRate       float64   `json:"speech_rate"`
	PauseRatio       float64   `json:"pause_ratio"`
	PitchMean        float64   `json:"pitch_mean"`
	PitchRange       float64   `json:"pitch_range"`
}

// ExtractorConfig configures windowed feature extraction.
type ExtractorConfig struct {
	SampleRate int
	// WindowSize is the analysis window in samples. Default: 400 (25ms at 16k).
	WindowSize int
	// MFCCCount is the number of cepstral coefficients. Default: 13.
	MFCCCount int
	// SilenceRMS is the window RMS below which a window counts as a pause.
	SilenceRMS float64
}

// DefaultExtractorConfig returns extraction defaults for 16 kHz capture.
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		SampleRate: 16000,
		WindowSize: 400,
		MFCCCount:  13,
		SilenceRMS: 0.015,
	}
}

// Extractor computes AudioFeatures over a PCM16 segment.
type Extractor struct {
	cfg ExtractorConfig
}

// NewExtractor creates an extractor with the given configuration.
func NewExtractor(cfg ExtractorConfig) *Extractor {
	def := DefaultExtractorConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MFCCCount <= 0 {
		cfg.MFCCCount = def.MFCCCount
	}
	if cfg.SilenceRMS <= 0 {
		cfg.SilenceRMS = def.SilenceRMS
	}
	return &Extractor{cfg: cfg}
}

// Extract computes the feature vector for one PCM16 little-endian segment.
func (e *Extractor) Extract(pcm []byte) (AudioFeatures, error) {
	samples := pcm16ToFloat(pcm)
	if len(samples) < e.cfg.WindowSize {
		return AudioFeatures{}, core.NewAnalysisError("segment shorter than one analysis window", nil)
	}

	var (
		centroidSum float64
		fluxSum     float64
		prevSpec    []float64
		voiced      int
		silent      int
		pitches     []float64
		peaks       int
		aboveSil    bool
	)

	windows := 0
	for off := 0; off+e.cfg.WindowSize <= len(samples); off += e.cfg.WindowSize {
		win := samples[off : off+e.cfg.WindowSize]
		windows++

		rms := rmsOf(win)
		if rms < e.cfg.SilenceRMS {
			silent++
			if aboveSil {
				aboveSil = false
			}
			prevSpec = nil
			continue
		}
		voiced++
		// Rising edge of an energy burst approximates a syllable onset.
		if !aboveSil {
			peaks++
			aboveSil = true
		}

		spec := magnitudeSpectrum(hamming(win))
		centroidSum += spectralCentroid(spec, e.cfg.SampleRate)
		if prevSpec != nil {
			fluxSum += spectralFlux(spec, prevSpec)
		}
		prevSpec = spec

		if p := autocorrPitch(win, e.cfg.SampleRate); p > 0 {
			pitches = append(pitches, p)
		}
	}

	if voiced == 0 {
		return AudioFeatures{}, core.NewAnalysisError("no voiced windows in segment", nil)
	}

	out := AudioFeatures{
		RMS:              rmsOf(samples),
		ZCR:              zeroCrossingRate(samples),
		SpectralCentroid: centroidSum / float64(voiced),
		PauseRatio:       float64(silent) / float64(windows),
	}
	if voiced > 1 {
		out.SpectralFlux = fluxSum / float64(voiced-1)
	}

	segmentSeconds := float64(len(samples)) / float64(e.cfg.SampleRate)
	if segmentSeconds > 0 {
		out.SpeechRate = float64(peaks) / segmentSeconds
	}

	if len(pitches) > 0 {
		minP, maxP, sumP := pitches[0], pitches[0], 0.0
		for _, p := range pitches {
			sumP += p
			if p < minP {
				minP = p
			}
			if p > maxP {
				maxP = p
			}
		}
		out.PitchMean = sumP / float64(len(pitches))
		out.PitchRange = maxP - minP
	}

	out.MFCC = mfcc(samples[:e.cfg.WindowSize*min(windows, 8)], e.cfg.SampleRate, e.cfg.WindowSize, e.cfg.MFCCCount)
	return out, nil
}

func pcm16ToFloat(pcm []byte) []float64 {
	n := len(pcm) / 2
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float64(s) / 32768.0
	}
	return out
}

func rmsOf(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func zeroCrossingRate(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}

func hamming(win []float64) []float64 {
	out := make([]float64, len(win))
	n := float64(len(win) - 1)
	for i, s := range win {
		out[i] = s * (0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/n))
	}
	return out
}

// magnitudeSpectrum computes |DFT| for the first half of the window. The
// windows are short (25ms), so the naive transform stays cheap enough.
func magnitudeSpectrum(win []float64) []float64 {
	n := len(win)
	half := n/2 + 1
	out := make([]float64, half)
	for k := 0; k < half; k++ {
		var re, im float64
		for i, s := range win {
			angle := -2 * math.Pi * float64(k) * float64(i) / float64(n)
			re += s * math.Cos(angle)
			im += s * math.Sin(angle)
		}
		out[k] = math.Hypot(re, im)
	}
	return out
}

func spectralCentroid(spec []float64, sampleRate int) float64 {
	var weighted, total float64
	binHz := float64(sampleRate) / float64((len(spec)-1)*2)
	for k, m := range spec {
		weighted += float64(k) * binHz * m
		total += m
	}
	if total == 0 {
		return 0
	}
	return weighted / total
}

func spectralFlux(spec, prev []float64) float64 {
	n := len(spec)
	if len(prev) < n {
		n = len(prev)
	}
	var sum float64
	for k := 0; k < n; k++ {
		d := spec[k] - prev[k]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// autocorrPitch estimates fundamental frequency by autocorrelation over the
// plausible speaking range (60-400 Hz). Returns 0 when no clear peak exists.
func autocorrPitch(win []float64, sampleRate int) float64 {
	minLag := sampleRate / 400
	maxLag := sampleRate / 60
	if maxLag >= len(win) {
		maxLag = len(win) - 1
	}
	if minLag < 1 || minLag >= maxLag {
		return 0
	}

	var energy float64
	for _, s := range win {
		energy += s * s
	}
	if energy == 0 {
		return 0
	}

	bestLag, bestCorr := 0, 0.0
	for lag := minLag; lag <= maxLag; lag++ {
		var corr float64
		for i := 0; i+lag < len(win); i++ {
			corr += win[i] * win[i+lag]
		}
		if corr > bestCorr {
			bestCorr = corr
			bestLag = lag
		}
	}
	// Require a meaningful periodic component.
	if bestLag == 0 || bestCorr/energy < 0.3 {
		return 0
	}
	return float64(sampleRate) / float64(bestLag)
}

// mfcc computes mel-frequency cepstral coefficients averaged over the
// given windows.
func mfcc(samples []float64, sampleRate, windowSize, coeffCount int) []float64 {
	const filterCount = 26
	acc := make([]float64, coeffCount)
	windows := 0

	for off := 0; off+windowSize <= len(samples); off += windowSize {
		spec := magnitudeSpectrum(hamming(samples[off : off+windowSize]))
		energies := melFilterbank(spec, sampleRate, filterCount)
		for i := range energies {
			if energies[i] <= 0 {
				energies[i] = 1e-10
			}
			energies[i] = math.Log(energies[i])
		}
		for c := 0; c < coeffCount; c++ {
			var sum float64
			for m := 0; m < filterCount; m++ {
				sum += energies[m] * math.Cos(math.Pi*float64(c)*(float64(m)+0.5)/float64(filterCount))
			}
			acc[c] += sum
		}
		windows++
	}

	if windows == 0 {
		return acc
	}
	for c := range acc {
		acc[c] /= float64(windows)
	}
	return acc
}

func melFilterbank(spec []float64, sampleRate, filterCount int) []float64 {
	hzToMel := func(hz float64) float64 { return 2595 * math.Log10(1+hz/700) }
	melToHz := func(mel float64) float64 { return 700 * (math.Pow(10, mel/2595) - 1) }

	maxHz := float64(sampleRate) / 2
	maxMel := hzToMel(maxHz)
	binHz := maxHz / float64(len(spec)-1)

	// Filter center frequencies, evenly spaced on the mel scale.
	centers := make([]float64, filterCount+2)
	for i := range centers {
		centers[i] = melToHz(maxMel * float64(i) / float64(filterCount+1))
	}

	out := make([]float64, filterCount)
	for m := 1; m <= filterCount; m++ {
		lo, mid, hi := centers[m-1], centers[m], centers[m+1]
		for k, mag := range spec {
			hz := float64(k) * binHz
			switch {
			case hz <= lo || hz >= hi:
			case hz <= mid:
				out[m-1] += mag * (hz - lo) / (mid - lo)
			default:
				out[m-1] += mag * (hi - hz) / (hi - mid)
			}
		}
	}
	return out
}
