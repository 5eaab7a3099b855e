// Package scoring turns averaged acoustic features, plus optional remote
// semantic analysis, into final stress and fatigue scores.
package scoring

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/stillpoint-app/checkin/pkg/core"
	"github.com/stillpoint-app/checkin/pkg/core/features"
	"github.com/stillpoint-app/checkin/pkg/core/ratelimit"
)

// AnalysisMethod reports which inputs actually contributed to the final
// scores.
type AnalysisMethod string

const (
	MethodHybrid       AnalysisMethod = "hybrid"
	MethodAcousticOnly AnalysisMethod = "acoustic_only"
)

// Scores holds stress and fatigue on a 0-100 scale.
type Scores struct {
	Stress  float64 `json:"stress"`
	Fatigue float64 `json:"fatigue"`
}

// AcousticBreakdown records the per-signal contributions behind the acoustic
// scores, for display and debugging.
type AcousticBreakdown struct {
	PitchStress    float64 `json:"pitch_stress"`
	EnergyStress   float64 `json:"energy_stress"`
	TempoStress    float64 `json:"tempo_stress"`
	PauseFatigue   float64 `json:"pause_fatigue"`
	EnergyFatigue  float64 `json:"energy_fatigue"`
	MonotoneScore  float64 `json:"monotone_score"`
	SpeechRateNorm float64 `json:"speech_rate_norm"`
}

// SemanticAnalysis is the result of the optional remote transcript analysis.
type SemanticAnalysis struct {
	Scores            Scores  `json:"scores"`
	Emotion           string  `json:"emotion"`
	EmotionConfidence float64 `json:"emotion_confidence"`
	Summary           string  `json:"summary,omitempty"`
}

// HybridAnalysis is the complete scoring result. Immutable once computed.
type HybridAnalysis struct {
	AcousticBreakdown AcousticBreakdown `json:"acoustic_breakdown"`
	AcousticScores    Scores            `json:"acoustic_scores"`
	Semantic          *SemanticAnalysis `json:"semantic,omitempty"`
	FinalScores       Scores            `json:"final_scores"`
	Confidence        float64           `json:"confidence"`
	Method            AnalysisMethod    `json:"analysis_method"`
}

// SemanticAnalyzer performs remote transcript analysis. Implementations are
// optional; a nil analyzer yields acoustic-only results.
type SemanticAnalyzer interface {
	Analyze(ctx context.Context, transcript string) (*SemanticAnalysis, error)
}

const (
	acousticWeight = 0.7
	semanticWeight = 0.3

	semanticBucket = "semantic"
)

// Config configures the scoring engine.
type Config struct {
	// SemanticTimeout bounds the remote analysis call. Default: 10s.
	SemanticTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{SemanticTimeout: 10 * time.Second}
}

// Engine runs acoustic and semantic analysis and combines the results.
type Engine struct {
	cfg      Config
	semantic SemanticAnalyzer
	limiter  *ratelimit.Limiter
	logger   *zap.Logger
}

// NewEngine creates a scoring engine. semantic and limiter may be nil; a nil
// limiter never throttles.
func NewEngine(cfg Config, semantic SemanticAnalyzer, limiter *ratelimit.Limiter, logger *zap.Logger) *Engine {
	if cfg.SemanticTimeout <= 0 {
		cfg.SemanticTimeout = DefaultConfig().SemanticTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, semantic: semantic, limiter: limiter, logger: logger}
}

// Analyze scores the averaged features, running semantic analysis
// concurrently when an analyzer is configured and a transcript exists.
// Semantic failure degrades to acoustic-only; it never fails the call.
func (e *Engine) Analyze(ctx context.Context, avg features.AudioFeatures, transcript, identity string) (*HybridAnalysis, error) {
	var semanticCh chan semanticResult
	if e.semantic != nil && transcript != "" {
		if e.limiter != nil {
			if d := e.limiter.Allow(semanticBucket, identity, time.Now()); !d.Allowed {
				e.logger.Warn("semantic analysis throttled, falling back to acoustic only",
					zap.String("identity", identity),
					zap.Int("retry_after_s", d.RetryAfter))
			} else {
				semanticCh = e.startSemantic(ctx, transcript)
			}
		} else {
			semanticCh = e.startSemantic(ctx, transcript)
		}
	}

	breakdown, acoustic, err := ScoreAcoustic(avg)
	if err != nil {
		if semanticCh != nil {
			<-semanticCh
		}
		return nil, err
	}

	out := &HybridAnalysis{
		AcousticBreakdown: breakdown,
		AcousticScores:    acoustic,
		FinalScores:       acoustic,
		Method:            MethodAcousticOnly,
	}

	if semanticCh != nil {
		res := <-semanticCh
		if res.err != nil {
			e.logger.Warn("semantic analysis failed, falling back to acoustic only", zap.Error(res.err))
		} else if res.analysis != nil {
			out.Semantic = res.analysis
			out.FinalScores = CombineScores(acoustic, res.analysis.Scores)
			out.Method = MethodHybrid
		}
	}

	out.Confidence = CalculateConfidence(avg, out.Semantic)
	return out, nil
}

type semanticResult struct {
	analysis *SemanticAnalysis
	err      error
}

func (e *Engine) startSemantic(ctx context.Context, transcript string) chan semanticResult {
	ch := make(chan semanticResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, e.cfg.SemanticTimeout)
		defer cancel()
		a, err := e.semantic.Analyze(ctx, transcript)
		ch <- semanticResult{a, err}
	}()
	return ch
}

// ScoreAcoustic maps averaged features to stress and fatigue scores with a
// per-signal breakdown. Non-finite inputs are an analysis failure.
func ScoreAcoustic(avg features.AudioFeatures) (AcousticBreakdown, Scores, error) {
	for _, v := range []float64{avg.RMS, avg.PauseRatio, avg.PitchMean, avg.PitchRange, avg.SpeechRate, avg.SpectralFlux} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return AcousticBreakdown{}, Scores{}, core.NewAnalysisError("non-finite feature average", nil)
		}
	}

	b := AcousticBreakdown{
		// Elevated pitch relative to a neutral 160 Hz baseline reads as tension.
		PitchStress: clamp01((avg.PitchMean - 160) / 120),
		// High spectral flux means agitated, rapidly changing voicing.
		EnergyStress: clamp01(avg.SpectralFlux / 8),
		// Speaking faster than ~3.5 syllables/s reads as pressured speech.
		TempoStress: clamp01((avg.SpeechRate - 3.5) / 3),
		// Long pauses and low energy are the primary fatigue signals.
		PauseFatigue:  clamp01((avg.PauseRatio - 0.2) / 0.5),
		EnergyFatigue: clamp01((0.15 - avg.RMS) / 0.15),
		// A narrow pitch range (monotone delivery) also reads as fatigue.
		MonotoneScore:  clamp01((40 - avg.PitchRange) / 40),
		SpeechRateNorm: clamp01(avg.SpeechRate / 6),
	}

	stress := 100 * (0.4*b.PitchStress + 0.35*b.EnergyStress + 0.25*b.TempoStress)
	fatigue := 100 * (0.4*b.PauseFatigue + 0.35*b.EnergyFatigue + 0.25*b.MonotoneScore)
	return b, Scores{Stress: clampScore(stress), Fatigue: clampScore(fatigue)}, nil
}

// CombineScores blends acoustic and semantic scores with fixed
// acoustic-dominant weighting.
func CombineScores(acoustic, semantic Scores) Scores {
	return Scores{
		Stress:  clampScore(acousticWeight*acoustic.Stress + semanticWeight*semantic.Stress),
		Fatigue: clampScore(acousticWeight*acoustic.Fatigue + semanticWeight*semantic.Fatigue),
	}
}

// CalculateConfidence estimates how trustworthy the final scores are.
func CalculateConfidence(avg features.AudioFeatures, semantic *SemanticAnalysis) float64 {
	conf := 0.5

	// Extreme pause ratios mean very little usable speech.
	if avg.PauseRatio > 0.7 {
		conf -= 0.15
	}
	// Extreme energy levels suggest clipping or a near-silent capture.
	if avg.RMS < 0.02 || avg.RMS > 0.9 {
		conf -= 0.1
	}
	if semantic != nil {
		conf += 0.15
		if semantic.EmotionConfidence >= 0.8 {
			conf += 0.1
		}
	}

	if conf < 0 {
		return 0
	}
	if conf > 1 {
		return 1
	}
	return conf
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
