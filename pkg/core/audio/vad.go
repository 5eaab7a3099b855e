package audio

import (
	"sync"
	"time"
)

// VADConfig configures the energy gate applied to captured frames.
type VADConfig struct {
	// Enabled turns frame gating on. When off, every frame is voiced.
	Enabled bool `json:"enabled"`

	// EnergyThreshold is the RMS level below which a frame is silence.
	// Range: 0.0 to 1.0. Default: 0.02.
	EnergyThreshold float64 `json:"energy_threshold"`

	// Hangover keeps the gate open after the last voiced frame so trailing
	// consonants and short pauses are not clipped. Default: 300ms.
	Hangover time.Duration `json:"hangover"`
}

// DefaultVADConfig returns a VADConfig with sensible defaults.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		Enabled:         true,
		EnergyThreshold: 0.02,
		Hangover:        300 * time.Millisecond,
	}
}

// EnergyGate is a voice-activity gate over PCM frames. A frame passes while
// its RMS energy exceeds the threshold or the hangover window from the last
// voiced frame is still open.
type EnergyGate struct {
	cfg VADConfig

	mu          sync.Mutex
	lastVoiced  time.Time
	voicedCount int
	now         func() time.Time
}

// NewEnergyGate creates a gate with the given configuration.
func NewEnergyGate(cfg VADConfig) *EnergyGate {
	if cfg.EnergyThreshold <= 0 {
		cfg.EnergyThreshold = DefaultVADConfig().EnergyThreshold
	}
	if cfg.Hangover <= 0 {
		cfg.Hangover = DefaultVADConfig().Hangover
	}
	return &EnergyGate{cfg: cfg, now: time.Now}
}

// Voiced reports whether the frame should pass the gate, and tracks the
// count of voiced frames seen.
func (g *EnergyGate) Voiced(pcm []byte) bool {
	if !g.cfg.Enabled {
		g.mu.Lock()
		g.voicedCount++
		g.mu.Unlock()
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if RMSEnergy(pcm) >= g.cfg.EnergyThreshold {
		g.lastVoiced = now
		g.voicedCount++
		return true
	}
	if !g.lastVoiced.IsZero() && now.Sub(g.lastVoiced) <= g.cfg.Hangover {
		return true
	}
	return false
}

// VoicedCount returns how many frames cleared the energy threshold.
func (g *EnergyGate) VoicedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.voicedCount
}

// Reset clears gate state for a new session.
func (g *EnergyGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastVoiced = time.Time{}
	g.voicedCount = 0
}
