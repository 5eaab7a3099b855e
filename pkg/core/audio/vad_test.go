package audio

import (
	"testing"
	"time"
)

func TestEnergyGateDisabled(t *testing.T) {
	g := NewEnergyGate(VADConfig{Enabled: false})
	silence := make([]byte, 640)
	if !g.Voiced(silence) {
		t.Error("disabled gate must pass every frame")
	}
	if g.VoicedCount() != 1 {
		t.Errorf("VoicedCount = %d, want 1", g.VoicedCount())
	}
}

func TestEnergyGateThreshold(t *testing.T) {
	g := NewEnergyGate(VADConfig{Enabled: true, EnergyThreshold: 0.05, Hangover: time.Millisecond})

	now := time.Unix(0, 0)
	g.now = func() time.Time { return now }

	silence := make([]byte, 640)
	if g.Voiced(silence) {
		t.Error("silence before any speech must not pass")
	}

	tone := sinePCM(200, 16000, 320, 0.5)
	if !g.Voiced(tone) {
		t.Error("loud frame must pass")
	}
	if g.VoicedCount() != 1 {
		t.Errorf("VoicedCount = %d, want 1", g.VoicedCount())
	}
}

func TestEnergyGateHangover(t *testing.T) {
	g := NewEnergyGate(VADConfig{Enabled: true, EnergyThreshold: 0.05, Hangover: 100 * time.Millisecond})

	now := time.Unix(0, 0)
	g.now = func() time.Time { return now }

	tone := sinePCM(200, 16000, 320, 0.5)
	silence := make([]byte, 640)

	if !g.Voiced(tone) {
		t.Fatal("loud frame must pass")
	}

	now = now.Add(50 * time.Millisecond)
	if !g.Voiced(silence) {
		t.Error("silence within hangover must still pass")
	}
	if g.VoicedCount() != 1 {
		t.Errorf("hangover frames must not count as voiced, count=%d", g.VoicedCount())
	}

	now = now.Add(200 * time.Millisecond)
	if g.Voiced(silence) {
		t.Error("silence past hangover must not pass")
	}
}

func TestEnergyGateReset(t *testing.T) {
	g := NewEnergyGate(DefaultVADConfig())
	tone := sinePCM(200, 16000, 320, 0.5)
	g.Voiced(tone)
	g.Reset()
	if g.VoicedCount() != 0 {
		t.Errorf("VoicedCount after reset = %d, want 0", g.VoicedCount())
	}
}
