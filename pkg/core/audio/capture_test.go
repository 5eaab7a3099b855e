package audio

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"
)

type memSource struct {
	mu     sync.Mutex
	r      *bytes.Reader
	closed bool
}

func newMemSource(pcm []byte) *memSource {
	return &memSource{r: bytes.NewReader(pcm)}
}

func (s *memSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.EOF
	}
	return s.r.Read(p)
}

func (s *memSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func captureConfigNoVAD() CaptureConfig {
	cfg := DefaultCaptureConfig()
	cfg.VAD.Enabled = false
	return cfg
}

func TestCaptureFraming(t *testing.T) {
	cfg := captureConfigNoVAD()
	frameBytes := cfg.Format.FrameBytes(cfg.FrameDuration)
	pcm := sinePCM(200, 16000, frameBytes*3/2, 0.5) // 3 full frames

	c := NewCapture(cfg, nil)
	defer c.Cleanup()

	var mu sync.Mutex
	var frames []Frame
	err := c.Start(newMemSource(pcm), func(f Frame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	for i, f := range frames {
		if len(f.PCM) != frameBytes {
			t.Errorf("frame %d has %d bytes, want %d", i, len(f.PCM), frameBytes)
		}
		if f.SampleRate != 16000 {
			t.Errorf("frame %d sample rate = %d, want 16000", i, f.SampleRate)
		}
		if f.Seq != int64(i+1) {
			t.Errorf("frame %d seq = %d, want %d", i, f.Seq, i+1)
		}
	}
	// Buffers must be detached, never aliased across frames.
	if len(frames) >= 2 && &frames[0].PCM[0] == &frames[1].PCM[0] {
		t.Error("frame buffers are aliased")
	}
}

func TestCaptureMute(t *testing.T) {
	cfg := captureConfigNoVAD()
	frameBytes := cfg.Format.FrameBytes(cfg.FrameDuration)

	c := NewCapture(cfg, nil)
	defer c.Cleanup()

	if c.ToggleMute() != true {
		t.Fatal("first toggle should mute")
	}

	var mu sync.Mutex
	count := 0
	err := c.Start(newMemSource(make([]byte, frameBytes*4)), func(Frame) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	got := count
	mu.Unlock()
	if got != 0 {
		t.Errorf("muted capture emitted %d frames, want 0", got)
	}
}

func TestCaptureDrainChunks(t *testing.T) {
	cfg := captureConfigNoVAD()
	frameBytes := cfg.Format.FrameBytes(cfg.FrameDuration)
	pcm := sinePCM(200, 16000, frameBytes, 0.5) // exactly 2 frames of samples

	c := NewCapture(cfg, nil)
	defer c.Cleanup()

	var mu sync.Mutex
	seen := 0
	if err := c.Start(newMemSource(pcm), func(Frame) {
		mu.Lock()
		seen++
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen == 2
	})

	drained := c.DrainChunks()
	if len(drained) != frameBytes*2 {
		t.Errorf("drained %d bytes, want %d", len(drained), frameBytes*2)
	}
	if len(c.DrainChunks()) != 0 {
		t.Error("second drain should return nothing")
	}
}

func TestCaptureVADSuppressesSilence(t *testing.T) {
	cfg := DefaultCaptureConfig()
	cfg.VAD = VADConfig{Enabled: true, EnergyThreshold: 0.05, Hangover: time.Millisecond}
	frameBytes := cfg.Format.FrameBytes(cfg.FrameDuration)

	c := NewCapture(cfg, nil)
	defer c.Cleanup()

	var mu sync.Mutex
	count := 0
	if err := c.Start(newMemSource(make([]byte, frameBytes*5)), func(Frame) {
		mu.Lock()
		count++
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	got := count
	mu.Unlock()
	if got != 0 {
		t.Errorf("silence emitted %d frames through the gate, want 0", got)
	}
	if c.VoicedFrames() != 0 {
		t.Errorf("VoicedFrames = %d, want 0", c.VoicedFrames())
	}
}

func TestCaptureCleanupIdempotent(t *testing.T) {
	c := NewCapture(DefaultCaptureConfig(), nil)
	// Cleanup before Start must be safe, and so must a second call.
	c.Cleanup()
	c.Cleanup()

	if err := c.Start(newMemSource(nil), func(Frame) {}); err == nil {
		t.Error("Start after Cleanup should fail")
	}
}
