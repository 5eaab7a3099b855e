package audio

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Frame is one fixed-size slice of captured PCM16 audio. The buffer is
// detached: it is never reused or aliased across frames.
type Frame struct {
	PCM        []byte
	SampleRate int
	Seq        int64
	Voiced     bool
}

// Source supplies raw PCM16 bytes, typically from a microphone.
type Source interface {
	io.Reader
	Close() error
}

// CaptureConfig configures the capture pipeline.
type CaptureConfig struct {
	Format        Format
	FrameDuration time.Duration
	VAD           VADConfig

	// ChunkBufferSeconds bounds the side-channel recording buffer.
	// Default: 600 (ten minutes).
	ChunkBufferSeconds int
}

// DefaultCaptureConfig returns a CaptureConfig with sensible defaults:
// 20ms frames of 16 kHz mono PCM16 with energy gating on.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		Format:             CaptureFormat(),
		FrameDuration:      20 * time.Millisecond,
		VAD:                DefaultVADConfig(),
		ChunkBufferSeconds: 600,
	}
}

// Capture frames a Source into fixed-size PCM frames and hands each frame to
// a callback. It also accumulates raw audio on a side channel for later
// persistence, independent of the streaming path.
type Capture struct {
	cfg    CaptureConfig
	logger *zap.Logger

	mu      sync.Mutex
	source  Source
	started bool

	gate   *EnergyGate
	chunks *ChunkBuffer

	muted  atomic.Bool
	closed atomic.Bool
	seq    atomic.Int64

	done chan struct{}
}

// NewCapture creates an uninitialized capture pipeline.
func NewCapture(cfg CaptureConfig, logger *zap.Logger) *Capture {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = DefaultCaptureConfig().FrameDuration
	}
	if cfg.Format.SampleRate == 0 {
		cfg.Format = CaptureFormat()
	}
	if cfg.ChunkBufferSeconds <= 0 {
		cfg.ChunkBufferSeconds = DefaultCaptureConfig().ChunkBufferSeconds
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Capture{
		cfg:    cfg,
		logger: logger,
		gate:   NewEnergyGate(cfg.VAD),
		chunks: NewChunkBuffer(cfg.Format, cfg.ChunkBufferSeconds),
		done:   make(chan struct{}),
	}
}

// Start acquires the source and begins framing audio into onFrame. Each
// callback receives a detached buffer valid beyond the call. Start may be
// called at most once per Capture.
func (c *Capture) Start(source Source, onFrame func(Frame)) error {
	if c == nil {
		return errors.New("capture must not be nil")
	}
	if source == nil {
		return errors.New("source must not be nil")
	}
	if onFrame == nil {
		return errors.New("onFrame must not be nil")
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return errors.New("capture is closed")
	}
	if c.started {
		c.mu.Unlock()
		return errors.New("capture already started")
	}
	c.started = true
	c.source = source
	c.mu.Unlock()

	go c.readLoop(source, onFrame)
	return nil
}

func (c *Capture) readLoop(source Source, onFrame func(Frame)) {
	defer close(c.done)

	frameBytes := c.cfg.Format.FrameBytes(c.cfg.FrameDuration)
	if frameBytes <= 0 {
		frameBytes = 640
	}
	buf := make([]byte, frameBytes)

	for {
		if c.closed.Load() {
			return
		}
		if _, err := io.ReadFull(source, buf); err != nil {
			if c.closed.Load() || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			c.logger.Warn("capture read failed", zap.Error(err))
			return
		}
		if c.muted.Load() {
			continue
		}

		pcm := make([]byte, len(buf))
		copy(pcm, buf)
		c.chunks.Write(pcm)

		voiced := c.gate.Voiced(pcm)
		if c.cfg.VAD.Enabled && !voiced {
			continue
		}
		onFrame(Frame{
			PCM:        pcm,
			SampleRate: c.cfg.Format.SampleRate,
			Seq:        c.seq.Add(1),
			Voiced:     voiced,
		})
	}
}

// ToggleMute flips mute state and returns the new value. Muting suppresses
// frame emission without tearing down the source, so resuming never
// re-prompts for device permissions.
func (c *Capture) ToggleMute() bool {
	muted := !c.muted.Load()
	c.muted.Store(muted)
	return muted
}

// Muted reports the current mute state.
func (c *Capture) Muted() bool {
	return c.muted.Load()
}

// DrainChunks returns and clears the side-channel accumulation of raw
// captured audio.
func (c *Capture) DrainChunks() []byte {
	return c.chunks.Drain()
}

// VoicedFrames returns how many frames cleared the energy gate.
func (c *Capture) VoicedFrames() int {
	return c.gate.VoicedCount()
}

// Cleanup releases the source and stops the framing loop. It is idempotent
// and safe to call even if Start never ran.
func (c *Capture) Cleanup() {
	if c == nil {
		return
	}
	if c.closed.Swap(true) {
		return
	}
	c.mu.Lock()
	source := c.source
	started := c.started
	c.mu.Unlock()
	if source != nil {
		_ = source.Close()
	}
	if started {
		<-c.done
	}
}

// FFmpegSource captures microphone audio through an ffmpeg subprocess,
// emitting raw s16le at the requested rate.
type FFmpegSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

// NewFFmpegSource starts ffmpeg against the platform's default input device.
func NewFFmpegSource(format Format) (*FFmpegSource, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, errors.New("ffmpeg is required for mic capture (install ffmpeg and ensure it is in PATH)")
	}
	args, err := micArgs(runtime.GOOS, format.SampleRate)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command("ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffmpeg stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg mic capture: %w", err)
	}
	return &FFmpegSource{cmd: cmd, stdout: stdout}, nil
}

func micArgs(goos string, sampleRate int) ([]string, error) {
	switch goos {
	case "darwin":
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "avfoundation", "-i", ":0",
			"-ac", "1", "-ar", fmt.Sprintf("%d", sampleRate),
			"-f", "s16le", "-",
		}, nil
	case "linux":
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "pulse", "-i", "default",
			"-ac", "1", "-ar", fmt.Sprintf("%d", sampleRate),
			"-f", "s16le", "-",
		}, nil
	default:
		return nil, fmt.Errorf("mic capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
}

// Read implements Source.
func (s *FFmpegSource) Read(p []byte) (int, error) {
	if s == nil || s.stdout == nil {
		return 0, io.EOF
	}
	return s.stdout.Read(p)
}

// Close implements Source.
func (s *FFmpegSource) Close() error {
	if s == nil {
		return nil
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	return nil
}
