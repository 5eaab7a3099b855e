package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sink consumes raw PCM16 audio. Stop tears down the active output source;
// Start brings up a new one. A Coordinator never keeps two sources running.
type Sink interface {
	Start() error
	Write(p []byte) error
	Stop() error
	Close() error
}

// PlaybackConfig configures the playback coordinator.
type PlaybackConfig struct {
	Format Format

	// Tick is the pacing interval for feeding the sink. Default: 20ms.
	Tick time.Duration

	// GraceWindow is how long after the queue drains to wait for another
	// chunk before declaring the speaking run over. Default: 400ms.
	GraceWindow time.Duration
}

// DefaultPlaybackConfig returns a PlaybackConfig with sensible defaults.
func DefaultPlaybackConfig() PlaybackConfig {
	return PlaybackConfig{
		Format:      PlaybackFormat(),
		Tick:        20 * time.Millisecond,
		GraceWindow: 400 * time.Millisecond,
	}
}

// Coordinator plays assistant audio gaplessly. Chunks are appended to a
// contiguous run buffer and paced into the sink by sample arithmetic, so
// each chunk begins exactly at the previous chunk's computed end rather
// than at wall-clock "now". Start/end callbacks fire once per continuous
// speaking run, with the end deferred by a grace window after the queue
// drains.
type Coordinator struct {
	cfg    PlaybackConfig
	sink   Sink
	logger *zap.Logger

	mu        sync.Mutex
	run       []byte
	played    int
	speaking  bool
	drainedAt time.Time

	onStart func()
	onEnd   func()

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCoordinator creates a coordinator and begins its pacing loop.
func NewCoordinator(cfg PlaybackConfig, sink Sink, logger *zap.Logger) *Coordinator {
	if cfg.Format.SampleRate == 0 {
		cfg.Format = PlaybackFormat()
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultPlaybackConfig().Tick
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultPlaybackConfig().GraceWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.pace()
	return c
}

// SetCallbacks sets the speaking-run start and end callbacks.
func (c *Coordinator) SetCallbacks(onStart, onEnd func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStart = onStart
	c.onEnd = onEnd
}

// Enqueue appends a chunk to the play queue. The chunk's scheduled start is
// the computed end of everything already queued.
func (c *Coordinator) Enqueue(chunk []byte) {
	if c == nil || len(chunk) == 0 {
		return
	}

	var started func()
	c.mu.Lock()
	c.run = append(c.run, chunk...)
	c.drainedAt = time.Time{}
	if !c.speaking {
		c.speaking = true
		started = c.onStart
	}
	c.mu.Unlock()

	if started != nil {
		started()
	}
}

// ClearQueue drops every chunk that has not yet been played. Used when the
// user interrupts the assistant.
func (c *Coordinator) ClearQueue() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.played < len(c.run) {
		c.run = c.run[:c.played]
	}
}

// Seek repositions playback within the current speaking run. The active
// source is stopped explicitly, the sample-aligned byte offset is computed,
// and exactly one new source is started there. Playback never resets to 0
// and never overlaps two sources.
func (c *Coordinator) Seek(pos time.Duration) error {
	if c == nil {
		return errors.New("coordinator must not be nil")
	}

	c.mu.Lock()
	if !c.speaking && len(c.run) == 0 {
		c.mu.Unlock()
		return errors.New("nothing is playing")
	}
	offset := c.cfg.Format.BytesFor(pos)
	sample := c.cfg.Format.Channels * (c.cfg.Format.BitsPerSample / 8)
	if sample > 0 {
		offset -= offset % sample
	}
	if offset < 0 {
		offset = 0
	}
	if offset > len(c.run) {
		offset = len(c.run)
	}
	c.played = offset
	c.drainedAt = time.Time{}
	c.mu.Unlock()

	if err := c.sink.Stop(); err != nil {
		return fmt.Errorf("stop active source: %w", err)
	}
	if err := c.sink.Start(); err != nil {
		return fmt.Errorf("start source at offset: %w", err)
	}
	return nil
}

// Position returns how much of the current run has been played.
func (c *Coordinator) Position() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Format.Duration(c.played)
}

// Buffered returns how much queued audio has not been played yet.
func (c *Coordinator) Buffered() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Format.Duration(len(c.run) - c.played)
}

// Speaking reports whether a speaking run is active.
func (c *Coordinator) Speaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaking
}

// Close stops the pacing loop and releases the sink.
func (c *Coordinator) Close() error {
	if c == nil {
		return nil
	}
	c.cancel()
	<-c.done
	return c.sink.Close()
}

func (c *Coordinator) pace() {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.onTick(time.Now())
		}
	}
}

func (c *Coordinator) onTick(now time.Time) {
	bytesPerTick := c.cfg.Format.BytesFor(c.cfg.Tick)
	if bytesPerTick <= 0 {
		bytesPerTick = 1
	}

	var (
		toPlay []byte
		ended  func()
	)

	c.mu.Lock()
	if c.played < len(c.run) {
		n := bytesPerTick
		if n > len(c.run)-c.played {
			n = len(c.run) - c.played
		}
		toPlay = c.run[c.played : c.played+n]
		c.played += n
	}
	if c.speaking && c.played >= len(c.run) {
		if c.drainedAt.IsZero() {
			c.drainedAt = now
		} else if now.Sub(c.drainedAt) >= c.cfg.GraceWindow {
			c.speaking = false
			c.drainedAt = time.Time{}
			c.run = c.run[:0]
			c.played = 0
			ended = c.onEnd
		}
	}
	c.mu.Unlock()

	if len(toPlay) > 0 {
		if err := c.sink.Write(toPlay); err != nil {
			c.logger.Warn("playback write failed", zap.Error(err))
		}
	}
	if ended != nil {
		ended()
	}
}

// FFplaySink plays PCM16 through an ffplay subprocess.
type FFplaySink struct {
	format Format

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// NewFFplaySink verifies ffplay is available and starts the first source.
func NewFFplaySink(format Format) (*FFplaySink, error) {
	if _, err := exec.LookPath("ffplay"); err != nil {
		return nil, errors.New("ffplay is required for playback (install ffmpeg/ffplay and ensure it is in PATH)")
	}
	s := &FFplaySink{format: format}
	if err := s.startLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FFplaySink) startLocked() error {
	s.cmd = exec.Command("ffplay",
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", fmt.Sprintf("%d", s.format.SampleRate),
		"-ac", fmt.Sprintf("%d", s.format.Channels),
		"-i", "pipe:0",
	)
	stdin, err := s.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open ffplay stdin: %w", err)
	}
	s.cmd.Stdout = io.Discard
	s.cmd.Stderr = io.Discard
	if err := s.cmd.Start(); err != nil {
		return fmt.Errorf("start ffplay: %w", err)
	}
	s.stdin = stdin
	return nil
}

// Start implements Sink.
func (s *FFplaySink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin != nil {
		return nil
	}
	return s.startLocked()
}

// Write implements Sink.
func (s *FFplaySink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		return errors.New("ffplay is not running")
	}
	_, err := s.stdin.Write(p)
	return err
}

// Stop implements Sink.
func (s *FFplaySink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return nil
}

// Close implements Sink.
func (s *FFplaySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return nil
}

func (s *FFplaySink) stopLocked() {
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	s.cmd = nil
	s.stdin = nil
}
