// Package checkin orchestrates one voice check-in: capture, the duplex
// assistant session, playback, widget dispatch and final scoring.
package checkin

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stillpoint-app/checkin/pkg/core"
	"github.com/stillpoint-app/checkin/pkg/core/audio"
	"github.com/stillpoint-app/checkin/pkg/core/duplex"
	"github.com/stillpoint-app/checkin/pkg/core/features"
	"github.com/stillpoint-app/checkin/pkg/core/scoring"
)

// SessionState is the orchestrator's lifecycle state.
type SessionState int

const (
	StateIdle SessionState = iota
	StateConnecting
	StateReady
	StateUserSpeaking
	StateModelSpeaking
	StateEnded
	StateError
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateUserSpeaking:
		return "user_speaking"
	case StateModelSpeaking:
		return "model_speaking"
	case StateEnded:
		return "ended"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Message is one transcript entry.
type Message struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Record is the finalized check-in. Immutable once returned.
type Record struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
	Messages  []Message `json:"messages"`
	// Metrics is nil when no voiced audio was captured or analysis failed.
	Metrics *scoring.HybridAnalysis `json:"metrics,omitempty"`
	// RecordingID is a weak reference: the raw audio is stored separately
	// and looked up by id, never embedded here.
	RecordingID string        `json:"recordingId,omitempty"`
	Widgets     []WidgetEvent `json:"widgets"`
}

// DuplexClient is the slice of the duplex client the orchestrator needs.
type DuplexClient interface {
	Bind(duplex.Handlers)
	Connect(ctx context.Context) error
	SendAudio(pcm []byte) error
	SendText(text string) error
	EndAudioStream() error
	Disconnect() error
}

// ScheduleSuggestion is the calendar-facing shape of a schedule_activity
// widget.
type ScheduleSuggestion struct {
	Title           string
	Category        string
	Date            string
	Time            string
	DurationMinutes int
}

// ScheduledEvent is the calendar collaborator's receipt for one suggestion.
type ScheduledEvent struct {
	ID              string
	CalendarEventID string
	ScheduledAt     time.Time
	DurationMinutes int
	Completed       bool
}

// CalendarScheduler schedules and removes calendar events. Auth and retry
// are the implementation's concern.
type CalendarScheduler interface {
	ScheduleEvent(ctx context.Context, s ScheduleSuggestion) (ScheduledEvent, error)
	DeleteEvent(ctx context.Context, eventID string) error
}

// Store persists finalized sessions and raw recordings.
type Store interface {
	SaveSession(ctx context.Context, rec *Record) error
	SaveRecording(ctx context.Context, recordingID string, pcm []byte, sampleRate int) error
}

// Callbacks notify the embedding application. All fields are optional.
type Callbacks struct {
	OnStateChange func(SessionState)
	OnTranscript  func(Message)
	OnWidget      func(WidgetEvent)
	// OnComplete fires exactly once, with the finalized record.
	OnComplete func(*Record)
	OnError    func(error)
}

// Config configures one orchestrator.
type Config struct {
	UserID string
	// ConnectTimeout bounds the duplex connect. Default: 15s.
	ConnectTimeout time.Duration
	// MinSegment is the smallest voiced run worth extracting features from.
	// Default: 400ms.
	MinSegment time.Duration
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 15 * time.Second,
		MinSegment:     400 * time.Millisecond,
	}
}

// Deps are the collaborators a session drives. Client, Capture and Playback
// are exclusively owned by the active session.
type Deps struct {
	Client    DuplexClient
	Source    audio.Source
	Capture   *audio.Capture
	Playback  *audio.Coordinator
	Extractor *features.Extractor
	Scoring   *scoring.Engine
	Calendar  CalendarScheduler
	Store     Store
	Logger    *zap.Logger
}

// Session runs one check-in from start to finalized record. A Session is
// single-use: create a new one per check-in, rebinding the long-lived duplex
// client each time.
type Session struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	id        string
	startedAt time.Time

	// active is the liveness flag for deferred work. It is set on session
	// entry and cleared on every exit path, so callbacks completing after
	// the session ended touch only the persisted record.
	active atomic.Bool
	// gateOpen releases the outbound audio path once the assistant's first
	// spoken turn begins. Frames captured before release are discarded.
	gateOpen atomic.Bool

	mu       sync.Mutex
	state    SessionState
	messages []Message
	widgets  []*WidgetEvent
	segment  []byte

	acc   *features.Accumulator
	cb    Callbacks
	final *Record

	completeOnce sync.Once
	widgetWG     sync.WaitGroup
}

// NewSession creates an idle session around the given collaborators.
func NewSession(cfg Config, deps Deps, cb Callbacks) *Session {
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.MinSegment <= 0 {
		cfg.MinSegment = def.MinSegment
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		id:     uuid.NewString(),
		state:  StateIdle,
		cb:     cb,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start initializes capture, connects the duplex client and arms the
// audio gate. Re-entrant calls while Connecting or Ready are no-ops.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateConnecting, StateReady, StateUserSpeaking, StateModelSpeaking:
		s.mu.Unlock()
		return nil
	case StateEnded, StateError:
		s.mu.Unlock()
		return core.NewInvalidRequestError("session already finished", "state")
	}
	s.state = StateConnecting
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.active.Store(true)
	s.gateOpen.Store(false)
	s.notifyState(StateConnecting)

	s.deps.Playback.SetCallbacks(s.onPlaybackStart, s.onPlaybackEnd)
	s.deps.Client.Bind(duplex.Handlers{
		OnAudioChunk:   s.onModelAudio,
		OnTranscript:   s.onTranscript,
		OnWidget:       s.onWidget,
		OnTurnComplete: s.onTurnComplete,
		OnError:        s.onTransportError,
	})

	if err := s.deps.Capture.Start(s.deps.Source, s.onFrame); err != nil {
		s.fail(err)
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	if err := s.deps.Client.Connect(ctx); err != nil {
		s.fail(err)
		return err
	}

	s.setState(StateReady)
	return nil
}

// ToggleMute suppresses outbound audio without tearing down capture.
func (s *Session) ToggleMute() bool {
	return s.deps.Capture.ToggleMute()
}

// SendText forwards a typed message to the assistant.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	s.messages = append(s.messages, Message{Role: "user", Text: text, At: time.Now()})
	s.mu.Unlock()
	return s.deps.Client.SendText(text)
}

// onFrame receives every captured frame. Nothing crosses to the duplex
// client until the assistant's first spoken turn opens the gate.
func (s *Session) onFrame(f audio.Frame) {
	if !s.active.Load() || !s.gateOpen.Load() {
		return
	}

	if err := s.deps.Client.SendAudio(f.PCM); err != nil {
		s.logger.Warn("dropping audio frame", zap.Int64("seq", f.Seq), zap.Error(err))
	}

	if f.Voiced {
		s.mu.Lock()
		if s.state == StateReady || s.state == StateModelSpeaking {
			s.state = StateUserSpeaking
			s.mu.Unlock()
			s.notifyState(StateUserSpeaking)
			s.mu.Lock()
		}
		s.segment = append(s.segment, f.PCM...)
		s.mu.Unlock()
	} else {
		s.flushSegment()
	}
}

// flushSegment extracts features from the buffered voiced run and folds them
// into the session accumulator, weighted by run duration.
func (s *Session) flushSegment() {
	s.mu.Lock()
	seg := s.segment
	s.segment = nil
	s.mu.Unlock()

	format := audio.CaptureFormat()
	if format.Duration(len(seg)) < s.cfg.MinSegment {
		return
	}

	feats, err := s.deps.Extractor.Extract(seg)
	if err != nil {
		s.logger.Warn("segment feature extraction failed", zap.Error(err))
		return
	}

	weight := format.Duration(len(seg)).Seconds()
	s.mu.Lock()
	if s.acc == nil {
		s.acc = features.NewAccumulator(feats, weight)
	} else {
		s.acc.Update(feats, weight)
	}
	s.mu.Unlock()
}

func (s *Session) onModelAudio(pcm []byte) {
	if !s.active.Load() {
		return
	}
	s.deps.Playback.Enqueue(pcm)
}

func (s *Session) onPlaybackStart() {
	if !s.active.Load() {
		return
	}
	// First spoken assistant turn releases the gate, exactly once.
	s.gateOpen.CompareAndSwap(false, true)
	s.setState(StateModelSpeaking)
}

func (s *Session) onPlaybackEnd() {
	if !s.active.Load() {
		return
	}
	s.mu.Lock()
	if s.state == StateModelSpeaking {
		s.state = StateReady
		s.mu.Unlock()
		s.notifyState(StateReady)
		return
	}
	s.mu.Unlock()
}

func (s *Session) onTranscript(role, text string, final bool) {
	if !final || text == "" {
		return
	}
	msg := Message{Role: role, Text: text, At: time.Now()}
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	if s.cb.OnTranscript != nil {
		s.cb.OnTranscript(msg)
	}
}

func (s *Session) onTurnComplete() {
	// End of an assistant turn; playback drain drives the state change.
	s.flushSegment()
}

func (s *Session) onTransportError(err error) {
	s.logger.Error("duplex transport error", zap.Error(err))
	s.fail(err)
}

// End stops capture, disconnects, computes final metrics when voiced audio
// was accumulated and finalizes the record. The completion callback fires
// exactly once across all End calls.
func (s *Session) End(ctx context.Context) (*Record, error) {
	s.mu.Lock()
	if s.state == StateEnded || s.state == StateError {
		final := s.final
		s.mu.Unlock()
		return final, nil
	}
	s.mu.Unlock()

	s.active.Store(false)
	s.flushSegment()

	endErr := s.deps.Client.EndAudioStream()
	if endErr != nil {
		s.logger.Debug("end-of-audio signal failed", zap.Error(endErr))
	}

	voiced := s.deps.Capture.VoicedFrames()
	chunks := s.deps.Capture.DrainChunks()
	s.deps.Capture.Cleanup()
	s.deps.Playback.ClearQueue()
	if err := s.deps.Playback.Close(); err != nil {
		s.logger.Debug("closing playback", zap.Error(err))
	}

	if err := s.deps.Client.Disconnect(); err != nil {
		s.logger.Warn("duplex disconnect failed", zap.Error(err))
	}

	rec := s.assembleRecord(ctx, voiced, chunks)

	s.mu.Lock()
	s.state = StateEnded
	s.final = rec
	s.mu.Unlock()
	s.notifyState(StateEnded)

	if s.deps.Store != nil {
		if err := s.deps.Store.SaveSession(ctx, rec); err != nil {
			s.logger.Error("persisting session failed", zap.String("session_id", s.id), zap.Error(err))
		}
	}

	s.completeOnce.Do(func() {
		if s.cb.OnComplete != nil {
			s.cb.OnComplete(rec)
		}
	})
	return rec, nil
}

func (s *Session) assembleRecord(ctx context.Context, voiced int, chunks []byte) *Record {
	s.mu.Lock()
	rec := &Record{
		ID:        s.id,
		UserID:    s.cfg.UserID,
		StartedAt: s.startedAt,
		EndedAt:   time.Now(),
		Messages:  append([]Message(nil), s.messages...),
	}
	for _, w := range s.widgets {
		rec.Widgets = append(rec.Widgets, *w)
	}
	acc := s.acc
	transcript := userTranscript(s.messages)
	s.mu.Unlock()

	if voiced > 0 && acc != nil {
		analysis, err := s.deps.Scoring.Analyze(ctx, acc.Average(), transcript, s.cfg.UserID)
		if err != nil {
			// Extraction or scoring trouble is logged, never fatal here.
			s.logger.Warn("final analysis failed, finalizing without metrics", zap.Error(err))
		} else {
			rec.Metrics = analysis
		}
	}

	if len(chunks) > 0 && s.deps.Store != nil {
		recordingID := uuid.NewString()
		if err := s.deps.Store.SaveRecording(ctx, recordingID, chunks, audio.CaptureFormat().SampleRate); err != nil {
			s.logger.Warn("persisting recording failed", zap.Error(err))
		} else {
			rec.RecordingID = recordingID
		}
	}
	return rec
}

func userTranscript(messages []Message) string {
	var out string
	for _, m := range messages {
		if m.Role != "user" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += m.Text
	}
	return out
}

// fail moves the session to the terminal Error state and releases owned
// resources. Widget side effects already in flight are left to finish; the
// liveness flag keeps them off live state.
func (s *Session) fail(err error) {
	s.active.Store(false)

	s.mu.Lock()
	if s.state == StateEnded || s.state == StateError {
		s.mu.Unlock()
		return
	}
	s.state = StateError
	s.mu.Unlock()

	s.deps.Capture.Cleanup()
	s.deps.Playback.ClearQueue()
	if cerr := s.deps.Playback.Close(); cerr != nil {
		s.logger.Debug("closing playback during failure", zap.Error(cerr))
	}
	if derr := s.deps.Client.Disconnect(); derr != nil {
		s.logger.Debug("disconnect during failure", zap.Error(derr))
	}

	s.notifyState(StateError)
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	if s.state == state || s.state == StateEnded || s.state == StateError {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()
	s.notifyState(state)
}

func (s *Session) notifyState(state SessionState) {
	if s.cb.OnStateChange != nil {
		s.cb.OnStateChange(state)
	}
}
