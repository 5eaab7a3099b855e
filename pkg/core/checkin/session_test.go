package checkin

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stillpoint-app/checkin/pkg/core"
	"github.com/stillpoint-app/checkin/pkg/core/audio"
	"github.com/stillpoint-app/checkin/pkg/core/duplex"
	"github.com/stillpoint-app/checkin/pkg/core/features"
	"github.com/stillpoint-app/checkin/pkg/core/scoring"
)

type fakeClient struct {
	mu          sync.Mutex
	handlers    duplex.Handlers
	connectErr  error
	connects    int
	sent        [][]byte
	texts       []string
	endSignals  int
	disconnects int
}

func (f *fakeClient) Bind(h duplex.Handlers) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = h
}

func (f *fakeClient) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeClient) SendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), pcm...))
	return nil
}

func (f *fakeClient) SendText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeClient) EndAudioStream() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endSignals++
	return nil
}

func (f *fakeClient) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeClient) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeStore struct {
	mu         sync.Mutex
	sessions   []*Record
	recordings map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{recordings: map[string][]byte{}}
}

func (f *fakeStore) SaveSession(ctx context.Context, rec *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snapshot := *rec
	snapshot.Widgets = append([]WidgetEvent(nil), rec.Widgets...)
	f.sessions = append(f.sessions, &snapshot)
	return nil
}

func (f *fakeStore) SaveRecording(ctx context.Context, id string, pcm []byte, sampleRate int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordings[id] = pcm
	return nil
}

func (f *fakeStore) lastSession() *Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

func (f *fakeStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

type fakeCalendar struct {
	mu      sync.Mutex
	err     error
	release chan struct{}
	calls   int
}

func (f *fakeCalendar) ScheduleEvent(ctx context.Context, s ScheduleSuggestion) (ScheduledEvent, error) {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return ScheduledEvent{}, f.err
	}
	return ScheduledEvent{
		ID:              "ev-1",
		CalendarEventID: "cal-1",
		ScheduledAt:     time.Date(2026, 2, 3, 18, 0, 0, 0, time.UTC),
		DurationMinutes: s.DurationMinutes,
	}, nil
}

func (f *fakeCalendar) DeleteEvent(ctx context.Context, eventID string) error { return nil }

type nullSink struct{}

func (nullSink) Start() error         { return nil }
func (nullSink) Write(p []byte) error { return nil }
func (nullSink) Stop() error          { return nil }
func (nullSink) Close() error         { return nil }

type pipeSource struct {
	*io.PipeReader
}

func (p pipeSource) Close() error { return p.PipeReader.Close() }

type env struct {
	session  *Session
	client   *fakeClient
	store    *fakeStore
	calendar *fakeCalendar
	writer   *io.PipeWriter
}

func newEnv(t *testing.T, cb Callbacks) *env {
	t.Helper()

	client := &fakeClient{}
	store := newFakeStore()
	calendar := &fakeCalendar{}
	pr, pw := io.Pipe()

	deps := Deps{
		Client:    client,
		Source:    pipeSource{pr},
		Capture:   audio.NewCapture(audio.DefaultCaptureConfig(), nil),
		Playback:  audio.NewCoordinator(audio.DefaultPlaybackConfig(), nullSink{}, nil),
		Extractor: features.NewExtractor(features.DefaultExtractorConfig()),
		Scoring:   scoring.NewEngine(scoring.Config{}, nil, nil, nil),
		Calendar:  calendar,
		Store:     store,
	}
	s := NewSession(Config{UserID: "user-1"}, deps, cb)

	t.Cleanup(func() {
		pw.Close()
		s.End(context.Background())
	})
	return &env{session: s, client: client, store: store, calendar: calendar, writer: pw}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// tonePCM returns n samples of a 220 Hz tone at 16 kHz.
func tonePCM(n int) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(0.5 * 32767 * math.Sin(2*math.Pi*220*float64(i)/16000))
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

func TestStartIdempotent(t *testing.T) {
	e := newEnv(t, Callbacks{})

	require.NoError(t, e.session.Start(context.Background()))
	require.NoError(t, e.session.Start(context.Background()))

	assert.Equal(t, 1, e.client.connects)
	assert.Equal(t, StateReady, e.session.State())
}

func TestStartConnectFailure(t *testing.T) {
	var gotErr error
	e := newEnv(t, Callbacks{OnError: func(err error) { gotErr = err }})
	e.client.connectErr = core.NewConnectionError("refused", nil)

	err := e.session.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, e.session.State())
	assert.Error(t, gotErr)
	assert.Equal(t, 1, e.client.disconnects)
}

func TestGateDiscardsPreTurnAudio(t *testing.T) {
	e := newEnv(t, Callbacks{})
	require.NoError(t, e.session.Start(context.Background()))

	// Half a second of clearly voiced audio before the assistant speaks.
	e.writer.Write(tonePCM(8000))
	waitFor(t, func() bool { return e.session.deps.Capture.VoicedFrames() >= 10 }, "captured frames")

	assert.Zero(t, e.client.sentCount())

	// First playback start releases the gate.
	e.session.onPlaybackStart()
	e.writer.Write(tonePCM(8000))
	waitFor(t, func() bool { return e.client.sentCount() > 0 }, "post-gate frames")
}

func TestZeroVoicedFramesFinalizesWithoutMetrics(t *testing.T) {
	completions := 0
	e := newEnv(t, Callbacks{OnComplete: func(*Record) { completions++ }})
	require.NoError(t, e.session.Start(context.Background()))

	rec, err := e.session.End(context.Background())
	require.NoError(t, err)

	assert.Nil(t, rec.Metrics)
	assert.Empty(t, rec.RecordingID)
	assert.Equal(t, StateEnded, e.session.State())
	assert.Equal(t, 1, completions)
	assert.Equal(t, 1, e.store.saveCount())

	// Ending again returns the same record without firing completion twice.
	again, err := e.session.End(context.Background())
	require.NoError(t, err)
	assert.Same(t, rec, again)
	assert.Equal(t, 1, completions)
}

func TestEndComputesMetricsFromVoicedAudio(t *testing.T) {
	e := newEnv(t, Callbacks{})
	require.NoError(t, e.session.Start(context.Background()))

	e.session.onPlaybackStart()
	assert.Equal(t, StateModelSpeaking, e.session.State())

	// One second of voiced audio after the gate opens.
	e.writer.Write(tonePCM(16000))
	waitFor(t, func() bool { return e.client.sentCount() >= 40 }, "streamed frames")
	assert.Equal(t, StateUserSpeaking, e.session.State())

	rec, err := e.session.End(context.Background())
	require.NoError(t, err)

	require.NotNil(t, rec.Metrics)
	assert.Equal(t, scoring.MethodAcousticOnly, rec.Metrics.Method)
	require.NotEmpty(t, rec.RecordingID)

	pcm, ok := e.store.recordings[rec.RecordingID]
	assert.True(t, ok)
	assert.NotEmpty(t, pcm)
}

func TestTranscriptOrdering(t *testing.T) {
	var got []Message
	e := newEnv(t, Callbacks{OnTranscript: func(m Message) { got = append(got, m) }})
	require.NoError(t, e.session.Start(context.Background()))

	e.session.onTranscript("assistant", "How are you feeling?", true)
	e.session.onTranscript("assistant", "partial", false)
	e.session.onTranscript("user", "Worn down.", true)

	require.Len(t, got, 2)
	assert.Equal(t, "assistant", got[0].Role)
	assert.Equal(t, "Worn down.", got[1].Text)

	rec, err := e.session.End(context.Background())
	require.NoError(t, err)
	require.Len(t, rec.Messages, 2)
}

func TestWidgetScheduleFlow(t *testing.T) {
	e := newEnv(t, Callbacks{})
	e.calendar.release = make(chan struct{})
	require.NoError(t, e.session.Start(context.Background()))

	e.session.onWidget("w-1", "schedule_activity",
		[]byte(`{"title":"Evening walk","date":"2026-02-03","time":"18:00","duration":30}`))

	widgets := e.session.Widgets()
	require.Len(t, widgets, 1)
	assert.Equal(t, StatusPending, widgets[0].Status)

	close(e.calendar.release)
	waitFor(t, func() bool {
		ws := e.session.Widgets()
		return len(ws) == 1 && ws[0].Status == StatusScheduled
	}, "widget scheduled")
	assert.Equal(t, "ev-1", e.session.Widgets()[0].ScheduledEventID)
}

func TestCalendarFailureDowngradesOnlyTheWidget(t *testing.T) {
	e := newEnv(t, Callbacks{})
	e.calendar.err = errors.New("calendar API down")
	require.NoError(t, e.session.Start(context.Background()))

	e.session.onWidget("w-1", "schedule_activity",
		[]byte(`{"title":"Evening walk","date":"2026-02-03","time":"18:00","duration":30}`))

	waitFor(t, func() bool {
		ws := e.session.Widgets()
		return len(ws) == 1 && ws[0].Status == StatusSyncFailed
	}, "widget downgraded")
	assert.Equal(t, StateReady, e.session.State())
}

func TestMalformedWidgetDropped(t *testing.T) {
	e := newEnv(t, Callbacks{})
	require.NoError(t, e.session.Start(context.Background()))

	e.session.onWidget("w-1", "stress_gauge", []byte(`{"stressLevel":900}`))
	e.session.onWidget("w-2", "unknown_widget", []byte(`{}`))

	assert.Empty(t, e.session.Widgets())
	assert.Equal(t, StateReady, e.session.State())
}

func TestLateWidgetCompletionTouchesOnlyPersistedRecord(t *testing.T) {
	widgetNotifies := 0
	e := newEnv(t, Callbacks{OnWidget: func(WidgetEvent) { widgetNotifies++ }})
	e.calendar.release = make(chan struct{})
	require.NoError(t, e.session.Start(context.Background()))

	e.session.onWidget("w-1", "schedule_activity",
		[]byte(`{"title":"Evening walk","date":"2026-02-03","time":"18:00","duration":30}`))
	notifiesBeforeEnd := widgetNotifies

	rec, err := e.session.End(context.Background())
	require.NoError(t, err)
	require.Len(t, rec.Widgets, 1)
	assert.Equal(t, StatusPending, rec.Widgets[0].Status)

	// The calendar call resolves after the session ended.
	close(e.calendar.release)
	waitFor(t, func() bool {
		last := e.store.lastSession()
		return last != nil && len(last.Widgets) == 1 && last.Widgets[0].Status == StatusScheduled
	}, "late persistence")

	// The record already handed back by End is immutable; only the persisted
	// copy carries the resolution.
	assert.Equal(t, StatusPending, rec.Widgets[0].Status)
	assert.Equal(t, notifiesBeforeEnd, widgetNotifies)
}

func TestSaveAndDismissWidgets(t *testing.T) {
	e := newEnv(t, Callbacks{})
	require.NoError(t, e.session.Start(context.Background()))

	e.session.onWidget("w-1", "journal_prompt", []byte(`{"prompt":"Reflect"}`))
	e.session.onWidget("w-2", "quick_actions", []byte(`{"actions":[{"label":"Walk","action":"walk"}]}`))

	assert.True(t, e.session.SaveWidget("w-1"))
	assert.False(t, e.session.SaveWidget("w-1"))
	assert.True(t, e.session.DismissWidget("w-2"))
	assert.False(t, e.session.SaveWidget("missing"))

	ws := e.session.Widgets()
	assert.Equal(t, StatusSaved, ws[0].Status)
	assert.Equal(t, StatusDismissed, ws[1].Status)
}

func TestTransportErrorFailsSession(t *testing.T) {
	var gotErr error
	e := newEnv(t, Callbacks{OnError: func(err error) { gotErr = err }})
	require.NoError(t, e.session.Start(context.Background()))

	e.session.onTransportError(core.NewConnectionError("socket reset", nil))

	assert.Equal(t, StateError, e.session.State())
	assert.Error(t, gotErr)
	assert.Equal(t, 1, e.client.disconnects)
}

func TestSendTextRecorded(t *testing.T) {
	e := newEnv(t, Callbacks{})
	require.NoError(t, e.session.Start(context.Background()))

	require.NoError(t, e.session.SendText("typing instead"))
	assert.Equal(t, []string{"typing instead"}, e.client.texts)

	rec, err := e.session.End(context.Background())
	require.NoError(t, err)
	require.Len(t, rec.Messages, 1)
	assert.Equal(t, "user", rec.Messages[0].Role)
}
