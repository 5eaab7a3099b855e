package checkin

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stillpoint-app/checkin/pkg/core"
)

// onWidget validates and records an inbound widget proposal, then runs its
// side effect. Malformed payloads are logged and dropped before any handler
// can run.
func (s *Session) onWidget(id, widgetType string, args []byte) {
	w, err := parseWidget(id, widgetType, args, time.Now())
	if err != nil {
		s.logger.Warn("dropping malformed widget",
			zap.String("widget_id", id),
			zap.String("widget_type", widgetType),
			zap.Error(err))
		return
	}

	s.mu.Lock()
	s.widgets = append(s.widgets, w)
	s.mu.Unlock()

	s.dispatch(w)
	s.notifyWidget(w)
}

func (s *Session) dispatch(w *WidgetEvent) {
	switch p := w.Payload.(type) {
	case ScheduleActivity:
		// Optimistic pending status before the calendar round-trip so the
		// widget is never shown as a stale draft while work is in flight.
		s.mu.Lock()
		w.advance(StatusPending)
		s.mu.Unlock()
		s.widgetWG.Add(1)
		go s.scheduleActivity(w, p)
	case BreathingExercise, JournalPrompt, StressGauge, QuickActions:
		// No immediate side effect; the user resolves these to saved or
		// dismissed.
	}
}

// scheduleActivity performs the calendar side effect for one widget. It may
// complete after the session ended; in that case it updates only the
// persisted record.
func (s *Session) scheduleActivity(w *WidgetEvent, p ScheduleActivity) {
	defer s.widgetWG.Done()

	if s.deps.Calendar == nil {
		s.completeWidget(w, StatusSyncFailed,
			core.NewCalendarSyncError("no calendar collaborator configured", nil))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ev, err := s.deps.Calendar.ScheduleEvent(ctx, ScheduleSuggestion{
		Title:           p.Title,
		Category:        p.Category,
		Date:            p.Date,
		Time:            p.Time,
		DurationMinutes: p.Duration,
	})
	if err != nil {
		s.completeWidget(w, StatusSyncFailed, core.NewCalendarSyncError("scheduling activity failed", err))
		return
	}

	s.mu.Lock()
	w.ScheduledEventID = ev.ID
	s.mu.Unlock()
	s.completeWidget(w, StatusScheduled, nil)
}

// completeWidget records a widget's terminal status. Calendar trouble
// downgrades only this widget, never the session.
func (s *Session) completeWidget(w *WidgetEvent, status WidgetStatus, cause error) {
	if cause != nil {
		s.logger.Warn("widget side effect failed",
			zap.String("widget_id", w.ID),
			zap.String("widget_type", string(w.Type)),
			zap.Error(cause))
	}

	s.mu.Lock()
	changed := w.advance(status)
	s.mu.Unlock()
	if !changed {
		return
	}

	if s.active.Load() {
		s.notifyWidget(w)
		return
	}
	// The session is gone; refresh the persisted record only.
	s.refreshPersisted(w)
}

// SaveWidget marks a draft widget saved. The transition is monotonic; a
// widget already in a terminal status is left alone.
func (s *Session) SaveWidget(id string) bool {
	return s.resolveWidget(id, StatusSaved)
}

// DismissWidget marks a draft widget dismissed.
func (s *Session) DismissWidget(id string) bool {
	return s.resolveWidget(id, StatusDismissed)
}

func (s *Session) resolveWidget(id string, status WidgetStatus) bool {
	s.mu.Lock()
	var target *WidgetEvent
	for _, w := range s.widgets {
		if w.ID == id {
			target = w
			break
		}
	}
	if target == nil || !target.advance(status) {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	if s.active.Load() {
		s.notifyWidget(target)
	} else {
		s.refreshPersisted(target)
	}
	return true
}

// WaitSideEffects blocks until in-flight widget side effects finish. End
// does not cancel them, so a caller about to exit the process can wait here
// for late completions to reach the persisted record.
func (s *Session) WaitSideEffects() {
	s.widgetWG.Wait()
}

// Widgets returns a snapshot of the session's widget list.
func (s *Session) Widgets() []WidgetEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WidgetEvent, 0, len(s.widgets))
	for _, w := range s.widgets {
		out = append(out, *w)
	}
	return out
}

// refreshPersisted folds a late widget update into a copy of the finalized
// record and re-persists the copy. Records already handed to the caller are
// never mutated.
func (s *Session) refreshPersisted(w *WidgetEvent) {
	s.mu.Lock()
	var rec *Record
	if s.final != nil {
		clone := *s.final
		clone.Widgets = append([]WidgetEvent(nil), s.final.Widgets...)
		for i := range clone.Widgets {
			if clone.Widgets[i].ID == w.ID {
				clone.Widgets[i] = *w
			}
		}
		rec = &clone
		s.final = rec
	}
	s.mu.Unlock()

	if rec == nil || s.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.deps.Store.SaveSession(ctx, rec); err != nil {
		s.logger.Warn("persisting late widget update failed",
			zap.String("widget_id", w.ID), zap.Error(err))
	}
}

func (s *Session) notifyWidget(w *WidgetEvent) {
	if s.cb.OnWidget == nil {
		return
	}
	s.mu.Lock()
	snapshot := *w
	s.mu.Unlock()
	s.cb.OnWidget(snapshot)
}
