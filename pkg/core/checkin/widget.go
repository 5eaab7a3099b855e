package checkin

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stillpoint-app/checkin/pkg/core"
	"github.com/stillpoint-app/checkin/pkg/core/schedule"
)

// WidgetType enumerates the widget proposals the assistant may emit.
type WidgetType string

const (
	WidgetBreathingExercise WidgetType = "breathing_exercise"
	WidgetJournalPrompt     WidgetType = "journal_prompt"
	WidgetStressGauge       WidgetType = "stress_gauge"
	WidgetQuickActions      WidgetType = "quick_actions"
	WidgetScheduleActivity  WidgetType = "schedule_activity"
)

// WidgetStatus tracks a widget's lifecycle. Transitions are monotonic: a
// terminal status never changes.
type WidgetStatus string

const (
	StatusDraft      WidgetStatus = "draft"
	StatusPending    WidgetStatus = "pending"
	StatusSaved      WidgetStatus = "saved"
	StatusDismissed  WidgetStatus = "dismissed"
	StatusScheduled  WidgetStatus = "scheduled"
	StatusSyncFailed WidgetStatus = "sync_failed"
)

func (s WidgetStatus) terminal() bool {
	switch s {
	case StatusSaved, StatusDismissed, StatusScheduled, StatusSyncFailed:
		return true
	}
	return false
}

// WidgetPayload is the closed union of validated widget arguments. Adding a
// widget type means adding a variant here and handling it everywhere the
// compiler points.
type WidgetPayload interface {
	widgetPayloadType() WidgetType
}

// BreathingExercise proposes a guided breathing pattern.
type BreathingExercise struct {
	Type     string `json:"type"`
	Duration int    `json:"duration"`
}

func (BreathingExercise) widgetPayloadType() WidgetType { return WidgetBreathingExercise }

// JournalPrompt proposes a written reflection.
type JournalPrompt struct {
	Prompt      string `json:"prompt"`
	Placeholder string `json:"placeholder,omitempty"`
	Category    string `json:"category,omitempty"`
}

func (JournalPrompt) widgetPayloadType() WidgetType { return WidgetJournalPrompt }

// StressGauge reports the assistant's read of the user's state.
type StressGauge struct {
	StressLevel  float64 `json:"stressLevel"`
	FatigueLevel float64 `json:"fatigueLevel"`
	Message      string  `json:"message,omitempty"`
}

func (StressGauge) widgetPayloadType() WidgetType { return WidgetStressGauge }

// QuickAction is one tappable follow-up.
type QuickAction struct {
	Label  string `json:"label"`
	Action string `json:"action"`
}

// QuickActions proposes a set of follow-up actions.
type QuickActions struct {
	Actions []QuickAction `json:"actions"`
}

func (QuickActions) widgetPayloadType() WidgetType { return WidgetQuickActions }

// ScheduleActivity proposes putting an activity on the calendar.
type ScheduleActivity struct {
	Title    string `json:"title"`
	Category string `json:"category,omitempty"`
	Date     string `json:"date"`
	Time     string `json:"time"`
	Duration int    `json:"duration"`
}

func (ScheduleActivity) widgetPayloadType() WidgetType { return WidgetScheduleActivity }

// WidgetEvent is one widget proposal and its lifecycle state.
type WidgetEvent struct {
	ID        string        `json:"id"`
	Type      WidgetType    `json:"type"`
	Payload   WidgetPayload `json:"payload"`
	CreatedAt time.Time     `json:"createdAt"`
	Status    WidgetStatus  `json:"status"`
	// ScheduledEventID is set when a schedule_activity widget reaches
	// scheduled.
	ScheduledEventID string `json:"scheduledEventId,omitempty"`
}

// UnmarshalJSON decodes a persisted widget event. Payload is an interface,
// so the raw bytes are dispatched on the widget type into the closed union.
func (w *WidgetEvent) UnmarshalJSON(data []byte) error {
	type alias WidgetEvent
	aux := struct {
		*alias
		Payload json.RawMessage `json:"payload"`
	}{alias: (*alias)(w)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Payload) == 0 || string(aux.Payload) == "null" {
		w.Payload = nil
		return nil
	}
	payload, err := decodePayload(w.Type, aux.Payload)
	if err != nil {
		return err
	}
	w.Payload = payload
	return nil
}

// parseWidget validates raw widget arguments against the payload schema for
// the given type. Any failure is a protocol error; the caller logs and drops.
func parseWidget(id, widgetType string, args []byte, now time.Time) (*WidgetEvent, error) {
	payload, err := decodePayload(WidgetType(widgetType), args)
	if err != nil {
		return nil, err
	}
	return &WidgetEvent{
		ID:        id,
		Type:      WidgetType(widgetType),
		Payload:   payload,
		CreatedAt: now,
		Status:    StatusDraft,
	}, nil
}

func decodePayload(t WidgetType, args []byte) (WidgetPayload, error) {
	switch t {
	case WidgetBreathingExercise:
		var p BreathingExercise
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, core.NewProtocolError("malformed breathing_exercise payload", "args")
		}
		if p.Type == "" {
			return nil, core.NewProtocolError("breathing_exercise requires a pattern type", "type")
		}
		if p.Duration <= 0 {
			return nil, core.NewProtocolError("breathing_exercise requires a positive duration", "duration")
		}
		return p, nil

	case WidgetJournalPrompt:
		var p JournalPrompt
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, core.NewProtocolError("malformed journal_prompt payload", "args")
		}
		if p.Prompt == "" {
			return nil, core.NewProtocolError("journal_prompt requires a prompt", "prompt")
		}
		return p, nil

	case WidgetStressGauge:
		var p StressGauge
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, core.NewProtocolError("malformed stress_gauge payload", "args")
		}
		if p.StressLevel < 0 || p.StressLevel > 100 || p.FatigueLevel < 0 || p.FatigueLevel > 100 {
			return nil, core.NewProtocolError("stress_gauge levels must be within 0-100", "stressLevel")
		}
		return p, nil

	case WidgetQuickActions:
		var p QuickActions
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, core.NewProtocolError("malformed quick_actions payload", "args")
		}
		if len(p.Actions) == 0 {
			return nil, core.NewProtocolError("quick_actions requires at least one action", "actions")
		}
		for _, a := range p.Actions {
			if a.Label == "" || a.Action == "" {
				return nil, core.NewProtocolError("quick_actions entries require label and action", "actions")
			}
		}
		return p, nil

	case WidgetScheduleActivity:
		var p ScheduleActivity
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, core.NewProtocolError("malformed schedule_activity payload", "args")
		}
		if p.Title == "" {
			return nil, core.NewProtocolError("schedule_activity requires a title", "title")
		}
		if p.Date == "" || p.Time == "" {
			return nil, core.NewProtocolError("schedule_activity requires date and time", "date")
		}
		p.Duration = schedule.ClampDurationMinutes(float64(p.Duration))
		return p, nil

	default:
		return nil, core.NewProtocolError(fmt.Sprintf("unknown widget type %q", t), "type")
	}
}

// advance moves the status forward. Terminal statuses are sticky, and draft
// may only move through pending or straight to a terminal status.
func (w *WidgetEvent) advance(to WidgetStatus) bool {
	if w.Status.terminal() {
		return false
	}
	if to == StatusDraft {
		return false
	}
	w.Status = to
	return true
}
