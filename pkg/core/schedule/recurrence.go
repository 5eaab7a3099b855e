package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stillpoint-app/checkin/pkg/core"
)

// Frequency selects which calendar days a recurring spec lands on.
type Frequency string

const (
	FreqDaily          Frequency = "daily"
	FreqWeekly         Frequency = "weekly"
	FreqWeekdays       Frequency = "weekdays"
	FreqCustomWeekdays Frequency = "custom_weekdays"
)

// DefaultMaxOccurrences caps runaway expansions.
const DefaultMaxOccurrences = 60

// RecurringSpec describes a repeating schedule.
type RecurringSpec struct {
	StartDate string    `json:"startDate"`
	Time      string    `json:"time"`
	TimeZone  string    `json:"timeZone"`
	Frequency Frequency `json:"frequency"`
	// Weekdays is required for custom_weekdays (time.Weekday values).
	Weekdays []time.Weekday `json:"weekdays,omitempty"`
	// Exactly one stop condition is required: Count or UntilDate.
	Count     int    `json:"count,omitempty"`
	UntilDate string `json:"untilDate,omitempty"`
	// MaxOccurrences overrides the default safety cap when positive.
	MaxOccurrences int `json:"maxOccurrences,omitempty"`
}

// Occurrence is one concrete instance of a recurring spec.
type Occurrence struct {
	Date string `json:"date"`
	Time string `json:"time"`
	// ScheduledFor is the zone-correct absolute instant.
	ScheduledFor time.Time `json:"scheduledFor"`
}

// Expansion is the result of expanding a recurring spec.
type Expansion struct {
	Occurrences []Occurrence `json:"occurrences"`
	// Truncated is set when the safety cap cut the expansion short.
	Truncated bool `json:"truncated"`
}

// ExpandRecurringOccurrences walks calendar days in the rule's time zone and
// emits zone-correct instants. Instants are strictly increasing. The
// expansion stops at the rule's stop condition or the safety cap, whichever
// comes first; hitting the cap sets Truncated instead of failing.
func ExpandRecurringOccurrences(spec RecurringSpec) (Expansion, error) {
	loc, err := time.LoadLocation(spec.TimeZone)
	if err != nil {
		return Expansion{}, core.NewInvalidRequestError(fmt.Sprintf("unknown time zone %q", spec.TimeZone), "timeZone")
	}

	start, err := time.ParseInLocation("2006-01-02", spec.StartDate, loc)
	if err != nil {
		return Expansion{}, core.NewInvalidRequestError(fmt.Sprintf("invalid start date %q", spec.StartDate), "startDate")
	}

	hour, minute, err := parseClock(spec.Time)
	if err != nil {
		return Expansion{}, err
	}

	if spec.Count <= 0 && spec.UntilDate == "" {
		return Expansion{}, core.NewInvalidRequestError("recurring spec needs a stop condition (count or untilDate)", "count")
	}

	var until time.Time
	if spec.UntilDate != "" {
		until, err = time.ParseInLocation("2006-01-02", spec.UntilDate, loc)
		if err != nil {
			return Expansion{}, core.NewInvalidRequestError(fmt.Sprintf("invalid until date %q", spec.UntilDate), "untilDate")
		}
	}

	match, err := dayMatcher(spec)
	if err != nil {
		return Expansion{}, err
	}

	limit := DefaultMaxOccurrences
	if spec.MaxOccurrences > 0 {
		limit = spec.MaxOccurrences
	}

	var out Expansion
	year, month, day := start.Date()
	for {
		if !until.IsZero() {
			current := time.Date(year, month, day, 0, 0, 0, 0, loc)
			if current.After(until) {
				break
			}
		}

		if match(time.Date(year, month, day, 0, 0, 0, 0, loc).Weekday()) {
			if len(out.Occurrences) >= limit {
				out.Truncated = true
				break
			}
			// time.Date normalizes across DST transitions, so the wall-clock
			// time stays correct on transition days.
			instant := time.Date(year, month, day, hour, minute, 0, 0, loc)
			out.Occurrences = append(out.Occurrences, Occurrence{
				Date:         instant.Format("2006-01-02"),
				Time:         spec.Time,
				ScheduledFor: instant,
			})
			if spec.Count > 0 && len(out.Occurrences) >= spec.Count {
				break
			}
		}

		year, month, day = nextDay(year, month, day, spec.Frequency, loc)
	}
	return out, nil
}

func nextDay(year int, month time.Month, day int, freq Frequency, loc *time.Location) (int, time.Month, int) {
	step := 1
	if freq == FreqWeekly {
		step = 7
	}
	return time.Date(year, month, day+step, 0, 0, 0, 0, loc).Date()
}

func dayMatcher(spec RecurringSpec) (func(time.Weekday) bool, error) {
	switch spec.Frequency {
	case FreqDaily, FreqWeekly:
		return func(time.Weekday) bool { return true }, nil
	case FreqWeekdays:
		return func(d time.Weekday) bool {
			return d != time.Saturday && d != time.Sunday
		}, nil
	case FreqCustomWeekdays:
		if len(spec.Weekdays) == 0 {
			return nil, core.NewInvalidRequestError("custom_weekdays requires at least one weekday", "weekdays")
		}
		set := make(map[time.Weekday]bool, len(spec.Weekdays))
		for _, d := range spec.Weekdays {
			set[d] = true
		}
		return func(d time.Weekday) bool { return set[d] }, nil
	default:
		return nil, core.NewInvalidRequestError(fmt.Sprintf("unknown frequency %q", spec.Frequency), "frequency")
	}
}

func parseClock(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, core.NewInvalidRequestError(fmt.Sprintf("invalid time %q", s), "time")
	}
	hour, err1 := strconv.Atoi(parts[0])
	minute, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, core.NewInvalidRequestError(fmt.Sprintf("invalid time %q", s), "time")
	}
	return hour, minute, nil
}
