// Package schedule resolves natural-language scheduling details (dates,
// durations, recurring specs) into concrete, timezone-correct values.
package schedule

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/stillpoint-app/checkin/pkg/core"
)

const (
	// Duration bounds in minutes, applied to every parsed duration.
	minDurationMinutes = 5
	maxDurationMinutes = 480
	// Fallback for non-finite or missing durations.
	defaultDurationMinutes = 20
)

// ResolveDate turns a date string into a concrete calendar day in loc.
// Accepts ISO dates (2026-02-01) and the relative words today, tomorrow and
// tonight.
func ResolveDate(raw string, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := strings.ToLower(strings.TrimSpace(raw))

	switch s {
	case "today", "tonight":
		y, m, d := now.In(loc).Date()
		return time.Date(y, m, d, 0, 0, 0, 0, loc), nil
	case "tomorrow":
		y, m, d := now.In(loc).AddDate(0, 0, 1).Date()
		return time.Date(y, m, d, 0, 0, 0, 0, loc), nil
	}

	t, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return time.Time{}, core.NewInvalidRequestError(fmt.Sprintf("unrecognized date %q", raw), "date")
	}
	return t, nil
}

var wordedNumbers = map[string]float64{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	"eleven": 11, "twelve": 12, "fifteen": 15, "twenty": 20,
	"thirty": 30, "forty": 40, "forty-five": 45, "fifty": 50,
	"sixty": 60, "ninety": 90,
	"a": 1, "an": 1, "half": 0.5,
}

var (
	durationRe  = regexp.MustCompile(`(?i)\b([\d.]+|[a-z-]+)\s*(hours?|hrs?|minutes?|mins?)\b`)
	timeRangeRe = regexp.MustCompile(`(?i)\b(\d{1,2})(?::(\d{2}))?\s*(am|pm)?\s*(?:-|–|to|until)\s*(\d{1,2})(?::(\d{2}))?\s*(am|pm)?\b`)
)

// ExtractDurationMinutesFromText scans free text for an explicit duration
// (numeric or worded, minutes or hours) or a time range, and returns the
// clamped duration in minutes. The second return reports whether anything
// was found.
func ExtractDurationMinutesFromText(text string) (int, bool) {
	var total float64
	for _, m := range durationRe.FindAllStringSubmatch(text, -1) {
		qty, ok := parseQuantity(m[1])
		if !ok {
			continue
		}
		unit := strings.ToLower(m[2])
		if strings.HasPrefix(unit, "h") {
			total += qty * 60
		} else {
			total += qty
		}
	}
	if total > 0 {
		return ClampDurationMinutes(total), true
	}

	if m := timeRangeRe.FindStringSubmatch(text); m != nil {
		if d, ok := rangeMinutes(m); ok {
			return ClampDurationMinutes(float64(d)), true
		}
	}
	return defaultDurationMinutes, false
}

func parseQuantity(s string) (float64, bool) {
	s = strings.ToLower(s)
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, true
	}
	v, ok := wordedNumbers[s]
	return v, ok
}

func rangeMinutes(m []string) (int, bool) {
	start, ok := clockMinutes(m[1], m[2], m[3])
	if !ok {
		return 0, false
	}
	end, ok := clockMinutes(m[4], m[5], m[6])
	if !ok {
		return 0, false
	}
	// "2 to 3:30" with no meridiem on the start inherits the end's.
	if m[3] == "" && strings.EqualFold(m[6], "pm") && start+12*60 < end {
		start += 12 * 60
	}
	if end <= start {
		end += 12 * 60
	}
	if end <= start {
		return 0, false
	}
	return end - start, true
}

func clockMinutes(hourS, minS, meridiem string) (int, bool) {
	hour, err := strconv.Atoi(hourS)
	if err != nil || hour < 0 || hour > 23 {
		return 0, false
	}
	minute := 0
	if minS != "" {
		minute, err = strconv.Atoi(minS)
		if err != nil || minute > 59 {
			return 0, false
		}
	}
	switch strings.ToLower(meridiem) {
	case "pm":
		if hour < 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	}
	return hour*60 + minute, true
}

// ClampDurationMinutes enforces the duration bounds. Non-finite input falls
// back to the default.
func ClampDurationMinutes(minutes float64) int {
	if math.IsNaN(minutes) || math.IsInf(minutes, 0) {
		return defaultDurationMinutes
	}
	if minutes < minDurationMinutes {
		return minDurationMinutes
	}
	if minutes > maxDurationMinutes {
		return maxDurationMinutes
	}
	return int(math.Round(minutes))
}
