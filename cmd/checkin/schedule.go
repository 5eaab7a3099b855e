package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stillpoint-app/checkin/internal/calendar"
	"github.com/stillpoint-app/checkin/internal/store"
	"github.com/stillpoint-app/checkin/pkg/core/checkin"
	"github.com/stillpoint-app/checkin/pkg/core/schedule"
)

func scheduleCmd(cfg *appConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage scheduled activities",
	}
	cmd.AddCommand(scheduleListCmd(cfg))
	cmd.AddCommand(scheduleAddCmd(cfg))
	return cmd
}

func openCalendar(cfg *appConfig) (*store.Store, *calendar.Local, error) {
	logger, err := newLogger(cfg.debug)
	if err != nil {
		return nil, nil, err
	}
	loc, err := cfg.location()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg.dbPath, logger)
	if err != nil {
		return nil, nil, err
	}
	cal, err := calendar.NewLocal(st.DB(), loc, logger)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return st, cal, nil
}

func scheduleListCmd(cfg *appConfig) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List upcoming activities",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, cal, err := openCalendar(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			events, err := cal.Upcoming(ctx, time.Now(), limit)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Println("Nothing scheduled.")
				return nil
			}
			for _, ev := range events {
				mark := " "
				if ev.Completed {
					mark = "x"
				}
				fmt.Printf("[%s] %s  %s (%dm)  %s\n",
					mark, ev.ScheduledAt.Local().Format("2006-01-02 15:04"), ev.Title, ev.DurationMinutes, ev.ID)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum events to show")
	return cmd
}

func scheduleAddCmd(cfg *appConfig) *cobra.Command {
	var (
		title     string
		category  string
		date      string
		clock     string
		duration  string
		frequency string
		count     int
		until     string
		weekdays  []string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Schedule an activity, optionally recurring",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" || date == "" || clock == "" {
				return fmt.Errorf("--title, --date and --time are required")
			}

			minutes, _ := schedule.ExtractDurationMinutesFromText(duration)

			st, cal, err := openCalendar(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if frequency == "" {
				ev, err := cal.ScheduleEvent(ctx, checkin.ScheduleSuggestion{
					Title:           title,
					Category:        category,
					Date:            date,
					Time:            clock,
					DurationMinutes: minutes,
				})
				if err != nil {
					return err
				}
				fmt.Printf("Scheduled %q for %s (%s)\n", title, ev.ScheduledAt.Format("2006-01-02 15:04"), ev.ID)
				return nil
			}

			days, err := parseWeekdays(weekdays)
			if err != nil {
				return err
			}
			tz := cfg.timeZone
			if tz == "" {
				tz = "Local"
			}
			events, truncated, err := cal.ScheduleRecurring(ctx, title, category, schedule.RecurringSpec{
				StartDate: date,
				Time:      clock,
				TimeZone:  tz,
				Frequency: schedule.Frequency(frequency),
				Weekdays:  days,
				Count:     count,
				UntilDate: until,
			}, minutes)
			if err != nil {
				return err
			}
			fmt.Printf("Scheduled %d occurrence(s) of %q\n", len(events), title)
			if truncated {
				fmt.Println("Note: the expansion hit the safety cap and was truncated.")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "activity title")
	cmd.Flags().StringVar(&category, "category", "", "activity category")
	cmd.Flags().StringVar(&date, "date", "", "start date (YYYY-MM-DD, today, tomorrow)")
	cmd.Flags().StringVar(&clock, "time", "", "time of day (HH:MM)")
	cmd.Flags().StringVar(&duration, "duration", "20 minutes", "duration, e.g. \"45 minutes\" or \"an hour\"")
	cmd.Flags().StringVar(&frequency, "every", "", "recurrence: daily, weekly, weekdays or custom_weekdays")
	cmd.Flags().IntVar(&count, "count", 0, "number of occurrences")
	cmd.Flags().StringVar(&until, "until", "", "last date (YYYY-MM-DD)")
	cmd.Flags().StringSliceVar(&weekdays, "on", nil, "weekdays for custom_weekdays, e.g. mon,wed,fri")
	return cmd
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseWeekdays(names []string) ([]time.Weekday, error) {
	out := make([]time.Weekday, 0, len(names))
	for _, n := range names {
		key := strings.ToLower(n)
		if len(key) > 3 {
			key = key[:3]
		}
		d, ok := weekdayNames[key]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", n)
		}
		out = append(out, d)
	}
	return out, nil
}
