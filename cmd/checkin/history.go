package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stillpoint-app/checkin/internal/store"
)

func historyCmd(cfg *appConfig) *cobra.Command {
	var (
		date string
		days int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show daily stress and fatigue scores",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cfg.debug)
			if err != nil {
				return err
			}
			defer logger.Sync()

			st, err := store.Open(cfg.dbPath, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if date != "" {
				return printDay(ctx, st, date)
			}
			return printRecent(ctx, st, days)
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "show one day's sessions (YYYY-MM-DD)")
	cmd.Flags().IntVar(&days, "days", 14, "how many recent days to show")
	return cmd
}

func printDay(ctx context.Context, st *store.Store, date string) error {
	day, err := st.DailyScore(ctx, date)
	if errors.Is(err, store.ErrNotFound) {
		fmt.Printf("No scored check-ins on %s.\n", date)
	} else if err != nil {
		return err
	} else {
		fmt.Printf("%s  stress %5.1f  fatigue %5.1f  (%d session(s))\n",
			day.Date, day.Stress, day.Fatigue, day.Count)
	}

	sessions, err := st.SessionsByDate(ctx, date)
	if err != nil {
		return err
	}
	for _, rec := range sessions {
		line := fmt.Sprintf("  %s  %s", rec.StartedAt.Format("15:04"), rec.ID)
		if rec.Metrics != nil {
			line += fmt.Sprintf("  stress %5.1f  fatigue %5.1f", rec.Metrics.FinalScores.Stress, rec.Metrics.FinalScores.Fatigue)
		} else {
			line += "  (no metrics)"
		}
		fmt.Println(line)
	}
	return nil
}

func printRecent(ctx context.Context, st *store.Store, days int) error {
	scores, err := st.RecentDailyScores(ctx, days)
	if err != nil {
		return err
	}
	if len(scores) == 0 {
		fmt.Println("No scored check-ins yet.")
		return nil
	}
	for _, d := range scores {
		fmt.Printf("%s  stress %5.1f  fatigue %5.1f  (%d session(s))\n",
			d.Date, d.Stress, d.Fatigue, d.Count)
	}
	return nil
}
