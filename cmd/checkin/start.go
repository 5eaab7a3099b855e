package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stillpoint-app/checkin/internal/calendar"
	"github.com/stillpoint-app/checkin/internal/store"
	"github.com/stillpoint-app/checkin/pkg/core/audio"
	"github.com/stillpoint-app/checkin/pkg/core/checkin"
	"github.com/stillpoint-app/checkin/pkg/core/duplex"
	"github.com/stillpoint-app/checkin/pkg/core/features"
	"github.com/stillpoint-app/checkin/pkg/core/ratelimit"
	"github.com/stillpoint-app/checkin/pkg/core/scoring"
)

func startCmd(cfg *appConfig) *cobra.Command {
	var maxDuration time.Duration

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a voice check-in (Ctrl-C to finish)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cfg, maxDuration)
		},
	}
	cmd.Flags().DurationVar(&maxDuration, "max-duration", 10*time.Minute, "hard stop for the session")
	return cmd
}

func runStart(cfg *appConfig, maxDuration time.Duration) error {
	if cfg.duplexURL == "" {
		return fmt.Errorf("CHECKIN_DUPLEX_URL is required")
	}

	logger, err := newLogger(cfg.debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	loc, err := cfg.location()
	if err != nil {
		return err
	}

	if err := ensureDBDir(cfg.dbPath); err != nil {
		return err
	}
	st, err := store.Open(cfg.dbPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	cal, err := calendar.NewLocal(st.DB(), loc, logger)
	if err != nil {
		return err
	}

	source, err := audio.NewFFmpegSource(audio.CaptureFormat())
	if err != nil {
		return fmt.Errorf("microphone capture: %w", err)
	}
	sink, err := audio.NewFFplaySink(audio.PlaybackFormat())
	if err != nil {
		source.Close()
		return fmt.Errorf("audio playback: %w", err)
	}

	header := http.Header{}
	if cfg.apiKey != "" {
		header.Set("Authorization", "Bearer "+cfg.apiKey)
	}
	client := duplex.NewClient(cfg.duplexURL, header, logger)

	var semantic scoring.SemanticAnalyzer
	if cfg.semanticURL != "" {
		semantic = scoring.NewHTTPAnalyzer(cfg.semanticURL, cfg.apiKey, nil)
	}
	limiter := ratelimit.New(ratelimit.DefaultConfig())
	engine := scoring.NewEngine(scoring.DefaultConfig(), semantic, limiter, logger)

	session := checkin.NewSession(
		checkin.Config{UserID: cfg.userID},
		checkin.Deps{
			Client:    client,
			Source:    source,
			Capture:   audio.NewCapture(audio.DefaultCaptureConfig(), logger),
			Playback:  audio.NewCoordinator(audio.DefaultPlaybackConfig(), sink, logger),
			Extractor: features.NewExtractor(features.DefaultExtractorConfig()),
			Scoring:   engine,
			Calendar:  cal,
			Store:     st,
			Logger:    logger,
		},
		checkin.Callbacks{
			OnStateChange: func(state checkin.SessionState) {
				logger.Debug("session state", zap.Stringer("state", state))
			},
			OnTranscript: func(m checkin.Message) {
				fmt.Printf("%s: %s\n", m.Role, m.Text)
			},
			OnWidget: func(w checkin.WidgetEvent) {
				fmt.Printf("[widget] %s (%s)\n", w.Type, w.Status)
			},
			OnError: func(err error) {
				logger.Error("session failed", zap.Error(err))
			},
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("Connecting... speak after the assistant greets you. Ctrl-C to finish.")
	if err := session.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-time.After(maxDuration):
		fmt.Println("Reached the session time limit.")
	}
	stop()

	endCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rec, err := session.End(endCtx)
	if err != nil {
		return err
	}
	session.WaitSideEffects()
	printSummary(rec)
	return nil
}

func printSummary(rec *checkin.Record) {
	fmt.Printf("\nCheck-in %s finished (%s).\n", rec.ID, rec.EndedAt.Sub(rec.StartedAt).Round(time.Second))
	if rec.Metrics == nil {
		fmt.Println("No voiced audio captured; no scores for this session.")
		return
	}
	fmt.Printf("Stress  %5.1f\nFatigue %5.1f\nConfidence %.2f (%s)\n",
		rec.Metrics.FinalScores.Stress,
		rec.Metrics.FinalScores.Fatigue,
		rec.Metrics.Confidence,
		rec.Metrics.Method)
	if rec.RecordingID != "" {
		fmt.Printf("Recording saved as %s\n", rec.RecordingID)
	}
}
