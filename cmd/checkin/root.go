package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type appConfig struct {
	dbPath      string
	duplexURL   string
	apiKey      string
	semanticURL string
	userID      string
	timeZone    string
	debug       bool
}

func rootCmd() *cobra.Command {
	cfg := &appConfig{}

	cmd := &cobra.Command{
		Use:           "checkin",
		Short:         "Voice check-ins with stress and fatigue tracking",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// A missing .env file is fine; explicit env always wins.
			_ = godotenv.Load()
			applyEnvDefaults(cfg)
		},
	}

	cmd.PersistentFlags().StringVar(&cfg.dbPath, "db", "", "database path (default $CHECKIN_DB_PATH or ~/.checkin/checkin.db)")
	cmd.PersistentFlags().StringVar(&cfg.timeZone, "tz", "", "time zone for dates (default $CHECKIN_TZ or local)")
	cmd.PersistentFlags().BoolVar(&cfg.debug, "debug", false, "verbose logging")

	cmd.AddCommand(startCmd(cfg))
	cmd.AddCommand(historyCmd(cfg))
	cmd.AddCommand(scheduleCmd(cfg))
	return cmd
}

func applyEnvDefaults(cfg *appConfig) {
	if cfg.dbPath == "" {
		cfg.dbPath = os.Getenv("CHECKIN_DB_PATH")
	}
	if cfg.dbPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.dbPath = filepath.Join(home, ".checkin", "checkin.db")
		} else {
			cfg.dbPath = "checkin.db"
		}
	}
	if cfg.timeZone == "" {
		cfg.timeZone = os.Getenv("CHECKIN_TZ")
	}
	cfg.duplexURL = os.Getenv("CHECKIN_DUPLEX_URL")
	cfg.apiKey = os.Getenv("CHECKIN_API_KEY")
	cfg.semanticURL = os.Getenv("CHECKIN_SEMANTIC_URL")
	cfg.userID = os.Getenv("CHECKIN_USER_ID")
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

func (cfg *appConfig) location() (*time.Location, error) {
	if cfg.timeZone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(cfg.timeZone)
	if err != nil {
		return nil, fmt.Errorf("unknown time zone %q", cfg.timeZone)
	}
	return loc, nil
}

func ensureDBDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
