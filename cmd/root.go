package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/andresmejia3/footfall/internal/logger"
	"github.com/andresmejia3/footfall/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Options holds the configuration of a counting run.
type Options struct {
	InputPath      string  `validate:"required_without=ReplayPath,excluded_with=ReplayPath"`
	SkipFrames     int     `validate:"gte=1"`
	Confidence     float64 `validate:"gte=0,lte=1"`
	Class          string  `validate:"required"`
	Width          int     `validate:"gte=0"`
	MaxDisappeared int     `validate:"gte=0"`
	MaxDistance    float64 `validate:"gt=0"`
	BoundaryY      int     `validate:"gte=-1"`
	EvictAfter     int     `validate:"gte=0"`
	EngineScript   string  `validate:"required"`
	EngineCommand  string  `validate:"required"`
	RedisAddr      string  `validate:"omitempty,hostname_port"`
	MetricsAddr    string  `validate:"omitempty,hostname_port"`
	ReplayPath     string
	RecordPath     string
	Label          string
	NoStore        bool
}

var (
	// DB is the global database connection shared by subcommands
	DB *store.Store
	// dbURL is the connection string
	dbURL    string
	logLevel string
	logFile  string
	noColor  bool
	// dataDir holds recordings and log files given as relative paths
	dataDir string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "footfall",
	Short:   "Count people crossing a line in a video",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env file is fine, the environment may be set already
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}

		if _, err := logger.Setup(logger.Options{Level: logLevel, File: dataPath(logFile), NoColor: noColor}); err != nil {
			return err
		}

		if !needsStore(cmd) {
			return nil
		}

		if dbURL == "" {
			dbURL = databaseURL(os.Getenv)
		}

		// Use the command's context (which will be cancellable) for the connection
		var err error
		DB, err = store.New(cmd.Context(), dbURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// The main context might be cancelled already (Ctrl+C) and we still need to close the DB.
			DB.Close(context.Background())
		}
	},
}

// needsStore reports whether cmd talks to PostgreSQL.
func needsStore(cmd *cobra.Command) bool {
	if f := cmd.Flags().Lookup("no-store"); f != nil && f.Value.String() == "true" {
		return false
	}
	// reset --files alone only touches the filesystem
	if cmd == resetCmd && resetFiles && !resetDatabase {
		return false
	}
	return true
}

// dataPath places a relative file name under --data-dir. Empty and absolute
// paths are returned unchanged.
func dataPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dataDir, p)
}

// databaseURL builds the connection string from the POSTGRES_* variables.
func databaseURL(getenv func(string) string) string {
	host := getenv("POSTGRES_HOST")
	if host == "" {
		// Fallback to local default if no env vars are present
		return "postgres://localhost:5432/footfall"
	}
	port := getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		getenv("POSTGRES_USER"), getenv("POSTGRES_PASSWORD"), host, port, getenv("POSTGRES_DB"))
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: POSTGRES_* env or postgres://localhost:5432/footfall)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write logs to this file (rotated, relative to --data-dir)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored log output")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "/data/footfall", "Directory for recordings and log files given as relative paths")
}
