package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/andresmejia3/footfall/internal/counter"
	"github.com/andresmejia3/footfall/internal/logger"
	"github.com/andresmejia3/footfall/internal/metrics"
	"github.com/andresmejia3/footfall/internal/pipeline"
	"github.com/andresmejia3/footfall/internal/report"
	"github.com/andresmejia3/footfall/internal/store"
	"github.com/andresmejia3/footfall/internal/tracker"
	"github.com/andresmejia3/footfall/internal/types"
	"github.com/andresmejia3/footfall/internal/utils"
	"github.com/andresmejia3/footfall/internal/worker"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var countOpts Options

var countCmd = &cobra.Command{
	Use:   "count",
	Short: "Count entries and exits across a horizontal line",
	Long: `Detects people every --skip-frames frames, tracks them in between and counts
every identity whose centroid crosses the boundary line. Moving down across the
line is an entry, moving up is an exit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if countOpts.RedisAddr == "" {
			countOpts.RedisAddr = os.Getenv("REDIS_ADDRESS")
		}
		countOpts.RecordPath = dataPath(countOpts.RecordPath)
		var db runStore
		if DB != nil {
			db = DB
		}
		return runCount(cmd.Context(), countOpts, db, os.Stdout)
	},
}

func init() {
	def := worker.DefaultConfig()

	countCmd.Flags().StringVarP(&countOpts.InputPath, "input", "i", "", "Path to video")
	countCmd.Flags().StringVar(&countOpts.ReplayPath, "replay", "", "Count precomputed boxes from a JSON lines file instead of a video")
	countCmd.Flags().StringVar(&countOpts.RecordPath, "record", "", "Write every frame's boxes to a JSON lines file for --replay (relative to --data-dir)")
	countCmd.Flags().IntVarP(&countOpts.SkipFrames, "skip-frames", "s", 30, "Run full detection every N frames and track in between")
	countCmd.Flags().Float64VarP(&countOpts.Confidence, "confidence", "c", def.Confidence, "Minimum detection confidence")
	countCmd.Flags().StringVar(&countOpts.Class, "class", def.Class, "Detector class to count")
	countCmd.Flags().IntVarP(&countOpts.Width, "width", "w", 500, "Resize frames to this width before detection (0 keeps the original size)")
	countCmd.Flags().IntVar(&countOpts.MaxDisappeared, "max-disappeared", tracker.DefaultMaxDisappeared, "Frames an identity may go unmatched before it is dropped")
	countCmd.Flags().Float64Var(&countOpts.MaxDistance, "max-distance", tracker.DefaultMaxDistance, "Maximum centroid distance (pixels) for a match")
	countCmd.Flags().IntVarP(&countOpts.BoundaryY, "boundary", "b", -1, "Boundary line y coordinate (-1 is half the frame height)")
	countCmd.Flags().IntVar(&countOpts.EvictAfter, "evict-after", 0, "Drop an identity's history after it has been gone for N frames (0 keeps every history)")
	countCmd.Flags().StringVarP(&countOpts.Label, "label", "l", "", "Label stored with the run")
	countCmd.Flags().StringVar(&countOpts.EngineScript, "engine", def.Script, "Detector/tracker engine script")
	countCmd.Flags().StringVar(&countOpts.EngineCommand, "engine-cmd", def.Command, "Interpreter used to run the engine")
	countCmd.Flags().StringVar(&countOpts.RedisAddr, "redis", "", "Publish live counts to Redis at host:port (default: REDIS_ADDRESS env)")
	countCmd.Flags().StringVar(&countOpts.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on host:port")
	countCmd.Flags().BoolVar(&countOpts.NoStore, "no-store", false, "Do not record the run in PostgreSQL")

	countCmd.MarkFlagsMutuallyExclusive("input", "replay")
	countCmd.MarkFlagsOneRequired("input", "replay")
	rootCmd.AddCommand(countCmd)
}

// runStore is the part of the store a counting run writes to.
type runStore interface {
	store.CrossingWriter
	EnsureVideoMetadata(ctx context.Context, videoID, path string) error
	CreateRun(ctx context.Context, run *store.Run) error
	FinishRun(ctx context.Context, runID uuid.UUID, entries, exits, frames int) error
}

var validate = validator.New()

// validateCountFlags checks flag ranges and that the input exists.
func validateCountFlags(opts *Options) error {
	if err := validate.Struct(opts); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: failed %q check (got %v)", fe.Field(), fe.Tag(), fe.Value())
		}
		return err
	}

	for _, p := range []string{opts.InputPath, opts.ReplayPath} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("input file %s: %w", p, err)
		}
	}
	return nil
}

// resolveBoundary picks the boundary line: the flag when set, otherwise the
// middle of the frame.
func resolveBoundary(flag, height int) (int, error) {
	if flag >= 0 {
		return flag, nil
	}
	if height <= 0 {
		return 0, errors.New("frame height unknown, set --boundary")
	}
	return height / 2, nil
}

// source is a pipeline.Source that knows the frame height.
type source interface {
	pipeline.Source
	Height() int
}

// runCount wires the source, the tracker, the counter and every sink, then
// runs the pipeline to the end of the input.
func runCount(ctx context.Context, opts Options, db runStore, out io.Writer) error {
	if err := validateCountFlags(&opts); err != nil {
		utils.ShowError("Invalid flags", err, nil)
		return err
	}

	var (
		src     source
		videoID string
		fps     float64
		total   = -1
		engine  *worker.EngineWorker
	)

	if opts.ReplayPath != "" {
		rs, err := pipeline.OpenReplay(opts.ReplayPath)
		if err != nil {
			utils.ShowError("Failed to open replay file", err, nil)
			return err
		}
		src = rs
		fmt.Fprintf(os.Stderr, "📄 Replaying %s\n", opts.ReplayPath)
	} else {
		var err error
		videoID, err = utils.GenerateVideoID(opts.InputPath)
		if err != nil {
			utils.ShowError("Failed to generate video ID", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "📼 Processing Video ID: %s\n", videoID[:12])

		if fps, err = utils.GetVideoFPS(ctx, opts.InputPath); err != nil {
			utils.ShowError("Failed to determine video FPS", err, nil)
			return err
		}
		if n := utils.GetTotalFrames(ctx, opts.InputPath); n > 0 {
			total = n
		}

		fmt.Fprintln(os.Stderr, "🚀 Starting Engine...")
		engine, err = worker.NewEngineWorker(ctx, worker.Config{
			Command:    opts.EngineCommand,
			Script:     opts.EngineScript,
			Confidence: opts.Confidence,
			Class:      opts.Class,
		})
		if err != nil {
			utils.ShowError("Failed to start engine", err, nil)
			return err
		}
		defer engine.Close()

		vs, err := pipeline.NewVideoSource(ctx, opts.InputPath, opts.Width, opts.SkipFrames, engine)
		if err != nil {
			utils.ShowError("Failed to start decoding", err, engine.Cmd)
			return err
		}
		src = vs
	}
	defer src.Close()

	boundary, err := resolveBoundary(opts.BoundaryY, src.Height())
	if err != nil {
		utils.ShowError("Cannot place the boundary line", err, nil)
		return err
	}

	trk := tracker.New(tracker.Config{MaxDisappeared: opts.MaxDisappeared, MaxDistance: opts.MaxDistance})
	cnt := counter.New(counter.Config{BoundaryY: boundary, EvictAfter: opts.EvictAfter})

	runID := uuid.New()
	log := logger.Get()
	logger.With(logger.Fields{
		"run":      runID.String(),
		"boundary": boundary,
		"height":   src.Height(),
	}).Info("Counting started")

	sinks := []pipeline.Sink{report.LogSink{Log: log, Every: 100}}

	if db != nil {
		if videoID != "" {
			if err := db.EnsureVideoMetadata(ctx, videoID, opts.InputPath); err != nil {
				utils.ShowError("Failed to register video metadata", err, nil)
				return err
			}
		}
		run := &store.Run{
			ID:             runID,
			VideoID:        videoID,
			Label:          opts.Label,
			BoundaryY:      boundary,
			MaxDisappeared: opts.MaxDisappeared,
			MaxDistance:    opts.MaxDistance,
			SkipFrames:     opts.SkipFrames,
		}
		if err := db.CreateRun(ctx, run); err != nil {
			utils.ShowError("Failed to create run", err, nil)
			return err
		}
		sinks = append(sinks, store.Sink{DB: db, RunID: runID, FPS: fps})
	}

	if opts.RedisAddr != "" {
		redisDB, _ := strconv.Atoi(os.Getenv("REDIS_DB"))
		client, err := report.Dial(ctx, opts.RedisAddr, os.Getenv("REDIS_PASSWORD"), redisDB)
		if err != nil {
			utils.ShowError("Failed to connect to Redis", err, nil)
			return err
		}
		defer client.Close()
		sinks = append(sinks, report.NewPublisher(client, runID.String()))
		fmt.Fprintf(os.Stderr, "📡 Publishing to %s\n", report.Channel(runID.String()))
	}

	if opts.MetricsAddr != "" {
		metricsCtx, stopMetrics := context.WithCancel(ctx)
		defer stopMetrics()
		go func() {
			if err := metrics.Serve(metricsCtx, opts.MetricsAddr); err != nil {
				log.WithError(err).Error("Metrics server stopped")
			}
		}()
		sinks = append(sinks, metrics.Recorder{})
	}

	if opts.RecordPath != "" {
		rec, err := pipeline.CreateRecorder(opts.RecordPath, src.Height())
		if err != nil {
			utils.ShowError("Failed to create record file", err, nil)
			return err
		}
		defer func() {
			if err := rec.Close(); err != nil {
				log.WithError(err).Error("Failed to flush record file")
			}
		}()
		sinks = append(sinks, rec)
	}

	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🔍 Counting"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)
	sinks = append(sinks, pipeline.SinkFunc(func(context.Context, types.FrameReport) error {
		return bar.Add(1)
	}))

	sum, runErr := pipeline.Run(ctx, src, trk, cnt, sinks...)
	bar.Finish()
	fmt.Fprintln(os.Stderr)

	interrupted := errors.Is(runErr, context.Canceled)
	if runErr != nil && !interrupted {
		var ws *utils.SafeCommand
		if engine != nil {
			ws = engine.Cmd
		}
		utils.ShowError("Counting failed", runErr, ws)
	}

	if db != nil {
		// The run context may be cancelled already
		if err := db.FinishRun(context.Background(), runID, sum.Entries, sum.Exits, sum.Frames); err != nil {
			utils.ShowError("Failed to save run totals", err, nil)
			if runErr == nil {
				runErr = err
			}
		}
	}

	if interrupted {
		fmt.Fprintln(os.Stderr, "⚠️  Interrupted, totals cover the frames processed so far")
		runErr = nil
	}
	printSummary(out, runID, sum)
	return runErr
}

func printSummary(w io.Writer, runID uuid.UUID, sum pipeline.Summary) {
	fmt.Fprintf(w, "✅ Counted %d frames in %s (%.1f FPS)\n", sum.Frames, sum.Elapsed.Round(time.Millisecond), sum.FPS)
	fmt.Fprintf(w, "   ⬇️  Entries: %d\n", sum.Entries)
	fmt.Fprintf(w, "   ⬆️  Exits:   %d\n", sum.Exits)
	fmt.Fprintf(w, "   🧍 Inside:  %d\n", sum.Inside)
	fmt.Fprintf(w, "   🆔 Run:     %s\n", runID)
}
