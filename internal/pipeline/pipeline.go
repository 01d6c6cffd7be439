// Package pipeline drives the per-frame loop: a Source yields boxes, the
// identity tracker reconciles them, the crossing counter tallies them and
// every Sink sees the resulting report.
//
// Frames are handled one at a time on the calling goroutine. Sources may
// decode ahead in the background but Update and Process are never called
// concurrently or out of order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/andresmejia3/footfall/internal/counter"
	"github.com/andresmejia3/footfall/internal/tracker"
	"github.com/andresmejia3/footfall/internal/types"
)

// Source supplies the candidate boxes of consecutive frames.
// Next returns io.EOF once the input is exhausted.
type Source interface {
	Next(ctx context.Context) (types.Frame, error)
	Close() error
}

// Sink consumes the report of every processed frame.
type Sink interface {
	Observe(ctx context.Context, r types.FrameReport) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, r types.FrameReport) error

// Observe calls f.
func (f SinkFunc) Observe(ctx context.Context, r types.FrameReport) error {
	return f(ctx, r)
}

// Summary describes a finished (or interrupted) run.
type Summary struct {
	Frames  int
	Entries int
	Exits   int
	Inside  int
	Elapsed time.Duration
	FPS     float64
}

// Run processes frames until the source is exhausted, ctx is cancelled or a
// source or sink fails. The returned summary covers every frame that completed.
func Run(ctx context.Context, src Source, trk *tracker.Tracker, cnt *counter.Counter, sinks ...Sink) (Summary, error) {
	start := time.Now()
	var sum Summary

	finish := func(err error) (Summary, error) {
		tally := cnt.Tally()
		sum.Entries, sum.Exits, sum.Inside = tally.Entries, tally.Exits, tally.Inside
		sum.Elapsed = time.Since(start)
		if secs := sum.Elapsed.Seconds(); secs > 0 {
			sum.FPS = float64(sum.Frames) / secs
		}
		return sum, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}

		frame, err := src.Next(ctx)
		if err != nil {
			// A cancelled context kills the child processes, so their read
			// errors are a consequence of the cancellation.
			if ctxErr := ctx.Err(); ctxErr != nil {
				return finish(ctxErr)
			}
			if errors.Is(err, io.EOF) {
				return finish(nil)
			}
			return finish(fmt.Errorf("frame %d: %w", sum.Frames, err))
		}

		report := Step(trk, cnt, frame)
		sum.Frames++

		for _, s := range sinks {
			if err := s.Observe(ctx, report); err != nil {
				return finish(fmt.Errorf("frame %d: %w", frame.Index, err))
			}
		}
	}
}

// Step runs the tracker and the counter on a single frame.
func Step(trk *tracker.Tracker, cnt *counter.Counter, frame types.Frame) types.FrameReport {
	objects := trk.Update(frame.Boxes)
	res := cnt.Process(objects)
	return types.FrameReport{
		Index:     frame.Index,
		Status:    frame.Status,
		Boxes:     frame.Boxes,
		Objects:   objects,
		Histories: cnt.Len(),
		Entries:   res.Entries,
		Exits:     res.Exits,
		Inside:    res.Inside,
		Crossings: res.Crossings,
	}
}

// Engine is the external detector and interpolation tracker.
type Engine interface {
	Detect(frame []byte) ([]image.Rectangle, error)
	Track(frame []byte) ([]image.Rectangle, error)
}
