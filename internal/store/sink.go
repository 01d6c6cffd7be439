package store

import (
	"context"
	"fmt"

	"github.com/andresmejia3/footfall/internal/types"
	"github.com/google/uuid"
)

// CrossingWriter is the subset of Store used by Sink.
type CrossingWriter interface {
	InsertCrossing(ctx context.Context, runID uuid.UUID, frameIdx int, atSeconds float64, c types.Crossing) error
}

// Sink persists the crossings of every frame report.
type Sink struct {
	DB    CrossingWriter
	RunID uuid.UUID
	// FPS converts frame indices to seconds. Zero stores 0s.
	FPS float64
}

// Observe implements pipeline.Sink.
func (s Sink) Observe(ctx context.Context, r types.FrameReport) error {
	var at float64
	if s.FPS > 0 {
		at = float64(r.Index) / s.FPS
	}
	for _, c := range r.Crossings {
		if err := s.DB.InsertCrossing(ctx, s.RunID, r.Index, at, c); err != nil {
			return fmt.Errorf("failed to store crossing of identity %d: %w", c.IdentityID, err)
		}
	}
	return nil
}
