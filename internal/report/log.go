package report

import (
	"context"

	"github.com/andresmejia3/footfall/internal/types"
	"github.com/sirupsen/logrus"
)

// LogSink logs every crossing and, every Every frames, the running tally.
type LogSink struct {
	Log   *logrus.Logger
	Every int
}

// Observe implements pipeline.Sink.
func (s LogSink) Observe(_ context.Context, r types.FrameReport) error {
	for _, c := range r.Crossings {
		s.Log.WithFields(logrus.Fields{
			"frame":     r.Index,
			"id":        c.IdentityID,
			"direction": c.Direction,
			"x":         c.Centroid.X,
			"y":         c.Centroid.Y,
		}).Info("Crossing counted")
	}
	if s.Every > 0 && r.Index%s.Every == 0 {
		s.Log.WithFields(logrus.Fields{
			"frame":   r.Index,
			"status":  r.Status,
			"tracked": len(r.Objects),
			"entries": r.Entries,
			"exits":   r.Exits,
			"inside":  r.Inside,
		}).Debug("Tally")
	}
	return nil
}
