package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/andresmejia3/footfall/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "footfall_frames_total",
		Help: "Frames processed, by phase",
	}, []string{"status"})

	crossingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "footfall_crossings_total",
		Help: "Counted boundary crossings, by direction",
	}, []string{"direction"})

	trackedObjects = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "footfall_tracked_objects",
		Help: "Identities currently held by the tracker",
	})

	histories = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "footfall_histories",
		Help: "Centroid histories held by the counter",
	})

	inside = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "footfall_inside",
		Help: "Entries minus exits for the current run",
	})

	boxesPerFrame = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "footfall_boxes_per_frame",
		Help:    "Candidate boxes supplied per frame",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
	})
)

// Recorder updates the process-wide collectors from frame reports.
type Recorder struct{}

// Observe implements pipeline.Sink.
func (Recorder) Observe(_ context.Context, r types.FrameReport) error {
	framesTotal.WithLabelValues(string(r.Status)).Inc()
	boxesPerFrame.Observe(float64(len(r.Boxes)))
	trackedObjects.Set(float64(len(r.Objects)))
	histories.Set(float64(r.Histories))
	inside.Set(float64(r.Inside))
	for _, c := range r.Crossings {
		crossingsTotal.WithLabelValues(string(c.Direction)).Inc()
	}
	return nil
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
