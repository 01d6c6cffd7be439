package store

import (
	"context"
	"errors"
	"fmt"
	"image"
	"testing"
	"time"

	"github.com/andresmejia3/footfall/internal/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// testcontainers panics when the docker socket is missing
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("footfall_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	require.NoError(t, err, "failed to start postgres container")
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := New(ctx, connStr)
	require.NoError(t, err)
	defer s.Close(ctx)

	require.NoError(t, s.EnsureVideoMetadata(ctx, "vid_123", "/tmp/video.mp4"))
	// Idempotent
	require.NoError(t, s.EnsureVideoMetadata(ctx, "vid_123", "/tmp/moved.mp4"))

	run := &Run{VideoID: "vid_123", BoundaryY: 240, MaxDisappeared: 40, MaxDistance: 50, SkipFrames: 30}
	require.NoError(t, s.CreateRun(ctx, run))
	assert.NotEqual(t, uuid.Nil, run.ID)
	assert.False(t, run.StartedAt.IsZero())

	replay := &Run{BoundaryY: 100, MaxDisappeared: 10, MaxDistance: 20, SkipFrames: 1}
	require.NoError(t, s.CreateRun(ctx, replay))

	sink := Sink{DB: s, RunID: run.ID, FPS: 10}
	require.NoError(t, sink.Observe(ctx, types.FrameReport{
		Index: 25,
		Crossings: []types.Crossing{
			{IdentityID: 0, Direction: types.DirectionExit, Centroid: image.Pt(100, 230)},
			{IdentityID: 3, Direction: types.DirectionEntry, Centroid: image.Pt(50, 250)},
		},
	}))
	// A repeated identity is ignored
	require.NoError(t, s.InsertCrossing(ctx, run.ID, 40, 4, types.Crossing{IdentityID: 0, Direction: types.DirectionEntry}))

	crossings, err := s.GetRunCrossings(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, crossings, 2)
	assert.Equal(t, 0, crossings[0].IdentityID)
	assert.Equal(t, types.DirectionExit, crossings[0].Direction)
	assert.InDelta(t, 2.5, crossings[0].AtSeconds, 1e-9)
	assert.Equal(t, 230, crossings[0].CentroidY)
	assert.Equal(t, types.DirectionEntry, crossings[1].Direction)

	require.NoError(t, s.FinishRun(ctx, run.ID, 1, 1, 300))
	require.NoError(t, s.LabelRun(ctx, run.ID, "front door"))

	runs, err := s.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	var got Run
	for _, r := range runs {
		if r.ID == run.ID {
			got = r
		}
	}
	assert.Equal(t, "front door", got.Label)
	assert.Equal(t, "vid_123", got.VideoID)
	assert.Equal(t, 300, got.Frames)
	assert.Equal(t, 0, got.Inside())
	assert.NotNil(t, got.FinishedAt)

	missing := uuid.New()
	assert.True(t, errors.Is(s.LabelRun(ctx, missing, "x"), ErrRunNotFound))
	assert.ErrorIs(t, s.FinishRun(ctx, missing, 0, 0, 0), ErrRunNotFound)

	require.NoError(t, s.Reset(ctx))
	_, err = s.ListRuns(ctx)
	assert.Error(t, err, "tables are gone after reset")
}

type fakeWriter struct {
	calls []int
	err   error
}

func (f *fakeWriter) InsertCrossing(_ context.Context, _ uuid.UUID, frameIdx int, _ float64, c types.Crossing) error {
	f.calls = append(f.calls, c.IdentityID)
	return f.err
}

func TestSink(t *testing.T) {
	w := &fakeWriter{}
	s := Sink{DB: w, RunID: uuid.New()}

	require.NoError(t, s.Observe(context.Background(), types.FrameReport{Index: 1}))
	assert.Empty(t, w.calls)

	require.NoError(t, s.Observe(context.Background(), types.FrameReport{
		Index:     2,
		Crossings: []types.Crossing{{IdentityID: 4}, {IdentityID: 7}},
	}))
	assert.Equal(t, []int{4, 7}, w.calls)

	w.err = errors.New("connection reset")
	err := s.Observe(context.Background(), types.FrameReport{Crossings: []types.Crossing{{IdentityID: 9}}})
	assert.ErrorContains(t, err, "identity 9")
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
