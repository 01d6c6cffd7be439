package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/footfall/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrRunNotFound is returned when a run id does not exist.
var ErrRunNotFound = errors.New("run not found")

// Store manages the PostgreSQL connection holding runs and their crossings.
type Store struct {
	conn *pgx.Conn
}

// Run is one counting pass over a video or replay file.
type Run struct {
	ID             uuid.UUID
	VideoID        string
	Label          string
	BoundaryY      int
	MaxDisappeared int
	MaxDistance    float64
	SkipFrames     int
	Entries        int
	Exits          int
	Frames         int
	StartedAt      time.Time
	FinishedAt     *time.Time
}

// Inside is entries minus exits.
func (r Run) Inside() int { return r.Entries - r.Exits }

// CrossingRecord is a persisted crossing.
type CrossingRecord struct {
	ID         int64
	RunID      uuid.UUID
	IdentityID int
	Direction  types.Direction
	FrameIndex int
	AtSeconds  float64
	CentroidX  int
	CentroidY  int
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS video_metadata (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			indexed_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS counting_runs (
			id UUID PRIMARY KEY,
			video_id TEXT REFERENCES video_metadata(id),
			label TEXT NOT NULL DEFAULT '',
			boundary_y INT NOT NULL,
			max_disappeared INT NOT NULL,
			max_distance DOUBLE PRECISION NOT NULL,
			skip_frames INT NOT NULL,
			entries INT NOT NULL DEFAULT 0,
			exits INT NOT NULL DEFAULT 0,
			frames INT NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finished_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS crossings (
			id BIGSERIAL PRIMARY KEY,
			run_id UUID NOT NULL REFERENCES counting_runs(id) ON DELETE CASCADE,
			identity_id INT NOT NULL,
			direction TEXT NOT NULL CHECK (direction IN ('entry', 'exit')),
			frame_index INT NOT NULL,
			at_seconds DOUBLE PRECISION NOT NULL,
			centroid_x INT NOT NULL,
			centroid_y INT NOT NULL,
			UNIQUE (run_id, identity_id)
		);
		CREATE INDEX IF NOT EXISTS crossings_run_id_idx ON crossings (run_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// EnsureVideoMetadata registers the video in the database. If it exists, it updates the timestamp.
func (s *Store) EnsureVideoMetadata(ctx context.Context, videoID, path string) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO video_metadata (id, path, indexed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET indexed_at = NOW(), path = EXCLUDED.path
	`, videoID, path)
	return err
}

// CreateRun inserts a new run and fills in its ID and start time.
// An empty VideoID is stored as NULL (replay runs).
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	var videoID *string
	if run.VideoID != "" {
		videoID = &run.VideoID
	}
	return s.conn.QueryRow(ctx, `
		INSERT INTO counting_runs (id, video_id, label, boundary_y, max_disappeared, max_distance, skip_frames)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING started_at
	`, run.ID, videoID, run.Label, run.BoundaryY, run.MaxDisappeared, run.MaxDistance, run.SkipFrames).Scan(&run.StartedAt)
}

// InsertCrossing saves one counted crossing. An identity is counted at most
// once per run, so a repeated insert is ignored.
func (s *Store) InsertCrossing(ctx context.Context, runID uuid.UUID, frameIdx int, atSeconds float64, c types.Crossing) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO crossings (run_id, identity_id, direction, frame_index, at_seconds, centroid_x, centroid_y)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id, identity_id) DO NOTHING
	`, runID, c.IdentityID, string(c.Direction), frameIdx, atSeconds, c.Centroid.X, c.Centroid.Y)
	return err
}

// FinishRun records the final tally of a run.
func (s *Store) FinishRun(ctx context.Context, runID uuid.UUID, entries, exits, frames int) error {
	tag, err := s.conn.Exec(ctx, `
		UPDATE counting_runs SET entries = $2, exits = $3, frames = $4, finished_at = NOW()
		WHERE id = $1
	`, runID, entries, exits, frames)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, COALESCE(video_id, ''), label, boundary_y, max_disappeared, max_distance,
		       skip_frames, entries, exits, frames, started_at, finished_at
		FROM counting_runs
		ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.VideoID, &r.Label, &r.BoundaryY, &r.MaxDisappeared, &r.MaxDistance,
			&r.SkipFrames, &r.Entries, &r.Exits, &r.Frames, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRunCrossings returns the crossings of a run in frame order.
func (s *Store) GetRunCrossings(ctx context.Context, runID uuid.UUID) ([]CrossingRecord, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, run_id, identity_id, direction, frame_index, at_seconds, centroid_x, centroid_y
		FROM crossings
		WHERE run_id = $1
		ORDER BY frame_index, identity_id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CrossingRecord
	for rows.Next() {
		var c CrossingRecord
		var dir string
		if err := rows.Scan(&c.ID, &c.RunID, &c.IdentityID, &dir, &c.FrameIndex, &c.AtSeconds, &c.CentroidX, &c.CentroidY); err != nil {
			return nil, err
		}
		c.Direction = types.Direction(dir)
		out = append(out, c)
	}
	return out, rows.Err()
}

// LabelRun updates the label of a run.
func (s *Store) LabelRun(ctx context.Context, runID uuid.UUID, label string) error {
	tag, err := s.conn.Exec(ctx, "UPDATE counting_runs SET label = $1 WHERE id = $2", label, runID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

// Reset drops all application tables to clear the database state.
// The schema is recreated on the next connection.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS crossings CASCADE;
		DROP TABLE IF EXISTS counting_runs CASCADE;
		DROP TABLE IF EXISTS video_metadata CASCADE;
	`)
	return err
}
