package report

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/andresmejia3/footfall/internal/logger"
	"github.com/andresmejia3/footfall/internal/types"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client is the subset of the go-redis client the publisher needs.
type Client interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// Dial connects to Redis at addr and checks the connection.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	logger.With(logger.Fields{"addr": addr}).Info("Connecting to Redis")

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

// Message is the JSON document published for every frame.
type Message struct {
	RunID     string            `json:"run_id"`
	Frame     int               `json:"frame"`
	Status    types.Status      `json:"status"`
	Entries   int               `json:"entries"`
	Exits     int               `json:"exits"`
	Inside    int               `json:"inside"`
	Objects   []TrackedObject   `json:"objects"`
	Crossings []CrossingMessage `json:"crossings,omitempty"`
}

// TrackedObject is one identity and its current centroid.
type TrackedObject struct {
	ID int `json:"id"`
	X  int `json:"x"`
	Y  int `json:"y"`
}

// CrossingMessage is a crossing counted on this frame.
type CrossingMessage struct {
	ID        int             `json:"id"`
	Direction types.Direction `json:"direction"`
	X         int             `json:"x"`
	Y         int             `json:"y"`
}

// NewMessage flattens a frame report. Objects are ordered by id.
func NewMessage(runID string, r types.FrameReport) Message {
	m := Message{
		RunID:   runID,
		Frame:   r.Index,
		Status:  r.Status,
		Entries: r.Entries,
		Exits:   r.Exits,
		Inside:  r.Inside,
		Objects: make([]TrackedObject, 0, len(r.Objects)),
	}
	for id, c := range r.Objects {
		m.Objects = append(m.Objects, TrackedObject{ID: id, X: c.X, Y: c.Y})
	}
	sort.Slice(m.Objects, func(i, j int) bool { return m.Objects[i].ID < m.Objects[j].ID })
	for _, c := range r.Crossings {
		m.Crossings = append(m.Crossings, CrossingMessage{ID: c.IdentityID, Direction: c.Direction, X: c.Centroid.X, Y: c.Centroid.Y})
	}
	return m
}

// Publisher streams frame reports to a Redis channel and mirrors the running
// tally into a hash so late subscribers can read the current state.
type Publisher struct {
	client  Client
	runID   string
	channel string
	tally   string
	last    int
	started bool
}

// NewPublisher publishes on footfall:<runID> and footfall:<runID>:tally.
func NewPublisher(client Client, runID string) *Publisher {
	return &Publisher{
		client:  client,
		runID:   runID,
		channel: Channel(runID),
		tally:   Channel(runID) + ":tally",
	}
}

// Channel is the pub/sub channel of a run.
func Channel(runID string) string {
	return "footfall:" + runID
}

// Observe implements pipeline.Sink.
func (p *Publisher) Observe(ctx context.Context, r types.FrameReport) error {
	payload, err := json.Marshal(NewMessage(p.runID, r))
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish frame %d: %w", r.Index, err)
	}

	// The hash only changes on crossings.
	if p.started && r.Entries+r.Exits == p.last {
		return nil
	}
	p.started = true
	p.last = r.Entries + r.Exits
	err = p.client.HSet(ctx, p.tally,
		"entries", r.Entries,
		"exits", r.Exits,
		"inside", r.Inside,
		"frame", r.Index,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to update tally: %w", err)
	}
	return nil
}
