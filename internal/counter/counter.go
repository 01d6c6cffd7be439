// Package counter turns per-frame identity positions into directional
// crossing tallies.
//
// An identity is counted once the current y and the mean of its earlier ys
// straddle the boundary consistently: moving up (decreasing y) while already
// above the line counts as an exit, moving down while already below counts as
// an entry. Each identity contributes to at most one tally over its lifetime.
package counter

import (
	"image"
	"maps"
	"slices"

	"github.com/andresmejia3/footfall/internal/types"
	"gonum.org/v1/gonum/stat"
)

// Config holds the counter settings.
type Config struct {
	// BoundaryY is the horizontal crossing line, usually half the frame height.
	BoundaryY int
	// EvictAfter drops the history of an identity once it has been missing
	// from the tracker output for more than this many frames. Zero keeps every
	// history for the life of the counter.
	EvictAfter int
}

// History is the positional record of one identity.
type History struct {
	ID        int
	Centroids []image.Point
	Counted   bool

	ys     []float64
	absent int
}

// Result is the tally after a call to Process, plus the crossings it counted.
type Result struct {
	Entries   int
	Exits     int
	Inside    int
	Crossings []types.Crossing
}

// Counter keeps a history per identity and the running tallies.
// It is not safe for concurrent use.
type Counter struct {
	cfg       Config
	histories map[int]*History
	entries   int
	exits     int
}

// New creates a counter for the given boundary.
func New(cfg Config) *Counter {
	return &Counter{cfg: cfg, histories: make(map[int]*History)}
}

// Process updates the histories with this frame's positions and returns the
// tallies. Iteration order over objects does not affect the result.
func (c *Counter) Process(objects map[int]image.Point) Result {
	var crossings []types.Crossing

	for id, centroid := range objects {
		h, ok := c.histories[id]
		if !ok {
			c.histories[id] = &History{
				ID:        id,
				Centroids: []image.Point{centroid},
				ys:        []float64{float64(centroid.Y)},
			}
			continue
		}

		h.absent = 0
		direction := float64(centroid.Y) - stat.Mean(h.ys, nil)
		h.Centroids = append(h.Centroids, centroid)
		h.ys = append(h.ys, float64(centroid.Y))

		if h.Counted {
			continue
		}
		switch {
		case direction < 0 && centroid.Y < c.cfg.BoundaryY:
			c.exits++
			h.Counted = true
			crossings = append(crossings, types.Crossing{IdentityID: id, Direction: types.DirectionExit, Centroid: centroid})
		case direction > 0 && centroid.Y > c.cfg.BoundaryY:
			c.entries++
			h.Counted = true
			crossings = append(crossings, types.Crossing{IdentityID: id, Direction: types.DirectionEntry, Centroid: centroid})
		}
	}

	if c.cfg.EvictAfter > 0 {
		c.evict(objects)
	}

	// Map iteration is random; keep the emitted crossings deterministic.
	slices.SortFunc(crossings, func(a, b types.Crossing) int { return a.IdentityID - b.IdentityID })

	r := c.Tally()
	r.Crossings = crossings
	return r
}

// evict ages histories whose identity is no longer reported by the tracker.
// Ids are never reused, so a dropped history cannot be counted again.
func (c *Counter) evict(objects map[int]image.Point) {
	for id, h := range c.histories {
		if _, ok := objects[id]; ok {
			continue
		}
		h.absent++
		if h.absent > c.cfg.EvictAfter {
			delete(c.histories, id)
		}
	}
}

// Tally returns the current totals without crossings.
func (c *Counter) Tally() Result {
	return Result{Entries: c.entries, Exits: c.exits, Inside: c.entries - c.exits}
}

// History returns a copy of an identity's record.
func (c *Counter) History(id int) (History, bool) {
	h, ok := c.histories[id]
	if !ok {
		return History{}, false
	}
	return History{ID: h.ID, Centroids: slices.Clone(h.Centroids), Counted: h.Counted}, true
}

// Counted reports whether an identity has already contributed to a tally.
func (c *Counter) Counted(id int) bool {
	h, ok := c.histories[id]
	return ok && h.Counted
}

// Len is the number of histories held.
func (c *Counter) Len() int { return len(c.histories) }

// IDs lists the identities with a history, in ascending order.
func (c *Counter) IDs() []int {
	return slices.Sorted(maps.Keys(c.histories))
}

// BoundaryY is the configured crossing line.
func (c *Counter) BoundaryY() int { return c.cfg.BoundaryY }
