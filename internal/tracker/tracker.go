// Package tracker assigns stable integer identities to the bounding boxes of
// consecutive frames using nothing but centroid proximity.
//
// Association is greedy: existing identities are resolved in order of their
// closest candidate, each takes its nearest centroid, and pairs further apart
// than MaxDistance are never linked. The result is not a globally optimal
// matching and callers should not expect one.
package tracker

import (
	"image"
	"maps"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Defaults used by the people counter.
const (
	DefaultMaxDisappeared = 40
	DefaultMaxDistance    = 50.0
)

// Config holds the two tunables of the tracker.
type Config struct {
	// MaxDisappeared is the number of consecutive unmatched frames an identity
	// survives. It is deregistered on the frame the count exceeds this value.
	MaxDisappeared int
	// MaxDistance is the largest centroid distance, in pixels, that may link an
	// identity to a new position.
	MaxDistance float64
}

// DefaultConfig returns the default tracking thresholds.
func DefaultConfig() Config {
	return Config{MaxDisappeared: DefaultMaxDisappeared, MaxDistance: DefaultMaxDistance}
}

// Tracker owns the identity lifecycle. It is not safe for concurrent use;
// Update must be called once per frame, in frame order.
type Tracker struct {
	cfg         Config
	nextID      int
	objects     map[int]image.Point
	disappeared map[int]int
}

// New creates an empty tracker.
func New(cfg Config) *Tracker {
	return &Tracker{
		cfg:         cfg,
		objects:     make(map[int]image.Point),
		disappeared: make(map[int]int),
	}
}

// Centroid returns the integer midpoint of a rectangle's corners.
func Centroid(r image.Rectangle) image.Point {
	return image.Pt((r.Min.X+r.Max.X)/2, (r.Min.Y+r.Max.Y)/2)
}

func (t *Tracker) register(c image.Point) {
	t.objects[t.nextID] = c
	t.disappeared[t.nextID] = 0
	t.nextID++
}

func (t *Tracker) deregister(id int) {
	delete(t.objects, id)
	delete(t.disappeared, id)
}

// markDisappeared bumps the miss counter and expires the identity once it
// goes past MaxDisappeared.
func (t *Tracker) markDisappeared(id int) {
	t.disappeared[id]++
	if t.disappeared[id] > t.cfg.MaxDisappeared {
		t.deregister(id)
	}
}

// Update reconciles this frame's boxes with the tracked identities and returns
// the resulting id -> centroid mapping. The returned map is a copy.
func (t *Tracker) Update(boxes []image.Rectangle) map[int]image.Point {
	if len(boxes) == 0 {
		for _, id := range t.ids() {
			t.markDisappeared(id)
		}
		return t.Objects()
	}

	inputs := make([]image.Point, len(boxes))
	for i, b := range boxes {
		inputs[i] = Centroid(b)
	}

	if len(t.objects) == 0 {
		for _, c := range inputs {
			t.register(c)
		}
		return t.Objects()
	}

	// Rows follow registration order. Ids are handed out in increasing order so
	// sorting them reproduces it.
	ids := t.ids()
	d := distanceMatrix(ids, t.objects, inputs)
	rows, cols := d.Dims()

	rowMin := make([]float64, rows)
	order := make([]int, rows)
	for r := range rows {
		rowMin[r] = floats.Min(d.RawRowView(r))
	}
	floats.ArgsortStable(rowMin, order)

	usedRows := make(map[int]bool, rows)
	usedCols := make(map[int]bool, cols)
	for _, r := range order {
		c := floats.MinIdx(d.RawRowView(r))
		if usedRows[r] || usedCols[c] {
			continue
		}
		if d.At(r, c) > t.cfg.MaxDistance {
			continue
		}
		id := ids[r]
		t.objects[id] = inputs[c]
		t.disappeared[id] = 0
		usedRows[r] = true
		usedCols[c] = true
	}

	// Only one of the two branches runs, chosen by the shape of the matrix.
	// With equal counts a frame can leave both an unused row and an unused
	// column behind, and the column is then dropped rather than registered.
	if rows >= cols {
		for r := range rows {
			if !usedRows[r] {
				t.markDisappeared(ids[r])
			}
		}
	} else {
		for c := range cols {
			if !usedCols[c] {
				t.register(inputs[c])
			}
		}
	}

	return t.Objects()
}

func distanceMatrix(ids []int, objects map[int]image.Point, inputs []image.Point) *mat.Dense {
	d := mat.NewDense(len(ids), len(inputs), nil)
	for r, id := range ids {
		o := objects[id]
		from := []float64{float64(o.X), float64(o.Y)}
		for c, in := range inputs {
			d.Set(r, c, floats.Distance(from, []float64{float64(in.X), float64(in.Y)}, 2))
		}
	}
	return d
}

func (t *Tracker) ids() []int {
	return slices.Sorted(maps.Keys(t.objects))
}

// Objects returns a copy of the current id -> centroid mapping.
func (t *Tracker) Objects() map[int]image.Point {
	return maps.Clone(t.objects)
}

// Disappeared reports the miss counter of a tracked identity.
func (t *Tracker) Disappeared(id int) (int, bool) {
	n, ok := t.disappeared[id]
	return n, ok
}

// Len is the number of identities currently tracked.
func (t *Tracker) Len() int { return len(t.objects) }

// NextID is the id the next registration will receive.
func (t *Tracker) NextID() int { return t.nextID }
