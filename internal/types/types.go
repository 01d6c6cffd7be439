package types

import "image"

// Status is the phase a frame was processed in.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusDetecting Status = "detecting"
	StatusTracking  Status = "tracking"
)

// Direction of a counted crossing.
type Direction string

const (
	// DirectionEntry is movement towards increasing y that ends below the boundary.
	DirectionEntry Direction = "entry"
	// DirectionExit is movement towards decreasing y that ends above the boundary.
	DirectionExit Direction = "exit"
)

// FrameTask represents a single encoded frame sent to the engine.
type FrameTask struct {
	Index int
	Data  []byte
}

// Frame is the complete set of candidate boxes for one frame.
type Frame struct {
	Index  int
	Status Status
	Boxes  []image.Rectangle
}

// Crossing is emitted once per identity when it is counted.
type Crossing struct {
	IdentityID int
	Direction  Direction
	Centroid   image.Point
}

// FrameReport is handed to every sink after a frame has been counted.
type FrameReport struct {
	Index     int
	Status    Status
	Boxes     []image.Rectangle
	Objects   map[int]image.Point
	Histories int
	Entries   int
	Exits     int
	Inside    int
	Crossings []Crossing
}
