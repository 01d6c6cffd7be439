package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"

	"github.com/andresmejia3/footfall/internal/types"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// replayLine is one line of a replay file:
//
//	{"height":480}
//	{"frame":0,"status":"detecting","boxes":[[10,20,50,120]]}
//	{"frame":1,"boxes":[[12,24,52,124]]}
//
// The optional header line carries the frame height. Frames without an index
// continue from the previous one; frames without a status are tracking frames.
type replayLine struct {
	Frame  *int     `json:"frame,omitempty"`
	Status string   `json:"status,omitempty"`
	Boxes  [][4]int `json:"boxes,omitempty"`
	Height int      `json:"height,omitempty"`
}

// ReplaySource reads precomputed boxes from a JSON lines file.
type ReplaySource struct {
	closer  io.Closer
	scanner *bufio.Scanner
	line    int
	next    int
	height  int
	pending *replayLine
}

// OpenReplay opens a replay file.
func OpenReplay(path string) (*ReplaySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	s, err := NewReplaySource(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.closer = f
	return s, nil
}

// NewReplaySource reads replay lines from r. A leading header line is consumed
// immediately so Height is available before the first frame.
func NewReplaySource(r io.Reader) (*ReplaySource, error) {
	s := &ReplaySource{scanner: bufio.NewScanner(r)}
	s.scanner.Buffer(make([]byte, 64*1024), megabyte)

	first, err := s.readLine()
	if err == io.EOF {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if first.Frame == nil && first.Boxes == nil && first.Height > 0 {
		s.height = first.Height
	} else {
		s.pending = first
	}
	return s, nil
}

func (s *ReplaySource) readLine() (*replayLine, error) {
	for s.scanner.Scan() {
		s.line++
		raw := bytes.TrimSpace(s.scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var l replayLine
		if err := json.Unmarshal(raw, &l); err != nil {
			return nil, fmt.Errorf("replay line %d: %w", s.line, err)
		}
		return &l, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Height is the frame height from the header line, 0 if absent.
func (s *ReplaySource) Height() int { return s.height }

// Next returns the next recorded frame.
func (s *ReplaySource) Next(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}

	l := s.pending
	s.pending = nil
	if l == nil {
		var err error
		if l, err = s.readLine(); err != nil {
			return types.Frame{}, err
		}
	}

	frame := types.Frame{Index: s.next, Status: types.StatusTracking}
	if l.Frame != nil {
		frame.Index = *l.Frame
	}
	s.next = frame.Index + 1

	switch types.Status(l.Status) {
	case "":
	case types.StatusDetecting, types.StatusTracking, types.StatusWaiting:
		frame.Status = types.Status(l.Status)
	default:
		return types.Frame{}, fmt.Errorf("replay line %d: unknown status %q", s.line, l.Status)
	}

	frame.Boxes = make([]image.Rectangle, len(l.Boxes))
	for i, b := range l.Boxes {
		frame.Boxes[i] = image.Rect(b[0], b[1], b[2], b[3])
	}
	return frame, nil
}

// Close closes the underlying file, if any.
func (s *ReplaySource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

var _ Source = (*ReplaySource)(nil)

// Recorder writes every observed frame in the replay format, so an engine
// run can be replayed later without ffmpeg or the engine.
type Recorder struct {
	w      *bufio.Writer
	closer io.Closer
}

// CreateRecorder creates (or truncates) path, and its directory, and writes the header.
func CreateRecorder(path string, height int) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	r, err := NewRecorder(f, height)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewRecorder writes the header line to w.
func NewRecorder(w io.Writer, height int) (*Recorder, error) {
	r := &Recorder{w: bufio.NewWriter(w)}
	if height > 0 {
		if err := r.write(replayLine{Height: height}); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) write(l replayLine) error {
	b, err := json.Marshal(l)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = r.w.Write(b)
	return err
}

// Observe appends one frame.
func (r *Recorder) Observe(_ context.Context, rep types.FrameReport) error {
	idx := rep.Index
	l := replayLine{Frame: &idx, Status: string(rep.Status), Boxes: make([][4]int, len(rep.Boxes))}
	for i, b := range rep.Boxes {
		l.Boxes[i] = [4]int{b.Min.X, b.Min.Y, b.Max.X, b.Max.Y}
	}
	return r.write(l)
}

// Close flushes and closes the file.
func (r *Recorder) Close() error {
	err := r.w.Flush()
	if r.closer != nil {
		if cerr := r.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
