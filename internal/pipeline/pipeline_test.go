package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/andresmejia3/footfall/internal/counter"
	"github.com/andresmejia3/footfall/internal/tracker"
	"github.com/andresmejia3/footfall/internal/types"
	"github.com/andresmejia3/footfall/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// column returns a 20x20 box centred on (100, y).
func column(y int) string {
	return "[[90," + strconv.Itoa(y-10) + ",110," + strconv.Itoa(y+10) + "]]"
}

func newCore(boundary int) (*tracker.Tracker, *counter.Counter) {
	return tracker.New(tracker.DefaultConfig()), counter.New(counter.Config{BoundaryY: boundary})
}

func TestReplaySource(t *testing.T) {
	in := `{"height":480}

{"frame":5,"status":"detecting","boxes":[[0,0,10,10],[20,20,40,40]]}
{"boxes":[]}
{"frame":9,"status":"waiting"}
`
	src, err := NewReplaySource(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, 480, src.Height())

	ctx := context.Background()
	f, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, f.Index)
	assert.Equal(t, types.StatusDetecting, f.Status)
	assert.Equal(t, []image.Rectangle{image.Rect(0, 0, 10, 10), image.Rect(20, 20, 40, 40)}, f.Boxes)

	f, err = src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, f.Index, "index continues from the previous frame")
	assert.Equal(t, types.StatusTracking, f.Status)
	assert.Empty(t, f.Boxes)

	f, err = src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9, f.Index)
	assert.Equal(t, types.StatusWaiting, f.Status)

	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReplaySource_NoHeader(t *testing.T) {
	src, err := NewReplaySource(strings.NewReader(`{"boxes":[[0,0,2,2]]}`))
	require.NoError(t, err)
	assert.Zero(t, src.Height())

	f, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, f.Index)
	assert.Len(t, f.Boxes, 1)
}

func TestReplaySource_Errors(t *testing.T) {
	_, err := NewReplaySource(strings.NewReader("not json\n"))
	assert.Error(t, err)

	src, err := NewReplaySource(strings.NewReader(`{"status":"sleeping"}`))
	require.NoError(t, err)
	_, err = src.Next(context.Background())
	assert.ErrorContains(t, err, "unknown status")
}

func TestRun_CrossingScenario(t *testing.T) {
	var lines []string
	for _, y := range []int{260, 255, 250, 230, 220} {
		lines = append(lines, `{"boxes":`+column(y)+`}`)
	}
	src, err := NewReplaySource(strings.NewReader(strings.Join(lines, "\n")))
	require.NoError(t, err)
	trk, cnt := newCore(240)

	var reports []types.FrameReport
	sink := SinkFunc(func(_ context.Context, r types.FrameReport) error {
		reports = append(reports, r)
		return nil
	})

	sum, err := Run(context.Background(), src, trk, cnt, sink)
	require.NoError(t, err)

	assert.Equal(t, 5, sum.Frames)
	assert.Equal(t, 1, sum.Exits)
	assert.Equal(t, 0, sum.Entries)
	assert.Equal(t, -1, sum.Inside)

	require.Len(t, reports, 5)
	for i, r := range reports {
		assert.Equal(t, map[int]image.Point{0: image.Pt(100, []int{260, 255, 250, 230, 220}[i])}, r.Objects)
		if i == 3 {
			require.Len(t, r.Crossings, 1)
			assert.Equal(t, types.DirectionExit, r.Crossings[0].Direction)
		} else {
			assert.Empty(t, r.Crossings)
		}
	}
}

func TestRun_SinkErrorStops(t *testing.T) {
	in := strings.Repeat(`{"boxes":[[0,0,2,2]]}`+"\n", 10)
	src, err := NewReplaySource(strings.NewReader(in))
	require.NoError(t, err)
	trk, cnt := newCore(240)

	boom := errors.New("boom")
	calls := 0
	sink := SinkFunc(func(context.Context, types.FrameReport) error {
		calls++
		if calls == 3 {
			return boom
		}
		return nil
	})

	sum, err := Run(context.Background(), src, trk, cnt, sink)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, sum.Frames)
}

func TestRun_Cancelled(t *testing.T) {
	in := strings.Repeat(`{"boxes":[[0,0,2,2]]}`+"\n", 10)
	src, err := NewReplaySource(strings.NewReader(in))
	require.NoError(t, err)
	trk, cnt := newCore(240)

	ctx, cancel := context.WithCancel(context.Background())
	sink := SinkFunc(func(_ context.Context, r types.FrameReport) error {
		if r.Index == 1 {
			cancel()
		}
		return nil
	})

	sum, err := Run(ctx, src, trk, cnt, sink)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, sum.Frames)
}

func TestRecorder_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	rec, err := NewRecorder(&buf, 360)
	require.NoError(t, err)

	frames := []types.FrameReport{
		{Index: 0, Status: types.StatusDetecting, Boxes: []image.Rectangle{image.Rect(1, 2, 3, 4)}},
		{Index: 1, Status: types.StatusTracking},
	}
	for _, f := range frames {
		require.NoError(t, rec.Observe(context.Background(), f))
	}
	require.NoError(t, rec.Close())

	src, err := NewReplaySource(&buf)
	require.NoError(t, err)
	assert.Equal(t, 360, src.Height())

	for _, want := range frames {
		got, err := src.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want.Index, got.Index)
		assert.Equal(t, want.Status, got.Status)
		assert.Len(t, got.Boxes, len(want.Boxes))
	}
}

type fakeEngine struct {
	detects, tracks int
	boxes           []image.Rectangle
}

func (e *fakeEngine) Detect([]byte) ([]image.Rectangle, error) {
	e.detects++
	return e.boxes, nil
}

func (e *fakeEngine) Track([]byte) ([]image.Rectangle, error) {
	e.tracks++
	return e.boxes, nil
}

func jpegStream(t *testing.T, n, w, h int) io.Reader {
	t.Helper()
	var buf bytes.Buffer
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := 0; i < n; i++ {
		require.NoError(t, jpeg.Encode(&buf, img, nil))
	}
	return &buf
}

func TestVideoSource_AlternatesDetectAndTrack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := &fakeEngine{boxes: []image.Rectangle{image.Rect(0, 0, 4, 4)}}
	src, err := newVideoSource(ctx, cancel, jpegStream(t, 7, 16, 12), 3, engine, nil)
	require.NoError(t, err)
	assert.Equal(t, 12, src.Height())

	var statuses []types.Status
	for {
		f, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		statuses = append(statuses, f.Status)
	}
	require.NoError(t, src.Close())

	assert.Equal(t, []types.Status{
		types.StatusDetecting, types.StatusTracking, types.StatusTracking,
		types.StatusDetecting, types.StatusTracking, types.StatusTracking,
		types.StatusDetecting,
	}, statuses)
	assert.Equal(t, 3, engine.detects)
	assert.Equal(t, 4, engine.tracks)
}

func TestVideoSource_Empty(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src, err := newVideoSource(ctx, cancel, bytes.NewReader(nil), 30, &fakeEngine{}, nil)
	require.NoError(t, err)
	assert.Zero(t, src.Height())

	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, src.Close())
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// okReply is an engine reply with no boxes.
func okReply() []byte {
	return []byte{0, 0, 0, 5, 0, 0, 0, 0, 0}
}

func TestRun_EngineCrashIsNotEndOfInput(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The engine answers the first frame, then its pipe closes.
	engine := &worker.EngineWorker{
		Stdin:    nopWriteCloser{io.Discard},
		DataPipe: io.NopCloser(bytes.NewReader(okReply())),
	}
	src, err := newVideoSource(ctx, cancel, jpegStream(t, 10, 16, 12), 3, engine, nil)
	require.NoError(t, err)
	defer src.Close()

	trk, cnt := newCore(6)
	sum, err := Run(ctx, src, trk, cnt)
	require.Error(t, err)
	assert.ErrorIs(t, err, worker.ErrEngineGone)
	assert.NotErrorIs(t, err, io.EOF)
	assert.Equal(t, 1, sum.Frames)
}

// cancellingSource cancels the run and then fails the way a killed child
// process does.
type cancellingSource struct {
	cancel context.CancelFunc
}

func (s cancellingSource) Next(context.Context) (types.Frame, error) {
	s.cancel()
	return types.Frame{}, io.EOF
}

func (cancellingSource) Close() error { return nil }

func TestRun_CancelledWhileReading(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	trk, cnt := newCore(240)

	sum, err := Run(ctx, cancellingSource{cancel: cancel}, trk, cnt)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, sum.Frames)
}
