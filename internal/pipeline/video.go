package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"io"
	"sync"

	"github.com/andresmejia3/footfall/internal/types"
	"github.com/andresmejia3/footfall/internal/utils"
)

const megabyte = 1024 * 1024

// Buffer pool to reduce GC pressure while decoding ahead
var frameBufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, 0, megabyte) },
}

// VideoSource decodes a video with ffmpeg and asks the engine for boxes:
// a full detection every skip frames, interpolated tracking in between.
type VideoSource struct {
	engine Engine
	skip   int
	height int

	tasks   chan types.FrameTask
	readErr chan error
	first   *types.FrameTask
	done    bool
	err     error

	cancel context.CancelFunc
	wait   func() error
}

// NewVideoSource starts ffmpeg on path. width > 0 rescales the frames.
func NewVideoSource(ctx context.Context, path string, width, skip int, engine Engine) (*VideoSource, error) {
	ctx, cancel := context.WithCancel(ctx)
	ffmpeg := utils.NewFFmpegCmd(ctx, path, width)

	var stderrBuf bytes.Buffer
	ffmpeg.Stderr = &stderrBuf

	out, err := ffmpeg.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	if err := ffmpeg.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	wait := func() error {
		if err := ffmpeg.Wait(); err != nil {
			if stderrBuf.Len() > 0 {
				return fmt.Errorf("ffmpeg: %w\n%s", err, stderrBuf.String())
			}
			return fmt.Errorf("ffmpeg: %w", err)
		}
		return nil
	}
	return newVideoSource(ctx, cancel, out, skip, engine, wait)
}

// newVideoSource reads concatenated JPEGs from r. The first frame is decoded
// up front so the frame height is known before counting starts.
func newVideoSource(ctx context.Context, cancel context.CancelFunc, r io.Reader, skip int, engine Engine, wait func() error) (*VideoSource, error) {
	if skip < 1 {
		skip = 1
	}
	s := &VideoSource{
		engine:  engine,
		skip:    skip,
		tasks:   make(chan types.FrameTask, 4),
		readErr: make(chan error, 1),
		cancel:  cancel,
		wait:    wait,
	}
	go s.read(ctx, r)

	select {
	case task, ok := <-s.tasks:
		if ok {
			cfg, err := jpeg.DecodeConfig(bytes.NewReader(task.Data))
			if err != nil {
				s.Close()
				return nil, fmt.Errorf("failed to decode first frame: %w", err)
			}
			s.height = cfg.Height
			s.first = &task
		}
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
	return s, nil
}

func (s *VideoSource) read(ctx context.Context, r io.Reader) {
	defer close(s.tasks)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	idx := 0
	for scanner.Scan() {
		// Get buffer from pool
		buf := frameBufferPool.Get().([]byte)
		if cap(buf) < len(scanner.Bytes()) {
			buf = make([]byte, len(scanner.Bytes()))
		}
		buf = buf[:len(scanner.Bytes())]
		copy(buf, scanner.Bytes())

		select {
		case s.tasks <- types.FrameTask{Index: idx, Data: buf}:
			idx++
		case <-ctx.Done():
			s.readErr <- ctx.Err()
			return
		}
	}
	s.readErr <- scanner.Err()
}

// Height is the height of the decoded frames, 0 for an empty video.
func (s *VideoSource) Height() int { return s.height }

// Next hands the next frame to the engine and returns its boxes.
func (s *VideoSource) Next(ctx context.Context) (types.Frame, error) {
	task, err := s.nextTask(ctx)
	if err != nil {
		return types.Frame{}, err
	}
	// Return buffer to pool once the engine is done with it
	defer frameBufferPool.Put(task.Data)

	frame := types.Frame{Index: task.Index, Status: types.StatusTracking}
	if task.Index%s.skip == 0 {
		frame.Status = types.StatusDetecting
		frame.Boxes, err = s.engine.Detect(task.Data)
	} else {
		frame.Boxes, err = s.engine.Track(task.Data)
	}
	if err != nil {
		return types.Frame{}, err
	}
	return frame, nil
}

func (s *VideoSource) nextTask(ctx context.Context) (types.FrameTask, error) {
	if s.first != nil {
		task := *s.first
		s.first = nil
		return task, nil
	}
	if s.done {
		return types.FrameTask{}, s.endErr()
	}

	select {
	case task, ok := <-s.tasks:
		if ok {
			return task, nil
		}
		s.done = true
		s.err = <-s.readErr
		return types.FrameTask{}, s.endErr()
	case <-ctx.Done():
		return types.FrameTask{}, ctx.Err()
	}
}

func (s *VideoSource) endErr() error {
	if s.err != nil {
		return fmt.Errorf("frame scanner failed: %w", s.err)
	}
	return io.EOF
}

// Close stops decoding and waits for ffmpeg to exit. ffmpeg is only expected
// to exit cleanly when the whole video was read.
func (s *VideoSource) Close() error {
	complete := s.done && s.err == nil
	if !complete {
		s.cancel()
	}
	for range s.tasks {
	}
	var err error
	if s.wait != nil {
		err = s.wait()
	}
	s.cancel()
	if !complete {
		return nil
	}
	return err
}

var _ Source = (*VideoSource)(nil)
