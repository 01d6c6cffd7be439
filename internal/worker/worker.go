package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"strconv"

	"github.com/andresmejia3/footfall/internal/utils" // Using the SafeCommand wrapper
)

// Mode selects what the engine does with a frame.
type Mode byte

const (
	// ModeDetect runs the detector and restarts the per-object trackers.
	ModeDetect Mode = 'D'
	// ModeTrack advances the per-object trackers started by the last detection.
	ModeTrack Mode = 'T'
)

const (
	statusOK    = 0
	statusError = 1

	// maxBoxes guards against a corrupted count allocating gigabytes.
	maxBoxes = 4096
	// maxResponse bounds a reply body: a full box list or an error message.
	maxResponse = 1 + 4 + maxBoxes*16 + 64*1024
)

// ErrEngineGone is wrapped when the engine stops answering mid-frame. It never
// wraps io.EOF, so callers cannot mistake a crash for the end of the video.
var ErrEngineGone = errors.New("engine closed its data pipe")

// ErrEngine is wrapped by every error the engine reports about itself.
var ErrEngine = errors.New("engine error")

// Config is passed to the engine process on startup.
type Config struct {
	Command    string
	Script     string
	Confidence float64
	Class      string
}

// DefaultConfig matches the MobileNet-SSD person counter.
func DefaultConfig() Config {
	return Config{
		Command:    "python3",
		Script:     "python/engine.py",
		Confidence: 0.4,
		Class:      "person",
	}
}

// EngineWorker talks to the external detector / interpolation tracker process.
type EngineWorker struct {
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

// NewEngineWorker starts the engine process. It is killed when ctx is cancelled.
func NewEngineWorker(ctx context.Context, cfg Config) (*EngineWorker, error) {
	// 1. Initialize the SafeCommand
	proc := utils.NewSafeCommand(ctx, cfg.Command, "-u", cfg.Script,
		"--confidence", strconv.FormatFloat(cfg.Confidence, 'f', -1, 64),
		"--class", cfg.Class,
	)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	proc.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := proc.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("engine failed to start: %w", err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &EngineWorker{
		Cmd:      proc,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Detect runs full detection on a JPEG frame.
func (w *EngineWorker) Detect(frame []byte) ([]image.Rectangle, error) {
	return w.ProcessFrame(ModeDetect, frame)
}

// Track asks the engine for the interpolated boxes of a JPEG frame.
func (w *EngineWorker) Track(frame []byte) ([]image.Rectangle, error) {
	return w.ProcessFrame(ModeTrack, frame)
}

// ProcessFrame sends one frame and decodes the boxes in the reply.
func (w *EngineWorker) ProcessFrame(mode Mode, frame []byte) ([]image.Rectangle, error) {
	resp, err := w.communicate(mode, frame)
	if err != nil {
		return nil, err
	}
	return decodeResponse(resp)
}

func (w *EngineWorker) communicate(mode Mode, data []byte) ([]byte, error) {
	// Protocol: [Mode][Length][Data]
	if _, err := w.Stdin.Write([]byte{byte(mode)}); err != nil {
		return nil, pipeErr(err)
	}
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, pipeErr(err)
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, pipeErr(err)
	}

	// Read Result from the dedicated pipe.
	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, pipeErr(err) // This is where we catch an engine that crashed
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("engine response of %d bytes exceeds %d", respLen, maxResponse)
	}
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, pipeErr(err)
	}
	return respBody, nil
}

func pipeErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrEngineGone, io.ErrUnexpectedEOF)
	}
	return fmt.Errorf("%w: %w", ErrEngineGone, err)
}

// decodeResponse parses [Status] then either [Count][Boxes] or [MsgLen][Msg].
func decodeResponse(resp []byte) ([]image.Rectangle, error) {
	r := bytes.NewReader(resp)
	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty engine response: %w", err)
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("truncated engine response: %w", err)
	}

	switch status {
	case statusOK:
	case statusError:
		msg := make([]byte, n)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("truncated engine error message: %w", err)
		}
		return nil, fmt.Errorf("%w: %s", ErrEngine, msg)
	default:
		return nil, fmt.Errorf("unknown engine status %d", status)
	}

	if n > maxBoxes {
		return nil, fmt.Errorf("engine returned %d boxes (max %d)", n, maxBoxes)
	}
	boxes := make([]image.Rectangle, 0, n)
	for i := uint32(0); i < n; i++ {
		var b [4]int32 // left, top, right, bottom
		if err := binary.Read(r, binary.BigEndian, &b); err != nil {
			return nil, fmt.Errorf("truncated box %d: %w", i, err)
		}
		boxes = append(boxes, image.Rect(int(b[0]), int(b[1]), int(b[2]), int(b[3])))
	}
	return boxes, nil
}

// Close shuts down the pipes and waits for the engine to exit.
func (w *EngineWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}
