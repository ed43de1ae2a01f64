// Package session drives a capture as a sequence of numbered frames and
// turns the current frame into raw samples or a corrected point cloud.
//
// A Session has a single consumer: Advance, Samples and Cloud must not be
// called concurrently. The capture producer runs on its own goroutine and
// meets the session only at the frame queue.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/velodyne-capture/internal/lidar/l2frames"
	"github.com/banshee-data/velodyne-capture/internal/lidar/parse"
	"github.com/banshee-data/velodyne-capture/internal/monitoring"
)

var (
	// ErrOpenFailed is returned when the capture cannot be opened or is not
	// open after the attempt.
	ErrOpenFailed = errors.New("session open failed")
	// ErrEmptySource is returned by Restart when no source was ever recorded.
	ErrEmptySource = errors.New("no source to restart")
)

// Capture is the decoder collaborator a Session drives.
// *capture.Capture implements it.
type Capture interface {
	Open(source string) error
	IsOpen() bool
	IsRun() bool
	Close() error
	// Queue returns the frame queue of the current run.
	Queue() *l2frames.FrameQueue
	// Stopped is closed when the producer of the current run exits.
	Stopped() <-chan struct{}
}

// runIdentifier is implemented by captures that tag each run.
type runIdentifier interface {
	RunID() string
}

// Option configures a Session.
type Option func(*Session)

// WithAdvanceTimeout bounds the wait of Advance and AdvanceN. Zero waits
// until a frame arrives or the producer stops.
func WithAdvanceTimeout(d time.Duration) Option {
	return func(s *Session) { s.advanceTimeout = d }
}

// Session is the stateful frame consumer.
type Session struct {
	capture        Capture
	advanceTimeout time.Duration

	source      string
	frameNumber int64
	running     bool

	current  []parse.Sample
	sequence uint64

	transform l2frames.Transform
}

// New creates a closed session over c. FrameNumber is -1 until Open succeeds.
func New(c Capture, opts ...Option) *Session {
	s := &Session{
		capture:     c,
		frameNumber: -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Source returns the most recently recorded source identifier.
func (s *Session) Source() string { return s.source }

// FrameNumber returns the number of advances since the last successful Open.
func (s *Session) FrameNumber() int64 { return s.frameNumber }

// IsRunning reports whether the session holds an open capture.
func (s *Session) IsRunning() bool { return s.running }

// Sequence returns the producer sequence number of the current frame, or 0
// when no frame has been taken.
func (s *Session) Sequence() uint64 { return s.sequence }

// RunID returns the capture run identifier when the capture provides one.
func (s *Session) RunID() string {
	if r, ok := s.capture.(runIdentifier); ok {
		return r.RunID()
	}
	return ""
}

// Open records source and opens the capture on it. On success the frame
// counter is reset to 0 and the first frame is buffered before returning. On
// failure the session stays closed and FrameNumber is unchanged.
func (s *Session) Open(source string) error {
	return s.OpenContext(context.Background(), source)
}

// OpenContext is Open with a bound on the wait for the first frame. The
// advance timeout, when set, also bounds that wait. If the wait ends first
// the session is still open, with an empty current frame.
func (s *Session) OpenContext(ctx context.Context, source string) error {
	if s.running {
		return fmt.Errorf("%w: %s already open", ErrOpenFailed, s.source)
	}
	s.source = source

	if err := s.capture.Open(source); err != nil {
		opsf("open %q: %v", source, err)
		return fmt.Errorf("%w: %w", ErrOpenFailed, err)
	}
	if !s.capture.IsOpen() {
		s.capture.Close()
		opsf("open %q: capture not open after open", source)
		return fmt.Errorf("%w: capture not open", ErrOpenFailed)
	}

	s.running = true
	s.current = nil
	s.sequence = 0
	if s.advanceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.advanceTimeout)
		defer cancel()
	}
	if err := s.prime(ctx); err != nil {
		diagf("open %q: no first frame: %v", source, err)
	}
	s.frameNumber = 0

	monitoring.Logf("session opened %s (run %s, %d samples buffered)", source, s.RunID(), len(s.current))
	return nil
}

// Restart closes a running capture, waiting for its producer to exit, and
// opens the recorded source again. It fails with ErrEmptySource when Open
// was never called.
func (s *Session) Restart() error {
	if s.source == "" {
		return ErrEmptySource
	}
	if s.running {
		if err := s.Close(); err != nil {
			diagf("restart: close: %v", err)
		}
	}
	diagf("restarting %s at frame %d", s.source, s.frameNumber)
	return s.Open(s.source)
}

// Close stops the capture. The current frame stays readable.
func (s *Session) Close() error {
	if !s.running {
		return nil
	}
	s.running = false
	return s.capture.Close()
}

// Advance takes the front frame if one is ready right now, then waits until
// another frame is buffered or the producer stops. The frame counter always
// increments. It reports whether the current frame was replaced.
func (s *Session) Advance() bool {
	changed, err := s.AdvanceContext(context.Background())
	if err != nil {
		diagf("advance %d: %v", s.frameNumber, err)
	}
	return changed
}

// AdvanceContext is Advance with the wait bounded by ctx and, when set, the
// advance timeout. The counter increments even when the wait is cut short.
func (s *Session) AdvanceContext(ctx context.Context) (bool, error) {
	defer func() { s.frameNumber++ }()

	if s.advanceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.advanceTimeout)
		defer cancel()
	}

	q := s.capture.Queue()
	if q == nil {
		return false, nil
	}

	changed := false
	if f, ok := q.TryPop(); ok {
		s.swap(f)
		changed = true
	}
	if err := q.WaitReady(ctx, s.capture.Stopped()); err != nil {
		return changed, err
	}
	if !changed {
		tracef("advance %d: no frame ready (queue %d, running %v)", s.frameNumber, q.Len(), s.capture.IsRun())
	}
	return changed, nil
}

// AdvanceN calls Advance n times and returns how many replaced the frame.
func (s *Session) AdvanceN(n int) int {
	changed, _ := s.AdvanceNContext(context.Background(), n)
	return changed
}

// AdvanceNContext advances up to n times and returns how many replaced the
// frame. It stops early with ctx's error once ctx is done. An advance timeout
// only marks that step unchanged.
func (s *Session) AdvanceNContext(ctx context.Context, n int) (int, error) {
	changed := 0
	for i := 0; i < n; i++ {
		ok, err := s.AdvanceContext(ctx)
		if ok {
			changed++
		}
		if err != nil {
			if ctx.Err() != nil {
				return changed, ctx.Err()
			}
			diagf("advance %d: %v", s.frameNumber, err)
		}
	}
	return changed, nil
}

// prime waits for the first frame and takes it.
func (s *Session) prime(ctx context.Context) error {
	q := s.capture.Queue()
	if q == nil {
		return nil
	}
	stopped := s.capture.Stopped()
	for {
		if err := q.WaitReady(ctx, stopped); err != nil {
			return err
		}
		if f, ok := q.TryPop(); ok {
			s.swap(f)
			return nil
		}
		if q.Len() == 0 {
			// producer stopped without a frame
			return nil
		}
	}
}

// swap replaces the current frame as a whole.
func (s *Session) swap(f l2frames.Frame) {
	s.current = f.Samples
	s.sequence = f.Sequence
}

// SetOffset sets the azimuth rotation (radians) and translation applied by
// later Cloud calls.
func (s *Session) SetOffset(azimuth, x, y, z float64) {
	s.transform.Offset = l2frames.Offset{Azimuth: azimuth, X: x, Y: y, Z: z}
}

// Offset returns the current offset configuration.
func (s *Session) Offset() l2frames.Offset { return s.transform.Offset }

// SetAffineTransform stores a 4x4 homogeneous matrix and enables it for
// later Cloud calls. There is no way to disable it again short of a new
// Session.
func (s *Session) SetAffineTransform(m mat.Matrix) error {
	return s.transform.SetMatrix(m)
}

// AffineTransformEnabled reports whether SetAffineTransform has succeeded.
func (s *Session) AffineTransformEnabled() bool { return s.transform.MatrixEnabled() }

// SetTransformOrder chooses where the matrix applies relative to the offset.
func (s *Session) SetTransformOrder(o l2frames.TransformOrder) {
	s.transform.Order = o
}

// Samples returns a copy of the current frame's samples.
func (s *Session) Samples() []parse.Sample {
	out := make([]parse.Sample, len(s.current))
	copy(out, s.current)
	return out
}

// Cloud converts the current frame into points, dropping degenerate
// samples. It appends to dst, allocating a cloud when dst is nil, and sets
// Width to the point count and Height to 1.
func (s *Session) Cloud(dst *l2frames.PointCloud) *l2frames.PointCloud {
	return l2frames.BuildCloud(dst, s.current, &s.transform)
}
