package l2frames

import (
	"context"
	"errors"
	"sync"

	"github.com/banshee-data/velodyne-capture/internal/lidar/parse"
)

// DefaultMaxQueueDepth bounds the queue when no depth is configured.
const DefaultMaxQueueDepth = 10

// ErrQueueClosed is returned by Push after Close.
var ErrQueueClosed = errors.New("frame queue closed")

// Frame is one rotation (or the trailing partial rotation) of samples in
// decoder emission order.
type Frame struct {
	Sequence uint64 // assembler emission order, starting at 1
	Samples  []parse.Sample
}

// OverflowPolicy decides what Push does when the queue is full.
type OverflowPolicy int

const (
	// DropOldest discards the front frame to make room. Live sources use it
	// so a slow consumer always sees recent data.
	DropOldest OverflowPolicy = iota
	// Block makes the producer wait for space. File replay uses it so no
	// frame is lost.
	Block
)

func (p OverflowPolicy) String() string {
	if p == Block {
		return "block"
	}
	return "drop_oldest"
}

// ParseOverflowPolicy maps a config string to a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "drop_oldest":
		return DropOldest, nil
	case "block":
		return Block, nil
	default:
		return DropOldest, errors.New("unknown overflow policy " + s)
	}
}

// FrameQueue is a bounded FIFO of frames fed by one producer goroutine and
// drained by one consumer. The mutex guards only the slice; waiting is done
// on notification channels so neither side spins or holds the lock while
// blocked.
type FrameQueue struct {
	mu       sync.Mutex
	frames   []Frame
	maxDepth int
	policy   OverflowPolicy
	dropped  uint64
	closed   bool

	ready chan struct{} // poked after a push
	space chan struct{} // poked after a pop or close
}

// NewFrameQueue creates a queue holding at most maxDepth frames.
func NewFrameQueue(maxDepth int, policy OverflowPolicy) *FrameQueue {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxQueueDepth
	}
	return &FrameQueue{
		frames:   make([]Frame, 0, maxDepth),
		maxDepth: maxDepth,
		policy:   policy,
		ready:    make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
	}
}

// MaxDepth returns the configured bound.
func (q *FrameQueue) MaxDepth() int { return q.maxDepth }

// Policy returns the overflow policy.
func (q *FrameQueue) Policy() OverflowPolicy { return q.policy }

// Push appends f. Under Block it waits for space until ctx is done.
func (q *FrameQueue) Push(ctx context.Context, f Frame) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if len(q.frames) < q.maxDepth {
			q.frames = append(q.frames, f)
			q.mu.Unlock()
			poke(q.ready)
			return nil
		}
		if q.policy == DropOldest {
			q.frames[0] = Frame{}
			q.frames = append(q.frames[1:], f)
			q.dropped++
			dropped := q.dropped
			q.mu.Unlock()
			debugf("queue full (%d), dropped oldest frame (total dropped %d)", q.maxDepth, dropped)
			poke(q.ready)
			return nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.space:
		}
	}
}

// TryPop makes one non-blocking attempt to take the front frame. It returns
// false when the guard is contended or the queue is empty. The frame is moved
// out: the queue keeps no reference to its samples.
func (q *FrameQueue) TryPop() (Frame, bool) {
	if !q.mu.TryLock() {
		return Frame{}, false
	}
	if len(q.frames) == 0 {
		q.mu.Unlock()
		return Frame{}, false
	}
	f := q.frames[0]
	q.frames[0] = Frame{}
	q.frames = q.frames[1:]
	q.mu.Unlock()

	poke(q.space)
	return f, true
}

// Len returns the number of buffered frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Dropped returns how many frames DropOldest has discarded.
func (q *FrameQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// WaitReady blocks until at least one frame is buffered or stopped is closed.
// It returns ctx.Err() if ctx ends first. The guard is not held while waiting.
func (q *FrameQueue) WaitReady(ctx context.Context, stopped <-chan struct{}) error {
	for {
		if q.Len() > 0 {
			return nil
		}
		select {
		case <-stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-q.ready:
		}
	}
}

// Close discards buffered frames and releases a producer blocked in Push.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.mu.Unlock()
	poke(q.space)
}

// poke performs a non-blocking send on a one-slot notification channel.
// A pending token already covers any later wakeup.
func poke(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
