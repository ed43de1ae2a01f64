// Package capture runs the producer side of a lidar session: it reads UDP
// payloads from a live socket or a capture file, decodes them into samples,
// cuts full revolutions and hands completed frames to a bounded queue.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/banshee-data/velodyne-capture/internal/lidar/l2frames"
	"github.com/banshee-data/velodyne-capture/internal/lidar/network"
	"github.com/banshee-data/velodyne-capture/internal/lidar/parse"
)

var (
	// ErrAlreadyOpen is returned by Open while a previous source is still open.
	ErrAlreadyOpen = errors.New("capture already open")
	// ErrNotRunning is returned by Close when nothing is open.
	ErrNotRunning = errors.New("capture not running")
)

// Config holds producer settings. Zero values select the defaults.
type Config struct {
	// UDPPort filters capture files to datagrams sent to this port.
	UDPPort int
	RcvBuf  int

	MaxQueueDepth int
	// OverflowPolicy overrides the per-source default: DropOldest for live
	// sockets, Block for files so replay never loses frames.
	OverflowPolicy *l2frames.OverflowPolicy

	Realtime        bool
	SpeedMultiplier float64
	MinFrameSamples int

	// Product forces the vertical angle table. Zero reads it from each packet.
	Product parse.Product

	PCAPFactory   network.PCAPReaderFactory
	SocketFactory network.UDPSocketFactory
}

// Capture owns one producer goroutine at a time.
type Capture struct {
	cfg Config

	mu      sync.Mutex
	source  network.PacketSource
	queue   *l2frames.FrameQueue
	cancel  context.CancelFunc
	stopped chan struct{}
	runID   string

	errMu sync.Mutex
	err   error

	open    atomic.Bool
	running atomic.Bool
	stats   *PacketStats
}

// New returns an idle capture. Call Open to start producing frames.
func New(cfg Config) *Capture {
	if cfg.UDPPort == 0 {
		cfg.UDPPort = network.DefaultDataPort
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = l2frames.DefaultMaxQueueDepth
	}
	closed := make(chan struct{})
	close(closed)
	return &Capture{
		cfg:     cfg,
		stopped: closed,
		stats:   NewPacketStats(),
	}
}

// Open starts producing frames from source: "udp://host:port" binds a live
// socket, anything else is read as a pcap or pcapng file.
func (c *Capture) Open(source string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.open.Load() {
		return ErrAlreadyOpen
	}

	kind, target, err := network.ParseSource(source)
	if err != nil {
		return err
	}

	var src network.PacketSource
	policy := l2frames.DropOldest
	switch kind {
	case network.SourceUDP:
		src, err = network.OpenUDPSource(network.UDPSourceConfig{
			Address: target,
			RcvBuf:  c.cfg.RcvBuf,
			Factory: c.cfg.SocketFactory,
		})
	default:
		policy = l2frames.Block
		src, err = network.OpenFileSource(network.FileSourceConfig{
			Path:            target,
			UDPPort:         c.cfg.UDPPort,
			Realtime:        c.cfg.Realtime,
			SpeedMultiplier: c.cfg.SpeedMultiplier,
			Factory:         c.cfg.PCAPFactory,
		})
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", source, err)
	}
	if c.cfg.OverflowPolicy != nil {
		policy = *c.cfg.OverflowPolicy
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.source = src
	c.queue = l2frames.NewFrameQueue(c.cfg.MaxQueueDepth, policy)
	c.cancel = cancel
	c.stopped = make(chan struct{})
	c.runID = uuid.NewString()
	c.setErr(nil)
	c.stats.GetAndReset()

	c.open.Store(true)
	c.running.Store(true)

	opsf("run %s: reading %s (queue depth %d, %s)", c.runID, src, c.cfg.MaxQueueDepth, policy)
	go c.produce(ctx, src, c.queue, c.stopped)
	return nil
}

// IsOpen reports whether a source is open and not yet closed. It stays true
// after the producer reaches the end of a file.
func (c *Capture) IsOpen() bool { return c.open.Load() }

// IsRun reports whether the producer goroutine is still reading.
func (c *Capture) IsRun() bool { return c.running.Load() }

// Queue returns the frame queue of the current run, or nil before Open.
func (c *Capture) Queue() *l2frames.FrameQueue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue
}

// Stopped is closed when the producer of the current run exits. Before the
// first Open it is already closed.
func (c *Capture) Stopped() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// RunID identifies the current run in logs.
func (c *Capture) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

// Err returns the error that stopped the producer, if it stopped for any
// reason other than end of file or Close.
func (c *Capture) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Capture) setErr(err error) {
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
}

// Stats returns the counters of the current run.
func (c *Capture) Stats() *PacketStats { return c.stats }

// Close stops the producer, waits for it to exit and then closes the queue,
// so no frame is pushed after Close returns.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open.Load() {
		return ErrNotRunning
	}
	c.cancel()
	<-c.stopped
	err := c.source.Close()
	c.queue.Close()
	c.open.Store(false)

	diagf("run %s: closed (%d frames dropped)", c.runID, c.queue.Dropped())
	return err
}

func (c *Capture) produce(ctx context.Context, src network.PacketSource, queue *l2frames.FrameQueue, stopped chan struct{}) {
	defer close(stopped)
	defer c.running.Store(false)

	parser := parse.NewVLP16Parser(c.cfg.Product)
	asm := l2frames.NewFrameAssembler(c.cfg.MinFrameSamples)

	push := func(f l2frames.Frame) bool {
		if err := queue.Push(ctx, f); err != nil {
			tracef("push frame %d: %v", f.Sequence, err)
			return false
		}
		c.stats.AddFrame()
		return true
	}

	for {
		pkt, err := src.ReadPacket(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				if f, ok := asm.Flush(); ok {
					push(f)
				}
				diagf("%s: end of stream (%d short frames discarded)", src, asm.Short())
			case ctx.Err() != nil:
			default:
				opsf("%s: read failed: %v", src, err)
				c.setErr(err)
			}
			return
		}
		c.stats.AddPacket(len(pkt.Payload))

		samples, err := parser.ParsePacket(pkt.Payload)
		if err != nil {
			if !errors.Is(err, parse.ErrNotDataPacket) {
				c.stats.AddDecodeError()
				tracef("decode: %v", err)
			}
			continue
		}
		c.stats.AddSamples(len(samples))

		for _, f := range asm.Add(samples) {
			if !push(f) {
				return
			}
		}
	}
}
