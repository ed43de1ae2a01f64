package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/velodyne-capture/internal/lidar/l2frames"
	"github.com/banshee-data/velodyne-capture/internal/lidar/network"
	"github.com/banshee-data/velodyne-capture/internal/lidar/parse"
)

func writeRevolutions(t *testing.T, revolutions int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "revolutions.pcap")
	require.NoError(t, WriteRevolutions(path, revolutions, 5000))
	return path
}

// drain pops frames until the producer has stopped and the queue is empty.
func drain(t *testing.T, c *Capture) []l2frames.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q, stopped := c.Queue(), c.Stopped()
	var frames []l2frames.Frame
	for {
		if f, ok := q.TryPop(); ok {
			frames = append(frames, f)
			continue
		}
		select {
		case <-stopped:
			if q.Len() == 0 {
				return frames
			}
			continue
		default:
		}
		require.NoError(t, q.WaitReady(ctx, stopped))
	}
}

func waitStopped(t *testing.T, c *Capture) {
	t.Helper()
	select {
	case <-c.Stopped():
	case <-time.After(5 * time.Second):
		t.Fatal("producer did not stop")
	}
}

func TestCapture_FileReplay(t *testing.T) {
	c := New(Config{})
	require.NoError(t, c.Open(writeRevolutions(t, 4)))
	assert.True(t, c.IsOpen())
	assert.NotEmpty(t, c.RunID())
	assert.Equal(t, l2frames.Block, c.Queue().Policy())

	frames := drain(t, c)
	require.Len(t, frames, 4)
	for i, f := range frames {
		assert.Equal(t, uint64(i+1), f.Sequence)
		assert.Len(t, f.Samples, SamplesPerRevolution)
	}
	assert.InDelta(t, 10.0, frames[0].Samples[0].Distance, 1e-9)

	assert.False(t, c.IsRun())
	assert.True(t, c.IsOpen(), "end of file keeps the capture open")
	assert.NoError(t, c.Err())

	s := c.Stats().Snapshot()
	assert.Equal(t, int64(4*PacketsPerRevolution), s.Packets)
	assert.Equal(t, int64(4*PacketsPerRevolution*parse.PACKET_SIZE), s.Bytes)
	assert.Equal(t, int64(4*SamplesPerRevolution), s.Samples)
	assert.Equal(t, int64(4), s.Frames)

	require.NoError(t, c.Close())
	assert.False(t, c.IsOpen())
	assert.ErrorIs(t, c.Close(), ErrNotRunning)
}

func TestCapture_OpenErrors(t *testing.T) {
	c := New(Config{})
	assert.Error(t, c.Open(""))
	assert.Error(t, c.Open(filepath.Join(t.TempDir(), "missing.pcap")))
	assert.Error(t, c.Open("udp://no-port"))
	assert.False(t, c.IsOpen())
	assert.False(t, c.IsRun())
	assert.Empty(t, c.RunID())
	assert.Nil(t, c.Queue())

	select {
	case <-c.Stopped():
	default:
		t.Fatal("Stopped should be closed before the first Open")
	}
}

func TestCapture_OpenTwice(t *testing.T) {
	c := New(Config{})
	path := writeRevolutions(t, 1)
	require.NoError(t, c.Open(path))
	defer c.Close()
	assert.ErrorIs(t, c.Open(path), ErrAlreadyOpen)
}

func TestCapture_ReopenStartsNewRun(t *testing.T) {
	c := New(Config{})
	path := writeRevolutions(t, 2)

	require.NoError(t, c.Open(path))
	first := c.RunID()
	require.Len(t, drain(t, c), 2)
	require.NoError(t, c.Close())

	require.NoError(t, c.Open(path))
	defer c.Close()
	assert.NotEqual(t, first, c.RunID())
	frames := drain(t, c)
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(1), frames[0].Sequence)
}

func TestCapture_DropOldestOverride(t *testing.T) {
	policy := l2frames.DropOldest
	c := New(Config{MaxQueueDepth: 1, OverflowPolicy: &policy})
	require.NoError(t, c.Open(writeRevolutions(t, 4)))
	defer c.Close()

	waitStopped(t, c)
	q := c.Queue()
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, uint64(3), q.Dropped())
	f, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, uint64(4), f.Sequence)
}

func TestCapture_CloseReleasesBlockedProducer(t *testing.T) {
	c := New(Config{MaxQueueDepth: 1})
	require.NoError(t, c.Open(writeRevolutions(t, 4)))

	q := c.Queue()
	require.Eventually(t, func() bool { return q.Len() == 1 }, 5*time.Second, time.Millisecond)
	assert.True(t, c.IsRun(), "producer should be blocked on a full queue")

	done := make(chan error, 1)
	go func() { done <- c.Close() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.False(t, c.IsRun())
	assert.Equal(t, 0, q.Len())
	_, ok := q.TryPop()
	assert.False(t, ok)
}

func TestCapture_DecodeErrorsAreCounted(t *testing.T) {
	payloads := append([][]byte{
		make([]byte, 100),
		make([]byte, parse.POSITION_PACKET),
	}, RevolutionPayloads(1, 5000)...)

	path := filepath.Join(t.TempDir(), "mixed.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, network.WritePCAP(f, network.DefaultDataPort, payloads, time.Unix(1700000000, 0), time.Millisecond))
	require.NoError(t, f.Close())

	c := New(Config{})
	require.NoError(t, c.Open(path))
	defer c.Close()
	require.Len(t, drain(t, c), 1)

	s := c.Stats().Snapshot()
	assert.Equal(t, int64(len(payloads)), s.Packets)
	assert.Equal(t, int64(1), s.DecodeErrors, "position packets are not decode errors")
	assert.Equal(t, int64(1), s.Frames)
}

func TestCapture_MinFrameSamples(t *testing.T) {
	// the trailing partial rotation is shorter than a full one
	payloads := RevolutionPayloads(2, 5000)[:PacketsPerRevolution+1]
	path := filepath.Join(t.TempDir(), "partial.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, network.WritePCAP(f, network.DefaultDataPort, payloads, time.Unix(1700000000, 0), time.Millisecond))
	require.NoError(t, f.Close())

	c := New(Config{MinFrameSamples: SamplesPerRevolution})
	require.NoError(t, c.Open(path))
	defer c.Close()
	frames := drain(t, c)
	require.Len(t, frames, 1)
	assert.Len(t, frames[0].Samples, SamplesPerRevolution)
}

func TestCapture_ReadErrorStopsProducer(t *testing.T) {
	reader := network.NewMockPCAPReader(nil)
	reader.ReadError = errors.New("disk gone")
	c := New(Config{PCAPFactory: network.NewMockPCAPReaderFactory(reader)})

	require.NoError(t, c.Open("mock.pcap"))
	waitStopped(t, c)
	assert.EqualError(t, c.Err(), "disk gone")
	assert.True(t, c.IsOpen())
	require.NoError(t, c.Close())
	assert.True(t, reader.Closed)
}

func TestCapture_LiveUDP(t *testing.T) {
	socket := network.NewMockUDPSocket(nil)
	factory := network.NewMockUDPSocketFactory(socket)
	c := New(Config{SocketFactory: factory, RcvBuf: 1 << 20})

	require.NoError(t, c.Open("udp://127.0.0.1:2368"))
	assert.Equal(t, l2frames.DropOldest, c.Queue().Policy())
	require.Len(t, factory.ListenCalls, 1)
	assert.Equal(t, 2368, factory.ListenCalls[0].Addr.Port)

	// the first packet of a third rotation closes the second
	for _, p := range RevolutionPayloads(3, 5000)[:2*PacketsPerRevolution+1] {
		socket.Deliver(p)
	}
	q := c.Queue()
	require.Eventually(t, func() bool { return q.Len() == 2 }, 5*time.Second, time.Millisecond)
	assert.True(t, c.IsRun())

	require.NoError(t, c.Close())
	assert.True(t, socket.IsClosed())
	assert.False(t, c.IsRun())
	waitStopped(t, c)
}
