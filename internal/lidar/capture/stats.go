package capture

import (
	"fmt"
	"sync"
	"time"
)

// PacketStats tracks producer throughput with thread-safe operations.
type PacketStats struct {
	mu           sync.Mutex
	packetCount  int64
	byteCount    int64
	decodeErrors int64
	sampleCount  int64
	frameCount   int64
	lastReset    time.Time
}

// StatsSnapshot is a point-in-time copy of the counters since the last reset.
type StatsSnapshot struct {
	Packets      int64
	Bytes        int64
	DecodeErrors int64
	Samples      int64
	Frames       int64
	Duration     time.Duration
}

// NewPacketStats creates a new PacketStats instance.
func NewPacketStats() *PacketStats {
	return &PacketStats{lastReset: time.Now()}
}

// AddPacket increments packet count and byte count.
func (ps *PacketStats) AddPacket(bytes int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.packetCount++
	ps.byteCount += int64(bytes)
}

// AddDecodeError counts a payload the decoder rejected.
func (ps *PacketStats) AddDecodeError() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.decodeErrors++
}

// AddSamples increments the decoded sample count.
func (ps *PacketStats) AddSamples(count int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.sampleCount += int64(count)
}

// AddFrame counts a frame handed to the queue.
func (ps *PacketStats) AddFrame() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.frameCount++
}

// Snapshot returns the counters without resetting them.
func (ps *PacketStats) Snapshot() StatsSnapshot {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.snapshotLocked(time.Now())
}

// GetAndReset returns current stats and resets counters.
func (ps *PacketStats) GetAndReset() StatsSnapshot {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now()
	s := ps.snapshotLocked(now)
	ps.packetCount = 0
	ps.byteCount = 0
	ps.decodeErrors = 0
	ps.sampleCount = 0
	ps.frameCount = 0
	ps.lastReset = now
	return s
}

func (ps *PacketStats) snapshotLocked(now time.Time) StatsSnapshot {
	return StatsSnapshot{
		Packets:      ps.packetCount,
		Bytes:        ps.byteCount,
		DecodeErrors: ps.decodeErrors,
		Samples:      ps.sampleCount,
		Frames:       ps.frameCount,
		Duration:     now.Sub(ps.lastReset),
	}
}

// String formats per-second rates for the snapshot window.
func (s StatsSnapshot) String() string {
	secs := s.Duration.Seconds()
	if secs <= 0 {
		secs = 1
	}
	return fmt.Sprintf("Lidar stats (/sec): %.2f MB, %.1f packets, %.0f samples, %.2f frames, %d decode errors",
		float64(s.Bytes)/secs/(1024*1024), float64(s.Packets)/secs, float64(s.Samples)/secs,
		float64(s.Frames)/secs, s.DecodeErrors)
}

// LogStats logs and resets the counters when anything was received.
func (ps *PacketStats) LogStats(logf func(format string, v ...interface{})) {
	s := ps.GetAndReset()
	if s.Packets == 0 && s.DecodeErrors == 0 {
		logf("No lidar packets received in the last %v", s.Duration.Round(time.Second))
		return
	}
	logf("%s", s)
}
