package l2frames

import (
	"github.com/banshee-data/velodyne-capture/internal/lidar/parse"
)

// WrapThreshold is the minimum backwards azimuth jump, in degrees, treated
// as the sensor passing 0°. Smaller decreases are jitter and stay in-frame.
const WrapThreshold = 180.0

// FrameAssembler splits a sample stream into rotation frames at the azimuth
// wrap. It is used from the capture goroutine only and is not safe for
// concurrent use.
type FrameAssembler struct {
	minSamples  int
	lastAzimuth float64
	samples     []parse.Sample
	sequence    uint64
	short       uint64
}

// NewFrameAssembler creates an assembler that drops frames with fewer than
// minSamples samples. Zero keeps every frame.
func NewFrameAssembler(minSamples int) *FrameAssembler {
	return &FrameAssembler{
		minSamples:  minSamples,
		lastAzimuth: -1, // first sample never closes a frame
	}
}

// Add appends samples and returns any frames completed by an azimuth wrap,
// in emission order.
func (a *FrameAssembler) Add(samples []parse.Sample) []Frame {
	var done []Frame
	for _, s := range samples {
		if a.lastAzimuth >= 0 && a.lastAzimuth-s.Azimuth > WrapThreshold {
			if f, ok := a.cut(); ok {
				done = append(done, f)
			}
		}
		a.samples = append(a.samples, s)
		a.lastAzimuth = s.Azimuth
	}
	return done
}

// Flush emits the accumulated partial rotation, if any. Used at end of stream.
func (a *FrameAssembler) Flush() (Frame, bool) {
	f, ok := a.cut()
	a.lastAzimuth = -1
	return f, ok
}

// Pending returns the number of samples in the frame being built.
func (a *FrameAssembler) Pending() int { return len(a.samples) }

// Short returns how many frames were dropped for having too few samples.
func (a *FrameAssembler) Short() uint64 { return a.short }

func (a *FrameAssembler) cut() (Frame, bool) {
	if len(a.samples) == 0 {
		return Frame{}, false
	}
	samples := a.samples
	// fresh backing array: the emitted frame is handed to another goroutine
	a.samples = make([]parse.Sample, 0, cap(samples))

	if len(samples) < a.minSamples {
		a.short++
		debugf("dropped short frame: %d samples (min %d)", len(samples), a.minSamples)
		return Frame{}, false
	}
	a.sequence++
	return Frame{Sequence: a.sequence, Samples: samples}, true
}
