package capture

import (
	"fmt"
	"os"
	"time"

	"github.com/banshee-data/velodyne-capture/internal/lidar/network"
	"github.com/banshee-data/velodyne-capture/internal/lidar/parse"
)

const (
	// PacketsPerRevolution is the packet count of one synthetic rotation.
	PacketsPerRevolution = 3
	// SamplesPerRevolution is the sample count of one synthetic rotation.
	SamplesPerRevolution = PacketsPerRevolution * parse.BLOCKS_PER_PACKET * parse.RETURNS_PER_BLOCK

	revolutionStep = 36000 / (PacketsPerRevolution * parse.BLOCKS_PER_PACKET) // 0.01 degree units per block
)

// RevolutionPayloads synthesises data packets covering the given number of
// full rotations, every laser reporting distance (raw 2 mm units).
func RevolutionPayloads(revolutions int, distance uint16) [][]byte {
	payloads := make([][]byte, 0, revolutions*PacketsPerRevolution)
	for i := 0; i < revolutions*PacketsPerRevolution; i++ {
		start := uint16((i % PacketsPerRevolution) * parse.BLOCKS_PER_PACKET * revolutionStep)
		ts := uint32(float64(i) * parse.BLOCKS_PER_PACKET * parse.BLOCK_DURATION)
		payloads = append(payloads, parse.UniformPacket(start, revolutionStep, distance, 100, ts))
	}
	return payloads
}

// WriteRevolutions writes a pcap replay of RevolutionPayloads to path,
// addressed to the default data port.
func WriteRevolutions(path string, revolutions int, distance uint16) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create fixture: %w", err)
	}
	payloads := RevolutionPayloads(revolutions, distance)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := network.WritePCAP(f, network.DefaultDataPort, payloads, start, time.Millisecond); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
