package network

import (
	"context"
	"errors"
	"io"
)

// CountPackets counts the UDP datagrams matching udpPort in a capture file.
// This enables progress reporting during replay.
func CountPackets(path string, udpPort int) (uint64, error) {
	src, err := OpenFileSource(FileSourceConfig{Path: path, UDPPort: udpPort})
	if err != nil {
		return 0, err
	}
	defer src.Close()

	ctx := context.Background()
	var count uint64
	for {
		if _, err := src.ReadPacket(ctx); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return count, err
		}
		count++
	}
	diagf("capture file %s: %d packets on port %d", path, count, udpPort)
	return count, nil
}
