package parse

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

/*
VLP-16 Data Packet Layout

The sensor sends 1206-byte UDP payloads (default port 2368):
├── Data Blocks (1200 bytes) - 12 blocks × 100 bytes each, starting at offset 0
│   └── Each block: 2-byte flag (0xFFEE) + 2-byte azimuth + 32 returns × 3 bytes (distance + reflectivity)
├── Timestamp (4 bytes) - microseconds past the top of the hour
└── Factory (2 bytes) - return mode, product id

Each block carries two firing sequences of 16 lasers. Only the first firing
has an explicit azimuth; later lasers are interpolated from the azimuth delta
to the next block using the laser firing timing below.
*/

const (
	PACKET_SIZE        = 1206
	BLOCKS_PER_PACKET  = 12
	FIRINGS_PER_BLOCK  = 2
	LASERS_PER_FIRING  = 16
	RETURNS_PER_BLOCK  = FIRINGS_PER_BLOCK * LASERS_PER_FIRING
	BYTES_PER_RETURN   = 3
	BLOCK_FLAG_SIZE    = 2
	AZIMUTH_SIZE       = 2
	BLOCK_SIZE         = BLOCK_FLAG_SIZE + AZIMUTH_SIZE + RETURNS_PER_BLOCK*BYTES_PER_RETURN // 100 bytes
	TIMESTAMP_OFFSET   = BLOCKS_PER_PACKET * BLOCK_SIZE                                      // 1200
	RETURN_MODE_OFFSET = TIMESTAMP_OFFSET + 4
	PRODUCT_OFFSET     = RETURN_MODE_OFFSET + 1
	BLOCK_FLAG         = 0xEEFF // 0xFFEE on the wire, little-endian read
	POSITION_PACKET    = 512    // GPS/position packet payload size (port 8308)

	DISTANCE_RESOLUTION = 0.002 // 2 mm per LSB
	AZIMUTH_RESOLUTION  = 0.01  // 0.01 degrees per LSB

	// Laser timing in microseconds.
	LASER_TOFFSET  = 2.304
	FIRING_TOFFSET = 55.296
	BLOCK_DURATION = 110.592
)

var (
	// ErrPacketSize is returned for payloads that are not a data packet size.
	ErrPacketSize = errors.New("invalid packet size")
	// ErrBlockFlag is returned when a data block does not begin with 0xFFEE.
	ErrBlockFlag = errors.New("invalid block flag")
	// ErrNotDataPacket is returned for position (GPS) packets.
	ErrNotDataPacket = errors.New("not a data packet")
)

// Sample is a single laser return. Distance is in meters, angles in degrees.
// Samples are values and are never mutated after decoding.
type Sample struct {
	Distance  float64
	Azimuth   float64 // [0, 360)
	Vertical  float64
	Intensity uint8
	LaserID   uint8
	Timestamp time.Duration // offset from the top of the hour
}

// DataBlock is one 100-byte block of a data packet.
type DataBlock struct {
	Azimuth uint16 // 0.01 degree units
	Returns [RETURNS_PER_BLOCK]Return
}

// Return is the raw measurement of one laser.
type Return struct {
	Distance     uint16 // 2 mm units, 0 = no return
	Reflectivity uint8
}

// PacketInfo holds the trailing fields of a data packet.
type PacketInfo struct {
	Timestamp  uint32 // microseconds past the hour
	ReturnMode ReturnMode
	Product    Product
}

// VLP16Parser decodes VLP-16 family data packets into samples.
type VLP16Parser struct {
	product     Product // zero means use the factory byte of each packet
	packetCount int
	lastInfo    PacketInfo
}

// NewVLP16Parser creates a parser. When product is zero the vertical angle
// table is chosen per packet from its factory byte.
func NewVLP16Parser(product Product) *VLP16Parser {
	return &VLP16Parser{product: product}
}

// LastInfo returns the trailing fields of the most recently parsed packet.
func (p *VLP16Parser) LastInfo() PacketInfo {
	return p.lastInfo
}

// ParsePacket decodes one UDP payload. Returns with zero distance are kept;
// deciding what counts as "no return" belongs to the geometry stage.
func (p *VLP16Parser) ParsePacket(data []byte) ([]Sample, error) {
	p.packetCount++

	switch len(data) {
	case PACKET_SIZE:
	case POSITION_PACKET:
		return nil, ErrNotDataPacket
	default:
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrPacketSize, PACKET_SIZE, len(data))
	}

	info := parseInfo(data)
	p.lastInfo = info
	product := p.product
	if product == 0 {
		product = info.Product
	}
	vertical := VerticalAngles(product)

	var blocks [BLOCKS_PER_PACKET]DataBlock
	for i := range blocks {
		offset := i * BLOCK_SIZE
		if err := parseDataBlock(data[offset:offset+BLOCK_SIZE], &blocks[i]); err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
	}

	if p.packetCount == 1 {
		if product != ProductVLP16 && product != ProductPuckHiRes {
			opsf("unrecognised product byte 0x%02x, using VLP-16 vertical angles", uint8(product))
		}
		diagf("first data packet: product=%s return_mode=%s", product, info.ReturnMode)
	}

	stride := 1
	if info.ReturnMode == ReturnDual {
		stride = 2
	}

	samples := make([]Sample, 0, BLOCKS_PER_PACKET*RETURNS_PER_BLOCK)
	lastDiff := 0.0
	for i := range blocks {
		azimuth := float64(blocks[i].Azimuth) * AZIMUTH_RESOLUTION
		diff := lastDiff
		if next := i + stride; next < BLOCKS_PER_PACKET {
			diff = float64(blocks[next].Azimuth)*AZIMUTH_RESOLUTION - azimuth
			if diff < 0 {
				diff += 360
			}
			lastDiff = diff
		}

		sequence := i / stride
		base := float64(info.Timestamp) + float64(sequence)*BLOCK_DURATION
		samples = blockToSamples(samples, &blocks[i], azimuth, diff, base, &vertical)
	}

	tracef("packet %d: %d samples, ts=%dus", p.packetCount, len(samples), info.Timestamp)
	return samples, nil
}

func parseInfo(data []byte) PacketInfo {
	return PacketInfo{
		Timestamp:  binary.LittleEndian.Uint32(data[TIMESTAMP_OFFSET : TIMESTAMP_OFFSET+4]),
		ReturnMode: ReturnMode(data[RETURN_MODE_OFFSET]),
		Product:    Product(data[PRODUCT_OFFSET]),
	}
}

// parseDataBlock decodes one 100-byte block into dst.
func parseDataBlock(data []byte, dst *DataBlock) error {
	if len(data) < BLOCK_SIZE {
		return fmt.Errorf("insufficient data for block: expected %d bytes, got %d", BLOCK_SIZE, len(data))
	}
	if flag := binary.LittleEndian.Uint16(data[0:2]); flag != BLOCK_FLAG {
		return fmt.Errorf("%w: got 0x%04X", ErrBlockFlag, flag)
	}
	dst.Azimuth = binary.LittleEndian.Uint16(data[2:4])

	offset := BLOCK_FLAG_SIZE + AZIMUTH_SIZE
	for i := range dst.Returns {
		dst.Returns[i] = Return{
			Distance:     binary.LittleEndian.Uint16(data[offset : offset+2]),
			Reflectivity: data[offset+2],
		}
		offset += BYTES_PER_RETURN
	}
	return nil
}

// blockToSamples appends the 32 samples of a block to dst in firing order.
func blockToSamples(dst []Sample, block *DataBlock, azimuth, diff, baseMicros float64, vertical *[LASERS_PER_FIRING]float64) []Sample {
	for firing := 0; firing < FIRINGS_PER_BLOCK; firing++ {
		for laser := 0; laser < LASERS_PER_FIRING; laser++ {
			offset := float64(laser)*LASER_TOFFSET + float64(firing)*FIRING_TOFFSET
			az := math.Mod(azimuth+diff*offset/BLOCK_DURATION, 360)

			ret := block.Returns[firing*LASERS_PER_FIRING+laser]
			dst = append(dst, Sample{
				Distance:  float64(ret.Distance) * DISTANCE_RESOLUTION,
				Azimuth:   az,
				Vertical:  vertical[laser],
				Intensity: ret.Reflectivity,
				LaserID:   uint8(laser),
				Timestamp: time.Duration((baseMicros + offset) * float64(time.Microsecond)),
			})
		}
	}
	return dst
}
