package parse

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePacket_Uniform(t *testing.T) {
	parser := NewVLP16Parser(0)
	pkt := UniformPacket(0, 20, 5000, 100, 1000)

	samples, err := parser.ParsePacket(pkt)
	require.NoError(t, err)
	require.Len(t, samples, BLOCKS_PER_PACKET*RETURNS_PER_BLOCK)

	first := samples[0]
	assert.InDelta(t, 10.0, first.Distance, 1e-9)
	assert.InDelta(t, 0.0, first.Azimuth, 1e-9)
	assert.Equal(t, -15.0, first.Vertical)
	assert.Equal(t, uint8(100), first.Intensity)
	assert.Equal(t, uint8(0), first.LaserID)
	assert.Equal(t, time.Millisecond, first.Timestamp)

	// Second firing of block 0 sits half way to block 1.
	secondFiring := samples[LASERS_PER_FIRING]
	assert.InDelta(t, 0.1, secondFiring.Azimuth, 1e-9)
	assert.Equal(t, uint8(0), secondFiring.LaserID)

	// Laser ids and vertical angles follow the interleaved table.
	for i := 0; i < LASERS_PER_FIRING; i++ {
		assert.Equal(t, vlp16Vertical[i], samples[i].Vertical, "laser %d", i)
		assert.Equal(t, uint8(i), samples[i].LaserID)
	}

	info := parser.LastInfo()
	assert.Equal(t, uint32(1000), info.Timestamp)
	assert.Equal(t, ReturnStrongest, info.ReturnMode)
	assert.Equal(t, ProductVLP16, info.Product)
}

func TestParsePacket_LastBlockReusesPreviousDelta(t *testing.T) {
	parser := NewVLP16Parser(0)
	samples, err := parser.ParsePacket(UniformPacket(1000, 20, 100, 1, 0))
	require.NoError(t, err)

	lastBlock := samples[(BLOCKS_PER_PACKET-1)*RETURNS_PER_BLOCK:]
	// block 11 azimuth = 10.00 + 11*0.20 = 12.20; second firing adds 0.10
	assert.InDelta(t, 12.2, lastBlock[0].Azimuth, 1e-9)
	assert.InDelta(t, 12.3, lastBlock[LASERS_PER_FIRING].Azimuth, 1e-9)
}

func TestParsePacket_AzimuthWrap(t *testing.T) {
	parser := NewVLP16Parser(0)
	samples, err := parser.ParsePacket(UniformPacket(35900, 20, 100, 1, 0))
	require.NoError(t, err)

	for i, s := range samples {
		if s.Azimuth < 0 || s.Azimuth >= 360 {
			t.Fatalf("sample %d azimuth %f outside [0,360)", i, s.Azimuth)
		}
	}
}

func TestParsePacket_DualReturnStride(t *testing.T) {
	var blocks [BLOCKS_PER_PACKET]DataBlock
	for i := range blocks {
		// pairs of blocks share an azimuth in dual return mode
		blocks[i].Azimuth = uint16((i / 2) * 20)
	}
	pkt := EncodePacket(&blocks, PacketInfo{ReturnMode: ReturnDual, Product: ProductVLP16})

	samples, err := NewVLP16Parser(0).ParsePacket(pkt)
	require.NoError(t, err)

	// block 0 and block 1 both interpolate towards block 2
	assert.InDelta(t, 0.1, samples[LASERS_PER_FIRING].Azimuth, 1e-9)
	assert.InDelta(t, 0.1, samples[RETURNS_PER_BLOCK+LASERS_PER_FIRING].Azimuth, 1e-9)
	// both blocks of a pair share the same firing time
	assert.Equal(t, samples[0].Timestamp, samples[RETURNS_PER_BLOCK].Timestamp)
}

func TestParsePacket_ProductTable(t *testing.T) {
	var blocks [BLOCKS_PER_PACKET]DataBlock
	pkt := EncodePacket(&blocks, PacketInfo{ReturnMode: ReturnStrongest, Product: ProductPuckHiRes})

	samples, err := NewVLP16Parser(0).ParsePacket(pkt)
	require.NoError(t, err)
	assert.Equal(t, -10.0, samples[0].Vertical)

	// a fixed product overrides the factory byte
	samples, err = NewVLP16Parser(ProductVLP16).ParsePacket(pkt)
	require.NoError(t, err)
	assert.Equal(t, -15.0, samples[0].Vertical)
}

func TestParsePacket_ZeroDistanceKept(t *testing.T) {
	samples, err := NewVLP16Parser(0).ParsePacket(UniformPacket(0, 20, 0, 0, 0))
	require.NoError(t, err)
	require.NotEmpty(t, samples)
	assert.Equal(t, 0.0, samples[0].Distance)
}

func TestParsePacket_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrPacketSize},
		{"short", make([]byte, 100), ErrPacketSize},
		{"position packet", make([]byte, POSITION_PACKET), ErrNotDataPacket},
		{"bad flag", func() []byte {
			pkt := UniformPacket(0, 20, 100, 1, 0)
			pkt[3*BLOCK_SIZE] = 0x00
			return pkt
		}(), ErrBlockFlag},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewVLP16Parser(0).ParsePacket(tt.data)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestEncodePacket_RoundTripsBlocks(t *testing.T) {
	var blocks [BLOCKS_PER_PACKET]DataBlock
	blocks[5].Azimuth = 12345
	blocks[5].Returns[7] = Return{Distance: 4321, Reflectivity: 9}

	pkt := EncodePacket(&blocks, PacketInfo{Timestamp: 42, ReturnMode: ReturnLast, Product: ProductVLP16})
	require.Len(t, pkt, PACKET_SIZE)

	var got DataBlock
	require.NoError(t, parseDataBlock(pkt[5*BLOCK_SIZE:6*BLOCK_SIZE], &got))
	assert.Equal(t, blocks[5], got)
	assert.Equal(t, PacketInfo{Timestamp: 42, ReturnMode: ReturnLast, Product: ProductVLP16}, parseInfo(pkt))
}

func TestProductAndModeStrings(t *testing.T) {
	assert.Equal(t, "VLP-16", ProductVLP16.String())
	assert.Equal(t, "Puck Hi-Res", ProductPuckHiRes.String())
	assert.Equal(t, "unknown(0x01)", Product(1).String())
	assert.Equal(t, "dual", ReturnDual.String())
	assert.Equal(t, "unknown(0x00)", ReturnMode(0).String())
}
