package parse

import "encoding/binary"

// EncodePacket serialises blocks and trailing fields into a 1206-byte data
// packet. It is the inverse of ParsePacket's framing and is used to build
// replay fixtures and synthetic streams.
func EncodePacket(blocks *[BLOCKS_PER_PACKET]DataBlock, info PacketInfo) []byte {
	buf := make([]byte, PACKET_SIZE)
	for i := range blocks {
		b := buf[i*BLOCK_SIZE:]
		binary.LittleEndian.PutUint16(b[0:2], BLOCK_FLAG)
		binary.LittleEndian.PutUint16(b[2:4], blocks[i].Azimuth)
		offset := BLOCK_FLAG_SIZE + AZIMUTH_SIZE
		for _, r := range blocks[i].Returns {
			binary.LittleEndian.PutUint16(b[offset:offset+2], r.Distance)
			b[offset+2] = r.Reflectivity
			offset += BYTES_PER_RETURN
		}
	}
	binary.LittleEndian.PutUint32(buf[TIMESTAMP_OFFSET:TIMESTAMP_OFFSET+4], info.Timestamp)
	buf[RETURN_MODE_OFFSET] = byte(info.ReturnMode)
	buf[PRODUCT_OFFSET] = byte(info.Product)
	return buf
}

// UniformPacket builds a strongest-return VLP-16 packet whose blocks start at
// startAzimuth (0.01 degree units) and advance by step, with every laser
// reporting distance (raw 2 mm units) and reflectivity.
func UniformPacket(startAzimuth, step uint16, distance uint16, reflectivity uint8, timestamp uint32) []byte {
	var blocks [BLOCKS_PER_PACKET]DataBlock
	for i := range blocks {
		blocks[i].Azimuth = uint16((uint32(startAzimuth) + uint32(i)*uint32(step)) % 36000)
		for j := range blocks[i].Returns {
			blocks[i].Returns[j] = Return{Distance: distance, Reflectivity: reflectivity}
		}
	}
	return EncodePacket(&blocks, PacketInfo{
		Timestamp:  timestamp,
		ReturnMode: ReturnStrongest,
		Product:    ProductVLP16,
	})
}
