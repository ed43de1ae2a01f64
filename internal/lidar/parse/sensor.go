package parse

import "fmt"

// Product identifies the sensor model from the factory byte of a data packet.
type Product uint8

const (
	ProductVLP16     Product = 0x22
	ProductPuckHiRes Product = 0x24
)

func (p Product) String() string {
	switch p {
	case ProductVLP16:
		return "VLP-16"
	case ProductPuckHiRes:
		return "Puck Hi-Res"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(p))
	}
}

// ReturnMode is the return-mode byte of a data packet.
type ReturnMode uint8

const (
	ReturnStrongest ReturnMode = 0x37
	ReturnLast      ReturnMode = 0x38
	ReturnDual      ReturnMode = 0x39
)

func (m ReturnMode) String() string {
	switch m {
	case ReturnStrongest:
		return "strongest"
	case ReturnLast:
		return "last"
	case ReturnDual:
		return "dual"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(m))
	}
}

// Vertical angles in degrees indexed by laser id. Laser ids interleave
// below and above the horizon in firing order.
var (
	vlp16Vertical = [LASERS_PER_FIRING]float64{
		-15, 1, -13, 3, -11, 5, -9, 7,
		-7, 9, -5, 11, -3, 13, -1, 15,
	}
	puckHiResVertical = [LASERS_PER_FIRING]float64{
		-10, 0.67, -8.67, 2, -7.33, 3.33, -6, 4.67,
		-4.67, 6, -3.33, 7.33, -2, 8.67, -0.67, 10,
	}
)

// VerticalAngles returns the per-laser vertical angle table for a product.
// Unknown products fall back to the VLP-16 table.
func VerticalAngles(p Product) [LASERS_PER_FIRING]float64 {
	if p == ProductPuckHiRes {
		return puckHiResVertical
	}
	return vlp16Vertical
}
