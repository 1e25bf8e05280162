package tensor

import "fmt"

// DType identifies the element type of a tensor. Byte order is
// little-endian, ordering is 'C'.
type DType uint32

const (
	Bool DType = iota
	U8
	I8
	U16
	I16
	U32
	I32
	U64
	I64
	F16
	BF16
	F32
	F64
)

// Size returns the element size in bytes.
func (d DType) Size() uint64 {
	switch d {
	case Bool, U8, I8:
		return 1
	case U16, I16, F16, BF16:
		return 2
	case U32, I32, F32:
		return 4
	case U64, I64, F64:
		return 8
	default:
		return 0
	}
}

func (d DType) String() string {
	switch d {
	case Bool:
		return "BOOL"
	case U8:
		return "UINT8"
	case I8:
		return "INT8"
	case U16:
		return "UINT16"
	case I16:
		return "INT16"
	case U32:
		return "UINT32"
	case I32:
		return "INT32"
	case U64:
		return "UINT64"
	case I64:
		return "INT64"
	case F16:
		return "FP16"
	case BF16:
		return "BF16"
	case F32:
		return "FP32"
	case F64:
		return "FP64"
	default:
		return fmt.Sprintf("DTYPE(%d)", uint32(d))
	}
}

// NumElements returns the element count implied by dims.
func NumElements(dims []int64) uint64 {
	n := uint64(1)
	for _, d := range dims {
		if d < 0 {
			return 0
		}
		n *= uint64(d)
	}
	return n
}
