// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package sparse

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Element type of a stored sequence. Names follow the numpy dtype names
// used by the downstream readers of sparse files.
type ValueType string

const (
	Uint8   ValueType = "uint8"
	Int8    ValueType = "int8"
	Uint16  ValueType = "uint16"
	Int16   ValueType = "int16"
	Uint32  ValueType = "uint32"
	Int32   ValueType = "int32"
	Float32 ValueType = "float32"
	Float64 ValueType = "float64"
)

// Size of one element in bytes, or 0 for unknown types
func (vt ValueType) Size() int {
	switch vt {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

func (vt ValueType) Valid() bool { return vt.Size() > 0 }

// Maps FITS BITPIX, BZERO and BSCALE to the element type which represents
// the physical pixel values without loss.
func ValueTypeForBitpix(bitpix int32, bzero, bscale float64) (ValueType, error) {
	if bscale != 1 {
		return Float64, nil
	}
	switch bitpix {
	case 8:
		if bzero == -128 {
			return Int8, nil
		} else if bzero == 0 {
			return Uint8, nil
		}
	case 16:
		if bzero == 32768 {
			return Uint16, nil
		} else if bzero == 0 {
			return Int16, nil
		}
	case 32:
		if bzero == 2147483648 {
			return Uint32, nil
		} else if bzero == 0 {
			return Int32, nil
		}
	case 64:
		return Float64, nil
	case -32:
		if bzero == 0 {
			return Float32, nil
		}
	case -64:
		return Float64, nil
	default:
		return "", fmt.Errorf("unknown BITPIX value %d", bitpix)
	}
	return Float64, nil
}

// Inverse of ValueTypeForBitpix, for writing FITS data of this type
func (vt ValueType) Bitpix() (bitpix int32, bzero float64) {
	switch vt {
	case Uint8:
		return 8, 0
	case Int8:
		return 8, -128
	case Uint16:
		return 16, 32768
	case Int16:
		return 16, 0
	case Uint32:
		return 32, 2147483648
	case Int32:
		return 32, 0
	case Float32:
		return -32, 0
	default:
		return -64, 0
	}
}

// Encodes v little endian into dst, which must hold at least vt.Size() bytes.
// Integer types truncate towards zero and saturate at the type limits.
func (vt ValueType) put(dst []byte, v float64) {
	switch vt {
	case Uint8:
		dst[0] = uint8(clamp(v, 0, math.MaxUint8))
	case Int8:
		dst[0] = uint8(int8(clamp(v, math.MinInt8, math.MaxInt8)))
	case Uint16:
		binary.LittleEndian.PutUint16(dst, uint16(clamp(v, 0, math.MaxUint16)))
	case Int16:
		binary.LittleEndian.PutUint16(dst, uint16(int16(clamp(v, math.MinInt16, math.MaxInt16))))
	case Uint32:
		binary.LittleEndian.PutUint32(dst, uint32(clamp(v, 0, math.MaxUint32)))
	case Int32:
		binary.LittleEndian.PutUint32(dst, uint32(int32(clamp(v, math.MinInt32, math.MaxInt32))))
	case Float32:
		binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(dst, math.Float64bits(v))
	}
}

// Decodes one little endian element from src
func (vt ValueType) get(src []byte) float64 {
	switch vt {
	case Uint8:
		return float64(src[0])
	case Int8:
		return float64(int8(src[0]))
	case Uint16:
		return float64(binary.LittleEndian.Uint16(src))
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(src)))
	case Uint32:
		return float64(binary.LittleEndian.Uint32(src))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(src)))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(src)))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(src))
	}
	return 0
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
