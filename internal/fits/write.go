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

package fits

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

// One header and data unit to be written. The first HDU of a file becomes the
// primary HDU, all others become IMAGE extensions.
type HDU struct {
	Name   string    // EXTNAME, optional for the primary HDU
	Bitpix int32     // storage type
	Bzero  float64   // stored value is true value minus Bzero
	Naxisn []int     // axis dimensions, most quickly varying first
	Data   []float64 // true pixel values, product of Naxisn entries
}

// Writes the HDUs to a file with the given name. Creates/overwrites the file if necessary
func WriteFile(fileName string, hdus []HDU) error {
	f, err := os.Create(fileName)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := Write(w, hdus); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Writes the HDUs to an io.Writer
func Write(w io.Writer, hdus []HDU) error {
	for i, hdu := range hdus {
		pixels := 1
		for _, n := range hdu.Naxisn {
			pixels *= n
		}
		if len(hdu.Naxisn) == 0 {
			pixels = 0
		}
		if len(hdu.Data) != pixels {
			return fmt.Errorf("HDU %d: %d values for dimensions %s", i, len(hdu.Data), dimensionsToString(hdu.Naxisn))
		}

		// Build header in string buffer
		sb := strings.Builder{}
		if i == 0 {
			writeBool(&sb, "SIMPLE", true, "FITS standard 4.0")
		} else {
			writeString(&sb, "XTENSION", "IMAGE", "Image extension")
		}
		writeInt64(&sb, "BITPIX", int64(hdu.Bitpix), "Bits per data value")
		writeInt64(&sb, "NAXIS", int64(len(hdu.Naxisn)), "[1] Number of axis")
		for j, n := range hdu.Naxisn {
			writeInt64(&sb, fmt.Sprintf("NAXIS%d", j+1), int64(n), "[1] Axis size")
		}
		if i == 0 && len(hdus) > 1 {
			writeBool(&sb, "EXTEND", true, "Extensions may follow")
		}
		if i > 0 {
			writeInt64(&sb, "PCOUNT", 0, "No parameters")
			writeInt64(&sb, "GCOUNT", 1, "One group")
		}
		if hdu.Name != "" {
			writeString(&sb, "EXTNAME", hdu.Name, "Dataset name")
		}
		if hdu.Bzero != 0 {
			if hdu.Bzero == math.Trunc(hdu.Bzero) {
				writeInt64(&sb, "BZERO", int64(hdu.Bzero), "[1] Zero offset")
			} else {
				writeFloat64(&sb, "BZERO", hdu.Bzero, "[1] Zero offset")
			}
		}
		writeEnd(&sb)
		padBlock(&sb, ' ')

		// Write header block(s)
		if _, err := io.WriteString(w, sb.String()); err != nil {
			return err
		}
		n, err := writeData(w, hdu.Data, hdu.Bitpix, hdu.Bzero)
		if err != nil {
			return err
		}
		if rest := padded(n) - n; rest > 0 {
			if _, err := w.Write(make([]byte, rest)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Pads the current header block with the given character if necessary
func padBlock(sb *strings.Builder, c rune) {
	bytesInHeaderBlock := sb.Len() % fitsBlockSize
	if bytesInHeaderBlock > 0 {
		for i := bytesInHeaderBlock; i < fitsBlockSize; i++ {
			sb.WriteRune(c)
		}
	}
}

// Writes FITS binary body data in network byte order, returning the byte count.
// Integer types round to nearest.
func writeData(w io.Writer, data []float64, bitpix int32, bzero float64) (int64, error) {
	size := int(bitpix) / 8
	if size < 0 {
		size = -size
	}
	if size == 0 {
		return 0, fmt.Errorf("Unknown BITPIX value %d", bitpix)
	}
	buf := make([]byte, bufLen)
	perBuf := bufLen / size
	total := int64(0)
	for block := 0; block < len(data); block += perBuf {
		n := len(data) - block
		if n > perBuf {
			n = perBuf
		}
		for offset := 0; offset < n; offset++ {
			v := data[block+offset] - bzero
			b := buf[offset*size:]
			switch bitpix {
			case 8:
				b[0] = byte(math.Round(v))
			case 16:
				binary.BigEndian.PutUint16(b, uint16(int16(math.Round(v))))
			case 32:
				binary.BigEndian.PutUint32(b, uint32(int32(math.Round(v))))
			case 64:
				binary.BigEndian.PutUint64(b, uint64(int64(math.Round(v))))
			case -32:
				binary.BigEndian.PutUint32(b, math.Float32bits(float32(v)))
			case -64:
				binary.BigEndian.PutUint64(b, math.Float64bits(v))
			default:
				return total, fmt.Errorf("Unknown BITPIX value %d", bitpix)
			}
		}
		written, err := w.Write(buf[:n*size])
		total += int64(written)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Writes a FITS header boolean value
func writeBool(w io.Writer, key string, value bool, comment string) {
	if len(key) > 8 {
		key = key[0:8]
	}
	if len(comment) > 47 {
		comment = comment[0:47]
	}
	v := "F"
	if value {
		v = "T"
	}
	fmt.Fprintf(w, "%-8s= %20s / %-47s", key, v, comment)
}

// Writes a FITS header int64 value
func writeInt64(w io.Writer, key string, value int64, comment string) {
	if len(key) > 8 {
		key = key[0:8]
	}
	if len(comment) > 47 {
		comment = comment[0:47]
	}
	fmt.Fprintf(w, "%-8s= %20d / %-47s", key, value, comment)
}

// Writes a FITS header float64 value, always with a decimal point or exponent
func writeFloat64(w io.Writer, key string, value float64, comment string) {
	if len(key) > 8 {
		key = key[0:8]
	}
	if len(comment) > 47 {
		comment = comment[0:47]
	}
	fmt.Fprintf(w, "%-8s= %20.12E / %-47s", key, value, comment)
}

// Writes a FITS header string value of up to 68 characters. Values beyond
// 18 characters drop the comment.
func writeString(w io.Writer, key, value, comment string) {
	if len(key) > 8 {
		key = key[0:8]
	}
	if len(comment) > 47 {
		comment = comment[0:47]
	}
	// escape ' characters
	value = strings.ReplaceAll(value, "'", "''")
	if len(value) <= 18 {
		fmt.Fprintf(w, "%-8s= '%s'%s / %-47s", key, value, strings.Repeat(" ", 18-len(value)), comment)
		return
	}
	if len(value) > 68 {
		value = value[:68]
	}
	fmt.Fprintf(w, "%-8s= '%s'%s", key, value, strings.Repeat(" ", 68-len(value)))
}

// Writes a FITS header end record
func writeEnd(w io.Writer) {
	fmt.Fprintf(w, "END%s", strings.Repeat(" ", 80-3))
}
