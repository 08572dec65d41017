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
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/mlnoga/sparsepix/internal/sparse"
)

var reParser *regexp.Regexp = compileRE() // Regexp parser for FITS header lines

const bufLen int = 16 * 1024 // input buffer length for reading from file

// A stack of frames in one HDU of a FITS file, read frame by frame.
// NAXIS1 is the frame width, NAXIS2 the height, NAXIS3 the frame count.
type Cube struct {
	FileName  string
	Header    Header
	Bitpix    int32
	Bzero     float64 // True pixel value is Bzero + Bscale * stored value
	Bscale    float64
	Width     int
	Height    int
	Frames    int
	ValueType sparse.ValueType // element type representing the true pixel values

	file *os.File
	gz   *gzip.Reader
	r    io.Reader
	buf  []byte
	next int
}

// Opens the HDU with the given EXTNAME in a FITS file for frame-wise reading.
// An empty name or PRIMARY selects the primary HDU. Decompresses gzip if
// .gz or .gzip suffix is present. Returns an error wrapping ErrMissingDataset
// if no HDU has the name.
func OpenCube(fileName, extName string, logWriter io.Writer) (c *Cube, err error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	c = &Cube{FileName: fileName, file: f}
	defer func() {
		if err != nil {
			c.Close()
			c = nil
		}
	}()

	c.r = bufio.NewReaderSize(f, bufLen)
	lExt := strings.ToLower(path.Ext(fileName))
	if lExt == ".gz" || lExt == ".gzip" {
		if c.gz, err = gzip.NewReader(c.r); err != nil {
			return c, err
		}
		c.r = c.gz
	}

	wantPrimary := extName == "" || extName == "PRIMARY"
	for hdu := 0; ; hdu++ {
		h := NewHeader()
		if err = h.read(c.r, fileName, logWriter); err != nil {
			if errors.Is(err, io.EOF) {
				return c, fmt.Errorf("%s: HDU %q: %w", fileName, extName, ErrMissingDataset)
			}
			return c, err
		}
		if hdu == 0 && !h.Bools["SIMPLE"] {
			return c, fmt.Errorf("%s: Not a valid FITS file; SIMPLE=T missing in header", fileName)
		}
		if (hdu == 0 && wantPrimary) || (!wantPrimary && h.String("EXTNAME") == extName) {
			return c, c.init(h)
		}
		size, err := h.DataSize()
		if err != nil {
			return c, fmt.Errorf("%s: HDU %d: %s", fileName, hdu, err.Error())
		}
		if _, err = io.CopyN(io.Discard, c.r, padded(size)); err != nil {
			return c, fmt.Errorf("%s: HDU %d: %s", fileName, hdu, err.Error())
		}
	}
}

// Sets up frame geometry and element type from the header of the selected HDU
func (c *Cube) init(h Header) error {
	c.Header = h
	bitpix, err := h.Int("BITPIX")
	if err != nil {
		return fmt.Errorf("%s: %s", c.FileName, err.Error())
	}
	c.Bitpix = int32(bitpix)
	c.Bzero = h.IntOrFloat("BZERO", 0)
	c.Bscale = h.IntOrFloat("BSCALE", 1)
	if c.ValueType, err = sparse.ValueTypeForBitpix(c.Bitpix, c.Bzero, c.Bscale); err != nil {
		return fmt.Errorf("%s: %s", c.FileName, err.Error())
	}

	naxisn, err := h.Naxisn()
	if err != nil {
		return fmt.Errorf("%s: %s", c.FileName, err.Error())
	}
	switch len(naxisn) {
	case 2:
		c.Width, c.Height, c.Frames = naxisn[0], naxisn[1], 1
	case 3:
		c.Width, c.Height, c.Frames = naxisn[0], naxisn[1], naxisn[2]
	default:
		return fmt.Errorf("%s: expected a 2D or 3D image, got %s", c.FileName, dimensionsToString(naxisn))
	}
	c.buf = make([]byte, c.Width*c.Height*c.bytesPerValue())
	return nil
}

func (c *Cube) bytesPerValue() int {
	if c.Bitpix < 0 {
		return int(-c.Bitpix) / 8
	}
	return int(c.Bitpix) / 8
}

// Reads the next frame into dst in row-major order, converting from network
// byte order and applying Bzero and Bscale. dst must hold Width*Height values.
// Returns io.EOF after the last frame.
func (c *Cube) ReadFrame(dst []float64) error {
	if c.next >= c.Frames {
		return io.EOF
	}
	pixels := c.Width * c.Height
	if len(dst) < pixels {
		return fmt.Errorf("%s: frame buffer of %d values too small for %dx%d", c.FileName, len(dst), c.Width, c.Height)
	}
	if _, err := io.ReadFull(c.r, c.buf); err != nil {
		return fmt.Errorf("%s: frame %d: %s", c.FileName, c.next, err.Error())
	}
	decode(dst[:pixels], c.buf, c.Bitpix, c.Bzero, c.Bscale)
	c.next++
	return nil
}

// Converts big endian FITS data to physical values
func decode(dst []float64, buf []byte, bitpix int32, bzero, bscale float64) {
	switch bitpix {
	case 8:
		for i := range dst {
			dst[i] = float64(buf[i])*bscale + bzero
		}
	case 16:
		for i := range dst {
			dst[i] = float64(int16(binary.BigEndian.Uint16(buf[2*i:])))*bscale + bzero
		}
	case 32:
		for i := range dst {
			dst[i] = float64(int32(binary.BigEndian.Uint32(buf[4*i:])))*bscale + bzero
		}
	case 64:
		for i := range dst {
			dst[i] = float64(int64(binary.BigEndian.Uint64(buf[8*i:])))*bscale + bzero
		}
	case -32:
		for i := range dst {
			dst[i] = float64(math.Float32frombits(binary.BigEndian.Uint32(buf[4*i:])))*bscale + bzero
		}
	case -64:
		for i := range dst {
			dst[i] = math.Float64frombits(binary.BigEndian.Uint64(buf[8*i:]))*bscale + bzero
		}
	}
}

// Index of the next frame ReadFrame returns
func (c *Cube) Next() int { return c.next }

func (c *Cube) Close() error {
	if c.gz != nil {
		c.gz.Close()
	}
	return c.file.Close()
}

// Reads the next header from r. Returns io.EOF if r is exhausted at the start
// of the header, which marks the end of the HDU sequence.
func (h *Header) read(r io.Reader, id string, logWriter io.Writer) error {
	buf := make([]byte, fitsBlockSize)

	for h.Length = 0; !h.End; {
		// read next header unit
		bytesRead, err := io.ReadFull(r, buf)
		if err != nil {
			if err == io.EOF && h.Length == 0 {
				return io.EOF
			}
			return fmt.Errorf("%s: %s", id, err.Error())
		}
		h.Length += int64(bytesRead)

		// parse all lines in this header unit
		for lineNo := 0; lineNo < fitsBlockSize/HeaderLineSize && !h.End; lineNo++ {
			line := buf[lineNo*HeaderLineSize : (lineNo+1)*HeaderLineSize]
			subValues := reParser.FindSubmatch(line)
			if subValues == nil {
				fmt.Fprintf(logWriter, "%s: Warning:Cannot parse '%s', ignoring\n", id, string(line))
			} else {
				subNames := reParser.SubexpNames()
				h.readLine(subNames, subValues, id, lineNo, logWriter)
			}
		}
	}
	return nil
}

func (h *Header) readLine(subNames []string, subValues [][]byte, id string, lineNo int, logWriter io.Writer) {
	key := ""
	// ignore index 0 which is the whole line
	for i := 1; i < len(subNames); i++ {
		if subValues[i] != nil && len(subNames[i]) == 1 {
			switch c := subNames[i][0]; c {
			case byte('E'): // end line
				h.End = true
			case byte('H'): // history line
				h.History = append(h.History, string(subValues[i]))
			case byte('C'): // comment line
				h.Comments = append(h.Comments, string(subValues[i]))
			case byte('k'): // key
				key = string(subValues[i])
			case byte('b'): // boolean
				if len(subValues[i]) > 0 {
					v := subValues[i][0]
					h.Bools[key] = v == byte('t') || v == byte('T')
				}
			case byte('i'): // int
				val, err := strconv.ParseInt(string(subValues[i]), 10, 64)
				if err == nil {
					h.Ints[key] = val
				}
			case byte('f'): // float, FITS allows D exponents
				val, err := strconv.ParseFloat(strings.Replace(string(subValues[i]), "D", "E", 1), 64)
				if err == nil {
					h.Floats[key] = val
				}
			case byte('s'): // string
				h.Strings[key] = string(subValues[i])
			case byte('d'): // date
				h.Dates[key] = string(subValues[i])
			case byte('c'): // comment
				// ignore value comments
			default:
				fmt.Fprintf(logWriter, "%s:%d:Warning:Unknown token '%s'\n", id, lineNo, string(c))
			}
		}
	}
}

func (h *Header) Print(w io.Writer) {
	fmt.Fprintf(w, "Bools   : %v\n", h.Bools)
	fmt.Fprintf(w, "Ints    : %v\n", h.Ints)
	fmt.Fprintf(w, "Floats  : %v\n", h.Floats)
	fmt.Fprintf(w, "Strings : %v\n", h.Strings)
	fmt.Fprintf(w, "Dates   : %v\n", h.Dates)
	fmt.Fprintf(w, "History : %v\n", h.History)
	fmt.Fprintf(w, "Comments: %v\n", h.Comments)
}

// Build regexp parser for FITS header lines
func compileRE() *regexp.Regexp {
	white := "\\s+"
	whiteOpt := "\\s*"
	whiteLine := white

	hist := "HISTORY"
	rest := ".*"
	histLine := hist + white + "(?P<H>" + rest + ")"

	commKey := "COMMENT"
	commLine := commKey + white + "(?P<C>" + rest + ")"

	end := "(?P<E>END)"
	endLine := end + whiteOpt

	key := "(?P<k>[A-Z0-9_-]+)"
	equals := "="

	boo := "(?P<b>[TF])"
	inte := "(?P<i>[+-]?[0-9]+)"
	floa := "(?P<f>[+-]?(?:[0-9]*\\.[0-9]*(?:[ED][-+]?[0-9]+)?|[0-9]+[ED][-+]?[0-9]+))"
	stri := "'(?P<s>[^']*)'"
	date := "(?P<d>[0-9]{1,4}-?[012][0-9]-?[0123][0-9]T[012][0-9]:?[0-5][0-9]:?[0-5][0-9].?[0-9]*)" // FIXME: other variants possible, see ISO8601
	val := "(?:" + boo + "|" + inte + "|" + floa + "|" + stri + "|" + date + ")"

	// missing: CONTINUE for strings
	// missing: complex int: (nr, nr)
	// missing: complex float: (nr, nr)

	commOpt := "(?:/(?P<c>.*))?"
	keyLine := key + whiteOpt + equals + whiteOpt + val + whiteOpt + commOpt

	lineRe := "^(?:" + whiteLine + "|" + histLine + "|" + commLine + "|" + keyLine + "|" + endLine + ")$"
	return regexp.MustCompile(lineRe)
}
