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
	"errors"
	"fmt"
)

// A one-dimensional typed sequence inside a container.
//
// While writing, elements [0, flushed) live in compressed chunks on disk and
// elements [flushed, length) live encoded in tail. Writes may only target
// the tail. Chunks are cut from the written prefix of the tail.
type Dataset struct {
	file     *File
	name     string
	vt       ValueType
	growable bool
	length   int
	flushed  int
	written  int // high-water mark of written elements
	tail     []byte
	chunks   []chunkRef
}

func (d *Dataset) Name() string { return d.name }
func (d *Dataset) Type() ValueType { return d.vt }
func (d *Dataset) Len() int { return d.length }
func (d *Dataset) Growable() bool { return d.growable }

// Changes the extent of a growable dataset. New elements read as zero
// until written.
func (d *Dataset) Resize(n int) error {
	if !d.file.writable {
		return errors.New("container is read-only")
	}
	if !d.growable {
		return fmt.Errorf("dataset %s has fixed length %d", d.name, d.length)
	}
	if n < d.flushed {
		return fmt.Errorf("dataset %s: resize to %d below %d: %w", d.name, n, d.flushed, ErrFlushed)
	}
	size := d.vt.Size()
	want := (n - d.flushed) * size
	if want <= cap(d.tail) {
		old := len(d.tail)
		d.tail = d.tail[:want]
		for i := old; i < want; i++ {
			d.tail[i] = 0
		}
	} else {
		grown := make([]byte, want)
		copy(grown, d.tail)
		d.tail = grown
	}
	d.length = n
	if d.written > n {
		d.written = n
	}
	return nil
}

// Returns the encoded tail bytes for elements [off, off+n), after range checks
func (d *Dataset) region(off, n int) ([]byte, error) {
	if !d.file.writable {
		return nil, errors.New("container is read-only")
	}
	if off < d.flushed {
		return nil, fmt.Errorf("dataset %s: write at %d below %d: %w", d.name, off, d.flushed, ErrFlushed)
	}
	if off+n > d.length {
		return nil, fmt.Errorf("dataset %s: write [%d,%d) beyond length %d", d.name, off, off+n, d.length)
	}
	size := d.vt.Size()
	start := (off - d.flushed) * size
	return d.tail[start : start+n*size], nil
}

func (d *Dataset) wrote(off, n int) error {
	if off+n > d.written {
		d.written = off + n
	}
	return d.flush(false)
}

// Writes values starting at element off, converting to the dataset type
func (d *Dataset) WriteFloat64s(off int, values []float64) error {
	buf, err := d.region(off, len(values))
	if err != nil {
		return err
	}
	size := d.vt.Size()
	for i, v := range values {
		d.vt.put(buf[i*size:], v)
	}
	return d.wrote(off, len(values))
}

// Writes uint16 values starting at element off. Dataset must be of type uint16
func (d *Dataset) WriteUint16s(off int, values []uint16) error {
	if d.vt != Uint16 {
		return fmt.Errorf("dataset %s is %s, not uint16", d.name, d.vt)
	}
	buf, err := d.region(off, len(values))
	if err != nil {
		return err
	}
	for i, v := range values {
		binary.LittleEndian.PutUint16(buf[2*i:], v)
	}
	return d.wrote(off, len(values))
}

// Writes uint32 values starting at element off. Dataset must be of type uint32
func (d *Dataset) WriteUint32s(off int, values []uint32) error {
	if d.vt != Uint32 {
		return fmt.Errorf("dataset %s is %s, not uint32", d.name, d.vt)
	}
	buf, err := d.region(off, len(values))
	if err != nil {
		return err
	}
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], v)
	}
	return d.wrote(off, len(values))
}

// Moves complete chunks from the written prefix of the tail to disk.
// With final set, everything up to the current length is flushed.
func (d *Dataset) flush(final bool) error {
	size := d.vt.Size()
	limit := d.written
	if final {
		limit = d.length
	}
	consumed := 0
	for {
		avail := limit - d.flushed
		n := ChunkElems
		if avail < n {
			if !final || avail <= 0 {
				break
			}
			n = avail
		}
		raw := d.tail[consumed : consumed+n*size]
		ref, err := d.file.writeChunk(raw, size)
		if err != nil {
			return err
		}
		d.chunks = append(d.chunks, ref)
		d.flushed += n
		consumed += n * size
	}
	if consumed > 0 {
		d.tail = append(d.tail[:0], d.tail[consumed:]...)
	}
	return nil
}

// Reads the whole dataset as encoded little endian bytes
func (d *Dataset) readRaw() ([]byte, error) {
	if d.file.writable {
		return nil, errors.New("dataset is open for writing")
	}
	size := d.vt.Size()
	out := make([]byte, d.length*size)
	pos := 0
	for _, ref := range d.chunks {
		if pos+ref.Elems*size > len(out) {
			return nil, fmt.Errorf("dataset %s: chunks exceed length %d", d.name, d.length)
		}
		if _, err := d.file.readChunk(ref, size, out[pos:]); err != nil {
			return nil, fmt.Errorf("dataset %s: %w", d.name, err)
		}
		pos += ref.Elems * size
	}
	if pos != len(out) {
		return nil, fmt.Errorf("dataset %s: chunks hold %d bytes, want %d", d.name, pos, len(out))
	}
	return out, nil
}

// Reads the whole dataset converted to float64
func (d *Dataset) ReadFloat64s() ([]float64, error) {
	raw, err := d.readRaw()
	if err != nil {
		return nil, err
	}
	size := d.vt.Size()
	res := make([]float64, d.length)
	for i := range res {
		res[i] = d.vt.get(raw[i*size:])
	}
	return res, nil
}

func (d *Dataset) ReadUint16s() ([]uint16, error) {
	if d.vt != Uint16 {
		return nil, fmt.Errorf("dataset %s is %s, not uint16", d.name, d.vt)
	}
	raw, err := d.readRaw()
	if err != nil {
		return nil, err
	}
	res := make([]uint16, d.length)
	for i := range res {
		res[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	return res, nil
}

func (d *Dataset) ReadUint32s() ([]uint32, error) {
	if d.vt != Uint32 {
		return nil, fmt.Errorf("dataset %s is %s, not uint32", d.name, d.vt)
	}
	raw, err := d.readRaw()
	if err != nil {
		return nil, err
	}
	res := make([]uint32, d.length)
	for i := range res {
		res[i] = binary.LittleEndian.Uint32(raw[4*i:])
	}
	return res, nil
}
