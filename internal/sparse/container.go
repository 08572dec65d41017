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

// Package sparse implements the on-disk container for sparse detector frames.
//
// A container file holds one group of named one-dimensional datasets plus
// scalar attributes. Datasets are stored in chunks of up to ChunkElems
// elements. Each chunk is byte-shuffled and zstd compressed, and appended to
// the file as soon as it is complete, so memory use is bounded by one chunk
// per dataset regardless of the dataset length. Growable datasets can be
// resized while being written. On close, an msgpack index with all chunk
// locations and attributes is appended, followed by a fixed size trailer:
//
//   magic[8] chunk* index trailer{indexOffset uint64, indexLength uint64, magic[8]}
//
// Files are written under a temporary name and renamed into place on a
// successful close, so a file with the final name is always complete.
package sparse

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Number of elements per stored chunk
const ChunkElems = 10000

var fileMagic = [8]byte{'S', 'P', 'X', 'F', 0, 1, 0, 0}
var trailerMagic = [8]byte{'S', 'P', 'X', 'I', 'N', 'D', 'E', 'X'}

const trailerSize = 24

// Write below the persisted prefix of a dataset, or shrink into it
var ErrFlushed = errors.New("region already flushed to disk")

// Location of one compressed chunk within the file
type chunkRef struct {
	Offset int64 `msgpack:"o"`
	Size   int64 `msgpack:"s"`
	Elems  int   `msgpack:"n"`
}

type datasetIndex struct {
	Name     string     `msgpack:"name"`
	Type     ValueType  `msgpack:"type"`
	Length   int        `msgpack:"length"`
	Growable bool       `msgpack:"growable"`
	Chunks   []chunkRef `msgpack:"chunks"`
}

// A scalar attribute. Either an integer or a string
type Attr struct {
	Name  string `msgpack:"name"`
	IsStr bool   `msgpack:"isStr"`
	Int   int64  `msgpack:"int"`
	Str   string `msgpack:"str"`
}

type fileIndex struct {
	Group    string         `msgpack:"group"`
	Attrs    []Attr         `msgpack:"attrs"`
	Datasets []datasetIndex `msgpack:"datasets"`
}

// A container file, opened either for writing with Create or for reading with Open
type File struct {
	Path     string
	tmpPath  string
	f        *os.File
	writable bool
	offset   int64 // append position for the next chunk

	group    string
	attrs    []Attr
	datasets []*Dataset

	enc *zstd.Encoder
	dec *zstd.Decoder
	tmp []byte // shuffle buffer
}

// Creates a new container for the given group. Data goes to a temporary file
// next to path until Close succeeds.
func Create(path, group string) (*File, error) {
	tmpPath := path + ".partial-" + uuid.NewString()
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(fileMagic[:]); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, err
	}
	return &File{
		Path:     path,
		tmpPath:  tmpPath,
		f:        f,
		writable: true,
		offset:   int64(len(fileMagic)),
		group:    group,
		enc:      enc,
	}, nil
}

// Opens an existing container for reading
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	file, err := readIndex(f, path)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return file, nil
}

func readIndex(f *os.File, path string) (*File, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < int64(len(fileMagic))+trailerSize {
		return nil, errors.New("file too short for a sparse container")
	}
	head := make([]byte, len(fileMagic))
	if _, err := f.ReadAt(head, 0); err != nil {
		return nil, err
	}
	if string(head[:4]) != string(fileMagic[:4]) {
		return nil, errors.New("not a sparse container")
	}
	trailer := make([]byte, trailerSize)
	if _, err := f.ReadAt(trailer, info.Size()-trailerSize); err != nil {
		return nil, err
	}
	if string(trailer[16:]) != string(trailerMagic[:]) {
		return nil, errors.New("missing index, file incomplete")
	}
	idxOffset := int64(binary.LittleEndian.Uint64(trailer[0:]))
	idxLength := int64(binary.LittleEndian.Uint64(trailer[8:]))
	if idxOffset < 0 || idxLength < 0 || idxOffset+idxLength > info.Size()-trailerSize {
		return nil, errors.New("corrupt index location")
	}
	raw := make([]byte, idxLength)
	if _, err := f.ReadAt(raw, idxOffset); err != nil {
		return nil, err
	}
	var idx fileIndex
	if err := msgpack.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("decoding index: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	file := &File{Path: path, f: f, group: idx.Group, attrs: idx.Attrs, dec: dec}
	for _, di := range idx.Datasets {
		if !di.Type.Valid() {
			dec.Close()
			return nil, fmt.Errorf("dataset %s has unknown type %q", di.Name, di.Type)
		}
		file.datasets = append(file.datasets, &Dataset{
			file:     file,
			name:     di.Name,
			vt:       di.Type,
			growable: di.Growable,
			length:   di.Length,
			flushed:  di.Length,
			written:  di.Length,
			chunks:   di.Chunks,
		})
	}
	return file, nil
}

// Name of the group held in this container
func (file *File) Group() string { return file.group }

// Creates a dataset with the given element type and initial length. Only
// growable datasets can be resized later.
func (file *File) CreateDataset(name string, vt ValueType, length int, growable bool) (*Dataset, error) {
	if !file.writable {
		return nil, errors.New("container is read-only")
	}
	if !vt.Valid() {
		return nil, fmt.Errorf("dataset %s: unknown type %q", name, vt)
	}
	if length < 0 {
		return nil, fmt.Errorf("dataset %s: negative length %d", name, length)
	}
	if file.Dataset(name) != nil {
		return nil, fmt.Errorf("dataset %s already exists", name)
	}
	d := &Dataset{
		file:     file,
		name:     name,
		vt:       vt,
		growable: growable,
		length:   length,
		tail:     make([]byte, length*vt.Size()),
	}
	file.datasets = append(file.datasets, d)
	return d, nil
}

// Returns the named dataset, or nil if absent
func (file *File) Dataset(name string) *Dataset {
	for _, d := range file.datasets {
		if d.name == name {
			return d
		}
	}
	return nil
}

// Names of all datasets, in creation order
func (file *File) DatasetNames() []string {
	names := make([]string, len(file.datasets))
	for i, d := range file.datasets {
		names[i] = d.name
	}
	return names
}

func (file *File) setAttr(a Attr) {
	for i := range file.attrs {
		if file.attrs[i].Name == a.Name {
			file.attrs[i] = a
			return
		}
	}
	file.attrs = append(file.attrs, a)
}

func (file *File) SetAttrInt(name string, v int64) {
	file.setAttr(Attr{Name: name, Int: v})
}

func (file *File) SetAttrString(name, v string) {
	file.setAttr(Attr{Name: name, IsStr: true, Str: v})
}

func (file *File) attr(name string) (Attr, bool) {
	for _, a := range file.attrs {
		if a.Name == name {
			return a, true
		}
	}
	return Attr{}, false
}

func (file *File) AttrInt(name string) (int64, error) {
	a, ok := file.attr(name)
	if !ok {
		return 0, fmt.Errorf("attribute %s missing", name)
	}
	if a.IsStr {
		return 0, fmt.Errorf("attribute %s is a string", name)
	}
	return a.Int, nil
}

func (file *File) AttrString(name string) (string, error) {
	a, ok := file.attr(name)
	if !ok {
		return "", fmt.Errorf("attribute %s missing", name)
	}
	if !a.IsStr {
		return "", fmt.Errorf("attribute %s is an integer", name)
	}
	return a.Str, nil
}

// All attributes, in order of first assignment
func (file *File) Attrs() []Attr { return append([]Attr(nil), file.attrs...) }

// Compresses and appends one chunk of encoded elements
func (file *File) writeChunk(raw []byte, size int) (chunkRef, error) {
	if cap(file.tmp) < len(raw) {
		file.tmp = make([]byte, len(raw))
	}
	shuffled := file.tmp[:len(raw)]
	shuffle(shuffled, raw, size)
	compressed := file.enc.EncodeAll(shuffled, nil)
	if _, err := file.f.Write(compressed); err != nil {
		return chunkRef{}, err
	}
	ref := chunkRef{Offset: file.offset, Size: int64(len(compressed)), Elems: len(raw) / size}
	file.offset += int64(len(compressed))
	return ref, nil
}

// Reads and decompresses one chunk into dst, returning the encoded elements
func (file *File) readChunk(ref chunkRef, size int, dst []byte) ([]byte, error) {
	compressed := make([]byte, ref.Size)
	if _, err := file.f.ReadAt(compressed, ref.Offset); err != nil {
		return nil, err
	}
	shuffled, err := file.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, err
	}
	if len(shuffled) != ref.Elems*size {
		return nil, fmt.Errorf("chunk at %d decodes to %d bytes, want %d", ref.Offset, len(shuffled), ref.Elems*size)
	}
	out := dst[:len(shuffled)]
	unshuffle(out, shuffled, size)
	return out, nil
}

// Flushes all datasets, appends index and trailer, and publishes the file
// under its final name. Closing a read-only container just releases it.
func (file *File) Close() error {
	if !file.writable {
		if file.dec != nil {
			file.dec.Close()
		}
		return file.f.Close()
	}
	if err := file.finish(); err != nil {
		file.Abort()
		return err
	}
	file.writable = false
	return os.Rename(file.tmpPath, file.Path)
}

func (file *File) finish() error {
	idx := fileIndex{Group: file.group, Attrs: file.attrs}
	for _, d := range file.datasets {
		if err := d.flush(true); err != nil {
			return fmt.Errorf("dataset %s: %w", d.name, err)
		}
		idx.Datasets = append(idx.Datasets, datasetIndex{
			Name: d.name, Type: d.vt, Length: d.length, Growable: d.growable, Chunks: d.chunks,
		})
	}
	raw, err := msgpack.Marshal(&idx)
	if err != nil {
		return err
	}
	if _, err := file.f.Write(raw); err != nil {
		return err
	}
	trailer := make([]byte, trailerSize)
	binary.LittleEndian.PutUint64(trailer[0:], uint64(file.offset))
	binary.LittleEndian.PutUint64(trailer[8:], uint64(len(raw)))
	copy(trailer[16:], trailerMagic[:])
	if _, err := file.f.Write(trailer); err != nil {
		return err
	}
	file.enc.Close()
	if err := file.f.Sync(); err != nil {
		return err
	}
	return file.f.Close()
}

// Discards a container being written. The final path is never touched.
func (file *File) Abort() {
	if !file.writable {
		return
	}
	file.writable = false
	file.enc.Close()
	file.f.Close()
	os.Remove(file.tmpPath)
}

// Byte shuffle: gathers byte k of every element into plane k, which
// compresses much better for slowly varying integers
func shuffle(dst, src []byte, size int) {
	if size == 1 {
		copy(dst, src)
		return
	}
	n := len(src) / size
	for i := 0; i < n; i++ {
		for k := 0; k < size; k++ {
			dst[k*n+i] = src[i*size+k]
		}
	}
}

func unshuffle(dst, src []byte, size int) {
	if size == 1 {
		copy(dst, src)
		return
	}
	n := len(src) / size
	for i := 0; i < n; i++ {
		for k := 0; k < size; k++ {
			dst[i*size+k] = src[k*n+i]
		}
	}
}

var _ io.Closer = (*File)(nil)
