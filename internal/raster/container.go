// Package raster implements the multi-dimensional array container used for
// every on-disk artifact in the pipeline: interferogram stacks, closure-phase
// intermediates, ratio matrices, masks and bias time series.
//
// A container file is a JSON header (dataset names, dtypes, shapes, byte
// offsets, plus a Meta record) followed by flat little-endian payloads. All
// reads and writes can be keyed by a spatial box so large rasters never have
// to be loaded whole.
package raster

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/insarkit/closurebias/internal/blocks"
)

// DType identifies the element type of a dataset.
type DType string

const (
	Float32   DType = "float32"
	Complex64 DType = "complex64"
	Bool      DType = "bool"
	// Date is a fixed-width 8-byte ASCII date string (YYYYMMDD).
	Date DType = "date"
)

// Size returns the per-element byte cost of the dtype.
func (d DType) Size() int {
	switch d {
	case Float32:
		return 4
	case Complex64:
		return 8
	case Bool:
		return 1
	case Date:
		return 8
	}
	return 0
}

// DatasetSpec declares one named array inside a container.
type DatasetSpec struct {
	Name  string `json:"name"`
	DType DType  `json:"dtype"`
	Shape []int  `json:"shape"`
}

// NumElements returns the flattened element count of the dataset.
func (s DatasetSpec) NumElements() int {
	n := 1
	for _, d := range s.Shape {
		n *= d
	}
	return n
}

type dataset struct {
	DatasetSpec
	Offset int64 `json:"offset"`
}

type header struct {
	Datasets []dataset `json:"datasets"`
	Meta     Meta      `json:"meta"`
}

var magic = [4]byte{'R', 'A', 'S', '1'}

// File is an open array container. The zero value is not usable; obtain one
// via Create or Open.
type File struct {
	path string
	hdr  header
}

// Create lays out a new container at path: the header is written and the data
// region is pre-allocated (zero-filled) without any payload, so later
// WriteBlock calls can fill it piecewise. An existing file is truncated.
func Create(path string, specs []DatasetSpec, meta Meta) (*File, error) {
	hdr := header{Meta: meta}
	hdrDraft, err := json.Marshal(header{Datasets: make([]dataset, len(specs)), Meta: meta})
	if err != nil {
		return nil, fmt.Errorf("failed to size container header: %w", err)
	}
	// Offsets depend on the header length, which depends on the offsets.
	// Lay datasets out twice: once against a draft header, then against the
	// real one, growing the data start until it is stable.
	dataStart := int64(len(magic)) + 4 + int64(len(hdrDraft))
	for {
		hdr.Datasets = hdr.Datasets[:0]
		off := dataStart
		for _, s := range specs {
			if s.DType.Size() == 0 {
				return nil, fmt.Errorf("dataset %q has unknown dtype %q", s.Name, s.DType)
			}
			hdr.Datasets = append(hdr.Datasets, dataset{DatasetSpec: s, Offset: off})
			off += int64(s.NumElements() * s.DType.Size())
		}
		raw, err := json.Marshal(hdr)
		if err != nil {
			return nil, fmt.Errorf("failed to encode container header: %w", err)
		}
		need := int64(len(magic)) + 4 + int64(len(raw))
		if need <= dataStart {
			break
		}
		dataStart = need
	}

	raw, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("failed to encode container header: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, dataStart)
	copy(buf, magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(raw)))
	copy(buf[8:], raw)
	if _, err := f.Write(buf); err != nil {
		return nil, fmt.Errorf("failed to write container header: %w", err)
	}

	total := dataStart
	for _, d := range hdr.Datasets {
		total = d.Offset + int64(d.NumElements()*d.DType.Size())
	}
	if err := f.Truncate(total); err != nil {
		return nil, fmt.Errorf("failed to pre-allocate container data: %w", err)
	}

	return &File{path: path, hdr: hdr}, nil
}

// Open reads the header of an existing container.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open container %s: %w", path, err)
	}
	defer f.Close()

	pre := make([]byte, 8)
	if _, err := f.ReadAt(pre, 0); err != nil {
		return nil, fmt.Errorf("failed to read container preamble of %s: %w", path, err)
	}
	if [4]byte(pre[:4]) != magic {
		return nil, fmt.Errorf("%s is not an array container (bad magic)", path)
	}
	hdrLen := binary.LittleEndian.Uint32(pre[4:8])
	raw := make([]byte, hdrLen)
	if _, err := f.ReadAt(raw, 8); err != nil {
		return nil, fmt.Errorf("failed to read container header of %s: %w", path, err)
	}

	var hdr header
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return nil, fmt.Errorf("failed to decode container header of %s: %w", path, err)
	}
	return &File{path: path, hdr: hdr}, nil
}

// Meta returns the metadata record stored in the container header.
func (c *File) Meta() Meta { return c.hdr.Meta }

// Path returns the on-disk location of the container.
func (c *File) Path() string { return c.path }

// Datasets lists the declared datasets.
func (c *File) Datasets() []DatasetSpec {
	out := make([]DatasetSpec, len(c.hdr.Datasets))
	for i, d := range c.hdr.Datasets {
		out[i] = d.DatasetSpec
	}
	return out
}

// Dataset returns the spec for a named dataset, or an error when absent.
func (c *File) Dataset(name string) (DatasetSpec, error) {
	for _, d := range c.hdr.Datasets {
		if d.Name == name {
			return d.DatasetSpec, nil
		}
	}
	return DatasetSpec{}, fmt.Errorf("container %s has no dataset %q", c.path, name)
}

func (c *File) lookup(name string, want DType) (dataset, error) {
	for _, d := range c.hdr.Datasets {
		if d.Name == name {
			if d.DType != want {
				return dataset{}, fmt.Errorf("dataset %q in %s is %s, expected %s", name, c.path, d.DType, want)
			}
			return d, nil
		}
	}
	return dataset{}, fmt.Errorf("container %s has no dataset %q", c.path, name)
}

// spatial extracts the (depth, length, width) view of a dataset shape.
// 1D and 2D datasets get an implicit depth of 1; 1D additionally an implicit
// length of 1.
func spatial(shape []int) (depth, length, width int, err error) {
	switch len(shape) {
	case 1:
		return 1, 1, shape[0], nil
	case 2:
		return 1, shape[0], shape[1], nil
	case 3:
		return shape[0], shape[1], shape[2], nil
	}
	return 0, 0, 0, fmt.Errorf("unsupported dataset rank %d", len(shape))
}

// readBox reads the raw bytes of a dataset restricted to box over the last
// two dimensions. A nil box reads the full dataset.
func (c *File) readBox(d dataset, box *blocks.Box) ([]byte, []int, error) {
	depth, length, width, err := spatial(d.Shape)
	if err != nil {
		return nil, nil, fmt.Errorf("dataset %q: %w", d.Name, err)
	}
	if box == nil {
		full := blocks.Box{X0: 0, Y0: 0, X1: width, Y1: length}
		box = &full
	}
	if box.X0 < 0 || box.Y0 < 0 || box.X1 > width || box.Y1 > length || box.Width() <= 0 || box.Height() <= 0 {
		return nil, nil, fmt.Errorf("box %v out of bounds for dataset %q shape %v", box, d.Name, d.Shape)
	}

	f, err := os.Open(c.path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open container %s: %w", c.path, err)
	}
	defer f.Close()

	es := int64(d.DType.Size())
	bw, bh := box.Width(), box.Height()
	out := make([]byte, depth*bh*bw*int(es))
	row := int64(bw) * es
	for k := 0; k < depth; k++ {
		for y := box.Y0; y < box.Y1; y++ {
			src := d.Offset + ((int64(k)*int64(length)+int64(y))*int64(width)+int64(box.X0))*es
			dst := (int64(k)*int64(bh) + int64(y-box.Y0)) * row
			if _, err := f.ReadAt(out[dst:dst+row], src); err != nil {
				return nil, nil, fmt.Errorf("failed to read dataset %q row %d: %w", d.Name, y, err)
			}
		}
	}

	shape := []int{depth, bh, bw}
	if len(d.Shape) < 3 {
		shape = shape[3-len(d.Shape):]
	}
	return out, shape, nil
}

// writeBlock writes raw bytes into a dataset at the offsets implied by blk.
func (c *File) writeBlock(d dataset, raw []byte, blk Block) error {
	depth, length, width, err := spatial(d.Shape)
	if err != nil {
		return fmt.Errorf("dataset %q: %w", d.Name, err)
	}
	if blk.D1 > depth || blk.Y1 > length || blk.X1 > width ||
		blk.D0 < 0 || blk.Y0 < 0 || blk.X0 < 0 ||
		blk.D1 <= blk.D0 || blk.Y1 <= blk.Y0 || blk.X1 <= blk.X0 {
		return fmt.Errorf("block %+v out of bounds for dataset %q shape %v", blk, d.Name, d.Shape)
	}

	es := int64(d.DType.Size())
	bd, bh, bw := blk.D1-blk.D0, blk.Y1-blk.Y0, blk.X1-blk.X0
	if want := int64(bd*bh*bw) * es; int64(len(raw)) != want {
		return fmt.Errorf("block payload for dataset %q is %d bytes, expected %d", d.Name, len(raw), want)
	}

	f, err := os.OpenFile(c.path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open container %s for writing: %w", c.path, err)
	}
	defer f.Close()

	row := int64(bw) * es
	for k := 0; k < bd; k++ {
		for y := 0; y < bh; y++ {
			dst := d.Offset + ((int64(blk.D0+k)*int64(length)+int64(blk.Y0+y))*int64(width)+int64(blk.X0))*es
			src := (int64(k)*int64(bh) + int64(y)) * row
			if _, err := f.WriteAt(raw[src:src+row], dst); err != nil {
				return fmt.Errorf("failed to write dataset %q row %d: %w", d.Name, blk.Y0+y, err)
			}
		}
	}
	return nil
}

// Block addresses a sub-cuboid of a dataset: depth range [D0, D1), row range
// [Y0, Y1), column range [X0, X1).
type Block struct {
	D0, D1, Y0, Y1, X0, X1 int
}

// BlockForBox builds a Block covering depth range [d0, d1) over the spatial
// extent of box.
func BlockForBox(d0, d1 int, box blocks.Box) Block {
	return Block{D0: d0, D1: d1, Y0: box.Y0, Y1: box.Y1, X0: box.X0, X1: box.X1}
}

func f32ToBytes(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(x))
	}
	return out
}

func bytesToF32(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

func c64ToBytes(v []complex64) []byte {
	out := make([]byte, len(v)*8)
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[i*8:], math.Float32bits(real(x)))
		binary.LittleEndian.PutUint32(out[i*8+4:], math.Float32bits(imag(x)))
	}
	return out
}

func bytesToC64(raw []byte) []complex64 {
	out := make([]complex64, len(raw)/8)
	for i := range out {
		re := math.Float32frombits(binary.LittleEndian.Uint32(raw[i*8:]))
		im := math.Float32frombits(binary.LittleEndian.Uint32(raw[i*8+4:]))
		out[i] = complex(re, im)
	}
	return out
}

func boolToBytes(v []bool) []byte {
	out := make([]byte, len(v))
	for i, x := range v {
		if x {
			out[i] = 1
		}
	}
	return out
}

func bytesToBool(raw []byte) []bool {
	out := make([]bool, len(raw))
	for i, x := range raw {
		out[i] = x != 0
	}
	return out
}

// ReadFloat32 reads a float32 dataset restricted to box (nil for the whole
// dataset). The returned shape matches the dataset rank with the spatial
// dimensions cropped to the box.
func (c *File) ReadFloat32(name string, box *blocks.Box) ([]float32, []int, error) {
	d, err := c.lookup(name, Float32)
	if err != nil {
		return nil, nil, err
	}
	raw, shape, err := c.readBox(d, box)
	if err != nil {
		return nil, nil, err
	}
	return bytesToF32(raw), shape, nil
}

// ReadComplex64 reads a complex64 dataset restricted to box.
func (c *File) ReadComplex64(name string, box *blocks.Box) ([]complex64, []int, error) {
	d, err := c.lookup(name, Complex64)
	if err != nil {
		return nil, nil, err
	}
	raw, shape, err := c.readBox(d, box)
	if err != nil {
		return nil, nil, err
	}
	return bytesToC64(raw), shape, nil
}

// ReadBool reads a bool dataset restricted to box.
func (c *File) ReadBool(name string, box *blocks.Box) ([]bool, []int, error) {
	d, err := c.lookup(name, Bool)
	if err != nil {
		return nil, nil, err
	}
	raw, shape, err := c.readBox(d, box)
	if err != nil {
		return nil, nil, err
	}
	return bytesToBool(raw), shape, nil
}

// ReadDates reads a date-string dataset.
func (c *File) ReadDates(name string) ([]string, error) {
	d, err := c.lookup(name, Date)
	if err != nil {
		return nil, err
	}
	raw, _, err := c.readBox(d, nil)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(raw)/8)
	for i := range out {
		out[i] = string(raw[i*8 : i*8+8])
	}
	return out, nil
}

// WriteFloat32 overwrites an entire float32 dataset.
func (c *File) WriteFloat32(name string, data []float32) error {
	d, err := c.lookup(name, Float32)
	if err != nil {
		return err
	}
	depth, length, width, err := spatial(d.Shape)
	if err != nil {
		return err
	}
	return c.writeBlock(d, f32ToBytes(data), Block{D1: depth, Y1: length, X1: width})
}

// WriteComplex64 overwrites an entire complex64 dataset.
func (c *File) WriteComplex64(name string, data []complex64) error {
	d, err := c.lookup(name, Complex64)
	if err != nil {
		return err
	}
	depth, length, width, err := spatial(d.Shape)
	if err != nil {
		return err
	}
	return c.writeBlock(d, c64ToBytes(data), Block{D1: depth, Y1: length, X1: width})
}

// WriteBool overwrites an entire bool dataset.
func (c *File) WriteBool(name string, data []bool) error {
	d, err := c.lookup(name, Bool)
	if err != nil {
		return err
	}
	depth, length, width, err := spatial(d.Shape)
	if err != nil {
		return err
	}
	return c.writeBlock(d, boolToBytes(data), Block{D1: depth, Y1: length, X1: width})
}

// WriteDates overwrites a date-string dataset. Every date must be exactly 8
// ASCII bytes (YYYYMMDD).
func (c *File) WriteDates(name string, dates []string) error {
	d, err := c.lookup(name, Date)
	if err != nil {
		return err
	}
	raw := make([]byte, len(dates)*8)
	for i, s := range dates {
		if len(s) != 8 {
			return fmt.Errorf("date %q is not 8 bytes", s)
		}
		copy(raw[i*8:], s)
	}
	return c.writeBlock(d, raw, Block{D1: 1, Y1: 1, X1: len(dates)})
}

// WriteBlockFloat32 writes a partial float32 payload at the offsets implied
// by blk. Blocks from the scheduler never overlap, so concurrent writers on
// disjoint blocks are safe as long as each opens its own handle.
func (c *File) WriteBlockFloat32(name string, data []float32, blk Block) error {
	d, err := c.lookup(name, Float32)
	if err != nil {
		return err
	}
	return c.writeBlock(d, f32ToBytes(data), blk)
}

// WriteBlockComplex64 writes a partial complex64 payload at blk.
func (c *File) WriteBlockComplex64(name string, data []complex64, blk Block) error {
	d, err := c.lookup(name, Complex64)
	if err != nil {
		return err
	}
	return c.writeBlock(d, c64ToBytes(data), blk)
}

// WriteBlockBool writes a partial bool payload at blk.
func (c *File) WriteBlockBool(name string, data []bool, blk Block) error {
	d, err := c.lookup(name, Bool)
	if err != nil {
		return err
	}
	return c.writeBlock(d, boolToBytes(data), blk)
}
