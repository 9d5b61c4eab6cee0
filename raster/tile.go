package raster

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Tile is a fully materialized 2-D grid of cells of a single CellType.
// Cell bytes are stored row-major, little endian, independent of the
// byte order of whatever source produced them.
type Tile struct {
	cellType CellType
	cols     int
	rows     int
	data     []byte
}

// NewTile returns a tile with every cell set to the no-data sentinel of ct.
func NewTile(ct CellType, cols, rows int) *Tile {
	if ct.Size() == 0 {
		panic(fmt.Sprintf("raster: cannot allocate tile of %s", ct))
	}
	if cols <= 0 || rows <= 0 {
		panic(fmt.Sprintf("raster: invalid tile dimensions %dx%d", cols, rows))
	}
	t := &Tile{
		cellType: ct,
		cols:     cols,
		rows:     rows,
		data:     make([]byte, cols*rows*ct.Size()),
	}
	t.Fill(ct.NoData())
	return t
}

// NewTileFromBytes wraps an existing cell buffer. The tile takes ownership
// of buf; callers must not modify it afterwards.
func NewTileFromBytes(ct CellType, cols, rows int, buf []byte) (*Tile, error) {
	if ct.Size() == 0 {
		return nil, fmt.Errorf("cannot build tile of %s", ct)
	}
	if cols <= 0 || rows <= 0 {
		return nil, fmt.Errorf("invalid tile dimensions %dx%d", cols, rows)
	}
	if want := cols * rows * ct.Size(); len(buf) != want {
		return nil, fmt.Errorf("tile buffer is %d bytes, want %d for %s %dx%d",
			len(buf), want, ct, cols, rows)
	}
	return &Tile{cellType: ct, cols: cols, rows: rows, data: buf}, nil
}

func (t *Tile) CellType() CellType { return t.cellType }
func (t *Tile) Cols() int          { return t.cols }
func (t *Tile) Rows() int          { return t.rows }

// Bytes returns the underlying cell buffer. It is shared, not copied.
func (t *Tile) Bytes() []byte { return t.data }

func (t *Tile) index(col, row int) int {
	if col < 0 || col >= t.cols || row < 0 || row >= t.rows {
		panic(fmt.Sprintf("raster: cell (%d,%d) out of range for %dx%d tile", col, row, t.cols, t.rows))
	}
	return row*t.cols + col
}

// Get returns the raw cell value, including the no-data sentinel
// (NaN for floating point types). Out-of-range access panics.
func (t *Tile) Get(col, row int) float64 {
	i := t.index(col, row) * t.cellType.Size()
	switch t.cellType {
	case Uint8:
		return float64(t.data[i])
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(t.data[i:])))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(t.data[i:])))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(t.data[i:])))
	default: // Float64, enforced at construction
		return math.Float64frombits(binary.LittleEndian.Uint64(t.data[i:]))
	}
}

func (t *Tile) Set(col, row int, v float64) {
	i := t.index(col, row) * t.cellType.Size()
	switch t.cellType {
	case Uint8:
		t.data[i] = uint8(v)
	case Int16:
		binary.LittleEndian.PutUint16(t.data[i:], uint16(int16(v)))
	case Int32:
		binary.LittleEndian.PutUint32(t.data[i:], uint32(int32(v)))
	case Float32:
		binary.LittleEndian.PutUint32(t.data[i:], math.Float32bits(float32(v)))
	default:
		binary.LittleEndian.PutUint64(t.data[i:], math.Float64bits(v))
	}
}

func (t *Tile) SetNoData(col, row int) { t.Set(col, row, t.cellType.NoData()) }

func (t *Tile) IsNoData(col, row int) bool { return t.cellType.IsNoData(t.Get(col, row)) }

func (t *Tile) Fill(v float64) {
	for row := 0; row < t.rows; row++ {
		for col := 0; col < t.cols; col++ {
			t.Set(col, row, v)
		}
	}
}

func (t *Tile) Clone() *Tile {
	out := &Tile{cellType: t.cellType, cols: t.cols, rows: t.rows, data: make([]byte, len(t.data))}
	copy(out.data, t.data)
	return out
}

// Convert returns a copy of t with cells stored as ct. No-data cells map
// to the no-data sentinel of ct; other values are converted numerically.
func (t *Tile) Convert(ct CellType) *Tile {
	if ct == t.cellType {
		return t.Clone()
	}
	out := NewTile(ct, t.cols, t.rows)
	for row := 0; row < t.rows; row++ {
		for col := 0; col < t.cols; col++ {
			if !t.IsNoData(col, row) {
				out.Set(col, row, t.Get(col, row))
			}
		}
	}
	return out
}

// Equal reports exact equality: cell type, dimensions and every cell byte.
func (t *Tile) Equal(o *Tile) bool {
	return t.cellType == o.cellType && t.cols == o.cols && t.rows == o.rows &&
		bytes.Equal(t.data, o.data)
}
