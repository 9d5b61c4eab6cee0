package raster

import (
	"fmt"
	"math"
)

// CellType identifies the storage type of a single raster cell together
// with its no-data convention.
type CellType uint8

const (
	CellTypeUnknown CellType = iota
	Uint8
	Int16
	Int32
	Float32
	Float64
)

var cellTypeNames = map[CellType]string{
	Uint8:   "uint8",
	Int16:   "int16",
	Int32:   "int32",
	Float32: "float32",
	Float64: "float64",
}

// CellTypeByName is the inverse of String. Unknown names are an error,
// not a panic: they can arrive from decoded rows.
func CellTypeByName(name string) (CellType, error) {
	for ct, n := range cellTypeNames {
		if n == name {
			return ct, nil
		}
	}
	return CellTypeUnknown, fmt.Errorf("unknown cell type %q", name)
}

func (c CellType) String() string {
	if n, ok := cellTypeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("celltype(%d)", uint8(c))
}

// Size returns the width of one cell in bytes, 0 for unrecognized types.
func (c CellType) Size() int {
	switch c {
	case Uint8:
		return 1
	case Int16:
		return 2
	case Int32, Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

func (c CellType) Integral() bool {
	switch c {
	case Uint8, Int16, Int32:
		return true
	}
	return false
}

// NoData returns the sentinel value meaning "no valid data" for this cell
// type. Floating point types use NaN; integral types reserve one value.
func (c CellType) NoData() float64 {
	switch c {
	case Uint8:
		return 0
	case Int16:
		return math.MinInt16
	case Int32:
		return math.MinInt32
	}
	return math.NaN()
}

func (c CellType) IsNoData(v float64) bool {
	if c == Float32 || c == Float64 {
		return math.IsNaN(v)
	}
	return v == c.NoData()
}
