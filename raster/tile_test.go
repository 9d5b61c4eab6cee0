package raster

import (
	"math"
	"testing"
)

func TestCellTypeNameRoundTrip(t *testing.T) {
	for _, ct := range []CellType{Uint8, Int16, Int32, Float32, Float64} {
		got, err := CellTypeByName(ct.String())
		if err != nil {
			t.Fatalf("CellTypeByName(%q) returned error: %v", ct.String(), err)
		}
		if got != ct {
			t.Errorf("CellTypeByName(%q) = %v, want %v", ct.String(), got, ct)
		}
	}
	if _, err := CellTypeByName("int128"); err == nil {
		t.Error("CellTypeByName accepted an unknown name")
	}
}

func TestNoDataSentinels(t *testing.T) {
	testCases := []struct {
		ct   CellType
		want float64
	}{
		{Uint8, 0},
		{Int16, math.MinInt16},
		{Int32, math.MinInt32},
	}
	for _, tc := range testCases {
		t.Run(tc.ct.String(), func(t *testing.T) {
			if got := tc.ct.NoData(); got != tc.want {
				t.Errorf("NoData() = %v, want %v", got, tc.want)
			}
			if !tc.ct.IsNoData(tc.want) {
				t.Errorf("IsNoData(%v) = false, want true", tc.want)
			}
			if tc.ct.IsNoData(tc.want + 1) {
				t.Errorf("IsNoData(%v) = true, want false", tc.want+1)
			}
		})
	}
	for _, ct := range []CellType{Float32, Float64} {
		if !math.IsNaN(ct.NoData()) {
			t.Errorf("%s NoData() = %v, want NaN", ct, ct.NoData())
		}
		if !ct.IsNoData(math.NaN()) {
			t.Errorf("%s IsNoData(NaN) = false", ct)
		}
		if ct.IsNoData(0) {
			t.Errorf("%s IsNoData(0) = true", ct)
		}
	}
}

func TestNewTileStartsAsNoData(t *testing.T) {
	tile := NewTile(Int16, 3, 2)
	for row := 0; row < 2; row++ {
		for col := 0; col < 3; col++ {
			if !tile.IsNoData(col, row) {
				t.Fatalf("fresh tile cell (%d,%d) is not no-data", col, row)
			}
		}
	}
}

func TestTileGetSet(t *testing.T) {
	tile := NewTile(Int16, 4, 3)
	tile.Set(2, 1, -42)
	if got := tile.Get(2, 1); got != -42 {
		t.Errorf("Get(2,1) = %v, want -42", got)
	}
	if tile.IsNoData(2, 1) {
		t.Error("cell holding -42 reported as no-data")
	}
	tile.SetNoData(2, 1)
	if !tile.IsNoData(2, 1) {
		t.Error("SetNoData did not mark the cell")
	}
}

func TestTileFromBytesSizeCheck(t *testing.T) {
	if _, err := NewTileFromBytes(Int32, 2, 2, make([]byte, 15)); err == nil {
		t.Error("NewTileFromBytes accepted a short buffer")
	}
	// Negative dimensions can multiply out to a matching buffer length.
	if _, err := NewTileFromBytes(Int32, -1, -1, make([]byte, 4)); err == nil {
		t.Error("NewTileFromBytes accepted negative dimensions")
	}
	if _, err := NewTileFromBytes(Int32, 2, 0, make([]byte, 0)); err == nil {
		t.Error("NewTileFromBytes accepted a zero dimension")
	}
	tile, err := NewTileFromBytes(Int32, 2, 2, make([]byte, 16))
	if err != nil {
		t.Fatalf("NewTileFromBytes: %v", err)
	}
	if tile.Cols() != 2 || tile.Rows() != 2 {
		t.Errorf("tile is %dx%d, want 2x2", tile.Cols(), tile.Rows())
	}
}

func TestConvertPreservesNoData(t *testing.T) {
	src := NewTile(Float32, 2, 2)
	src.Set(0, 0, 7)
	src.Set(1, 0, -3)
	src.SetNoData(0, 1)
	src.Set(1, 1, 12)

	got := src.Convert(Int32)
	if got.CellType() != Int32 {
		t.Fatalf("converted cell type = %v, want Int32", got.CellType())
	}
	if got.Get(0, 0) != 7 || got.Get(1, 0) != -3 || got.Get(1, 1) != 12 {
		t.Error("converted tile lost cell values")
	}
	if !got.IsNoData(0, 1) {
		t.Error("converted tile lost no-data cell")
	}
}

func TestOutOfRangeAccessPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for out-of-range access")
		}
	}()
	NewTile(Uint8, 2, 2).Get(2, 0)
}

func TestExtentIntersection(t *testing.T) {
	a := Extent{MinX: 0, MinY: 0, MaxX: 4, MaxY: 4}
	b := Extent{MinX: 2, MinY: 2, MaxX: 6, MaxY: 6}
	got, ok := a.Intersection(b)
	if !ok {
		t.Fatal("expected intersection")
	}
	want := Extent{MinX: 2, MinY: 2, MaxX: 4, MaxY: 4}
	if !got.Equal(want) {
		t.Errorf("Intersection = %s, want %s", got, want)
	}

	// Touching edges do not intersect.
	c := Extent{MinX: 4, MinY: 0, MaxX: 8, MaxY: 4}
	if a.Intersects(c) {
		t.Error("edge-adjacent extents reported as intersecting")
	}
	if _, ok := a.Intersection(Extent{MinX: 10, MinY: 10, MaxX: 11, MaxY: 11}); ok {
		t.Error("disjoint extents reported as intersecting")
	}
}
