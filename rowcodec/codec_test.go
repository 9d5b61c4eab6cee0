package rowcodec

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/tilecol/tilecol/raster"
	"github.com/tilecol/tilecol/rasterref"
)

func newTestTile(t *testing.T) *raster.Tile {
	t.Helper()
	tile := raster.NewTile(raster.Int16, 3, 2)
	tile.Set(0, 0, 1)
	tile.Set(1, 0, -7)
	tile.SetNoData(2, 0)
	tile.Set(0, 1, 300)
	tile.Set(1, 1, 0)
	tile.Set(2, 1, 42)
	return tile
}

func TestTileRoundTrip(t *testing.T) {
	tile := newTestTile(t)
	data, err := EncodeTile(tile)
	if err != nil {
		t.Fatalf("EncodeTile: %v", err)
	}
	if !IsTile(data) || IsRef(data) {
		t.Error("encoded tile row misreported by predicates")
	}

	row, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if row.Mat == nil || row.Ref != nil {
		t.Fatal("decoded row is not a materialized variant")
	}
	if row.Mat.CellTypeName != "int16" || row.Mat.Cols != 3 || row.Mat.Rows != 2 {
		t.Errorf("decoded metadata = %s %dx%d", row.Mat.CellTypeName, row.Mat.Cols, row.Mat.Rows)
	}
	got, err := row.Mat.Tile()
	if err != nil {
		t.Fatalf("Tile: %v", err)
	}
	if !got.Equal(tile) {
		t.Error("round-tripped tile differs from original")
	}
}

func TestFloatTileRoundTripKeepsNaN(t *testing.T) {
	tile := raster.NewTile(raster.Float64, 2, 1)
	tile.Set(0, 0, 3.25)
	tile.SetNoData(1, 0)

	data, err := EncodeTile(tile)
	if err != nil {
		t.Fatalf("EncodeTile: %v", err)
	}
	got, err := Materialize(context.Background(), data, nil, nil)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if got.Get(0, 0) != 3.25 {
		t.Errorf("cell (0,0) = %v", got.Get(0, 0))
	}
	if !math.IsNaN(got.Get(1, 0)) {
		t.Errorf("cell (1,0) = %v, want NaN", got.Get(1, 0))
	}
}

func TestZstdPixelsRoundTrip(t *testing.T) {
	tile := raster.NewTile(raster.Int32, 64, 64)
	for row := 0; row < 64; row++ {
		for col := 0; col < 64; col++ {
			tile.Set(col, row, float64(row))
		}
	}

	raw, err := EncodeTile(tile)
	if err != nil {
		t.Fatalf("EncodeTile: %v", err)
	}
	packed, err := EncodeTile(tile, WithZstdPixels())
	if err != nil {
		t.Fatalf("EncodeTile with zstd: %v", err)
	}
	if len(packed) >= len(raw) {
		t.Errorf("zstd row (%d bytes) not smaller than raw row (%d bytes)", len(packed), len(raw))
	}

	row, err := Decode(packed)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, err := row.Mat.Tile()
	if err != nil {
		t.Fatalf("Tile: %v", err)
	}
	if !got.Equal(tile) {
		t.Error("zstd round-tripped tile differs from original")
	}
}

func TestEncodeRejectsMalformedRows(t *testing.T) {
	if _, err := Encode(&Row{}); !errors.Is(err, ErrRowShape) {
		t.Errorf("Encode(empty row) error = %v, want ErrRowShape", err)
	}
	both := &Row{
		Mat: &Materialized{CellTypeName: "uint8", Cols: 1, Rows: 1, Pixels: []byte{0}},
		Ref: &Reference{SourceURI: "mem://x", CellTypeName: "uint8", Cols: 1, Rows: 1},
	}
	if _, err := Encode(both); !errors.Is(err, ErrRowShape) {
		t.Errorf("Encode(both slots) error = %v, want ErrRowShape", err)
	}
}

func TestDecodeMalformedBytes(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
		want error
	}{
		{"no slots", []byte{'T', 'C', 1, 0x00}, ErrRowShape},
		{"both slots", []byte{'T', 'C', 1, 0x03}, ErrRowShape},
		{"bad magic", []byte{'X', 'Y', 1, 0x01}, ErrBadMagic},
		{"bad version", []byte{'T', 'C', 9, 0x01}, ErrVersion},
		{"truncated header", []byte{'T', 'C'}, ErrTruncated},
		{"truncated body", []byte{'T', 'C', 1, 0x01, 200}, ErrTruncated},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.data); !errors.Is(err, tc.want) {
				t.Errorf("Decode error = %v, want %v", err, tc.want)
			}
			if IsTile(tc.data) || IsRef(tc.data) {
				t.Error("malformed row satisfied a kind predicate")
			}
		})
	}
}

// wideSource widens memSource's extent past the int16 wire fields.
type wideSource struct{ memSource }

func (w *wideSource) Extent() raster.Extent { return raster.Extent{MaxX: 40000, MaxY: 1} }

func TestEncodeRejectsOversizedDimensions(t *testing.T) {
	tall := raster.NewTile(raster.Uint8, 0x8000, 1)
	if _, err := EncodeTile(tall); err == nil {
		t.Error("EncodeTile accepted a 32768 cell wide tile")
	}

	src := &wideSource{memSource: memSource{uri: "mem://wide", cellType: raster.Int32}}
	ref, err := rasterref.New(src, nil, nil)
	if err != nil {
		t.Fatalf("rasterref.New: %v", err)
	}
	if _, err := EncodeRef(ref); err == nil {
		t.Error("EncodeRef accepted a 40000 cell wide ref")
	}
}

func TestDecodeRejectsDegenerateDimensions(t *testing.T) {
	// (-1)*(-1)*4 matches a 4 byte payload, so the length check alone
	// would let this row decode into a degenerate tile.
	data, err := Encode(&Row{Mat: &Materialized{
		CellTypeName: "int32",
		Cols:         -1,
		Rows:         -1,
		Pixels:       make([]byte, 4),
	}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Materialize(context.Background(), data, nil, nil); err == nil {
		t.Error("Materialize accepted a row with negative dimensions")
	}
}

// memSource is a singleband in-memory raster over (0,0)-(8,8), one cell
// per unit, valued row*10+col in global pixel coordinates.
type memSource struct {
	uri      string
	cellType raster.CellType
	reads    int
}

func (m *memSource) URI() string                   { return m.uri }
func (m *memSource) CRS() raster.CRS               { return raster.CRS("EPSG:3857") }
func (m *memSource) Extent() raster.Extent         { return raster.Extent{MaxX: 8, MaxY: 8} }
func (m *memSource) CellType() raster.CellType     { return m.cellType }
func (m *memSource) BandCount() int                { return 1 }
func (m *memSource) CellSize() (x, y float64)      { return 1, 1 }
func (m *memSource) NativeTiling() []raster.Extent { return nil }

func (m *memSource) NativeLayout() (raster.TileLayout, bool) {
	return raster.TileLayout{}, false
}

func (m *memSource) Read(ctx context.Context, ext raster.Extent) (*raster.MultibandTile, error) {
	m.reads++
	isect, ok := ext.Intersection(m.Extent())
	if !ok {
		return nil, errors.New("read outside source extent")
	}
	cols := int(math.Round(isect.Width()))
	rows := int(math.Round(isect.Height()))
	col0 := int(math.Round(isect.MinX))
	row0 := int(math.Round(8 - isect.MaxY))
	tile := raster.NewTile(m.cellType, cols, rows)
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			tile.Set(col, row, float64((row0+row)*10+col0+col))
		}
	}
	return &raster.MultibandTile{Bands: []*raster.Tile{tile}, Extent: isect}, nil
}

type memResolver struct {
	src *memSource
}

func (r *memResolver) Resolve(ctx context.Context, uri string) (raster.Source, error) {
	if uri != r.src.uri {
		return nil, fmt.Errorf("unknown source %q", uri)
	}
	return r.src, nil
}

func TestRefRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := &memSource{uri: "mem://dem", cellType: raster.Int32}
	sub := raster.Extent{MinX: 2, MinY: 2, MaxX: 6, MaxY: 6}
	ref, err := rasterref.New(src, &sub, nil)
	if err != nil {
		t.Fatalf("rasterref.New: %v", err)
	}

	data, err := EncodeRef(ref)
	if err != nil {
		t.Fatalf("EncodeRef: %v", err)
	}
	if !IsRef(data) || IsTile(data) {
		t.Error("encoded ref row misreported by predicates")
	}
	if src.reads != 0 {
		t.Fatalf("encoding realized the ref: %d reads", src.reads)
	}

	v, err := DecodeValue(ctx, data, &memResolver{src: src}, nil)
	if err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}
	ext, crs, ok := v.Context()
	if !ok {
		t.Fatal("reference value carries no context")
	}
	if !ext.Equal(sub) || crs != raster.CRS("EPSG:3857") {
		t.Errorf("context = %s %s", ext, crs)
	}
	if v.CellType() != raster.Int32 {
		t.Errorf("declared cell type = %v", v.CellType())
	}
	if src.reads != 0 {
		t.Fatalf("decoding realized the ref: %d reads", src.reads)
	}

	got, err := v.Realize(ctx)
	if err != nil {
		t.Fatalf("Realize: %v", err)
	}
	want, err := ref.Realize(ctx)
	if err != nil {
		t.Fatalf("Realize original: %v", err)
	}
	if !got.Equal(want) {
		t.Error("decoded ref realizes differently from the original")
	}
	// One read per independent Ref instance.
	if src.reads != 2 {
		t.Errorf("source read %d times, want 2", src.reads)
	}
}

func TestDecodeValueRefWithoutResolver(t *testing.T) {
	src := &memSource{uri: "mem://dem", cellType: raster.Int32}
	ref, err := rasterref.New(src, nil, nil)
	if err != nil {
		t.Fatalf("rasterref.New: %v", err)
	}
	data, err := EncodeRef(ref)
	if err != nil {
		t.Fatalf("EncodeRef: %v", err)
	}
	if _, err := DecodeValue(context.Background(), data, nil, nil); err == nil {
		t.Error("DecodeValue accepted a reference row without a resolver")
	}
}

func TestMaterializeConvertsDeclaredCellType(t *testing.T) {
	ctx := context.Background()
	src := &memSource{uri: "mem://dem", cellType: raster.Int32}
	ref, err := rasterref.New(src, nil, nil)
	if err != nil {
		t.Fatalf("rasterref.New: %v", err)
	}
	data, err := EncodeRef(ref)
	if err != nil {
		t.Fatalf("EncodeRef: %v", err)
	}

	// Rewrite the declared cell type, as a cast operator upstream would.
	row, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	row.Ref.CellTypeName = "float64"
	data, err = Encode(row)
	if err != nil {
		t.Fatalf("re-Encode: %v", err)
	}

	got, err := Materialize(ctx, data, &memResolver{src: src}, nil)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if got.CellType() != raster.Float64 {
		t.Errorf("materialized cell type = %v, want Float64", got.CellType())
	}
	if got.Get(1, 0) != 1 || got.Get(0, 1) != 10 {
		t.Error("converted tile lost cell values")
	}
	if src.reads != 1 {
		t.Errorf("source read %d times, want 1", src.reads)
	}
}

func TestInspect(t *testing.T) {
	tileRow, err := EncodeTile(newTestTile(t))
	if err != nil {
		t.Fatalf("EncodeTile: %v", err)
	}
	info, err := Inspect(tileRow)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if info.Kind != KindMaterialized || info.CellTypeName != "int16" || info.Cols != 3 || info.Rows != 2 {
		t.Errorf("Inspect(tile) = %+v", info)
	}

	src := &memSource{uri: "mem://dem", cellType: raster.Int32}
	ref, err := rasterref.New(src, nil, nil)
	if err != nil {
		t.Fatalf("rasterref.New: %v", err)
	}
	refRow, err := EncodeRef(ref)
	if err != nil {
		t.Fatalf("EncodeRef: %v", err)
	}
	info, err = Inspect(refRow)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if info.Kind != KindReference || info.SourceURI != "mem://dem" || info.Cols != 8 || info.Rows != 8 {
		t.Errorf("Inspect(ref) = %+v", info)
	}
}
