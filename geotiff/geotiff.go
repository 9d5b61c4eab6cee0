// Package geotiff implements raster.Source over Cloud Optimized GeoTIFF
// datasets. Only the first IFD (the full resolution image) is read; the
// physical tile grid becomes the source's native tiling, and per-tile
// fetches are cached and deduplicated so concurrent region reads against
// the same source stay cheap.
package geotiff

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/tilecol/tilecol/raster"
)

var (
	ErrNoReaderAt  = errors.New("reader does not implement io.ReaderAt")
	ErrUnsupported = errors.New("unsupported geotiff layout")
)

const (
	errMissingTagFmt = "missing or invalid tag: %s"
	tileCacheTTL     = 10 * time.Minute
)

// Source is a parsed COG exposed as a raster.Source.
type Source struct {
	uri       string
	reader    io.ReadSeeker
	byteOrder binary.ByteOrder
	isBigTIFF bool

	imageWidth  int
	imageLength int
	tileWidth   int
	tileLength  int
	tilesAcross int
	tilesDown   int

	tileOffsets    []uint64
	tileByteCounts []uint64

	bitsPerSample   uint16
	sampleFormat    uint16
	compression     uint16
	predictor       uint16
	samplesPerPixel int

	scaleX, scaleY   float64 // cell size, both positive
	originX, originY float64 // world coordinates of the top-left corner

	noData    float64
	hasNoData bool

	cellType raster.CellType
	crs      raster.CRS

	cacheMaxSize      int64
	cacheItemsToPrune uint32
	tileCache         *ccache.Cache[*raster.Tile]
	inflight          singleflight.Group

	logger *slog.Logger
}

type Option func(*Source)

func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.logger = l }
}

// WithCache sizes the processed-tile LRU cache.
func WithCache(maxSize int64, itemsToPrune uint32) Option {
	return func(s *Source) {
		s.cacheMaxSize = maxSize
		s.cacheItemsToPrune = itemsToPrune
	}
}

// Open parses a COG from r. The reader must also implement io.ReaderAt;
// tile fetches are stateless reads. uri is recorded for re-resolution of
// serialized references, it is never dereferenced here.
func Open(r io.ReadSeeker, uri string, opts ...Option) (*Source, error) {
	s := &Source{
		uri:               uri,
		reader:            r,
		logger:            slog.Default(),
		cacheMaxSize:      1024,
		cacheItemsToPrune: 100,
		bitsPerSample:     32,
		sampleFormat:      sampleFormatFloat,
		compression:       compressionNone,
		predictor:         predictorNone,
		samplesPerPixel:   1,
		crs:               "EPSG:4326",
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, ok := r.(io.ReaderAt); !ok {
		return nil, ErrNoReaderAt
	}
	if err := s.parse(); err != nil {
		return nil, err
	}
	s.tileCache = ccache.New(ccache.Configure[*raster.Tile]().
		MaxSize(s.cacheMaxSize).ItemsToPrune(s.cacheItemsToPrune))
	return s, nil
}

// raster.Source implementation. Attribute accessors perform no I/O.

func (s *Source) URI() string               { return s.uri }
func (s *Source) CRS() raster.CRS           { return s.crs }
func (s *Source) CellType() raster.CellType { return s.cellType }
func (s *Source) BandCount() int            { return s.samplesPerPixel }
func (s *Source) CellSize() (x, y float64)  { return s.scaleX, s.scaleY }

func (s *Source) Extent() raster.Extent {
	return raster.Extent{
		MinX: s.originX,
		MinY: s.originY - float64(s.imageLength)*s.scaleY,
		MaxX: s.originX + float64(s.imageWidth)*s.scaleX,
		MaxY: s.originY,
	}
}

// NativeTiling returns one extent per physical tile, clipped to the
// image bounds on the right and bottom edges.
func (s *Source) NativeTiling() []raster.Extent {
	out := make([]raster.Extent, 0, s.tilesAcross*s.tilesDown)
	for ty := 0; ty < s.tilesDown; ty++ {
		for tx := 0; tx < s.tilesAcross; tx++ {
			x0 := tx * s.tileWidth
			y0 := ty * s.tileLength
			x1 := min((tx+1)*s.tileWidth, s.imageWidth)
			y1 := min((ty+1)*s.tileLength, s.imageLength)
			out = append(out, s.pixelRect(x0, y0, x1, y1))
		}
	}
	return out
}

func (s *Source) NativeLayout() (raster.TileLayout, bool) {
	return raster.TileLayout{
		LayoutCols: s.tilesAcross,
		LayoutRows: s.tilesDown,
		TileCols:   s.tileWidth,
		TileRows:   s.tileLength,
	}, true
}

func (s *Source) pixelRect(x0, y0, x1, y1 int) raster.Extent {
	return raster.Extent{
		MinX: s.originX + float64(x0)*s.scaleX,
		MaxX: s.originX + float64(x1)*s.scaleX,
		MinY: s.originY - float64(y1)*s.scaleY,
		MaxY: s.originY - float64(y0)*s.scaleY,
	}
}

// Read assembles the requested extent from physical tiles into a single
// band tile. The returned extent is the request snapped to the pixel grid.
func (s *Source) Read(ctx context.Context, extent raster.Extent) (*raster.MultibandTile, error) {
	if s.samplesPerPixel != 1 {
		return nil, fmt.Errorf("%w: reads of %d-band datasets", ErrUnsupported, s.samplesPerPixel)
	}
	isect, ok := extent.Intersection(s.Extent())
	if !ok {
		return nil, fmt.Errorf("extent %s is outside dataset extent %s", extent, s.Extent())
	}

	const snap = 1e-9
	col0 := int(math.Floor((isect.MinX-s.originX)/s.scaleX + snap))
	row0 := int(math.Floor((s.originY-isect.MaxY)/s.scaleY + snap))
	cols := max(int(math.Round(isect.Width()/s.scaleX)), 1)
	rows := max(int(math.Round(isect.Height()/s.scaleY)), 1)
	col0 = max(col0, 0)
	row0 = max(row0, 0)
	cols = min(cols, s.imageWidth-col0)
	rows = min(rows, s.imageLength-row0)

	out := raster.NewTile(s.cellType, cols, rows)
	tx0 := col0 / s.tileWidth
	tx1 := (col0 + cols - 1) / s.tileWidth
	ty0 := row0 / s.tileLength
	ty1 := (row0 + rows - 1) / s.tileLength

	for ty := ty0; ty <= ty1; ty++ {
		for tx := tx0; tx <= tx1; tx++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			t, err := s.tile(ty*s.tilesAcross + tx)
			if err != nil {
				return nil, fmt.Errorf("tile (%d,%d): %w", tx, ty, err)
			}
			// Overlap of this physical tile with the window, in image pixels.
			x0 := max(col0, tx*s.tileWidth)
			x1 := min(col0+cols, (tx+1)*s.tileWidth)
			y0 := max(row0, ty*s.tileLength)
			y1 := min(row0+rows, (ty+1)*s.tileLength)
			for gy := y0; gy < y1; gy++ {
				for gx := x0; gx < x1; gx++ {
					out.Set(gx-col0, gy-row0, t.Get(gx-tx*s.tileWidth, gy-ty*s.tileLength))
				}
			}
		}
	}

	return &raster.MultibandTile{
		Bands:  []*raster.Tile{out},
		Extent: s.pixelRect(col0, row0, col0+cols, row0+rows),
	}, nil
}

// tile fetches, decompresses and decodes one physical tile, caching the
// processed result. Concurrent requests for the same tile collapse into
// one fetch.
func (s *Source) tile(tileNum int) (*raster.Tile, error) {
	key := strconv.Itoa(tileNum)
	if item := s.tileCache.Get(key); item != nil && !item.Expired() {
		return item.Value(), nil
	}
	v, err, _ := s.inflight.Do(key, func() (interface{}, error) {
		raw, err := s.fetchTile(tileNum)
		if err != nil {
			return nil, err
		}
		t, err := s.decodeTile(raw)
		if err != nil {
			return nil, err
		}
		s.tileCache.Set(key, t, tileCacheTTL)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*raster.Tile), nil
}

func (s *Source) fetchTile(tileNum int) ([]byte, error) {
	if tileNum < 0 || tileNum >= len(s.tileOffsets) || tileNum >= len(s.tileByteCounts) {
		return nil, fmt.Errorf("tile index %d out of bounds", tileNum)
	}
	buf := make([]byte, s.tileByteCounts[tileNum])
	ra := s.reader.(io.ReaderAt)
	if _, err := ra.ReadAt(buf, int64(s.tileOffsets[tileNum])); err != nil {
		return nil, fmt.Errorf("read tile %d: %w", tileNum, err)
	}

	switch s.compression {
	case compressionNone:
		return buf, nil
	case compressionDeflate:
		z, err := zlib.NewReader(bytes.NewReader(buf))
		if err != nil {
			return nil, fmt.Errorf("open deflate stream for tile %d: %w", tileNum, err)
		}
		defer z.Close()
		out, err := io.ReadAll(z)
		if err != nil {
			return nil, fmt.Errorf("decompress tile %d: %w", tileNum, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: compression %d", ErrUnsupported, s.compression)
	}
}

// decodeTile converts raw tile bytes (source byte order) into a tile,
// undoing the horizontal predictor and remapping the dataset's declared
// no-data value onto the cell type sentinel.
func (s *Source) decodeTile(raw []byte) (*raster.Tile, error) {
	cells := s.tileWidth * s.tileLength
	size := s.cellType.Size()
	if len(raw) < cells*size {
		return nil, fmt.Errorf("tile payload is %d bytes, want %d", len(raw), cells*size)
	}

	if s.predictor == predictorHorizontal && s.cellType.Integral() {
		s.undoHorizontalPrediction(raw, cells)
	}

	t := raster.NewTile(s.cellType, s.tileWidth, s.tileLength)
	bo := s.byteOrder
	for i := 0; i < cells; i++ {
		var v float64
		switch s.cellType {
		case raster.Uint8:
			v = float64(raw[i])
		case raster.Int16:
			v = float64(int16(bo.Uint16(raw[i*2:])))
		case raster.Int32:
			v = float64(int32(bo.Uint32(raw[i*4:])))
		case raster.Float32:
			v = float64(math.Float32frombits(bo.Uint32(raw[i*4:])))
		default:
			v = math.Float64frombits(bo.Uint64(raw[i*8:]))
		}
		col, row := i%s.tileWidth, i/s.tileWidth
		if s.hasNoData && v == s.noData {
			t.SetNoData(col, row)
			continue
		}
		t.Set(col, row, v)
	}
	return t, nil
}

// undoHorizontalPrediction reverses per-row differencing in place on the
// raw cell values. Sums stay in the native integer width so deltas that
// wrapped during encoding unwrap the same way.
func (s *Source) undoHorizontalPrediction(raw []byte, cells int) {
	w := s.tileWidth
	bo := s.byteOrder
	switch s.cellType {
	case raster.Uint8:
		for start := 0; start+w <= cells; start += w {
			for x := 1; x < w; x++ {
				raw[start+x] += raw[start+x-1]
			}
		}
	case raster.Int16:
		for start := 0; start+w <= cells; start += w {
			for x := 1; x < w; x++ {
				i := (start + x) * 2
				bo.PutUint16(raw[i:], bo.Uint16(raw[i:])+bo.Uint16(raw[i-2:]))
			}
		}
	case raster.Int32:
		for start := 0; start+w <= cells; start += w {
			for x := 1; x < w; x++ {
				i := (start + x) * 4
				bo.PutUint32(raw[i:], bo.Uint32(raw[i:])+bo.Uint32(raw[i-4:]))
			}
		}
	}
}

// parse reads the header and the first IFD, populating the source.
// Subsequent IFDs hold overviews and are deliberately ignored.
func (s *Source) parse() (err error) {
	ifdOffset, err := s.readHeader()
	if err != nil {
		return err
	}
	if ifdOffset == 0 {
		return errors.New("file contains no IFDs")
	}
	entries, err := s.readIFD(ifdOffset)
	if err != nil {
		return err
	}

	var (
		scale, tiepoint []float64
		geoKeys         []uint64
	)
	seen := map[uint16]bool{}
	for _, e := range entries {
		seen[e.tag] = true
		switch e.tag {
		case tagImageWidth:
			s.imageWidth, err = s.entryInt(e)
		case tagImageLength:
			s.imageLength, err = s.entryInt(e)
		case tagTileWidth:
			s.tileWidth, err = s.entryInt(e)
		case tagTileLength:
			s.tileLength, err = s.entryInt(e)
		case tagTileOffsets:
			s.tileOffsets, err = s.entryUints(e)
		case tagTileByteCounts:
			s.tileByteCounts, err = s.entryUints(e)
		case tagBitsPerSample:
			var v int
			if v, err = s.entryInt(e); err == nil {
				s.bitsPerSample = uint16(v)
			}
		case tagSampleFormat:
			var v int
			if v, err = s.entryInt(e); err == nil {
				s.sampleFormat = uint16(v)
			}
		case tagCompression:
			var v int
			if v, err = s.entryInt(e); err == nil {
				s.compression = uint16(v)
			}
		case tagPredictor:
			var v int
			if v, err = s.entryInt(e); err == nil {
				s.predictor = uint16(v)
			}
		case tagSamplesPerPixel:
			s.samplesPerPixel, err = s.entryInt(e)
		case tagModelPixelScale:
			scale, err = s.entryDoubles(e)
		case tagModelTiepoint:
			tiepoint, err = s.entryDoubles(e)
		case tagGeoKeyDirectory:
			geoKeys, err = s.entryUints(e)
		case tagGDALNoData:
			var txt string
			if txt, err = s.entryASCII(e); err == nil {
				if nd, perr := strconv.ParseFloat(strings.TrimSpace(txt), 64); perr == nil {
					s.noData, s.hasNoData = nd, true
				}
			}
		}
		if err != nil {
			return fmt.Errorf("tag %d: %w", e.tag, err)
		}
	}

	for _, required := range []struct {
		tag  uint16
		name string
	}{
		{tagImageWidth, "ImageWidth"},
		{tagImageLength, "ImageLength"},
		{tagTileWidth, "TileWidth"},
		{tagTileLength, "TileLength"},
		{tagTileOffsets, "TileOffsets"},
		{tagTileByteCounts, "TileByteCounts"},
		{tagModelPixelScale, "ModelPixelScale"},
		{tagModelTiepoint, "ModelTiepoint"},
	} {
		if !seen[required.tag] {
			return fmt.Errorf(errMissingTagFmt, required.name)
		}
	}
	if len(scale) < 2 {
		return fmt.Errorf(errMissingTagFmt, "ModelPixelScale")
	}
	if len(tiepoint) < 6 {
		return fmt.Errorf(errMissingTagFmt, "ModelTiepoint")
	}
	if s.tileWidth <= 0 || s.tileLength <= 0 {
		return fmt.Errorf("%w: zero tile dimensions", ErrUnsupported)
	}
	switch s.predictor {
	case predictorNone, predictorHorizontal:
	default:
		return fmt.Errorf("%w: predictor %d", ErrUnsupported, s.predictor)
	}

	s.scaleX = math.Abs(scale[0])
	s.scaleY = math.Abs(scale[1])
	// World position of pixel (0,0) from the tiepoint (i,j) -> (x,y).
	s.originX = tiepoint[3] - tiepoint[0]*s.scaleX
	s.originY = tiepoint[4] + tiepoint[1]*s.scaleY

	s.tilesAcross = (s.imageWidth + s.tileWidth - 1) / s.tileWidth
	s.tilesDown = (s.imageLength + s.tileLength - 1) / s.tileLength

	if s.cellType, err = cellTypeFor(s.sampleFormat, s.bitsPerSample); err != nil {
		return err
	}
	s.applyGeoKeys(geoKeys)

	s.logger.Debug("parsed geotiff",
		"uri", s.uri,
		"size", fmt.Sprintf("%dx%d", s.imageWidth, s.imageLength),
		"tile", fmt.Sprintf("%dx%d", s.tileWidth, s.tileLength),
		"cell_type", s.cellType.String(),
		"crs", string(s.crs))
	return nil
}

func cellTypeFor(sampleFormat, bits uint16) (raster.CellType, error) {
	switch {
	case sampleFormat == sampleFormatUint && bits == 8:
		return raster.Uint8, nil
	case sampleFormat == sampleFormatInt && bits == 16:
		return raster.Int16, nil
	case sampleFormat == sampleFormatInt && bits == 32:
		return raster.Int32, nil
	case sampleFormat == sampleFormatFloat && bits == 32:
		return raster.Float32, nil
	case sampleFormat == sampleFormatFloat && bits == 64:
		return raster.Float64, nil
	}
	return raster.CellTypeUnknown,
		fmt.Errorf("%w: sample format %d with %d bits", ErrUnsupported, sampleFormat, bits)
}

// applyGeoKeys extracts the CRS authority code from the GeoKey directory.
// A projected CS wins over a geographic one; absent keys leave the
// default in place.
func (s *Source) applyGeoKeys(keys []uint64) {
	var geographic, projected uint64
	for i := 4; i+3 < len(keys); i += 4 {
		id, loc, value := keys[i], keys[i+1], keys[i+3]
		if loc != 0 {
			continue // value lives in another tag; out of scope
		}
		switch id {
		case geoKeyGeographicType:
			geographic = value
		case geoKeyProjectedCSType:
			projected = value
		}
	}
	if projected != 0 {
		s.crs = raster.CRS(fmt.Sprintf("EPSG:%d", projected))
	} else if geographic != 0 {
		s.crs = raster.CRS(fmt.Sprintf("EPSG:%d", geographic))
	}
}
