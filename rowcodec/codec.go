// Package rowcodec encodes raster tile column values into a compact
// binary row format. A row holds exactly one of two variants: a fully
// materialized tile, or a reference from which a rasterref.Ref can be
// rebuilt and realized on demand. The wire layout keeps the two variants
// as independently present slots with presence flags; internally the
// union is an explicit sum type so malformed rows cannot be represented
// except by malformed bytes.
package rowcodec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"

	"github.com/tilecol/tilecol/raster"
	"github.com/tilecol/tilecol/rasterref"
)

const (
	magic0  = 'T'
	magic1  = 'C'
	version = 1

	flagMaterialized = 0x01
	flagReference    = 0x02

	encRaw  = 0
	encZstd = 1

	headerLen = 4
)

var (
	// ErrRowShape is the data-integrity error for rows where both or
	// neither variant slot is populated.
	ErrRowShape = errors.New("unexpected row shape")

	ErrBadMagic   = errors.New("bad row magic")
	ErrVersion    = errors.New("unsupported row version")
	ErrTruncated  = errors.New("truncated row")
	ErrPixelCodec = errors.New("unknown pixel encoding")
)

var (
	zenc, _ = zstd.NewWriter(nil)
	zdec, _ = zstd.NewReader(nil)
)

// Materialized is the in-row-encoded tile variant.
type Materialized struct {
	CellTypeName string
	Cols, Rows   int16
	Pixels       []byte
}

// Reference carries enough state to rebuild a rasterref.Ref in another
// process: the source URI plus the metadata needed to type-check the
// column without touching the source.
type Reference struct {
	SourceURI    string
	Subextent    *raster.Extent
	CRS          raster.CRS
	CellTypeName string
	Cols, Rows   int16
}

// Row is the decoded union. Exactly one of Mat and Ref is non-nil in any
// valid instance.
type Row struct {
	Mat *Materialized
	Ref *Reference
}

type encodeOpts struct {
	zstdPixels bool
}

type Option func(*encodeOpts)

// WithZstdPixels compresses the pixel payload of materialized rows.
// Decoding is transparent either way.
func WithZstdPixels() Option {
	return func(o *encodeOpts) { o.zstdPixels = true }
}

// Encode serializes a row. Rows with both or neither variant set are
// rejected with ErrRowShape before any bytes are produced.
func Encode(row *Row, opts ...Option) ([]byte, error) {
	if (row.Mat == nil) == (row.Ref == nil) {
		return nil, ErrRowShape
	}
	var o encodeOpts
	for _, opt := range opts {
		opt(&o)
	}

	buf := new(bytes.Buffer)
	buf.WriteByte(magic0)
	buf.WriteByte(magic1)
	buf.WriteByte(version)
	if row.Mat != nil {
		buf.WriteByte(flagMaterialized)
		putString(buf, row.Mat.CellTypeName)
		putInt16(buf, row.Mat.Cols)
		putInt16(buf, row.Mat.Rows)
		pixels := row.Mat.Pixels
		if o.zstdPixels {
			buf.WriteByte(encZstd)
			pixels = zenc.EncodeAll(pixels, nil)
		} else {
			buf.WriteByte(encRaw)
		}
		putBytes(buf, pixels)
		return buf.Bytes(), nil
	}

	buf.WriteByte(flagReference)
	ref := row.Ref
	putString(buf, ref.SourceURI)
	if ref.Subextent != nil {
		buf.WriteByte(1)
		putFloat64(buf, ref.Subextent.MinX)
		putFloat64(buf, ref.Subextent.MinY)
		putFloat64(buf, ref.Subextent.MaxX)
		putFloat64(buf, ref.Subextent.MaxY)
	} else {
		buf.WriteByte(0)
	}
	putString(buf, string(ref.CRS))
	putString(buf, ref.CellTypeName)
	putInt16(buf, ref.Cols)
	putInt16(buf, ref.Rows)
	return buf.Bytes(), nil
}

// EncodeTile encodes a materialized tile into the materialized slot.
// Dimensions beyond the int16 wire fields are rejected.
func EncodeTile(t *raster.Tile, opts ...Option) ([]byte, error) {
	if t.Cols() > 0x7fff || t.Rows() > 0x7fff {
		return nil, fmt.Errorf("tile %dx%d exceeds encodable dimensions", t.Cols(), t.Rows())
	}
	return Encode(&Row{Mat: &Materialized{
		CellTypeName: t.CellType().String(),
		Cols:         int16(t.Cols()),
		Rows:         int16(t.Rows()),
		Pixels:       t.Bytes(),
	}}, opts...)
}

// EncodeRef encodes a lazy reference into the reference slot without
// realizing it.
func EncodeRef(ref *rasterref.Ref, opts ...Option) ([]byte, error) {
	src := ref.Source()
	if ref.Cols() > 0x7fff || ref.Rows() > 0x7fff {
		return nil, fmt.Errorf("ref %dx%d exceeds encodable dimensions", ref.Cols(), ref.Rows())
	}
	return Encode(&Row{Ref: &Reference{
		SourceURI:    src.URI(),
		Subextent:    ref.Subextent(),
		CRS:          src.CRS(),
		CellTypeName: src.CellType().String(),
		Cols:         int16(ref.Cols()),
		Rows:         int16(ref.Rows()),
	}}, opts...)
}

func decodeHeader(data []byte) (byte, error) {
	if len(data) < headerLen {
		return 0, ErrTruncated
	}
	if data[0] != magic0 || data[1] != magic1 {
		return 0, ErrBadMagic
	}
	if data[2] != version {
		return 0, fmt.Errorf("%w: %d", ErrVersion, data[2])
	}
	return data[3], nil
}

// IsTile reports whether the row holds a materialized tile. Malformed
// rows are neither tiles nor refs.
func IsTile(data []byte) bool {
	flags, err := decodeHeader(data)
	return err == nil && flags == flagMaterialized
}

// IsRef reports whether the row holds a tile reference.
func IsRef(data []byte) bool {
	flags, err := decodeHeader(data)
	return err == nil && flags == flagReference
}

// Decode parses a row. Rows where both or neither slot is present fail
// with ErrRowShape.
func Decode(data []byte) (*Row, error) {
	flags, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(data[headerLen:])
	switch flags {
	case flagMaterialized:
		m, err := decodeMaterialized(r)
		if err != nil {
			return nil, err
		}
		return &Row{Mat: m}, nil
	case flagReference:
		ref, err := decodeReference(r)
		if err != nil {
			return nil, err
		}
		return &Row{Ref: ref}, nil
	default:
		return nil, fmt.Errorf("%w: presence flags %#02x", ErrRowShape, flags)
	}
}

func decodeMaterialized(r *bytes.Reader) (*Materialized, error) {
	m := &Materialized{}
	var err error
	if m.CellTypeName, err = readString(r); err != nil {
		return nil, err
	}
	if m.Cols, err = readInt16(r); err != nil {
		return nil, err
	}
	if m.Rows, err = readInt16(r); err != nil {
		return nil, err
	}
	enc, err := r.ReadByte()
	if err != nil {
		return nil, ErrTruncated
	}
	pixels, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	switch enc {
	case encRaw:
		m.Pixels = pixels
	case encZstd:
		if m.Pixels, err = zdec.DecodeAll(pixels, nil); err != nil {
			return nil, fmt.Errorf("decompress pixels: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrPixelCodec, enc)
	}
	return m, nil
}

func decodeReference(r *bytes.Reader) (*Reference, error) {
	ref := &Reference{}
	var err error
	if ref.SourceURI, err = readString(r); err != nil {
		return nil, err
	}
	hasSub, err := r.ReadByte()
	if err != nil {
		return nil, ErrTruncated
	}
	if hasSub == 1 {
		var e raster.Extent
		if e.MinX, err = readFloat64(r); err != nil {
			return nil, err
		}
		if e.MinY, err = readFloat64(r); err != nil {
			return nil, err
		}
		if e.MaxX, err = readFloat64(r); err != nil {
			return nil, err
		}
		if e.MaxY, err = readFloat64(r); err != nil {
			return nil, err
		}
		ref.Subextent = &e
	}
	crs, err := readString(r)
	if err != nil {
		return nil, err
	}
	ref.CRS = raster.CRS(crs)
	if ref.CellTypeName, err = readString(r); err != nil {
		return nil, err
	}
	if ref.Cols, err = readInt16(r); err != nil {
		return nil, err
	}
	if ref.Rows, err = readInt16(r); err != nil {
		return nil, err
	}
	return ref, nil
}

// Tile materializes the in-row variant as a raster tile.
func (m *Materialized) Tile() (*raster.Tile, error) {
	ct, err := raster.CellTypeByName(m.CellTypeName)
	if err != nil {
		return nil, err
	}
	return raster.NewTileFromBytes(ct, int(m.Cols), int(m.Rows), m.Pixels)
}

func putString(buf *bytes.Buffer, s string) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(s)))
	buf.Write(tmp[:n])
	buf.WriteString(s)
}

func putBytes(buf *bytes.Buffer, b []byte) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(b)))
	buf.Write(tmp[:n])
	buf.Write(b)
}

func putInt16(buf *bytes.Buffer, v int16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], uint16(v))
	buf.Write(tmp[:])
}

func putFloat64(buf *bytes.Buffer, v float64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v))
	buf.Write(tmp[:])
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil || n > uint64(r.Len()) {
		return nil, ErrTruncated
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, ErrTruncated
	}
	return out, nil
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readInt16(r *bytes.Reader) (int16, error) {
	var tmp [2]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, ErrTruncated
	}
	return int16(binary.LittleEndian.Uint16(tmp[:])), nil
}

func readFloat64(r *bytes.Reader) (float64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, ErrTruncated
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(tmp[:])), nil
}
