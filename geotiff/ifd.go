package geotiff

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ifdEntry is one directory entry. Values small enough to fit in the
// entry are kept inline; larger values are read on demand from offset.
type ifdEntry struct {
	tag    uint16
	ftype  uint16
	count  uint64
	inline []byte
	offset uint64
}

// readHeader parses the TIFF/BigTIFF header and returns the offset of
// the first IFD.
func (s *Source) readHeader() (uint64, error) {
	if _, err := s.reader.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	var marker uint16
	if err := binary.Read(s.reader, binary.BigEndian, &marker); err != nil {
		return 0, err
	}
	switch marker {
	case leMarker:
		s.byteOrder = binary.LittleEndian
	case beMarker:
		s.byteOrder = binary.BigEndian
	default:
		return 0, errors.New("invalid byte order marker")
	}

	var magic uint16
	if err := binary.Read(s.reader, s.byteOrder, &magic); err != nil {
		return 0, err
	}
	switch magic {
	case tiffMagic:
		var off32 uint32
		if err := binary.Read(s.reader, s.byteOrder, &off32); err != nil {
			return 0, err
		}
		return uint64(off32), nil
	case bigTiffMagic:
		s.isBigTIFF = true
		var bytesize, reserved uint16
		if err := binary.Read(s.reader, s.byteOrder, &bytesize); err != nil {
			return 0, err
		}
		if bytesize != bigTiffBytesize {
			return 0, errors.New("invalid BigTIFF bytesize")
		}
		if err := binary.Read(s.reader, s.byteOrder, &reserved); err != nil {
			return 0, err
		}
		var off64 uint64
		if err := binary.Read(s.reader, s.byteOrder, &off64); err != nil {
			return 0, err
		}
		return off64, nil
	default:
		return 0, fmt.Errorf("invalid tiff identifier: %d", magic)
	}
}

// readIFD reads every entry of the directory at off. Entries with
// unrecognized field types are skipped rather than failing the parse.
func (s *Source) readIFD(off uint64) ([]ifdEntry, error) {
	if _, err := s.reader.Seek(int64(off), io.SeekStart); err != nil {
		return nil, err
	}

	var numEntries uint64
	if s.isBigTIFF {
		if err := binary.Read(s.reader, s.byteOrder, &numEntries); err != nil {
			return nil, err
		}
	} else {
		var n16 uint16
		if err := binary.Read(s.reader, s.byteOrder, &n16); err != nil {
			return nil, err
		}
		numEntries = uint64(n16)
	}

	entryLen, inlineLen := 12, 4
	if s.isBigTIFF {
		entryLen, inlineLen = 20, 8
	}
	block := make([]byte, entryLen*int(numEntries))
	if _, err := io.ReadFull(s.reader, block); err != nil {
		return nil, fmt.Errorf("read IFD block: %w", err)
	}

	entries := make([]ifdEntry, 0, numEntries)
	for i := uint64(0); i < numEntries; i++ {
		raw := block[int(i)*entryLen : int(i+1)*entryLen]
		e := ifdEntry{
			tag:   s.byteOrder.Uint16(raw[0:]),
			ftype: s.byteOrder.Uint16(raw[2:]),
		}
		if fieldSize(e.ftype) == 0 {
			s.logger.Warn("skipping tag with unrecognized field type",
				"tag", e.tag, "field_type", e.ftype)
			continue
		}
		valueBytes := raw[entryLen-inlineLen:]
		if s.isBigTIFF {
			e.count = s.byteOrder.Uint64(raw[4:])
			e.offset = s.byteOrder.Uint64(valueBytes)
		} else {
			e.count = uint64(s.byteOrder.Uint32(raw[4:]))
			e.offset = uint64(s.byteOrder.Uint32(valueBytes))
		}
		if total := fieldSize(e.ftype) * e.count; total <= uint64(inlineLen) {
			e.inline = valueBytes[:total]
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// entryReader returns a reader positioned over the entry's value bytes.
func (s *Source) entryReader(e ifdEntry) (io.Reader, error) {
	if e.inline != nil {
		return bytes.NewReader(e.inline), nil
	}
	ra, ok := s.reader.(io.ReaderAt)
	if !ok {
		return nil, ErrNoReaderAt
	}
	return io.NewSectionReader(ra, int64(e.offset), int64(fieldSize(e.ftype)*e.count)), nil
}

// entryUints reads an integer-typed entry as uint64 values.
func (s *Source) entryUints(e ifdEntry) ([]uint64, error) {
	r, err := s.entryReader(e)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, e.count)
	switch e.ftype {
	case typeShort:
		vals := make([]uint16, e.count)
		if err := binary.Read(r, s.byteOrder, vals); err != nil {
			return nil, err
		}
		for i, v := range vals {
			out[i] = uint64(v)
		}
	case typeLong:
		vals := make([]uint32, e.count)
		if err := binary.Read(r, s.byteOrder, vals); err != nil {
			return nil, err
		}
		for i, v := range vals {
			out[i] = uint64(v)
		}
	case typeLong8, typeIFD8:
		if err := binary.Read(r, s.byteOrder, out); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("field type %d is not an unsigned integer type", e.ftype)
	}
	return out, nil
}

// entryInt reads the first value of an integer-typed entry.
func (s *Source) entryInt(e ifdEntry) (int, error) {
	vals, err := s.entryUints(e)
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return 0, errors.New("empty integer tag")
	}
	return int(vals[0]), nil
}

func (s *Source) entryDoubles(e ifdEntry) ([]float64, error) {
	if e.ftype != typeDouble {
		return nil, fmt.Errorf("field type %d is not DOUBLE", e.ftype)
	}
	r, err := s.entryReader(e)
	if err != nil {
		return nil, err
	}
	out := make([]float64, e.count)
	if err := binary.Read(r, s.byteOrder, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Source) entryASCII(e ifdEntry) (string, error) {
	if e.ftype != typeASCII {
		return "", fmt.Errorf("field type %d is not ASCII", e.ftype)
	}
	r, err := s.entryReader(e)
	if err != nil {
		return "", err
	}
	buf := make([]byte, e.count)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(bytes.Trim(buf, "\x00")), nil
}
