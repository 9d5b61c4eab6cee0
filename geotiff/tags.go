package geotiff

// TIFF header markers.
const (
	leMarker uint16 = 0x4949 // "II"
	beMarker uint16 = 0x4d4d // "MM"

	tiffMagic       = 42
	bigTiffMagic    = 43
	bigTiffBytesize = 8
)

// Field types, per the TIFF 6.0 and BigTIFF specifications.
const (
	typeByte      = 1
	typeASCII     = 2
	typeShort     = 3
	typeLong      = 4
	typeRational  = 5
	typeSByte     = 6
	typeUndefined = 7
	typeSShort    = 8
	typeSLong     = 9
	typeSRational = 10
	typeFloat     = 11
	typeDouble    = 12
	typeLong8     = 16
	typeSLong8    = 17
	typeIFD8      = 18
)

// fieldTypeSize holds the byte width of each field type, indexed by type.
// Zero means unrecognized.
var fieldTypeSize = [...]uint64{
	0, 1, 1, 2, 4, 8, 1, 1, 2, 4, 8, 4, 8,
	0, 0, 0, // reserved
	8, 8, 8,
}

func fieldSize(ftype uint16) uint64 {
	if int(ftype) >= len(fieldTypeSize) {
		return 0
	}
	return fieldTypeSize[ftype]
}

// Tags this reader cares about. Everything else in the IFD is skipped.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagSamplesPerPixel = 277
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339
	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagGeoKeyDirectory = 34735
	tagGDALNoData      = 42113
)

const (
	compressionNone    = 1
	compressionDeflate = 8

	predictorNone       = 1
	predictorHorizontal = 2

	sampleFormatUint  = 1
	sampleFormatInt   = 2
	sampleFormatFloat = 3
)

// GeoTIFF keys carrying the CRS authority code.
const (
	geoKeyGeographicType  = 2048
	geoKeyProjectedCSType = 3072
)
