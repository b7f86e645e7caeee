package transport

// Stream header.
const (
	tagVersion = 0xFF

	// WireVersion is the version written by Serializer.
	WireVersion = 1

	// LegacyVersion is assigned to streams without a header. Legacy streams
	// use fixed-width little-endian lengths and integers instead of varints.
	LegacyVersion = 0
)

// Value tags.
const (
	tagUndefined = '_'
	tagNull      = '0'
	tagTrue      = 'T'
	tagFalse     = 'F'
	tagInt       = 'I' // followed by a width byte
	tagUint      = 'U' // followed by a width byte
	tagFloat64   = 'N'
	tagFloat32   = 'n'
	tagBigInt    = 'Z'
	tagString    = 'S'
	tagBytes     = 'B'
	tagDate      = 'D'
	tagArray     = 'A'
	tagArrayEnd  = '$'
	tagObject    = 'o'
	tagObjectEnd = '{'
	tagShared    = 'u'
)

// Integer width markers following tagInt and tagUint.
const (
	widthNative = 0 // Go int
	width32     = 32
	width64     = 64
)

// Limits applied by both sides.
const (
	MaxDepth      = 512
	MaxStringSize = 16 << 20
)

// child returns path extended by elem. The result never shares path's
// backing array, so siblings cannot overwrite each other's paths.
func child(path []string, elem string) []string {
	return append(path[:len(path):len(path)], elem)
}
