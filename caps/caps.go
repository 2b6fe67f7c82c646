// Package caps wraps the external CAPS/SPS library used to decode IPF
// preservation images. The library is treated as an opaque oracle: it
// hands back per-track cell buffers, optional density timing and an
// optional overlap position.
//
// The default build has no binding to the C library and reports
// ErrNotAvailable; a cgo binding can replace loadImage when the
// library is present at build time.
package caps

import "errors"

// ErrNotAvailable is returned when the CAPS library is not compiled in
// or cannot be initialized.
var ErrNotAvailable = errors.New("CAPS library not available")

// Track is one track as delivered by the library.
type Track struct {
	Cylinder int
	Head     int
	Buf      []byte   // raw cell data
	TimeBuf  []uint32 // per-byte density timing, nil for constant density
	Overlap  int      // overlap position, -1 when the track holds one rotation
}

// Image is the decoded content of an IPF file.
type Image struct {
	Tracks []Track
}

// loadImage is replaced by the cgo binding when the CAPS library is
// linked in.
var loadImage = func(path string) (*Image, error) {
	return nil, ErrNotAvailable
}

// LoadImage decodes an IPF file through the CAPS library.
func LoadImage(path string) (*Image, error) {
	return loadImage(path)
}
