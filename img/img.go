// Package img parses disk image files into raw tracks with density
// maps. Each supported container format lives in its own file and is
// dispatched by file extension.
//
// Supported formats:
//
//	*.adf        - Amiga Disk File
//	*.d64        - C64 1541 sector image
//	*.g64        - C64 1541 GCR bitstream
//	*.ipf        - SPS/CAPS preservation image (through the CAPS library)
//	*.st, *.img  - raw sector image (Atari ST / MS-DOS)
//	*.stx        - Atari ST Pasti image
//	*.dsk        - Amstrad CPC disk image
package img

import (
	"fmt"
	"path/filepath"
	"strings"

	"floppytracer/track"
)

// ParseFunc parses one image file into a RawImage.
type ParseFunc func(path string) (*track.RawImage, error)

var parsersByExtension = map[string]ParseFunc{
	"adf": ParseADF,
	"d64": ParseD64,
	"g64": ParseG64,
	"ipf": ParseIPF,
	"st":  ParseISO,
	"img": ParseISO,
	"stx": ParseSTX,
	"dsk": ParseDSK,
}

// Parse reads a disk image, choosing the parser from the file
// extension.
func Parse(path string) (*track.RawImage, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if ext == "" {
		return nil, &track.MalformedImageError{Reason: "file has no extension"}
	}

	parser, ok := parsersByExtension[ext]
	if !ok {
		return nil, fmt.Errorf("%q is an unknown file extension", ext)
	}
	return parser(path)
}
