package img

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"os"

	"floppytracer/flux"
	"floppytracer/track"
)

// G64 layout info from http://www.unusedino.de/ec64/technical/formats/g64.html

var g64SpeedTable = [4]int{227, 245, 262, 280}

// patchG64CellSize forces a cell size for known copy protection tracks.
//
// The Katakis protection track must be very precise. 245 ticks would be
// the correct timing, but that is sometimes too short because of
// fluctuations in the drive rotation. 247 is the maximum at which the
// protection still works, 245 the minimum at which it sometimes does.
// 246 is the sweet spot.
func patchG64CellSize(fileHash string, cylinder int) (int, bool) {
	switch {
	case fileHash == "53c47c575d057181a1911e6653229324" && cylinder == 70,
		fileHash == "d2aa92ccf3531fc995e771be91a45241" && cylinder == 70,
		fileHash == "406d29151e7001f6bfc7d95b7ade799d" && cylinder == 70:
		return 246, true

	// "Great Giana Sisters" protection track, same timing as Katakis.
	case fileHash == "c2334233136c523b9ec62beb8bea1e00" && cylinder == 70:
		return 246, true
	}
	return 0, false
}

// patchG64TrackData trims or rewrites known copy protection tracks. An
// empty result removes the track. The bool result reports whether the
// patch applied cleanly.
func patchG64TrackData(source []byte, fileHash string, cylinder int) ([]byte, bool) {
	copyTrimmed := func(trim int) ([]byte, bool) {
		if trim > len(source) {
			return nil, false
		}
		out := make([]byte, len(source)-trim)
		copy(out, source)
		return out, true
	}

	switch {
	// The Katakis protection track is too long in these images.
	case fileHash == "53c47c575d057181a1911e6653229324" && cylinder == 70:
		return copyTrimmed(150)
	case fileHash == "d2aa92ccf3531fc995e771be91a45241" && cylinder == 70:
		out, ok := copyTrimmed(48)
		if !ok || len(out) < 0x2ac {
			return nil, false
		}
		for i := 0; i < 0x22b; i++ {
			out[i] = 0x55
		}
		out[0x22b] = 0x57
		for i := 0x22c; i < 0x2ac; i++ {
			out[i] = 0xff
		}
		return out, true
	case fileHash == "406d29151e7001f6bfc7d95b7ade799d" && cylinder == 70:
		out, ok := copyTrimmed(90)
		if !ok || len(out) < 0x2ac {
			return nil, false
		}
		for i := 0x22c; i < 0x2ac; i++ {
			out[i] = 0xff
		}
		return out, true

	// Unused track of Katakis with impossible to write data. Remove it.
	case fileHash == "53c47c575d057181a1911e6653229324" && cylinder == 72,
		fileHash == "d2aa92ccf3531fc995e771be91a45241" && cylinder == 72,
		fileHash == "406d29151e7001f6bfc7d95b7ade799d" && cylinder == 72:
		return nil, true

	// "Great Giana Sisters" protection track is too long in this image.
	case fileHash == "c2334233136c523b9ec62beb8bea1e00" && cylinder == 70:
		return copyTrimmed(1000)
	case fileHash == "c2334233136c523b9ec62beb8bea1e00" && cylinder == 72:
		return nil, true
	}

	out := make([]byte, len(source))
	copy(out, source)
	return out, true
}

// EffectiveG64CellSize blends the speed-zone cell size with the generic
// RPM derived limit and the per-image patch table. The table cell size
// shrinks whenever the track is too long to fit one rotation at the
// target speed; known protection tracks override the result entirely.
func EffectiveG64CellSize(tableCellSize, trackLen int, fileHash string, cylinder int) int {
	cellSize := tableCellSize

	autoCellSize := int(track.AutoCellSize(trackLen, flux.Drive525RPM))
	if autoCellSize < cellSize {
		fmt.Printf("Auto reduce cellsize from %d to %d\n", cellSize, autoCellSize)
		cellSize = autoCellSize
	}

	if forced, ok := patchG64CellSize(fileHash, cylinder); ok {
		fmt.Printf("Force cell size because of patch process from %d to %d\n", cellSize, forced)
		cellSize = forced
	}

	return cellSize
}

// ParseG64 reads a C64 GCR bitstream image. Each track carries a speed
// zone index; the cell size is auto-reduced so the track fits one
// rotation, with per-image patches for known protection tracks.
func ParseG64(path string) (*track.RawImage, error) {
	fmt.Printf("Reading G64 from %s ...\n", path)

	buffer, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	fileHash := fmt.Sprintf("%x", md5.Sum(buffer))

	if len(buffer) < 12 || string(buffer[0:8]) != "GCR-1541" {
		return nil, &track.MalformedImageError{Reason: "missing GCR-1541 signature"}
	}
	if buffer[8] != 0 {
		return nil, &track.MalformedImageError{
			Reason: fmt.Sprintf("unsupported G64 version %d", buffer[8]),
		}
	}
	numberOfTracks := int(buffer[9])

	offsetTableStart := 12
	speedTableStart := offsetTableStart + numberOfTracks*4
	if len(buffer) < speedTableStart+numberOfTracks*4 {
		return nil, &track.MalformedImageError{Reason: "truncated G64 track tables"}
	}

	var tracks []track.RawTrack

	for trackIndex := 0; trackIndex < numberOfTracks; trackIndex++ {
		trackOffset := int(binary.LittleEndian.Uint32(buffer[offsetTableStart+trackIndex*4:]))
		speedIndex := int(binary.LittleEndian.Uint32(buffer[speedTableStart+trackIndex*4:]))
		if speedIndex > 3 {
			return nil, &track.MalformedImageError{
				Reason: fmt.Sprintf("track %d has invalid speed index %d", trackIndex, speedIndex),
			}
		}
		cellSize := g64SpeedTable[3-speedIndex]

		if trackOffset == 0 {
			continue
		}
		if trackOffset+2 > len(buffer) {
			return nil, &track.MalformedImageError{
				Reason: fmt.Sprintf("track %d offset behind end of file", trackIndex),
			}
		}

		actualTrackSize := int(binary.LittleEndian.Uint16(buffer[trackOffset:]))
		if trackOffset+2+actualTrackSize > len(buffer) {
			return nil, &track.MalformedImageError{
				Reason: fmt.Sprintf("track %d data behind end of file", trackIndex),
			}
		}
		trackData := buffer[trackOffset+2 : trackOffset+2+actualTrackSize]

		if allBytesAre(trackData, 0) {
			fmt.Printf("Track %d is all zero? Remove it...\n", trackIndex)
			continue
		}
		ffCount := 0
		for _, b := range trackData {
			if b == 0xff {
				ffCount++
			}
		}
		if ffCount >= len(trackData)-2 {
			fmt.Printf("Track %d is all 0xff? Remove it...\n", trackIndex)
			continue
		}

		trackCopy, ok := patchG64TrackData(trackData, fileHash, trackIndex)
		if !ok {
			return nil, &track.MalformedImageError{
				Reason: fmt.Sprintf("patch for track %d could not be applied", trackIndex),
			}
		}
		if len(trackCopy) == 0 {
			continue
		}

		cellSize = EffectiveG64CellSize(cellSize, len(trackCopy), fileHash, trackIndex)

		densityMap := flux.DensityMap{{
			Cellbytes: len(trackCopy),
			CellSize:  flux.PulseDuration(cellSize),
		}}

		tracks = append(tracks, track.NewRawTrack(trackIndex, 0, trackCopy, densityMap, flux.GCR))
	}

	return &track.RawImage{
		Tracks:   tracks,
		DiskType: flux.Inch525,
		Density:  flux.SingleDouble,
	}, nil
}

func allBytesAre(data []byte, val byte) bool {
	for _, b := range data {
		if b != val {
			return false
		}
	}
	return true
}
