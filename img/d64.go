package img

import (
	"fmt"
	"os"

	"floppytracer/flux"
	"floppytracer/gcr"
	"floppytracer/track"
)

// D64 layout info from http://www.baltissen.org/newhtm/1541c.htm

const (
	d64Cylinders      = 35
	d64BytesPerSector = 256
	d64ImageSize      = 174848

	// Nothing specific as disk id. Just something random.
	d64ID1 = 0x39
	d64ID2 = 0x30
)

// generateD64Track encodes the sectors of one 1541 track into GCR cell
// data. The track number starts at 1.
func generateD64Track(trackNum int, sectors [][]byte) ([]byte, gcr.TrackConfiguration) {
	settings := gcr.TrackSettings(trackNum)

	var trackBuf []byte
	collector := flux.NewBitStreamCollector(func(b byte) { trackBuf = append(trackBuf, b) })
	feedRaw := func(val byte) { flux.ToBitStream(val, collector.Feed) }
	feedGCR := func(val byte) { gcr.ToGCRStream(val, collector.Feed) }

	for sector := 0; sector < settings.Sectors; sector++ {
		sectorBuf := sectors[sector]

		// Header block
		for i := 0; i < 5; i++ {
			feedRaw(0xff)
		}

		checksum := byte(sector) ^ byte(trackNum) ^ d64ID1 ^ d64ID2
		feedGCR(0x08)
		feedGCR(checksum)
		feedGCR(byte(sector))
		feedGCR(byte(trackNum))
		feedGCR(d64ID2)
		feedGCR(d64ID1)
		feedGCR(0x0f)
		feedGCR(0x0f)

		// Gap between header and data block
		for i := 0; i < 5; i++ {
			feedRaw(0x55)
		}

		// Data block
		for i := 0; i < 5; i++ {
			feedRaw(0xff)
		}

		checksum = 0
		feedGCR(0x07)
		for _, b := range sectorBuf {
			feedGCR(b)
			checksum ^= b
		}
		feedGCR(checksum)
		feedGCR(0x00)
		feedGCR(0x00)

		for i := 0; i < settings.GapSize; i++ {
			feedRaw(0x55)
		}
	}

	return trackBuf, settings
}

// ParseD64 reads a C64 1541 sector image. The 35 zoned tracks occupy
// every second cylinder of a 5.25" drive.
func ParseD64(path string) (*track.RawImage, error) {
	fmt.Printf("Reading D64 from %s ...\n", path)

	buffer, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(buffer) != d64ImageSize {
		return nil, &track.MalformedImageError{
			Reason: fmt.Sprintf("D64 image has %d bytes, expected %d", len(buffer), d64ImageSize),
		}
	}

	var tracks []track.RawTrack
	offset := 0

	for srcCylinder := 0; srcCylinder < d64Cylinders; srcCylinder++ {
		trackNum := srcCylinder + 1
		settings := gcr.TrackSettings(trackNum)

		sectors := make([][]byte, settings.Sectors)
		for i := range sectors {
			sectors[i] = buffer[offset : offset+d64BytesPerSector]
			offset += d64BytesPerSector
		}

		trackBuf, _ := generateD64Track(trackNum, sectors)

		densityMap := flux.DensityMap{{
			Cellbytes: len(trackBuf),
			CellSize:  flux.PulseDuration(settings.CellSize),
		}}

		tracks = append(tracks, track.NewRawTrack(srcCylinder*2, 0, trackBuf, densityMap, flux.GCR))
	}

	return &track.RawImage{
		Tracks:   tracks,
		DiskType: flux.Inch525,
		Density:  flux.SingleDouble,
	}, nil
}
