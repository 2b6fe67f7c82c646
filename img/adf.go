package img

import (
	"fmt"
	"os"

	"floppytracer/flux"
	"floppytracer/mfm"
	"floppytracer/track"
)

// ADF layout info from http://lclevy.free.fr/adflib/adf_info.html

const (
	amigaMFMMask       = 0x55555555
	adfSectorsPerTrack = 11
	adfCylinders       = 80
	adfHeads           = 2
	adfBytesPerSector  = 512
	adfCellSize        = 168 // 2 us
)

// generateAmigaSector encodes one Amiga sector: preamble, two sync
// words, then header, label, checksums and payload in the odd/even
// word layout.
func generateAmigaSector(cylinder, head, sector int, sectorData []byte, encoder *mfm.Encoder) error {
	if head >= adfHeads {
		return fmt.Errorf("invalid head %d", head)
	}
	if len(sectorData) != adfBytesPerSector {
		return fmt.Errorf("sector data has %d bytes, expected %d", len(sectorData), adfBytesPerSector)
	}

	// Preamble of 0xAAAA AAAA
	encoder.FeedByte(0)
	encoder.FeedByte(0)

	// 2x sync word 0x4489 4489
	encoder.FeedSyncWord()
	encoder.FeedSyncWord()

	// The decoded header long is 0xFF TT SS SG:
	// 0xFF  Amiga v1.0 format
	// TT    track number (3 means cylinder 1, head 1)
	// SS    sector number (0 up to 10)
	// SG    sectors until end of writing, including this one
	header := 0xff000000 |
		uint32(cylinder)<<17 |
		uint32(head)<<16 |
		uint32(sector)<<8 |
		uint32(adfSectorsPerTrack-sector)

	encoder.FeedOdd16(header)
	encoder.FeedEven16(header)

	// Sector label area: OS recovery info, reserved for future use
	for i := 0; i < 4; i++ {
		encoder.FeedOdd16(0)
	}
	for i := 0; i < 4; i++ {
		encoder.FeedEven16(0)
	}

	// Header checksum
	encoder.FeedOdd16(0)
	encoder.FeedEven16((header >> 1 & amigaMFMMask) ^ (header & amigaMFMMask))

	var checksum uint32
	for i := 0; i < len(sectorData); i += 4 {
		word := uint32(sectorData[i])<<24 | uint32(sectorData[i+1])<<16 |
			uint32(sectorData[i+2])<<8 | uint32(sectorData[i+3])

		checksum ^= word & amigaMFMMask
		checksum ^= (word >> 1) & amigaMFMMask
	}

	// Data checksum
	encoder.FeedOdd16(0)
	encoder.FeedEven16(checksum)

	// First all odd data bits, then all even ones
	for i := 0; i < len(sectorData); i += 4 {
		word := uint32(sectorData[i])<<24 | uint32(sectorData[i+1])<<16 |
			uint32(sectorData[i+2])<<8 | uint32(sectorData[i+3])
		encoder.FeedOdd16(word)
	}
	for i := 0; i < len(sectorData); i += 4 {
		word := uint32(sectorData[i])<<24 | uint32(sectorData[i+1])<<16 |
			uint32(sectorData[i+2])<<8 | uint32(sectorData[i+3])
		encoder.FeedEven16(word)
	}

	return nil
}

// generateAmigaTrack encodes the eleven sectors of one track into raw
// cell data.
func generateAmigaTrack(cylinder, head int, sectors [][]byte) ([]byte, error) {
	var trackBuf []byte
	collector := flux.NewBitStreamCollector(func(b byte) { trackBuf = append(trackBuf, b) })
	encoder := mfm.NewEncoder(collector.Feed)

	for sector := 0; sector < adfSectorsPerTrack; sector++ {
		if err := generateAmigaSector(cylinder, head, sector, sectors[sector], encoder); err != nil {
			return nil, err
		}
	}
	return trackBuf, nil
}

// ParseADF reads an Amiga Disk File and produces the 160 MFM tracks of
// a double density disk.
func ParseADF(path string) (*track.RawImage, error) {
	fmt.Printf("Reading ADF from %s ...\n", path)

	buffer, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	expectedSize := adfBytesPerSector * adfHeads * adfSectorsPerTrack * adfCylinders
	if len(buffer) != expectedSize {
		return nil, &track.MalformedImageError{
			Reason: fmt.Sprintf("ADF image has %d bytes, expected %d", len(buffer), expectedSize),
		}
	}

	var tracks []track.RawTrack
	sectorOffset := 0

	for cylinder := 0; cylinder < adfCylinders; cylinder++ {
		for head := 0; head < adfHeads; head++ {
			sectors := make([][]byte, adfSectorsPerTrack)
			for i := range sectors {
				sectors[i] = buffer[sectorOffset : sectorOffset+adfBytesPerSector]
				sectorOffset += adfBytesPerSector
			}

			trackBuf, err := generateAmigaTrack(cylinder, head, sectors)
			if err != nil {
				return nil, err
			}

			densityMap := flux.DensityMap{{Cellbytes: len(trackBuf), CellSize: adfCellSize}}
			tracks = append(tracks, track.NewRawTrack(cylinder, head, trackBuf, densityMap, flux.MFM))
		}
	}

	return &track.RawImage{
		Tracks:   tracks,
		DiskType: flux.Inch35,
		Density:  flux.SingleDouble,
	}, nil
}
