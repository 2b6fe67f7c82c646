package img

import (
	"encoding/binary"
	"fmt"
	"os"

	"floppytracer/flux"
	"floppytracer/mfm"
	"floppytracer/track"
)

// DSK layout info from
// https://www.cpcwiki.eu/index.php/Format:DSK_disk_image_file_format
// and https://simonowen.com/misc/extextdsk.txt

const fdc765Stat2ControlMark = 1 << 6

// ParseDSK reads an Amstrad CPC disk image, basic or extended variant.
func ParseDSK(path string) (*track.RawImage, error) {
	fmt.Printf("Reading DSK from %s ...\n", path)

	buffer, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(buffer) < 0x100 {
		return nil, &track.MalformedImageError{Reason: "DSK file too short"}
	}

	discInfo := buffer[0:256]

	var extended bool
	switch string(discInfo[0:34]) {
	case "MV - CPCEMU Disk-File\r\nDisk-Info\r\n":
		extended = false
	case "EXTENDED CPC DSK File\r\nDisk-Info\r\n":
		extended = true
	default:
		return nil, &track.MalformedImageError{Reason: "DSK file not in expected format"}
	}

	numberOfCylinders := int(discInfo[0x30])
	numberOfSides := int(discInfo[0x31])
	numberOfTracks := numberOfCylinders * numberOfSides

	// The track size table only exists in the extended variant.
	var trackSizeTable []byte
	if extended {
		if 0x34+numberOfTracks > len(discInfo) {
			return nil, &track.MalformedImageError{Reason: "DSK track size table out of bounds"}
		}
		trackSizeTable = discInfo[0x34 : 0x34+numberOfTracks]
	}

	var tracks []track.RawTrack

	// The first track information block starts at offset 0x100.
	fileOffset := 0x100

	for trackIndex := 0; trackIndex < numberOfTracks; trackIndex++ {
		// A track of zero size is unformatted; skip it.
		if trackSizeTable != nil && trackSizeTable[trackIndex] == 0 {
			continue
		}

		if fileOffset+0x100 > len(buffer) {
			return nil, &track.MalformedImageError{Reason: "DSK track information block out of bounds"}
		}
		trackInfo := buffer[fileOffset:]

		if string(trackInfo[0:12]) != "Track-Info\r\n" {
			return nil, &track.MalformedImageError{Reason: "DSK track information block missing"}
		}

		trackNumber := int(trackInfo[0x10])
		sideNumber := int(trackInfo[0x11])
		numberOfSectors := int(trackInfo[0x15])

		var trackBuf []byte
		collector := flux.NewBitStreamCollector(func(b byte) { trackBuf = append(trackBuf, b) })
		encoder := mfm.NewEncoder(collector.Feed)

		sectorInfo := trackInfo[0x18:]

		// The first sector starts 0x100 bytes after the header.
		fileOffset += 0x100

		geometry := NewIsoGeometry(numberOfSectors)
		generateIsoGap(geometry.Gap1Size, 0x4e, encoder)

		for sector := 0; sector < numberOfSectors; sector++ {
			info := sectorInfo[sector*8:]
			sectorTrack := info[0]
			sectorSide := info[1]
			sectorID := info[2]
			sectorSize := info[3]
			fdcStatus2 := info[5]

			// The extended format stores the actual data length,
			// which matters for the oversized sectors of the Hexagon
			// protection.
			actualDataLength := 128 << sectorSize
			if extended {
				actualDataLength = int(binary.LittleEndian.Uint16(info[6:8]))
			}

			if fileOffset+actualDataLength > len(buffer) {
				return nil, &track.MalformedImageError{Reason: "DSK sector data out of bounds"}
			}
			sectorData := buffer[fileOffset : fileOffset+actualDataLength]
			fileOffset += actualDataLength

			// Sector data blocks are aligned to 0x100 boundaries.
			if fileOffset&0xff != 0 {
				fileOffset = (fileOffset | 0xff) + 1
			}

			generateIsoSectorHeader(geometry.Gap2Size, sectorTrack, sectorSide, sectorID, sectorSize, encoder)
			generateIsoGap(geometry.Gap3aSize, 0x4e, encoder)

			// Some protections use sectors marked as deleted.
			var addressMark byte
			if fdcStatus2&fdc765Stat2ControlMark != 0 {
				addressMark = mfm.ISODDAM
			}
			generateIsoDataHeader(geometry.Gap3bSize, encoder, addressMark)
			generateIsoDataWithCRC(sectorData, encoder, addressMark)

			generateIsoGap(geometry.Gap4Size, 0x4e, encoder)
		}

		// End the track.
		generateIsoGap(geometry.Gap5Size, 0x4e, encoder)

		autoCellSize := track.AutoCellSize(len(trackBuf), flux.Drive35RPM)
		if autoCellSize > 168.0 {
			autoCellSize = 168.0
		}

		densityMap := flux.DensityMap{{
			Cellbytes: len(trackBuf),
			CellSize:  flux.PulseDuration(autoCellSize),
		}}

		tracks = append(tracks, track.NewRawTrack(trackNumber, sideNumber, trackBuf, densityMap, flux.MFM))
	}

	return &track.RawImage{
		Tracks:   tracks,
		DiskType: flux.Inch35,
		Density:  flux.SingleDouble,
	}, nil
}
