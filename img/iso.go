package img

import (
	"fmt"
	"os"

	"floppytracer/flux"
	"floppytracer/mfm"
	"floppytracer/track"
)

// ISO track layout info from
// https://www-user.tu-chemnitz.de/~heha/basteln/PC/usbfloppy/floppy.chm/
// and http://info-coach.fr/atari/software/FD-Soft.php

const (
	isoHeads          = 2
	isoBytesPerSector = 512
)

var possibleCylinderCounts = []int{38, 39, 40, 41, 42, 78, 79, 80, 81, 82}
var possibleSectorCounts = []int{9, 10, 11, 15, 18}

// IsoGeometry bundles the gap sizes and interleaving of one track
// layout.
type IsoGeometry struct {
	SectorsPerTrack int
	Gap1Size        int // after index pulse, 0x4E
	Gap2Size        int // 0x00 before sector header
	Gap3aSize       int // 0x4E after sector header
	Gap3bSize       int // 0x00 before actual data
	Gap4Size        int // 0x4E after data
	Gap5Size        int // ends the track
	Interleaving    int // 0 means no interleaving applied
}

// NewIsoGeometry selects the gap structure for a sector count.
func NewIsoGeometry(sectorsPerTrack int) IsoGeometry {
	switch sectorsPerTrack {
	case 10:
		return IsoGeometry{
			SectorsPerTrack: sectorsPerTrack,
			Gap1Size:        60, Gap2Size: 12, Gap3aSize: 22, Gap3bSize: 12,
			Gap4Size: 40, Gap5Size: 20, Interleaving: 1,
		}
	case 11:
		return IsoGeometry{
			SectorsPerTrack: sectorsPerTrack,
			Gap1Size:        10, Gap2Size: 3, Gap3aSize: 22, Gap3bSize: 12,
			Gap4Size: 1, Gap5Size: 10, Interleaving: 1,
		}
	case 1:
		return IsoGeometry{
			SectorsPerTrack: sectorsPerTrack,
			Gap1Size:        60, Gap2Size: 12, Gap3aSize: 22, Gap3bSize: 12,
			Gap4Size: 1, Gap5Size: 10, Interleaving: 0,
		}
	default:
		// Standard for 9 and 18 sectors. Gap 5 would usually be 664
		// but a smaller value makes verification faster: the drive
		// needs some 588 microseconds to recover from writing before
		// it can read again, and by then we are already at the index.
		return IsoGeometry{
			SectorsPerTrack: sectorsPerTrack,
			Gap1Size:        60, Gap2Size: 12, Gap3aSize: 22, Gap3bSize: 12,
			Gap4Size: 40, Gap5Size: 600, Interleaving: 0,
		}
	}
}

func calculateFloppyGeometry(numberBytes int) (int, int, error) {
	// Iterate over sectors first. This favors 80 cylinders with 9
	// sectors over 40 cylinders with 18, which is the sensible guess.
	for _, sectors := range possibleSectorCounts {
		for _, cylinders := range possibleCylinderCounts {
			if numberBytes == cylinders*isoHeads*isoBytesPerSector*sectors {
				fmt.Printf("Disk has %d cylinders and %d sectors!\n", cylinders, sectors)
				return cylinders, sectors, nil
			}
		}
	}
	return 0, 0, &track.MalformedImageError{
		Reason: fmt.Sprintf("no known geometry for %d bytes", numberBytes),
	}
}

// generateIsoGap encodes gapSize bytes of the given fill value.
func generateIsoGap(gapSize int, value byte, encoder *mfm.Encoder) {
	for i := 0; i < gapSize; i++ {
		encoder.FeedByte(value)
	}
}

// generateIsoSectorHeader encodes the gap, sync and IDAM header of one
// sector including its CRC.
func generateIsoSectorHeader(gap2Size int, idamCylinder, idamHead, idamSector, idamSize byte, encoder *mfm.Encoder) {
	generateIsoGap(gap2Size, 0, encoder)
	encoder.FeedSyncWord()
	encoder.FeedSyncWord()
	encoder.FeedSyncWord()

	header := []byte{mfm.ISOIDAM, idamCylinder, idamHead, idamSector, idamSize}

	crc := mfm.CRC16(mfm.CRCInit, []byte{mfm.ISOSyncByte, mfm.ISOSyncByte, mfm.ISOSyncByte})
	crc = mfm.CRC16(crc, header)

	for _, b := range header {
		encoder.FeedByte(b)
	}
	encoder.FeedByte(byte(crc >> 8))
	encoder.FeedByte(byte(crc))
}

// generateIsoDataHeader encodes the gap, sync and address mark starting
// a data block. A zero addressMark selects the regular DAM.
func generateIsoDataHeader(gap3bSize int, encoder *mfm.Encoder, addressMark byte) {
	if addressMark == 0 {
		addressMark = mfm.ISODAM
	}
	generateIsoGap(gap3bSize, 0, encoder)
	encoder.FeedSyncWord()
	encoder.FeedSyncWord()
	encoder.FeedSyncWord()
	encoder.FeedByte(addressMark)
}

func isoDataCRC(sectorData []byte, addressMark byte) uint16 {
	if addressMark == 0 {
		addressMark = mfm.ISODAM
	}
	crc := mfm.CRC16(mfm.CRCInit, []byte{mfm.ISOSyncByte, mfm.ISOSyncByte, mfm.ISOSyncByte, addressMark})
	return mfm.CRC16(crc, sectorData)
}

// generateIsoDataWithCRC encodes the payload of a data block followed
// by its CRC.
func generateIsoDataWithCRC(sectorData []byte, encoder *mfm.Encoder, addressMark byte) {
	crc := isoDataCRC(sectorData, addressMark)

	for _, b := range sectorData {
		encoder.FeedByte(b)
	}
	encoder.FeedByte(byte(crc >> 8))
	encoder.FeedByte(byte(crc))
}

// generateIsoDataWithBrokenCRC encodes a data block whose CRC is
// deliberately wrong, for images that record sectors with CRC errors.
func generateIsoDataWithBrokenCRC(sectorData []byte, encoder *mfm.Encoder) {
	crc := isoDataCRC(sectorData, 0) + 0x1212 // destroy the CRC

	for _, b := range sectorData {
		encoder.FeedByte(b)
	}
	encoder.FeedByte(byte(crc >> 8))
	encoder.FeedByte(byte(crc))
}

func generateInterleavingTable(sectorsPerTrack, interleaving int) []int {
	table := make([]int, sectorsPerTrack)
	used := make([]bool, sectorsPerTrack)
	target := 0
	for index := 0; index < sectorsPerTrack; index++ {
		// A slot already taken moves the sector to the next free one.
		for used[target] {
			target = (target + 1) % sectorsPerTrack
		}
		table[target] = index
		used[target] = true
		target = (target + interleaving + 1) % sectorsPerTrack
	}
	return table
}

// generateIsoTrack encodes one full track of sectors with the given
// geometry.
func generateIsoTrack(cylinder, head int, geometry IsoGeometry, sectors [][]byte) []byte {
	var trackBuf []byte
	collector := flux.NewBitStreamCollector(func(b byte) { trackBuf = append(trackBuf, b) })
	encoder := mfm.NewEncoder(collector.Feed)

	interleavingTable := generateInterleavingTable(geometry.SectorsPerTrack, geometry.Interleaving)

	// Just after the index pulse
	generateIsoGap(geometry.Gap1Size, 0x4e, encoder)

	for _, index := range interleavingTable {
		idamSector := byte(index + 1)
		sectorData := sectors[index]

		generateIsoSectorHeader(geometry.Gap2Size, byte(cylinder), byte(head), idamSector, 2, encoder)

		// The gap between sector header and data
		generateIsoGap(geometry.Gap3aSize, 0x4e, encoder)
		generateIsoDataHeader(geometry.Gap3bSize, encoder, 0)
		generateIsoDataWithCRC(sectorData, encoder, 0)

		// Gap after the sector
		generateIsoGap(geometry.Gap4Size, 0x4e, encoder)
	}

	// End the track
	generateIsoGap(geometry.Gap5Size, 0x4e, encoder)

	return trackBuf
}

// ParseISO reads a raw sector image (.st or .img), deriving the
// geometry from the file size.
func ParseISO(path string) (*track.RawImage, error) {
	fmt.Printf("Reading ISO image from %s ...\n", path)

	buffer, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cylinders, sectorsPerTrack, err := calculateFloppyGeometry(len(buffer))
	if err != nil {
		return nil, err
	}

	geometry := NewIsoGeometry(sectorsPerTrack)

	cellSize := flux.PulseDuration(168)
	density := flux.SingleDouble
	if sectorsPerTrack >= 15 {
		cellSize = 84
		density = flux.High
	}

	var tracks []track.RawTrack
	offset := 0

	for cylinder := 0; cylinder < cylinders; cylinder++ {
		for head := 0; head < isoHeads; head++ {
			sectors := make([][]byte, sectorsPerTrack)
			for i := range sectors {
				sectors[i] = buffer[offset : offset+isoBytesPerSector]
				offset += isoBytesPerSector
			}

			trackBuf := generateIsoTrack(cylinder, head, geometry, sectors)

			densityMap := flux.DensityMap{{Cellbytes: len(trackBuf), CellSize: cellSize}}
			tracks = append(tracks, track.NewRawTrack(cylinder, head, trackBuf, densityMap, flux.MFM))
		}
	}

	return &track.RawImage{
		Tracks:   tracks,
		DiskType: flux.Inch35,
		Density:  density,
	}, nil
}
