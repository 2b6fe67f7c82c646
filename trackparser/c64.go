package trackparser

import (
	"fmt"

	"floppytracer/flux"
	"floppytracer/gcr"
	"floppytracer/track"
)

const c64SectorSize = 256

// C64TrackParser extracts 1541 sectors: a GCR header block tagged 0x08
// followed by a data block tagged 0x07, both with XOR checksums.
type C64TrackParser struct {
	collected           []CollectedSector
	trackConfig         gcr.TrackConfiguration
	expectedTrackNumber int
}

// NewC64TrackParser creates a parser.
func NewC64TrackParser() *C64TrackParser {
	return &C64TrackParser{}
}

// ParseRawTrack decodes the recording and collects all sectors of the
// track.
func (p *C64TrackParser) ParseRawTrack(pulses []byte) (*TrackPayload, error) {
	var results []gcr.Result
	decoder := gcr.NewDecoder(func(r gcr.Result) { results = append(results, r) })
	pulseParser := flux.NewPulseToCells(decoder.Feed, int32(p.trackConfig.CellSize))

	for _, reduced := range pulses {
		pulseParser.Feed(flux.PulseDuration(int32(reduced) << flux.PulseReduceShift))
	}

	pos := 0
	next := func() (gcr.Result, bool) {
		if pos >= len(results) {
			return gcr.Result{}, false
		}
		r := results[pos]
		pos++
		return r, true
	}

	var sectorHeader []byte
	awaitingDataBlock := 0

	for {
		result, ok := next()
		if !ok {
			break
		}
		awaitingDataBlock--

		if !result.Sync {
			continue
		}

		blockType, ok := next()
		if !ok {
			break
		}
		if blockType.Sync {
			pos--
			continue
		}

		switch {
		case blockType.Data == 0x08:
			// Header block: checksum, sector, track, id2, id1.
			sectorHeader = sectorHeader[:0]
			for i := 0; i < 5; i++ {
				if r, ok := next(); ok && !r.Sync {
					sectorHeader = append(sectorHeader, r.Data)
				}
			}

			checksum := byte(0)
			for _, b := range sectorHeader {
				checksum ^= b
			}

			if len(sectorHeader) != 5 || checksum != 0 {
				fmt.Printf("Checksum of sector %d header was wrong\n", headerSectorIndex(sectorHeader))
				continue
			}

			if !p.haveSector(int(sectorHeader[1])) {
				// Expect the data block shortly after this header.
				awaitingDataBlock = 20
			}
			if int(sectorHeader[2]) != p.expectedTrackNumber {
				return nil, fmt.Errorf("sector header names track %d, expected %d",
					sectorHeader[2], p.expectedTrackNumber)
			}

		case blockType.Data == 0x07 && awaitingDataBlock > 0:
			sectorData := make([]byte, 0, c64SectorSize+1)
			for i := 0; i <= c64SectorSize; i++ {
				if r, ok := next(); ok && !r.Sync {
					sectorData = append(sectorData, r.Data)
				} else {
					break
				}
			}

			checksum := byte(0)
			for _, b := range sectorData {
				checksum ^= b
			}

			if len(sectorData) != c64SectorSize+1 || checksum != 0 {
				fmt.Printf("Checksum of sector %d data was wrong\n", sectorHeader[1])
				continue
			}

			p.collected = append(p.collected, CollectedSector{
				Index:   int(sectorHeader[1]),
				Payload: sectorData[:c64SectorSize],
			})
			if len(p.collected) == p.trackConfig.Sectors {
				break
			}
		}
	}

	if len(p.collected) != p.trackConfig.Sectors {
		return nil, fmt.Errorf("track %d has %d sectors, expected %d",
			p.expectedTrackNumber, len(p.collected), p.trackConfig.Sectors)
	}

	collected := p.collected
	p.collected = nil
	return concatenateSectors(collected, (p.expectedTrackNumber-1)<<1, 0), nil
}

func headerSectorIndex(header []byte) int {
	if len(header) > 1 {
		return int(header[1])
	}
	return -1
}

func (p *C64TrackParser) haveSector(index int) bool {
	for _, s := range p.collected {
		if s.Index == index {
			return true
		}
	}
	return false
}

// ExpectTrack maps the physical cylinder to the 1541 track number;
// the disk only uses every second cylinder and a single side.
func (p *C64TrackParser) ExpectTrack(cylinder, head int) {
	if head != 0 {
		panic("C64 disks have no second side")
	}
	p.expectedTrackNumber = cylinder>>1 + 1
	p.trackConfig = gcr.TrackSettings(p.expectedTrackNumber)
	p.collected = nil
}

func (p *C64TrackParser) StepSize() int { return 2 }

func (p *C64TrackParser) DurationToRecord() int {
	return flux.RotationTicks(flux.Drive525RPM) * 110 / 100
}

func (p *C64TrackParser) TrackDensity() flux.Density { return flux.SingleDouble }

func (p *C64TrackParser) DefaultFilter() track.Filter {
	return track.Filter{CylStart: 0, CylEnd: 68, Head: 0}
}

func (p *C64TrackParser) DefaultFileExtension() string { return "d64" }

func (p *C64TrackParser) FormatName() string { return "C64 1541" }
