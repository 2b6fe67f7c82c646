package trackparser

import (
	"encoding/binary"
	"fmt"

	"floppytracer/flux"
	"floppytracer/mfm"
	"floppytracer/track"
)

const (
	amigaWordsPerSector = 128
	amigaSectorSize     = 512
)

// AmigaTrackParser extracts Amiga sectors from the raw MFM word
// stream: header and data in the odd/even layout, both protected by
// XOR checksums.
type AmigaTrackParser struct {
	collected           []CollectedSector
	expectedSectors     int
	expectedTrackNumber int
}

// NewAmigaTrackParser creates a parser for the given density: a double
// density disk has 11 sectors per track, a high density one 22.
func NewAmigaTrackParser(density flux.Density) *AmigaTrackParser {
	expectedSectors := 11
	if density == flux.High {
		expectedSectors = 22
	}
	return &AmigaTrackParser{expectedSectors: expectedSectors}
}

// ParseRawTrack decodes the recording and collects all sectors of the
// track.
func (p *AmigaTrackParser) ParseRawTrack(pulses []byte) (*TrackPayload, error) {
	var words []mfm.RawWord
	decoder := mfm.NewRawDecoder(func(w mfm.RawWord) { words = append(words, w) })
	pulseParser := flux.NewPulseToCells(decoder.Feed, 168)

	for _, reduced := range pulses {
		pulseParser.Feed(flux.PulseDuration(int32(reduced) << flux.PulseReduceShift))
	}

	pos := 0
	for pos < len(words) {
		if !words[pos].Sync {
			pos++
			continue
		}
		pos++

		sector, err := p.parseSector(words, &pos)
		if err != nil {
			fmt.Printf("%v\n", err)
			continue
		}

		if !p.haveSector(sector.Index) {
			p.collected = append(p.collected, *sector)
			if len(p.collected) == p.expectedSectors {
				break
			}
		}
	}

	if len(p.collected) != p.expectedSectors {
		return nil, fmt.Errorf("track %d has %d sectors, expected %d",
			p.expectedTrackNumber, len(p.collected), p.expectedSectors)
	}

	collected := p.collected
	p.collected = nil
	return concatenateSectors(collected, p.expectedTrackNumber>>1, p.expectedTrackNumber&1), nil
}

// readEvenBits pulls the data bits of the next raw word.
func readEvenBits(words []mfm.RawWord, pos *int) uint32 {
	if *pos >= len(words) {
		return 0
	}
	w := words[*pos]
	*pos++
	if w.Sync {
		return 0
	}
	return mfm.EvenBits(w.Raw)
}

// parseSector decodes one sector after a sync word.
func (p *AmigaTrackParser) parseSector(words []mfm.RawWord, pos *int) (*CollectedSector, error) {
	headerOdd := readEvenBits(words, pos)
	if headerOdd == 0 {
		// Filter out a second sync word; a real header odd half is
		// never zero.
		headerOdd = readEvenBits(words, pos)
	}
	headerEven := readEvenBits(words, pos)
	header := headerOdd<<1 | headerEven

	// Every sector header starts with 0xff.
	if header&0xff000000 != 0xff000000 {
		return nil, fmt.Errorf("sector header 0x%08x not starting with 0xff", header)
	}

	trackNum := int(header >> 16 & 0xff)
	sector := int(header >> 8 & 0xff)

	if trackNum != p.expectedTrackNumber {
		return nil, fmt.Errorf("sector %d has track %d, expected %d", sector, trackNum, p.expectedTrackNumber)
	}

	checksum := headerOdd ^ headerEven

	// Sector label, odd then even halves.
	for i := 0; i < 8; i++ {
		checksum ^= readEvenBits(words, pos)
	}

	// Header checksum.
	checksum ^= readEvenBits(words, pos)
	checksum ^= readEvenBits(words, pos)
	if checksum != 0 {
		return nil, fmt.Errorf("header checksum of sector %d is wrong", sector)
	}

	// Data checksum comes before the data.
	checksum ^= readEvenBits(words, pos)
	checksum ^= readEvenBits(words, pos)

	payload := make([]byte, amigaSectorSize)

	// Odd data bits first.
	for i := 0; i < amigaWordsPerSector; i++ {
		word := readEvenBits(words, pos)
		checksum ^= word
		binary.BigEndian.PutUint32(payload[i*4:], word<<1)
	}

	// Even bits complete the payload.
	for i := 0; i < amigaWordsPerSector; i++ {
		word := readEvenBits(words, pos)
		checksum ^= word
		restored := binary.BigEndian.Uint32(payload[i*4:]) | word
		binary.BigEndian.PutUint32(payload[i*4:], restored)
	}

	if checksum != 0 {
		return nil, fmt.Errorf("data checksum of sector %d %d is wrong", trackNum, sector)
	}

	return &CollectedSector{Index: sector, Payload: payload}, nil
}

func (p *AmigaTrackParser) haveSector(index int) bool {
	for _, s := range p.collected {
		if s.Index == index {
			return true
		}
	}
	return false
}

func (p *AmigaTrackParser) ExpectTrack(cylinder, head int) {
	p.expectedTrackNumber = cylinder<<1 | head
	p.collected = nil
}

func (p *AmigaTrackParser) StepSize() int { return 1 }

func (p *AmigaTrackParser) DurationToRecord() int {
	return flux.RotationTicks(flux.Drive35RPM) * 110 / 100
}

func (p *AmigaTrackParser) TrackDensity() flux.Density {
	if p.expectedSectors == 22 {
		return flux.High
	}
	return flux.SingleDouble
}

func (p *AmigaTrackParser) DefaultFilter() track.Filter {
	return track.Filter{CylStart: 0, CylEnd: 79, Head: -1}
}

func (p *AmigaTrackParser) DefaultFileExtension() string { return "adf" }

func (p *AmigaTrackParser) FormatName() string { return "Amiga" }
