// Package trackparser decodes raw pulse recordings of physical tracks
// back into sector data. The three dialects share the same shape:
// pulses to cells, a sync aware byte stream, then a sector extractor.
package trackparser

import (
	"fmt"
	"sort"

	"floppytracer/flux"
	"floppytracer/track"
)

// CollectedSector is one successfully decoded sector of a track.
type CollectedSector struct {
	Index   int
	Payload []byte
}

// TrackPayload is the reassembled content of one track, sectors
// concatenated in index order.
type TrackPayload struct {
	Cylinder int
	Head     int
	Payload  []byte
}

// TrackParser decodes raw pulse recordings of one format dialect.
type TrackParser interface {
	// ParseRawTrack decodes one recorded track. The pulse bytes are
	// reduced durations as delivered by the device.
	ParseRawTrack(pulses []byte) (*TrackPayload, error)
	// ExpectTrack announces the physical position of the next
	// recording.
	ExpectTrack(cylinder, head int)
	// StepSize is the cylinder increment between file tracks.
	StepSize() int
	// DurationToRecord is the recording length in timer ticks,
	// slightly more than one rotation.
	DurationToRecord() int
	// TrackDensity is the drive density to configure.
	TrackDensity() flux.Density
	// DefaultFilter is the cylinder range of a full disk.
	DefaultFilter() track.Filter
	// DefaultFileExtension names the natural image extension.
	DefaultFileExtension() string
	// FormatName describes the format for the discover output.
	FormatName() string
}

// concatenateSectors orders collected sectors by index and
// concatenates their payloads.
func concatenateSectors(collected []CollectedSector, cylinder, head int) *TrackPayload {
	sort.SliceStable(collected, func(a, b int) bool {
		return collected[a].Index < collected[b].Index
	})

	var data []byte
	for _, sector := range collected {
		data = append(data, sector.Payload...)
	}

	return &TrackPayload{
		Cylinder: cylinder,
		Head:     head,
		Payload:  data,
	}
}

// ParserForExtension selects the parser matching an image file
// extension.
func ParserForExtension(extension string) (TrackParser, error) {
	switch extension {
	case "adf":
		return NewAmigaTrackParser(flux.SingleDouble), nil
	case "d64":
		return NewC64TrackParser(), nil
	case "st":
		return NewIsoTrackParser(9, flux.SingleDouble), nil
	case "img":
		return NewIsoTrackParser(18, flux.High), nil
	default:
		return nil, fmt.Errorf("%q is an unknown file extension for reading", extension)
	}
}
