// Package track defines the raw track model produced by the image
// readers and consumed by the USB transport, together with the
// preflight checks that decide whether a track can exist on a physical
// disk.
package track

import (
	"fmt"

	"floppytracer/flux"
)

// RawTrack is one track of cell data with its density map, ready to be
// written to disk. Tracks are immutable while a write is in flight.
type RawTrack struct {
	Cylinder                int
	Head                    int
	RawData                 []byte
	DensityMap              flux.DensityMap
	FirstSignificanceOffset int // -1 until computed
	Encoding                flux.Encoding
	WritePrecompensation    int
	HasNonFluxReversalArea  bool
}

// NewRawTrack creates a track without a non-flux-reversal area.
func NewRawTrack(cylinder, head int, rawData []byte, densityMap flux.DensityMap, encoding flux.Encoding) RawTrack {
	return RawTrack{
		Cylinder:                cylinder,
		Head:                    head,
		RawData:                 rawData,
		DensityMap:              densityMap,
		FirstSignificanceOffset: -1,
		Encoding:                encoding,
	}
}

// NewRawTrackWithNonFluxReversalArea creates a track which may contain
// intentional long gaps without flux transitions.
func NewRawTrackWithNonFluxReversalArea(cylinder, head int, rawData []byte, densityMap flux.DensityMap, encoding flux.Encoding, hasNonFluxReversalArea bool) RawTrack {
	t := NewRawTrack(cylinder, head, rawData, densityMap, encoding)
	t.HasNonFluxReversalArea = hasNonFluxReversalArea
	return t
}

// RawImage is the parsed form of a disk image file.
type RawImage struct {
	Tracks   []RawTrack
	DiskType flux.DiskType
	Density  flux.Density
}

// NotWritableError reports a track whose pulse gaps are physically
// impossible to reproduce on a disk.
type NotWritableError struct {
	Cylinder int
	Head     int
	Offset   int                // byte offset of the offending data
	Gap      flux.PulseDuration // the impossible gap
}

func (e *NotWritableError) Error() string {
	return fmt.Sprintf("track %d head %d is not writable: impossible pulse gap %d at byte offset %d",
		e.Cylinder, e.Head, e.Gap, e.Offset)
}

// MalformedImageError reports an image file the readers cannot accept.
type MalformedImageError struct {
	Reason string
}

func (e *MalformedImageError) Error() string {
	return "malformed image: " + e.Reason
}

// Pulses converts the track into its pulse durations, ending with a
// final flux transition to avoid a dangling pause.
func (t *RawTrack) Pulses() ([]flux.PulseDuration, error) {
	cellData, err := flux.NewRawCellData(t.DensityMap, t.RawData, t.HasNonFluxReversalArea)
	if err != nil {
		return nil, err
	}

	var result []flux.PulseDuration
	generator := flux.NewPulseGenerator(func(p flux.PulseDuration) { result = append(result, p) }, 0)

	for _, part := range cellData.Parts() {
		generator.CellDuration = int32(part.CellSize)
		for _, cellByte := range part.Cells {
			flux.ToBitStream(cellByte, generator.Feed)
		}
	}
	generator.Feed(true)

	return result, nil
}

// CheckWritability simulates pulse generation over the density map and
// rejects the track if any gap falls outside the physical bounds of the
// encoding. Tracks with a non-flux-reversal area may exceed the upper
// bound.
func (t *RawTrack) CheckWritability() error {
	cellData, err := flux.NewRawCellData(t.DensityMap, t.RawData, t.HasNonFluxReversalArea)
	if err != nil {
		return &MalformedImageError{Reason: err.Error()}
	}
	if len(t.DensityMap) == 0 {
		return &MalformedImageError{Reason: "track has no density map"}
	}

	baseCell := int32(t.DensityMap[0].CellSize)

	var maxGap, minGap int32
	switch t.Encoding {
	case flux.GCR:
		maxGap = baseCell * 5
		minGap = baseCell - flux.SimilarityThreshold
	case flux.MFM:
		maxGap = baseCell * 8
		// Legal MFM never produces pulses closer than two cells.
		minGap = baseCell + flux.SimilarityThreshold
	}

	trackOffset := 0
	var badGap flux.PulseDuration

	generator := flux.NewPulseGenerator(func(p flux.PulseDuration) {
		gap := int32(p)
		if gap > maxGap && t.HasNonFluxReversalArea {
			// Expected for protection tracks, the gap is intentional.
			return
		}
		if badGap == 0 && (gap > maxGap || gap < minGap) {
			badGap = p
		}
	}, baseCell)

	if t.Encoding == flux.MFM {
		generator.Feed(false)
	}

	for _, part := range cellData.Parts() {
		generator.CellDuration = int32(part.CellSize)
		for _, cellByte := range part.Cells {
			trackOffset++
			flux.ToBitStream(cellByte, generator.Feed)
			if badGap != 0 {
				return &NotWritableError{
					Cylinder: t.Cylinder,
					Head:     t.Head,
					Offset:   trackOffset,
					Gap:      badGap,
				}
			}
		}
	}

	return nil
}

// FitsIntoRotation verifies that the total cell duration of the track
// does not exceed one rotation of the disk at the given speed.
func (t *RawTrack) FitsIntoRotation(rpm float64) error {
	total := 0
	for _, entry := range t.DensityMap {
		total += entry.Cellbytes * 8 * int(entry.CellSize)
	}

	rotation := flux.RotationTicks(rpm)
	if total > rotation {
		return fmt.Errorf("track %d head %d takes %d ticks but one rotation at %.1f RPM is only %d",
			t.Cylinder, t.Head, total, rpm, rotation)
	}
	return nil
}

// AutoCellSize derives the cell duration in timer ticks which spreads
// trackLen bytes evenly over one rotation at the given speed.
func AutoCellSize(trackLen int, rpm float64) float64 {
	numberOfCells := float64(trackLen * 8)
	secondsPerRotation := 60.0 / rpm
	microsecondsPerCell := 1e6 * secondsPerRotation / numberOfCells
	return flux.TimerMHz * microsecondsPerCell
}
