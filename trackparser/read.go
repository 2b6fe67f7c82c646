package trackparser

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"floppytracer/flux"
	"floppytracer/track"
)

// readAttempts is how often a track read is retried before giving up.
const readAttempts = 5

// FluxSource is the device view the read path needs; the USB
// connection implements it.
type FluxSource interface {
	Configure(drive flux.DriveSelect, density flux.Density, indexSimFrequency uint32) error
	ReadTrack(cylinder, head int, waitForIndex bool, recordDurationTicks uint32) ([]byte, error)
}

// readTrackWithRetry records one track and parses it, retrying on
// decode failures.
func readTrackWithRetry(source FluxSource, parser TrackParser, cylinder, head int) (*TrackPayload, error) {
	for attempt := 0; attempt < readAttempts; attempt++ {
		parser.ExpectTrack(cylinder, head)

		raw, err := source.ReadTrack(cylinder, head, false, uint32(parser.DurationToRecord()))
		if err != nil {
			return nil, err
		}

		payload, err := parser.ParseRawTrack(raw)
		if err == nil {
			return payload, nil
		}

		fmt.Printf("Reading of track %d %d not successful (%v). Try again...\n", cylinder, head, err)
	}
	return nil, fmt.Errorf("unable to read track %d %d", cylinder, head)
}

// ReadTracksToImage reads a cylinder range from disk and writes the
// sector image to the output file. The parser is chosen from the file
// extension.
func ReadTracksToImage(source FluxSource, filter *track.Filter, filePath string, drive flux.DriveSelect) error {
	extension := strings.ToLower(strings.TrimPrefix(filepath.Ext(filePath), "."))
	parser, err := ParserForExtension(extension)
	if err != nil {
		return err
	}

	if err := source.Configure(drive, parser.TrackDensity(), 0); err != nil {
		return err
	}

	effective := parser.DefaultFilter()
	if filter != nil {
		effective = *filter
	}

	cylinderBegin := effective.CylStart
	if cylinderBegin < 0 {
		cylinderBegin = parser.DefaultFilter().CylStart
	}
	cylinderEnd := effective.CylEnd
	if cylinderEnd < 0 {
		cylinderEnd = parser.DefaultFilter().CylEnd
	}

	heads := []int{0, 1}
	switch {
	case effective.Head == 0 || parser.DefaultFilter().Head == 0:
		heads = []int{0}
	case effective.Head == 1:
		heads = []int{1}
	}

	fmt.Printf("Reading cylinders %d to %d\n", cylinderBegin, cylinderEnd)

	outfile, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("unable to create %s: %w", filePath, err)
	}
	defer outfile.Close()

	for cylinder := cylinderBegin; cylinder <= cylinderEnd; cylinder += parser.StepSize() {
		for _, head := range heads {
			payload, err := readTrackWithRetry(source, parser, cylinder, head)
			if err != nil {
				return err
			}

			if payload.Cylinder != cylinder || payload.Head != head {
				return fmt.Errorf("track %d %d decoded as %d %d",
					cylinder, head, payload.Cylinder, payload.Head)
			}

			if _, err := outfile.Write(payload.Payload); err != nil {
				return fmt.Errorf("failed to write image data: %w", err)
			}
		}
	}

	return nil
}

// DiscoverFormat reads the first track with every known parser until
// one of them produces sectors, and reports what it found.
func DiscoverFormat(source FluxSource, drive flux.DriveSelect) (TrackParser, error) {
	candidates := []TrackParser{
		NewIsoTrackParser(0, flux.High),
		NewIsoTrackParser(0, flux.SingleDouble),
		NewAmigaTrackParser(flux.SingleDouble),
		NewC64TrackParser(),
	}

	for _, parser := range candidates {
		if err := source.Configure(drive, parser.TrackDensity(), 0); err != nil {
			return nil, err
		}

		parser.ExpectTrack(0, 0)
		raw, err := source.ReadTrack(0, 0, false, uint32(parser.DurationToRecord()))
		if err != nil {
			return nil, err
		}

		payload, err := parser.ParseRawTrack(raw)
		if err != nil {
			continue
		}

		fmt.Printf("Disk format: %s\n", parser.FormatName())
		fmt.Printf("Suggested file extension: *.%s\n", parser.DefaultFileExtension())
		fmt.Printf("First track holds %d bytes\n", len(payload.Payload))
		return parser, nil
	}

	return nil, fmt.Errorf("no known disk format detected")
}
