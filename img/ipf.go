package img

import (
	"fmt"

	"floppytracer/caps"
	"floppytracer/flux"
	"floppytracer/track"
)

// IPF format info from
// http://www.softpres.org/_media/files:ipfdoc102a.zip

// sparseTimeBuf run-length encodes a per-byte density buffer into a
// density map.
func sparseTimeBuf(timeBuf []uint32) flux.DensityMap {
	var result flux.DensityMap

	currentVal := timeBuf[0]
	activeFor := 0

	for _, density := range timeBuf {
		activeFor++

		if currentVal != density {
			result = append(result, flux.DensityMapEntry{
				Cellbytes: activeFor,
				CellSize:  flux.PulseDuration(currentVal),
			})
			currentVal = density
			activeFor = 0
		}
	}

	if activeFor > 0 {
		result = append(result, flux.DensityMapEntry{
			Cellbytes: activeFor,
			CellSize:  flux.PulseDuration(currentVal),
		})
	}

	return result
}

// stripOverlap removes the overlap region of a track buffer. Tracks
// may contain more than one rotation; the overlap would raise the
// write frequency and may hold invalid cell data.
func stripOverlap[T any](buf []T, overlap int) ([]T, error) {
	switch {
	case overlap == -1:
		return buf, nil
	case overlap < 10:
		// Some images have the overlap at the beginning.
		if overlap+1 > len(buf) {
			return nil, &track.MalformedImageError{Reason: "IPF overlap behind end of data"}
		}
		return buf[1+overlap:], nil
	default:
		if overlap > len(buf) {
			return nil, &track.MalformedImageError{Reason: "IPF overlap behind end of data"}
		}
		return buf[:overlap], nil
	}
}

// ParseIPF reads an IPF preservation image through the CAPS library.
func ParseIPF(path string) (*track.RawImage, error) {
	fmt.Printf("Reading IPF from %s ...\n", path)

	image, err := caps.LoadImage(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load IPF image: %w", err)
	}

	var tracks []track.RawTrack

	for _, capsTrack := range image.Tracks {
		if len(capsTrack.Buf) == 0 {
			continue
		}

		trackBuf, err := stripOverlap(capsTrack.Buf, capsTrack.Overlap)
		if err != nil {
			return nil, err
		}

		autoCellSize := track.AutoCellSize(len(trackBuf), flux.Drive35RPM)
		if autoCellSize > 168.0 {
			autoCellSize = 168.0
		}

		var densityMap flux.DensityMap
		if capsTrack.TimeBuf != nil {
			fmt.Printf("Variable density track %d %d - auto cell size %f\n",
				capsTrack.Cylinder, capsTrack.Head, autoCellSize)

			if len(capsTrack.TimeBuf) != len(capsTrack.Buf) {
				return nil, &track.MalformedImageError{Reason: "IPF timing buffer length mismatch"}
			}

			timeBuf, err := stripOverlap(capsTrack.TimeBuf, capsTrack.Overlap)
			if err != nil {
				return nil, err
			}

			// The timing buffer is in thousandths of the nominal cell;
			// scale it into timer ticks.
			densityMap = sparseTimeBuf(timeBuf)
			for i := range densityMap {
				densityMap[i].CellSize = flux.PulseDuration(
					float64(densityMap[i].CellSize) * autoCellSize / 1000.0)
			}
		} else {
			densityMap = flux.DensityMap{{
				Cellbytes: len(trackBuf),
				CellSize:  flux.PulseDuration(autoCellSize),
			}}
		}

		tracks = append(tracks, track.NewRawTrack(
			capsTrack.Cylinder, capsTrack.Head, trackBuf, densityMap, flux.MFM))
	}

	if len(tracks) == 0 {
		return nil, &track.MalformedImageError{Reason: "IPF image contains no tracks"}
	}

	smallest := tracks[0].DensityMap[0].CellSize
	for _, t := range tracks {
		for _, entry := range t.DensityMap {
			if entry.CellSize < smallest {
				smallest = entry.CellSize
			}
		}
	}
	fmt.Printf("Smallest cell size of this image is %d / %.2f usec\n",
		smallest, float64(smallest)/flux.TimerMHz)

	return &track.RawImage{
		Tracks:   tracks,
		DiskType: flux.Inch35,
		Density:  flux.SingleDouble,
	}, nil
}
