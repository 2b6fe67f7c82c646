package precomp

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"

	"floppytracer/flux"
	"floppytracer/track"
	"floppytracer/usb"
)

// Calibration cylinders. Around cylinder 40 most drives switch on
// their internal write precompensation; that region is sampled densely
// to filter exactly that out.
var calibrationCylinders = []int{0, 10, 20, 30, 39, 40, 41, 42, 43, 44, 50, 60, 70, 75, 79}

// failMarker is recorded instead of a deviation when a write failed
// outright.
const failMarker = 55

// maxPrecompFor returns the upper end of the precompensation sweep for
// a medium.
func maxPrecompFor(density flux.Density, diskType flux.DiskType) (int, error) {
	switch {
	case density == flux.High && diskType == flux.Inch35:
		return 12, nil
	case density == flux.SingleDouble && diskType == flux.Inch35:
		return 22, nil
	case density == flux.SingleDouble && diskType == flux.Inch525:
		return 14, nil
	}
	return 0, fmt.Errorf("unsupported medium for write precompensation calibration")
}

// Calibrate sweeps the write precompensation over a set of cylinders
// using tracks of the provided image, collecting the maximum read
// deviation of every attempt into wprecomp.csv.
func Calibrate(conn *usb.Connection, image *track.RawImage) error {
	fmt.Printf("tracks len %d\n", len(image.Tracks))
	fmt.Printf("Disk type %v %v\n", image.Density, image.DiskType)

	maxPrecomp, err := maxPrecompFor(image.Density, image.DiskType)
	if err != nil {
		return err
	}

	results := make(map[int][]int)

	// processAnswer drains responses, collecting one deviation entry
	// per finished track. With last set it waits for the final answer
	// instead of returning at the next GotCmd.
	processAnswer := func(last bool) error {
		for {
			answer, err := conn.ReadAnswer()
			if err != nil {
				return err
			}

			switch answer.Kind {
			case usb.AnswerWrittenAndVerified:
				fmt.Printf("Verified write of cylinder %d head %d - writes:%d, reads:%d, max_err:%d write_precomp:%d\n",
					answer.Cylinder, answer.Head, answer.Writes, answer.Reads,
					answer.MaxErr, answer.WritePrecomp)
				results[answer.Cylinder] = append(results[answer.Cylinder], answer.MaxErr)
				if last {
					return nil
				}

			case usb.AnswerGotCmd:
				if !last {
					return nil
				}

			case usb.AnswerFail:
				fmt.Printf("Failed writing track %d head %d - writes:%d, reads:%d\n",
					answer.Cylinder, answer.Head, answer.Writes, answer.Reads)
				results[answer.Cylinder] = append(results[answer.Cylinder], failMarker)
				if last {
					return nil
				}

			case usb.AnswerWriteProtected:
				return fmt.Errorf("disk is write protected")
			}
		}
	}

	for _, forcedCylinder := range calibrationCylinders {
		// Use the track of that cylinder when the image has one, any
		// track otherwise.
		var calibTrack *track.RawTrack
		for i := range image.Tracks {
			if image.Tracks[i].Cylinder == forcedCylinder {
				calibTrack = &image.Tracks[i]
				break
			}
		}
		if calibTrack == nil {
			fmt.Println("Just use the last track...")
			calibTrack = &image.Tracks[len(image.Tracks)-1]
		}

		calibTrack.Cylinder = forcedCylinder
		results[forcedCylinder] = nil

		for precompValue := 0; precompValue < maxPrecomp; precompValue++ {
			calibTrack.WritePrecompensation = precompValue
			if err := conn.WriteRawTrack(calibTrack); err != nil {
				return err
			}
			if err := processAnswer(false); err != nil {
				return err
			}
		}
	}

	// Collect the last outstanding answer.
	if err := processAnswer(true); err != nil {
		return err
	}

	fmt.Printf("%v\n", results)

	return writeCalibrationCSV("wprecomp.csv", results, maxPrecomp)
}

// writeCalibrationCSV stores the sweep results: one row per cylinder,
// one column per precompensation value.
func writeCalibrationCSV(path string, results map[int][]int, maxPrecomp int) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create %s: %w", path, err)
	}
	defer file.Close()

	w := csv.NewWriter(file)

	header := []string{""}
	for precompValue := 0; precompValue < maxPrecomp; precompValue++ {
		header = append(header, strconv.Itoa(precompValue))
	}
	if err := w.Write(header); err != nil {
		return err
	}

	cylinders := make([]int, 0, len(results))
	for cylinder := range results {
		cylinders = append(cylinders, cylinder)
	}
	sort.Ints(cylinders)

	for _, cylinder := range cylinders {
		row := []string{strconv.Itoa(cylinder)}
		for _, deviation := range results[cylinder] {
			row = append(row, strconv.Itoa(deviation))
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}

	w.Flush()
	return w.Error()
}
