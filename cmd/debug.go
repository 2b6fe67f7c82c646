package cmd

import (
	"bufio"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"os"

	"floppytracer/track"
)

// writeDebugTextFile dumps the parsed image as text: per track the
// position, encoding, density map and a hex dump of the raw cell data.
// The MD5 over all track metadata and data is printed for use in
// regression tests.
func writeDebugTextFile(path string, image *track.RawImage) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create %s: %w", path, err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	hash := md5.New()

	var scratch [8]byte
	hashInt32 := func(val int32) {
		binary.LittleEndian.PutUint32(scratch[:4], uint32(val))
		hash.Write(scratch[:4])
	}
	hashInt64 := func(val int) {
		binary.LittleEndian.PutUint64(scratch[:], uint64(val))
		hash.Write(scratch[:])
	}

	for i := range image.Tracks {
		t := &image.Tracks[i]

		hashInt32(int32(t.Cylinder))
		hashInt32(int32(t.Head))
		for _, entry := range t.DensityMap {
			hashInt32(int32(entry.CellSize))
			hashInt64(entry.Cellbytes)
		}
		hash.Write(t.RawData)

		fmt.Fprintf(w, "Cylinder %d Head %d Encoding %v\n", t.Cylinder, t.Head, t.Encoding)
		if t.HasNonFluxReversalArea {
			fmt.Fprintln(w, "Has Non Flux Reversal Area")
		}
		for _, entry := range t.DensityMap {
			fmt.Fprintf(w, "For %d cells use density %d\n", entry.Cellbytes, entry.CellSize)
		}

		for offset := 0; offset < len(t.RawData); offset += 16 {
			end := offset + 16
			if end > len(t.RawData) {
				end = len(t.RawData)
			}
			fmt.Fprintf(w, "%06x:", offset)
			for _, b := range t.RawData[offset:end] {
				fmt.Fprintf(w, " %02x", b)
			}
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w)
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	fmt.Printf("MD5 for unit test: %x\n", hash.Sum(nil))
	return nil
}
