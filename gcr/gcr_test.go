package gcr

import (
	"testing"
)

// GCR_ENCODE[0xA] = 0b11010 and GCR_ENCODE[0xB] = 0b01011, so byte 0xAB
// encodes to the ten cells 1101001011.
func TestEncodeTable(t *testing.T) {
	var cells []int
	ToGCRStream(0xab, func(cell bool) {
		if cell {
			cells = append(cells, 1)
		} else {
			cells = append(cells, 0)
		}
	})

	expected := []int{1, 1, 0, 1, 0, 0, 1, 0, 1, 1}
	if len(cells) != len(expected) {
		t.Fatalf("got %d cells, expected %d", len(cells), len(expected))
	}
	for i := range expected {
		if cells[i] != expected[i] {
			t.Errorf("cell %d = %d, expected %d", i, cells[i], expected[i])
		}
	}
}

// Encode bytes after a sync mark and decode them again.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name  string
		bytes []byte
	}{
		{"SingleByte", []byte{0x07}},
		{"HeaderBlock", []byte{0x08, 0x42, 0x11, 0x05, 0x30, 0x39}},
		{"AllValues", func() []byte {
			all := make([]byte, 256)
			for i := range all {
				all[i] = byte(i)
			}
			return all
		}()},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var results []Result
			decoder := NewDecoder(func(r Result) { results = append(results, r) })

			// Five 0xff bytes form the sync mark.
			for i := 0; i < 5; i++ {
				for j := 0; j < 8; j++ {
					decoder.Feed(true)
				}
			}
			for _, b := range tc.bytes {
				ToGCRStream(b, decoder.Feed)
			}

			if len(results) == 0 || !results[0].Sync {
				t.Fatalf("expected sync first, got %v", results)
			}

			var decoded []byte
			for _, r := range results[1:] {
				if r.Sync {
					continue
				}
				decoded = append(decoded, r.Data)
			}

			if len(decoded) != len(tc.bytes) {
				t.Fatalf("decoded %d bytes, expected %d", len(decoded), len(tc.bytes))
			}
			for i := range tc.bytes {
				if decoded[i] != tc.bytes[i] {
					t.Errorf("byte %d = 0x%02x, expected 0x%02x", i, decoded[i], tc.bytes[i])
				}
			}
		})
	}
}

// A sync is only reported once per run of ones.
func TestSyncDetection(t *testing.T) {
	var results []Result
	decoder := NewDecoder(func(r Result) { results = append(results, r) })

	for i := 0; i < 40; i++ {
		decoder.Feed(true)
	}

	syncs := 0
	for _, r := range results {
		if r.Sync {
			syncs++
		}
	}
	if syncs != 1 {
		t.Errorf("got %d syncs for one run of ones, expected 1", syncs)
	}

	// Nine ones are not a sync.
	results = nil
	decoder = NewDecoder(func(r Result) { results = append(results, r) })
	for i := 0; i < 9; i++ {
		decoder.Feed(true)
	}
	decoder.Feed(false)
	for _, r := range results {
		if r.Sync {
			t.Error("nine ones must not be reported as sync")
		}
	}
}

func TestTrackSettings(t *testing.T) {
	testCases := []struct {
		track    int
		cellSize int
		sectors  int
	}{
		{1, 227, 21},
		{17, 227, 21},
		{18, 245, 19},
		{24, 245, 19},
		{25, 262, 18},
		{30, 262, 18},
		{31, 280, 17},
		{35, 280, 17},
	}

	for _, tc := range testCases {
		settings := TrackSettings(tc.track)
		if settings.CellSize != tc.cellSize {
			t.Errorf("track %d cell size = %d, expected %d", tc.track, settings.CellSize, tc.cellSize)
		}
		if settings.Sectors != tc.sectors {
			t.Errorf("track %d sectors = %d, expected %d", tc.track, settings.Sectors, tc.sectors)
		}
	}
}
