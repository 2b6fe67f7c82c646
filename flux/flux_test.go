package flux

import (
	"testing"
)

// Verify that one rotation at 300 RPM equals 16.8 million timer ticks.
func TestRotationTicks(t *testing.T) {
	result := RotationTicks(300.0)
	if result != 16800000 {
		t.Errorf("RotationTicks(300) = %d, expected 16800000", result)
	}
}

func TestPulseDurationSimilar(t *testing.T) {
	testCases := []struct {
		name     string
		a, b     PulseDuration
		expected bool
	}{
		{"Equal", 168, 168, true},
		{"JustInside", 168, 168 + 39, true},
		{"JustOutside", 168, 168 + 40, false},
		{"NegativeDiff", 168 + 39, 168, true},
		{"FarOff", 168, 500, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.Similar(tc.b, SimilarityThreshold); got != tc.expected {
				t.Errorf("Similar(%d, %d) = %v, expected %v", tc.a, tc.b, got, tc.expected)
			}
		})
	}
}

func TestDensityMapReduce(t *testing.T) {
	m := DensityMap{
		{Cellbytes: 10, CellSize: 168},
		{Cellbytes: 20, CellSize: 168},
		{Cellbytes: 5, CellSize: 227},
		{Cellbytes: 5, CellSize: 227},
		{Cellbytes: 1, CellSize: 168},
	}

	reduced := m.Reduce()
	if len(reduced) != 3 {
		t.Fatalf("Reduce() returned %d entries, expected 3", len(reduced))
	}
	if reduced[0].Cellbytes != 30 || reduced[0].CellSize != 168 {
		t.Errorf("entry 0 = %+v, expected {30 168}", reduced[0])
	}
	if reduced[1].Cellbytes != 10 || reduced[1].CellSize != 227 {
		t.Errorf("entry 1 = %+v, expected {10 227}", reduced[1])
	}
	if reduced[2].Cellbytes != 1 || reduced[2].CellSize != 168 {
		t.Errorf("entry 2 = %+v, expected {1 168}", reduced[2])
	}

	// The total byte count must survive the reduction.
	if m.Cellbytes() != reduced.Cellbytes() {
		t.Errorf("Cellbytes changed from %d to %d", m.Cellbytes(), reduced.Cellbytes())
	}
}

func TestToBitStream(t *testing.T) {
	var out []int

	for _, b := range []byte{0xaa, 0x44, 0x89, 0x2a} {
		ToBitStream(b, func(cell bool) {
			if cell {
				out = append(out, 1)
			} else {
				out = append(out, 0)
			}
		})
	}

	expected := []int{
		1, 0, 1, 0, 1, 0, 1, 0, // aa
		0, 1, 0, 0, 0, 1, 0, 0, // 44
		1, 0, 0, 0, 1, 0, 0, 1, // 89
		0, 0, 1, 0, 1, 0, 1, 0, // 2a
	}

	if len(out) != len(expected) {
		t.Fatalf("got %d bits, expected %d", len(out), len(expected))
	}
	for i := range expected {
		if out[i] != expected[i] {
			t.Errorf("bit %d = %d, expected %d", i, out[i], expected[i])
		}
	}
}

func TestBitStreamCollector(t *testing.T) {
	var out []byte
	collector := NewBitStreamCollector(func(b byte) { out = append(out, b) })

	input := []byte{0x55, 0xaa, 0x12}
	for _, b := range input {
		ToBitStream(b, collector.Feed)
	}

	if len(out) != len(input) {
		t.Fatalf("collected %d bytes, expected %d", len(out), len(input))
	}
	for i := range input {
		if out[i] != input[i] {
			t.Errorf("byte %d = 0x%02x, expected 0x%02x", i, out[i], input[i])
		}
	}
}

func TestCellsToPulses(t *testing.T) {
	cells := []int{1, 0, 0, 1, 0, 1, 1, 0, 0, 0, 0, 1}
	var result []PulseDuration

	generator := NewPulseGenerator(func(p PulseDuration) { result = append(result, p) }, 100)
	for _, c := range cells {
		generator.Feed(c == 1)
	}

	expected := []PulseDuration{100, 300, 200, 100, 500}
	if len(result) != len(expected) {
		t.Fatalf("got %d pulses, expected %d: %v", len(result), len(expected), result)
	}
	for i := range expected {
		if result[i] != expected[i] {
			t.Errorf("pulse %d = %d, expected %d", i, result[i], expected[i])
		}
	}
}

// Feed pulses with jitter up to just below half a cell and expect the
// cell stream to be recovered exactly.
func TestPulsesToCells(t *testing.T) {
	for _, offset := range []int32{-49, -20, 0, 20, 49} {
		pulses := []PulseDuration{
			PulseDuration(300 + offset),
			PulseDuration(200 + offset),
			PulseDuration(100 + offset),
			PulseDuration(500 + offset),
		}

		var result []int
		parser := NewPulseToCells(func(cell bool) {
			if cell {
				result = append(result, 1)
			} else {
				result = append(result, 0)
			}
		}, 100)
		for _, p := range pulses {
			parser.Feed(p)
		}

		expected := []int{0, 0, 1, 0, 1, 1, 0, 0, 0, 0, 1}
		if len(result) != len(expected) {
			t.Fatalf("offset %d: got %d cells, expected %d: %v", offset, len(result), len(expected), result)
		}
		for i := range expected {
			if result[i] != expected[i] {
				t.Errorf("offset %d: cell %d = %d, expected %d", offset, i, result[i], expected[i])
			}
		}
	}
}

// Cells to pulses and back must round-trip for jitter below half a cell.
func TestPulseCellRoundTrip(t *testing.T) {
	cells := []int{1, 0, 1, 0, 0, 1, 0, 0, 0, 1, 1, 0, 1}

	var pulses []PulseDuration
	generator := NewPulseGenerator(func(p PulseDuration) { pulses = append(pulses, p) }, 168)
	for _, c := range cells {
		generator.Feed(c == 1)
	}

	var recovered []int
	parser := NewPulseToCells(func(cell bool) {
		if cell {
			recovered = append(recovered, 1)
		} else {
			recovered = append(recovered, 0)
		}
	}, 168)
	for _, p := range pulses {
		parser.Feed(p)
	}

	// The generator accumulates leading zero cells into the first
	// pulse, so recovery starts at the first one-cell.
	if len(recovered) != len(cells) {
		t.Fatalf("got %d cells, expected %d", len(recovered), len(cells))
	}
	for i := range cells {
		if recovered[i] != cells[i] {
			t.Errorf("cell %d = %d, expected %d", i, recovered[i], cells[i])
		}
	}
}

func TestSplitInParts(t *testing.T) {
	cells := make([]byte, 30)
	speeds := DensityMap{
		{Cellbytes: 10, CellSize: 168},
		{Cellbytes: 20, CellSize: 227},
	}

	data, err := NewRawCellData(speeds, cells, false)
	if err != nil {
		t.Fatalf("NewRawCellData() returned error: %v", err)
	}

	parts := data.Parts()
	if len(parts) != 2 {
		t.Fatalf("got %d parts, expected 2", len(parts))
	}
	if len(parts[0].Cells) != 10 || parts[0].CellSize != 168 {
		t.Errorf("part 0 has %d cells and size %d", len(parts[0].Cells), parts[0].CellSize)
	}
	if len(parts[1].Cells) != 20 || parts[1].CellSize != 227 {
		t.Errorf("part 1 has %d cells and size %d", len(parts[1].Cells), parts[1].CellSize)
	}

	// A map not covering the data exactly must be rejected.
	badSpeeds := DensityMap{{Cellbytes: 29, CellSize: 168}}
	if _, err := NewRawCellData(badSpeeds, cells, false); err == nil {
		t.Error("expected error for density map not covering the track")
	}
}
