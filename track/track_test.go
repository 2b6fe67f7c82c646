package track

import (
	"testing"

	"floppytracer/flux"
	"floppytracer/mfm"
)

// encodeMFMBytes builds a raw cell track from data bytes with a leading
// gap and sync.
func encodeMFMBytes(t *testing.T, gap int, data []byte) []byte {
	t.Helper()

	var buf []byte
	collector := flux.NewBitStreamCollector(func(b byte) { buf = append(buf, b) })
	encoder := mfm.NewEncoder(collector.Feed)

	for i := 0; i < gap; i++ {
		encoder.FeedByte(0x4e)
	}
	encoder.FeedSyncWord()
	encoder.FeedSyncWord()
	encoder.FeedSyncWord()
	for _, b := range data {
		encoder.FeedByte(b)
	}
	return buf
}

func TestCheckWritabilityAcceptsRegularTrack(t *testing.T) {
	raw := encodeMFMBytes(t, 60, []byte{0xfe, 1, 0, 5, 2, 0x31, 0x41})

	tr := NewRawTrack(1, 0, raw, flux.DensityMap{{Cellbytes: len(raw), CellSize: 168}}, flux.MFM)
	if err := tr.CheckWritability(); err != nil {
		t.Errorf("CheckWritability() = %v, expected nil", err)
	}
}

func TestCheckWritabilityRejectsLongGap(t *testing.T) {
	// A zero byte in the raw cell stream is 16 cells without a flux
	// transition, far beyond the 8 cell limit for MFM.
	raw := encodeMFMBytes(t, 10, []byte{0xfe, 1})
	raw = append(raw, 0x00, 0x00, 0x00)
	raw = append(raw, encodeMFMBytes(t, 2, []byte{0x01})...)

	tr := NewRawTrack(3, 1, raw, flux.DensityMap{{Cellbytes: len(raw), CellSize: 168}}, flux.MFM)
	err := tr.CheckWritability()
	if err == nil {
		t.Fatal("CheckWritability() accepted an impossible gap")
	}

	notWritable, ok := err.(*NotWritableError)
	if !ok {
		t.Fatalf("expected NotWritableError, got %T: %v", err, err)
	}
	if notWritable.Cylinder != 3 || notWritable.Head != 1 {
		t.Errorf("error names track %d %d, expected 3 1", notWritable.Cylinder, notWritable.Head)
	}
}

func TestCheckWritabilityAllowsNonFluxReversalArea(t *testing.T) {
	raw := encodeMFMBytes(t, 10, []byte{0xfe, 1})
	raw = append(raw, 0x00, 0x00, 0x00)
	raw = append(raw, encodeMFMBytes(t, 2, []byte{0x01})...)

	tr := NewRawTrackWithNonFluxReversalArea(3, 1, raw,
		flux.DensityMap{{Cellbytes: len(raw), CellSize: 168}}, flux.MFM, true)
	if err := tr.CheckWritability(); err != nil {
		t.Errorf("CheckWritability() = %v, expected nil for non flux reversal track", err)
	}
}

// A reference track whose lead-in is uniform and whose signature is a
// run of double length pulses must be anchored at the signature.
func TestSignificanceThroughLongerPulses(t *testing.T) {
	// 120 nominal pulses, then six pulses of twice the length.
	pulses := make([]flux.PulseDuration, 0, 130)
	for i := 0; i < 120; i++ {
		pulses = append(pulses, 168*2)
	}
	for i := 0; i < 6; i++ {
		pulses = append(pulses, 168*4)
	}

	offset, ok := findSignificanceLongerPulses(pulses, longPulseLimit)
	if !ok {
		t.Fatal("no significance found")
	}
	if offset != 121 {
		t.Errorf("offset = %d, expected 121", offset)
	}
}

func TestSignificanceThroughDivergence(t *testing.T) {
	// A uniform lead-in which then alternates finds significance once
	// enough divergence accumulated.
	pulses := make([]flux.PulseDuration, 0, 60)
	for i := 0; i < 40; i++ {
		pulses = append(pulses, 336)
	}
	for i := 0; i < 10; i++ {
		pulses = append(pulses, 504)
	}

	offset, ok := findSignificanceThroughDivergence(pulses, pulses[0])
	if !ok {
		t.Fatal("no significance found")
	}
	// The divergent run starts at 40; four mismatches later the score
	// reaches the trigger.
	if offset != 43 {
		t.Errorf("offset = %d, expected 43", offset)
	}
}

func TestSignificanceRejectsEarlyDivergence(t *testing.T) {
	pulses := []flux.PulseDuration{100, 200, 200, 200, 200, 100, 100, 100, 100, 100}
	if _, ok := findSignificanceThroughDivergence(pulses, pulses[0]); ok {
		t.Error("divergence inside the first eight pulses must be rejected")
	}
}

func TestFitsIntoRotation(t *testing.T) {
	// 12500 bytes at 168 ticks per cell: 12500*8*168 = 16.8M ticks,
	// exactly one rotation at 300 RPM. The safety RPM is faster, so
	// this track must be rejected, a slightly shorter one accepted.
	tr := NewRawTrack(0, 0, make([]byte, 12500),
		flux.DensityMap{{Cellbytes: 12500, CellSize: 168}}, flux.MFM)
	if err := tr.FitsIntoRotation(flux.Drive35RPM); err == nil {
		t.Error("track of exactly one nominal rotation must not fit at safety RPM")
	}

	tr.DensityMap = flux.DensityMap{{Cellbytes: 12400, CellSize: 168}}
	tr.RawData = make([]byte, 12400)
	if err := tr.FitsIntoRotation(flux.Drive35RPM); err != nil {
		t.Errorf("FitsIntoRotation() = %v, expected nil", err)
	}
}

func TestAutoCellSize(t *testing.T) {
	// A 12500 byte track at 300 RPM gives exactly 168 ticks per cell.
	got := AutoCellSize(12500, 300.0)
	if got < 167.9 || got > 168.1 {
		t.Errorf("AutoCellSize(12500, 300) = %f, expected 168", got)
	}
}

func TestFilter(t *testing.T) {
	testCases := []struct {
		name    string
		expr    string
		matches [][3]int // cylinder, head, expected(1/0)
	}{
		{"Single", "8", [][3]int{{8, 0, 1}, {8, 1, 1}, {7, 0, 0}, {9, 1, 0}}},
		{"Range", "2-4", [][3]int{{1, 0, 0}, {2, 0, 1}, {3, 1, 1}, {4, 0, 1}, {5, 0, 0}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := NewFilter(tc.expr)
			if err != nil {
				t.Fatalf("NewFilter(%q) returned error: %v", tc.expr, err)
			}
			for _, m := range tc.matches {
				if got := f.Matches(m[0], m[1]); got != (m[2] == 1) {
					t.Errorf("Matches(%d, %d) = %v, expected %v", m[0], m[1], got, m[2] == 1)
				}
			}
		})
	}

	if _, err := NewFilter("4-2"); err == nil {
		t.Error("expected error for reversed range")
	}
	if _, err := NewFilter("x"); err == nil {
		t.Error("expected error for non numeric filter")
	}
}

func TestFilterTracks(t *testing.T) {
	img := RawImage{
		Tracks: []RawTrack{
			NewRawTrack(0, 0, nil, nil, flux.MFM),
			NewRawTrack(1, 0, nil, nil, flux.MFM),
			NewRawTrack(2, 0, nil, nil, flux.MFM),
			NewRawTrack(2, 1, nil, nil, flux.MFM),
		},
	}

	f, _ := NewFilter("2")
	img.FilterTracks(f)

	if len(img.Tracks) != 2 {
		t.Fatalf("got %d tracks, expected 2", len(img.Tracks))
	}
	for _, tr := range img.Tracks {
		if tr.Cylinder != 2 {
			t.Errorf("kept cylinder %d, expected only 2", tr.Cylinder)
		}
	}
}
