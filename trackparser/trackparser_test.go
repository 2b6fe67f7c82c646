package trackparser

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"floppytracer/flux"
	"floppytracer/img"
	"floppytracer/track"
)

// reducedPulses converts a raw track into the reduced pulse bytes the
// device would deliver for it.
func reducedPulses(t *testing.T, tr *track.RawTrack) []byte {
	t.Helper()

	pulses, err := tr.Pulses()
	if err != nil {
		t.Fatalf("Pulses() returned error: %v", err)
	}

	out := make([]byte, 0, len(pulses))
	for _, p := range pulses {
		reduced := int32(p) >> flux.PulseReduceShift
		if reduced > 0xff {
			reduced = 0xff
		}
		out = append(out, byte(reduced))
	}
	return out
}

func writeTempImage(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// A D64 track written and read back yields the identical sector bytes.
func TestC64TrackRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(0x42))
	imageData := make([]byte, 174848)
	rng.Read(imageData)

	image, err := img.ParseD64(writeTempImage(t, "test.d64", imageData))
	if err != nil {
		t.Fatalf("ParseD64() returned error: %v", err)
	}

	// Track 1 sits on cylinder 0 and has 21 sectors of 256 bytes in
	// the 227 tick zone.
	tr := &image.Tracks[0]
	if tr.DensityMap[0].CellSize != 227 {
		t.Fatalf("track 1 cell size = %d, expected 227", tr.DensityMap[0].CellSize)
	}

	parser := NewC64TrackParser()
	parser.ExpectTrack(0, 0)

	payload, err := parser.ParseRawTrack(reducedPulses(t, tr))
	if err != nil {
		t.Fatalf("ParseRawTrack() returned error: %v", err)
	}

	expected := imageData[:21*256]
	if len(payload.Payload) != len(expected) {
		t.Fatalf("payload has %d bytes, expected %d", len(payload.Payload), len(expected))
	}
	for i := range expected {
		if payload.Payload[i] != expected[i] {
			t.Fatalf("payload byte %d = 0x%02x, expected 0x%02x", i, payload.Payload[i], expected[i])
		}
	}
	if payload.Cylinder != 0 || payload.Head != 0 {
		t.Errorf("payload position %d %d, expected 0 0", payload.Cylinder, payload.Head)
	}
}

// An Amiga track written and read back yields the identical sector
// bytes.
func TestAmigaTrackRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	imageData := make([]byte, 901120)
	rng.Read(imageData)

	image, err := img.ParseADF(writeTempImage(t, "test.adf", imageData))
	if err != nil {
		t.Fatalf("ParseADF() returned error: %v", err)
	}

	// Cylinder 30 head 1 is file track 61.
	const fileTrack = 30*2 + 1
	tr := &image.Tracks[fileTrack]
	if tr.Cylinder != 30 || tr.Head != 1 {
		t.Fatalf("unexpected track position %d %d", tr.Cylinder, tr.Head)
	}

	parser := NewAmigaTrackParser(flux.SingleDouble)
	parser.ExpectTrack(30, 1)

	payload, err := parser.ParseRawTrack(reducedPulses(t, tr))
	if err != nil {
		t.Fatalf("ParseRawTrack() returned error: %v", err)
	}

	expected := imageData[fileTrack*11*512 : (fileTrack+1)*11*512]
	if len(payload.Payload) != len(expected) {
		t.Fatalf("payload has %d bytes, expected %d", len(payload.Payload), len(expected))
	}
	for i := range expected {
		if payload.Payload[i] != expected[i] {
			t.Fatalf("payload byte %d = 0x%02x, expected 0x%02x", i, payload.Payload[i], expected[i])
		}
	}
}

// An ISO track written and read back yields the identical sector
// bytes.
func TestIsoTrackRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	imageData := make([]byte, 80*2*9*512)
	rng.Read(imageData)

	image, err := img.ParseISO(writeTempImage(t, "test.st", imageData))
	if err != nil {
		t.Fatalf("ParseISO() returned error: %v", err)
	}

	// Cylinder 2 head 1 is file track 5.
	const fileTrack = 2*2 + 1
	tr := &image.Tracks[fileTrack]

	parser := NewIsoTrackParser(9, flux.SingleDouble)
	parser.ExpectTrack(2, 1)

	payload, err := parser.ParseRawTrack(reducedPulses(t, tr))
	if err != nil {
		t.Fatalf("ParseRawTrack() returned error: %v", err)
	}

	expected := imageData[fileTrack*9*512 : (fileTrack+1)*9*512]
	if len(payload.Payload) != len(expected) {
		t.Fatalf("payload has %d bytes, expected %d", len(payload.Payload), len(expected))
	}
	for i := range expected {
		if payload.Payload[i] != expected[i] {
			t.Fatalf("payload byte %d = 0x%02x, expected 0x%02x", i, payload.Payload[i], expected[i])
		}
	}
}

// stubParser counts parse attempts and fails until a given attempt.
type stubParser struct {
	IsoTrackParser
	failuresLeft int
	attempts     int
}

func (p *stubParser) ParseRawTrack(pulses []byte) (*TrackPayload, error) {
	p.attempts++
	if p.failuresLeft > 0 {
		p.failuresLeft--
		return nil, fmt.Errorf("simulated decode failure")
	}
	return &TrackPayload{Cylinder: 0, Head: 0, Payload: []byte{1, 2, 3}}, nil
}

// stubSource returns canned pulse data.
type stubSource struct {
	reads int
}

func (s *stubSource) Configure(drive flux.DriveSelect, density flux.Density, indexSimFrequency uint32) error {
	return nil
}

func (s *stubSource) ReadTrack(cylinder, head int, waitForIndex bool, recordDurationTicks uint32) ([]byte, error) {
	s.reads++
	return []byte{42, 42, 42}, nil
}

func TestReadTrackRetries(t *testing.T) {
	source := &stubSource{}
	parser := &stubParser{failuresLeft: 3}

	payload, err := readTrackWithRetry(source, parser, 0, 0)
	if err != nil {
		t.Fatalf("readTrackWithRetry() returned error: %v", err)
	}
	if parser.attempts != 4 {
		t.Errorf("parser ran %d times, expected 4", parser.attempts)
	}
	if source.reads != 4 {
		t.Errorf("device read %d times, expected 4", source.reads)
	}
	if len(payload.Payload) != 3 {
		t.Errorf("unexpected payload %v", payload.Payload)
	}

	// Persistent failure exhausts the retries.
	parser = &stubParser{failuresLeft: 100}
	if _, err := readTrackWithRetry(source, parser, 0, 0); err == nil {
		t.Error("expected error after exhausted retries")
	}
	if parser.attempts != readAttempts {
		t.Errorf("parser ran %d times, expected %d", parser.attempts, readAttempts)
	}
}

func TestParserForExtension(t *testing.T) {
	testCases := []struct {
		extension string
		wantErr   bool
	}{
		{"adf", false},
		{"d64", false},
		{"st", false},
		{"img", false},
		{"g64", true},
		{"xyz", true},
	}

	for _, tc := range testCases {
		_, err := ParserForExtension(tc.extension)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParserForExtension(%q) error = %v, wantErr %v", tc.extension, err, tc.wantErr)
		}
	}
}
