package img

import (
	"encoding/binary"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"floppytracer/flux"
	"floppytracer/gcr"
	"floppytracer/track"
)

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

// checkAlignedAmigaMFMTrack walks an Amiga track buffer long by long
// and validates sync words, sector headers and both checksums.
// It returns the sector payloads in disk order.
func checkAlignedAmigaMFMTrack(t *testing.T, buffer []byte) [][]byte {
	t.Helper()

	readLong := func(offset int) uint32 {
		return binary.BigEndian.Uint32(buffer[offset : offset+4])
	}

	var payloads [][]byte
	offset := 0

	for sector := 0; sector < adfSectorsPerTrack; sector++ {
		// Find the next sync long.
		for readLong(offset) != 0x44894489 {
			offset += 4
		}
		offset += 4

		headerOdd := readLong(offset) & amigaMFMMask
		headerEven := readLong(offset+4) & amigaMFMMask
		offset += 8

		header := headerOdd<<1 | headerEven
		if header&0xff000000 != 0xff000000 {
			t.Fatalf("sector %d header 0x%08x does not start with 0xff", sector, header)
		}
		sectorNum := int(header >> 8 & 0xff)
		remaining := int(header & 0xff)
		if sectorNum != adfSectorsPerTrack-remaining {
			t.Errorf("sector %d: remaining count %d does not match", sectorNum, remaining)
		}

		checksum := headerOdd ^ headerEven

		// Sector label, odd then even halves.
		for i := 0; i < 8; i++ {
			checksum ^= readLong(offset) & amigaMFMMask
			offset += 4
		}

		// Header checksum longs drive the sum to zero.
		checksum ^= readLong(offset) & amigaMFMMask
		checksum ^= readLong(offset+4) & amigaMFMMask
		offset += 8
		if checksum != 0 {
			t.Fatalf("sector %d header checksum 0x%08x", sectorNum, checksum)
		}

		// Data checksum.
		checksum = readLong(offset)&amigaMFMMask ^ readLong(offset+4)&amigaMFMMask
		offset += 8

		payload := make([]byte, adfBytesPerSector)
		oddStart := offset
		evenStart := offset + adfBytesPerSector
		for i := 0; i < adfBytesPerSector/4; i++ {
			odd := readLong(oddStart+i*4) & amigaMFMMask
			even := readLong(evenStart+i*4) & amigaMFMMask
			checksum ^= odd ^ even
			binary.BigEndian.PutUint32(payload[i*4:], odd<<1|even)
		}
		offset = evenStart + adfBytesPerSector

		if checksum != 0 {
			t.Fatalf("sector %d data checksum 0x%08x", sectorNum, checksum)
		}
		payloads = append(payloads, payload)
	}

	return payloads
}

// An all-zero ADF image yields 160 tracks of constant density whose
// sectors decode back to zeroed payloads.
func TestParseADFZeroImage(t *testing.T) {
	data := make([]byte, adfBytesPerSector*adfHeads*adfSectorsPerTrack*adfCylinders)
	path := writeTempFile(t, "blank.adf", data)

	image, err := ParseADF(path)
	if err != nil {
		t.Fatalf("ParseADF() returned error: %v", err)
	}

	if len(image.Tracks) != 160 {
		t.Fatalf("got %d tracks, expected 160", len(image.Tracks))
	}
	if image.DiskType != flux.Inch35 || image.Density != flux.SingleDouble {
		t.Errorf("unexpected disk type %v density %v", image.DiskType, image.Density)
	}

	for _, tr := range image.Tracks[:4] {
		if len(tr.DensityMap) != 1 {
			t.Fatalf("track %d %d has %d density entries, expected 1", tr.Cylinder, tr.Head, len(tr.DensityMap))
		}
		entry := tr.DensityMap[0]
		if entry.Cellbytes != len(tr.RawData) || entry.CellSize != adfCellSize {
			t.Errorf("track %d %d density entry %+v does not cover %d bytes at %d ticks",
				tr.Cylinder, tr.Head, entry, len(tr.RawData), adfCellSize)
		}

		payloads := checkAlignedAmigaMFMTrack(t, tr.RawData)
		if len(payloads) != adfSectorsPerTrack {
			t.Fatalf("decoded %d sectors, expected %d", len(payloads), adfSectorsPerTrack)
		}
		for i, p := range payloads {
			for j, b := range p {
				if b != 0 {
					t.Fatalf("sector %d byte %d = 0x%02x, expected 0", i, j, b)
				}
			}
		}
	}
}

func TestParseADFPayloadRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(0x42))
	sectors := make([][]byte, adfSectorsPerTrack)
	for i := range sectors {
		sectors[i] = make([]byte, adfBytesPerSector)
		rng.Read(sectors[i])
	}

	trackBuf, err := generateAmigaTrack(30, 1, sectors)
	if err != nil {
		t.Fatalf("generateAmigaTrack() returned error: %v", err)
	}

	payloads := checkAlignedAmigaMFMTrack(t, trackBuf)
	for i := range sectors {
		for j := range sectors[i] {
			if payloads[i][j] != sectors[i][j] {
				t.Fatalf("sector %d byte %d = 0x%02x, expected 0x%02x",
					i, j, payloads[i][j], sectors[i][j])
			}
		}
	}
}

func TestParseADFWrongSize(t *testing.T) {
	path := writeTempFile(t, "short.adf", make([]byte, 1000))
	_, err := ParseADF(path)
	if err == nil {
		t.Fatal("ParseADF() accepted a truncated image")
	}
	if _, ok := err.(*track.MalformedImageError); !ok {
		t.Errorf("expected MalformedImageError, got %T", err)
	}
}

func TestParseD64(t *testing.T) {
	data := make([]byte, d64ImageSize)
	path := writeTempFile(t, "game.d64", data)

	image, err := ParseD64(path)
	if err != nil {
		t.Fatalf("ParseD64() returned error: %v", err)
	}

	if len(image.Tracks) != d64Cylinders {
		t.Fatalf("got %d tracks, expected %d", len(image.Tracks), d64Cylinders)
	}
	if image.DiskType != flux.Inch525 {
		t.Errorf("disk type = %v, expected 5.25 inch", image.DiskType)
	}

	// Tracks sit on every second cylinder, zones set the cell size.
	for i, tr := range image.Tracks {
		if tr.Cylinder != i*2 || tr.Head != 0 {
			t.Errorf("track %d at cylinder %d head %d, expected %d 0", i, tr.Cylinder, tr.Head, i*2)
		}
		expected := gcr.TrackSettings(i + 1).CellSize
		if int(tr.DensityMap[0].CellSize) != expected {
			t.Errorf("track %d cell size %d, expected %d", i, tr.DensityMap[0].CellSize, expected)
		}
		if tr.Encoding != flux.GCR {
			t.Errorf("track %d encoding %v, expected GCR", i, tr.Encoding)
		}
		if tr.DensityMap.Cellbytes() != len(tr.RawData) {
			t.Errorf("track %d density map covers %d bytes of %d",
				i, tr.DensityMap.Cellbytes(), len(tr.RawData))
		}
	}

	// Track 1 lives in the 21 sector zone at 227 ticks.
	if image.Tracks[0].DensityMap[0].CellSize != 227 {
		t.Errorf("track 1 cell size = %d, expected 227", image.Tracks[0].DensityMap[0].CellSize)
	}
}

func TestParseISOGeometry(t *testing.T) {
	testCases := []struct {
		name      string
		cylinders int
		sectors   int
		density   flux.Density
		cellSize  flux.PulseDuration
	}{
		{"AtariST720K", 80, 9, flux.SingleDouble, 168},
		{"MSDOS144M", 80, 18, flux.High, 84},
		{"AtariST820K", 82, 10, flux.SingleDouble, 168},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data := make([]byte, tc.cylinders*isoHeads*tc.sectors*isoBytesPerSector)
			path := writeTempFile(t, "image.st", data)

			image, err := ParseISO(path)
			if err != nil {
				t.Fatalf("ParseISO() returned error: %v", err)
			}

			if len(image.Tracks) != tc.cylinders*isoHeads {
				t.Fatalf("got %d tracks, expected %d", len(image.Tracks), tc.cylinders*isoHeads)
			}
			if image.Density != tc.density {
				t.Errorf("density = %v, expected %v", image.Density, tc.density)
			}
			if image.Tracks[0].DensityMap[0].CellSize != tc.cellSize {
				t.Errorf("cell size = %d, expected %d", image.Tracks[0].DensityMap[0].CellSize, tc.cellSize)
			}

			// The first tracks must pass the physical checks.
			for _, tr := range image.Tracks[:2] {
				if err := tr.CheckWritability(); err != nil {
					t.Errorf("CheckWritability() = %v", err)
				}
			}
		})
	}
}

func TestParseISOUnknownSize(t *testing.T) {
	path := writeTempFile(t, "odd.img", make([]byte, 12345))
	if _, err := ParseISO(path); err == nil {
		t.Fatal("ParseISO() accepted an unknown geometry")
	}
}

func TestInterleavingTable(t *testing.T) {
	// No interleaving keeps the identity order.
	table := generateInterleavingTable(9, 0)
	for i, v := range table {
		if v != i {
			t.Errorf("table[%d] = %d, expected %d", i, v, i)
		}
	}

	// Interleaving 1 spreads consecutive sectors two slots apart.
	table = generateInterleavingTable(10, 1)
	expected := []int{0, 5, 1, 6, 2, 7, 3, 8, 4, 9}
	for i, v := range expected {
		if table[i] != v {
			t.Errorf("table[%d] = %d, expected %d", i, table[i], v)
		}
	}
}

func buildG64(t *testing.T, trackData []byte, speedIndex int) []byte {
	t.Helper()

	const numberOfTracks = 84
	header := make([]byte, 12)
	copy(header, "GCR-1541")
	header[8] = 0
	header[9] = numberOfTracks
	binary.LittleEndian.PutUint16(header[10:12], uint16(len(trackData)+2))

	offsets := make([]byte, numberOfTracks*4)
	speeds := make([]byte, numberOfTracks*4)

	dataStart := len(header) + len(offsets) + len(speeds)
	binary.LittleEndian.PutUint32(offsets[0:4], uint32(dataStart))
	binary.LittleEndian.PutUint32(speeds[0:4], uint32(speedIndex))

	var file []byte
	file = append(file, header...)
	file = append(file, offsets...)
	file = append(file, speeds...)
	file = append(file, byte(len(trackData)), byte(len(trackData)>>8))
	file = append(file, trackData...)
	return file
}

func TestParseG64(t *testing.T) {
	// A track of alternating GCR data in the fastest zone.
	trackData := make([]byte, 6000)
	for i := range trackData {
		trackData[i] = 0x5a
	}

	path := writeTempFile(t, "game.g64", buildG64(t, trackData, 3))

	image, err := ParseG64(path)
	if err != nil {
		t.Fatalf("ParseG64() returned error: %v", err)
	}

	if len(image.Tracks) != 1 {
		t.Fatalf("got %d tracks, expected 1", len(image.Tracks))
	}
	tr := image.Tracks[0]
	if tr.Cylinder != 0 || tr.Encoding != flux.GCR {
		t.Errorf("unexpected track position or encoding: %d %v", tr.Cylinder, tr.Encoding)
	}
	// Speed index 3 maps to the 227 tick zone; 6000 bytes fit one
	// rotation, so no auto reduction happens.
	if tr.DensityMap[0].CellSize != 227 {
		t.Errorf("cell size = %d, expected 227", tr.DensityMap[0].CellSize)
	}
}

func TestEffectiveG64CellSize(t *testing.T) {
	// A short track keeps its zone speed.
	if got := EffectiveG64CellSize(227, 6000, "0000", 0); got != 227 {
		t.Errorf("short track cell size = %d, expected 227", got)
	}

	// An overlong track is auto reduced to fit the rotation.
	got := EffectiveG64CellSize(227, 8000, "0000", 0)
	expected := int(track.AutoCellSize(8000, flux.Drive525RPM))
	if got != expected {
		t.Errorf("overlong track cell size = %d, expected %d", got, expected)
	}

	// Known protection tracks get their forced timing regardless.
	if got := EffectiveG64CellSize(245, 7000, "53c47c575d057181a1911e6653229324", 70); got != 246 {
		t.Errorf("Katakis track cell size = %d, expected 246", got)
	}
}

func TestParseG64AllZeroTrackRemoved(t *testing.T) {
	path := writeTempFile(t, "zero.g64", buildG64(t, make([]byte, 5000), 3))

	image, err := ParseG64(path)
	if err != nil {
		t.Fatalf("ParseG64() returned error: %v", err)
	}
	if len(image.Tracks) != 0 {
		t.Errorf("got %d tracks, expected all-zero track to be removed", len(image.Tracks))
	}
}

func buildDSK(t *testing.T, sectorsPerTrack int) []byte {
	t.Helper()

	discInfo := make([]byte, 0x100)
	copy(discInfo, "MV - CPCEMU Disk-File\r\nDisk-Info\r\n")
	discInfo[0x30] = 1 // cylinders
	discInfo[0x31] = 1 // sides

	trackInfo := make([]byte, 0x100)
	copy(trackInfo, "Track-Info\r\n")
	trackInfo[0x10] = 0 // track number
	trackInfo[0x11] = 0 // side
	trackInfo[0x14] = 2 // sector size code
	trackInfo[0x15] = byte(sectorsPerTrack)

	for sector := 0; sector < sectorsPerTrack; sector++ {
		info := trackInfo[0x18+sector*8:]
		info[0] = 0                // track
		info[1] = 0                // side
		info[2] = byte(sector + 1) // sector id
		info[3] = 2                // size code
		binary.LittleEndian.PutUint16(info[6:8], 512)
	}

	var file []byte
	file = append(file, discInfo...)
	file = append(file, trackInfo...)
	for sector := 0; sector < sectorsPerTrack; sector++ {
		file = append(file, make([]byte, 512)...)
	}
	return file
}

func TestParseDSK(t *testing.T) {
	path := writeTempFile(t, "game.dsk", buildDSK(t, 9))

	image, err := ParseDSK(path)
	if err != nil {
		t.Fatalf("ParseDSK() returned error: %v", err)
	}

	if len(image.Tracks) != 1 {
		t.Fatalf("got %d tracks, expected 1", len(image.Tracks))
	}
	tr := image.Tracks[0]
	if tr.Encoding != flux.MFM {
		t.Errorf("encoding = %v, expected MFM", tr.Encoding)
	}
	if err := tr.CheckWritability(); err != nil {
		t.Errorf("CheckWritability() = %v", err)
	}
}

func TestParseDSKBadSignature(t *testing.T) {
	path := writeTempFile(t, "bad.dsk", make([]byte, 0x200))
	if _, err := ParseDSK(path); err == nil {
		t.Fatal("ParseDSK() accepted a file without signature")
	}
}

func TestParseDispatch(t *testing.T) {
	if _, err := Parse("unknown.xyz"); err == nil {
		t.Error("Parse() accepted an unknown extension")
	}
	if _, err := Parse("noextension"); err == nil {
		t.Error("Parse() accepted a file without extension")
	}
}

func TestSparseTimeBuf(t *testing.T) {
	timeBuf := []uint32{1000, 1000, 1000, 1200, 1200, 1000}
	m := sparseTimeBuf(timeBuf)

	if len(m) != 2 {
		t.Fatalf("got %d entries, expected 2", len(m))
	}
	if m[0].CellSize != 1000 || m[1].CellSize != 1200 {
		t.Errorf("entries = %+v", m)
	}
	if m.Cellbytes() != len(timeBuf) {
		t.Errorf("map covers %d bytes, expected %d", m.Cellbytes(), len(timeBuf))
	}
}

func TestParseIPFWithoutLibrary(t *testing.T) {
	if _, err := ParseIPF("missing.ipf"); err == nil {
		t.Error("ParseIPF() without the CAPS library must fail")
	}
}
