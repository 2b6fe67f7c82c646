package usb

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"floppytracer/flux"
	"floppytracer/track"
)

// putWords encodes little endian 32-bit words into a command buffer.
func putWords(buf []byte, words []uint32) {
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
}

// Configure selects the drive, the density and the index simulator
// frequency. Zero frequency disables the simulator.
func (c *Connection) Configure(drive flux.DriveSelect, density flux.Density, indexSimFrequency uint32) error {
	var settings uint32
	if drive == flux.DriveB {
		settings |= 1
	}
	if density == flux.High {
		settings |= 2
	}

	buf := make([]byte, 12)
	putWords(buf, []uint32{cmdConfigure, settings, indexSimFrequency})
	return c.writeBulk(buf)
}

// Step moves the head to a cylinder without any transfer.
func (c *Connection) Step(cylinder int) error {
	buf := make([]byte, 8)
	putWords(buf, []uint32{cmdStep, uint32(cylinder)})
	return c.writeBulk(buf)
}

// WriteRawTrack issues a write and verify job for one track. The
// command block carries the density map; the raw data follows in
// 64 byte frames.
func (c *Connection) WriteRawTrack(t *track.RawTrack) error {
	if t.Head > 1 {
		return fmt.Errorf("invalid head %d", t.Head)
	}
	if t.Cylinder > 0xff {
		return fmt.Errorf("invalid cylinder %d", t.Cylinder)
	}
	if t.WritePrecompensation > 0xff {
		return fmt.Errorf("invalid write precompensation %d", t.WritePrecompensation)
	}
	if t.FirstSignificanceOffset < 0 {
		return fmt.Errorf("track %d %d has no significance offset", t.Cylinder, t.Head)
	}
	if 6+len(t.DensityMap) > 16 {
		return fmt.Errorf("density map of track %d %d too large for the command block", t.Cylinder, t.Head)
	}

	expectedSize := len(t.RawData)
	remainingBlocks := expectedSize / 64
	if expectedSize%64 != 0 {
		remainingBlocks++
	}

	fmt.Printf("Request write and verify of Cyl:%d Head:%d WritePrecomp:%d\n",
		t.Cylinder, t.Head, t.WritePrecompensation)

	var nonFluxReversalMask uint32
	if t.HasNonFluxReversalArea {
		nonFluxReversalMask = 0x200
	}

	// Fields 00000000 PPPPPPPP 000000NH CCCCCCCC
	packed := uint32(t.Cylinder) |
		uint32(t.Head)<<8 |
		nonFluxReversalMask |
		uint32(t.WritePrecompensation)<<16

	words := []uint32{
		cmdWriteVerifyRawTrack,
		uint32(expectedSize),
		uint32(remainingBlocks),
		packed,
		uint32(t.FirstSignificanceOffset),
		uint32(len(t.DensityMap)),
	}

	for _, entry := range t.DensityMap {
		if entry.CellSize >= 512 {
			return fmt.Errorf("cell size %d of track %d %d does not fit the wire format",
				entry.CellSize, t.Cylinder, t.Head)
		}
		words = append(words, uint32(entry.Cellbytes)<<9|uint32(entry.CellSize)&0x1ff)
	}

	buf := make([]byte, 64)
	putWords(buf, words)
	if err := c.writeBulk(buf); err != nil {
		return err
	}

	for offset := 0; offset < len(t.RawData); offset += 64 {
		end := offset + 64
		if end > len(t.RawData) {
			end = len(t.RawData)
		}
		if err := c.writeBulk(t.RawData[offset:end]); err != nil {
			return err
		}
	}
	return nil
}

// ReadTrack asks the device to record one track. The device streams
// reduced pulse durations back in 64 byte frames; a short frame ends
// the transfer.
func (c *Connection) ReadTrack(cylinder, head int, waitForIndex bool, recordDurationTicks uint32) ([]byte, error) {
	var wait uint32
	if waitForIndex {
		wait = 1
	}
	packed := uint32(cylinder) | uint32(head)<<8 | wait<<9

	buf := make([]byte, 12)
	putWords(buf, []uint32{cmdReadTrack, packed, recordDurationTicks})
	if err := c.writeBulk(buf); err != nil {
		return nil, err
	}

	var data []byte
	frame := make([]byte, 64)
	for {
		n, err := c.readBulk(frame)
		if err != nil {
			return nil, err
		}
		data = append(data, frame[:n]...)
		if n < 64 {
			return data, nil
		}
	}
}

// AnswerKind discriminates the device response records.
type AnswerKind int

const (
	AnswerGotCmd AnswerKind = iota
	AnswerWrittenAndVerified
	AnswerFail
	AnswerWriteProtected
)

// Answer is one parsed device response.
type Answer struct {
	Kind         AnswerKind
	Cylinder     int
	Head         int
	Writes       int
	Reads        int
	MaxErr       int
	WritePrecomp int
	Error        string
}

// ReadAnswer reads and parses the next response record.
func (c *Connection) ReadAnswer() (Answer, error) {
	buf := make([]byte, 64)
	n, err := c.readBulk(buf)
	if err != nil {
		return Answer{}, err
	}

	text := string(buf[:n])
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Answer{}, fmt.Errorf("empty answer from device")
	}

	atoi := func(index int) int {
		if index >= len(fields) {
			return -1
		}
		val, err := strconv.Atoi(fields[index])
		if err != nil {
			return -1
		}
		return val
	}

	switch fields[0] {
	case "GotCmd":
		return Answer{Kind: AnswerGotCmd}, nil
	case "WrittenAndVerified":
		return Answer{
			Kind:         AnswerWrittenAndVerified,
			Cylinder:     atoi(1),
			Head:         atoi(2),
			Writes:       atoi(3),
			Reads:        atoi(4),
			MaxErr:       atoi(5),
			WritePrecomp: atoi(6),
		}, nil
	case "Fail":
		reason := ""
		if len(fields) > 5 {
			reason = fields[5]
		}
		return Answer{
			Kind:     AnswerFail,
			Cylinder: atoi(1),
			Head:     atoi(2),
			Writes:   atoi(3),
			Reads:    atoi(4),
			Error:    reason,
		}, nil
	case "WriteProtected":
		return Answer{Kind: AnswerWriteProtected}, nil
	}
	return Answer{}, fmt.Errorf("unexpected answer from device: %q", text)
}
