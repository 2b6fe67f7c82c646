package firmware

import (
	"encoding/binary"
	"fmt"

	"floppytracer/flux"
)

// Command magic words, shared with the host transport.
const (
	cmdWriteVerifyRawTrack = 0x12340001
	cmdConfigure           = 0x12340002
	cmdStep                = 0x12340003
	cmdReadTrack           = 0x12340004
)

// Transport is the vendor class endpoint pair as seen by the firmware.
// The USB stack behind it (descriptors, WCID, enumeration) is outside
// this package.
type Transport interface {
	// ReadPacket returns the next OUT packet, or 0 when none is
	// pending.
	ReadPacket(buf []byte) (int, error)
	// WritePacket queues one IN packet of at most 64 bytes.
	WritePacket(data []byte) error
}

// Command is a fully received host command.
type Command struct {
	Kind uint32

	// WriteVerifyRawTrack
	Cylinder               int
	Head                   int
	HasNonFluxReversalArea bool
	WritePrecompensation   int
	SignificanceOffset     int
	CellData               *flux.RawCellData

	// Configure
	Drive             flux.DriveSelect
	Density           flux.Density
	IndexSimFrequency uint32

	// ReadTrack
	WaitForIndex        bool
	RecordDurationTicks uint32
}

// CommandDecoder turns the OUT packet stream into commands. A write
// command announces its payload size; the following packets fill the
// track buffer until all blocks arrived.
type CommandDecoder struct {
	pending *Command

	speeds          flux.DensityMap
	receiveBuffer   []byte
	expectedSize    int
	remainingBlocks int
}

// Feed consumes one OUT packet. It returns a completed command or nil.
func (d *CommandDecoder) Feed(packet []byte) (*Command, error) {
	if d.remainingBlocks > 0 {
		// Payload frames of a running write command.
		d.receiveBuffer = append(d.receiveBuffer, packet...)
		d.remainingBlocks--

		if d.remainingBlocks > 0 {
			return nil, nil
		}

		if len(d.receiveBuffer) < d.expectedSize {
			return nil, fmt.Errorf("write command payload truncated: %d of %d bytes",
				len(d.receiveBuffer), d.expectedSize)
		}

		cellData, err := flux.NewRawCellData(d.speeds, d.receiveBuffer[:d.expectedSize],
			d.pending.HasNonFluxReversalArea)
		if err != nil {
			return nil, err
		}

		command := d.pending
		command.CellData = cellData
		d.pending = nil
		d.receiveBuffer = nil
		d.speeds = nil
		return command, nil
	}

	if len(packet) < 8 {
		return nil, fmt.Errorf("short command packet of %d bytes", len(packet))
	}

	word := func(i int) uint32 {
		return binary.LittleEndian.Uint32(packet[i*4:])
	}

	switch word(0) {
	case cmdWriteVerifyRawTrack:
		if len(packet) < 24 {
			return nil, fmt.Errorf("short write command packet")
		}

		expectedSize := int(word(1))
		remainingBlocks := int(word(2))
		if expectedSize == 0 || remainingBlocks == 0 {
			return nil, fmt.Errorf("write command without payload")
		}

		// Fields 00000000 PPPPPPPP 000000NH CCCCCCCC
		packed := word(3)
		command := &Command{
			Kind:                   cmdWriteVerifyRawTrack,
			Cylinder:               int(packed & 0xff),
			Head:                   int(packed >> 8 & 1),
			HasNonFluxReversalArea: packed&0x200 != 0,
			WritePrecompensation:   int(packed >> 16 & 0xff),
			SignificanceOffset:     int(word(4)),
		}

		speedTableSize := int(word(5))
		if 6+speedTableSize > 16 {
			return nil, fmt.Errorf("speed table of %d entries does not fit the command block", speedTableSize)
		}

		speeds := make(flux.DensityMap, 0, speedTableSize)
		for i := 0; i < speedTableSize; i++ {
			entry := word(6 + i)
			speeds = append(speeds, flux.DensityMapEntry{
				Cellbytes: int(entry >> 9),
				CellSize:  flux.PulseDuration(entry & 0x1ff),
			})
		}

		d.pending = command
		d.speeds = speeds
		d.expectedSize = expectedSize
		d.remainingBlocks = remainingBlocks
		d.receiveBuffer = make([]byte, 0, expectedSize)
		return nil, nil

	case cmdConfigure:
		if len(packet) < 12 {
			return nil, fmt.Errorf("short configure command packet")
		}
		settings := word(1)

		command := &Command{
			Kind:              cmdConfigure,
			Drive:             flux.DriveA,
			Density:           flux.SingleDouble,
			IndexSimFrequency: word(2),
		}
		if settings&1 != 0 {
			command.Drive = flux.DriveB
		}
		if settings&2 != 0 {
			command.Density = flux.High
		}
		return command, nil

	case cmdStep:
		return &Command{
			Kind:     cmdStep,
			Cylinder: int(word(1)),
		}, nil

	case cmdReadTrack:
		if len(packet) < 12 {
			return nil, fmt.Errorf("short read command packet")
		}
		packed := word(1)
		return &Command{
			Kind:                cmdReadTrack,
			Cylinder:            int(packed & 0xff),
			Head:                int(packed >> 8 & 1),
			WaitForIndex:        packed&0x200 != 0,
			RecordDurationTicks: word(2),
		}, nil
	}

	return nil, fmt.Errorf("unknown command word 0x%08x", word(0))
}
