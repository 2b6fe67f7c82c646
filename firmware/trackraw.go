package firmware

import (
	"errors"
	"fmt"

	"floppytracer/flux"
)

// Back-pressure mark for the write queue: the producer yields while
// the occupancy is above this.
const writeQueueHighWater = 70

// Retry policy of the write/verify engine.
const (
	maxWriteAttempts  = 5
	maxVerifyAttempts = 3
)

// Alignment tuning of the verification, all in pulses.
const (
	significanceWindowSize = 12
	readWindowSize         = 30
	refPrefillSlack        = 12
	refKeepBefore          = 6
	readDriftBudget        = 10
)

// WriteVerifyResult reports a finished write/verify job.
type WriteVerifyResult struct {
	WriteOperations  int
	VerifyOperations int
	MaxErr           int
}

// ErrVerifyExhausted is returned when all write and verify attempts
// failed.
var ErrVerifyExhausted = errors.New("verification failed after all retries")

// RawTrackHandler is the write/verify/read engine. It owns the main
// loop side of the two pulse queues.
type RawTrackHandler struct {
	device     *Device
	writeQueue *SPSC // producer side, drained by the flux writer
	readQueue  *SPSC // consumer side, filled by the flux reader
}

// NewRawTrackHandler wires the engine to the device.
func NewRawTrackHandler(device *Device, writeQueue, readQueue *SPSC) *RawTrackHandler {
	return &RawTrackHandler{
		device:     device,
		writeQueue: writeQueue,
		readQueue:  readQueue,
	}
}

// readFlux pops the next incoming pulse, blocking cooperatively.
func (h *RawTrackHandler) readFlux(yield func()) (flux.PulseDuration, error) {
	for {
		if val, ok := h.readQueue.Dequeue(); ok {
			return flux.PulseDuration(val), nil
		}
		if !h.device.motorSpinning() {
			return 0, ErrMotorTimeout
		}
		yield()
	}
}

// WriteAndVerify writes one track and verifies it by reading back,
// with the retry policy of up to five writes with three verifies each.
func (h *RawTrackHandler) WriteAndVerify(cylinder, head int, cellData *flux.RawCellData,
	writePrecompensation int, firstSignificanceOffset int, yield func()) (WriteVerifyResult, error) {

	result := WriteVerifyResult{}

	if err := h.device.selectAndWaitForCylinder(cylinder, head, yield); err != nil {
		return result, err
	}

	var writeProtected bool
	h.device.cs.With(func() {
		writeProtected = h.device.Control.WriteProtected()
	})
	if writeProtected {
		return result, ErrWriteProtected
	}

	for write := 0; write < maxWriteAttempts; write++ {
		fmt.Printf("Write track at cyl:%d head:%d sigoff:%d\n", cylinder, head, firstSignificanceOffset)

		result.WriteOperations++
		if err := h.writeTrack(cellData, writePrecompensation, yield); err != nil {
			return result, err
		}

		for verify := 0; verify < maxVerifyAttempts; verify++ {
			result.VerifyOperations++

			maxErr, ok, err := h.verifyTrack(cellData, firstSignificanceOffset, yield)
			if err != nil {
				return result, err
			}
			if ok {
				result.MaxErr = maxErr
				return result, nil
			}
		}
	}

	return result, ErrVerifyExhausted
}

// writeTrack streams the cell data through the pulse generator into
// the write queue, starting the transfer on the next index pulse.
func (h *RawTrackHandler) writeTrack(cellData *flux.RawCellData, writePrecompensation int, yield func()) error {
	h.device.cs.With(func() {
		h.device.Control.SpinMotor()
		h.device.FluxWriter.ClearBuffers()
	})

	parts := cellData.Parts()
	if len(parts) == 0 {
		return errors.New("track has no cell data")
	}

	shaper := newPrecompShaper(func(p flux.PulseDuration) {
		if !h.writeQueue.Enqueue(uint32(p)) {
			// Cannot happen: back-pressure keeps the queue below the
			// high-water mark.
			panic("write queue overflow")
		}
	}, int32(writePrecompensation))
	generator := flux.NewPulseGenerator(shaper.Feed, int32(parts[0].CellSize))

	// Prefill the queue with the first bytes so the DMA start finds a
	// full buffer.
	prefillBytes := 8
	if prefillBytes > len(parts[0].Cells) {
		prefillBytes = len(parts[0].Cells)
	}
	for _, cellByte := range parts[0].Cells[:prefillBytes] {
		flux.ToBitStream(cellByte, generator.Feed)
	}

	// Start the transmit on the next index pulse.
	h.device.armTransmitOnIndex()
	if err := h.device.waitForTransmit(yield); err != nil {
		return err
	}

	// Stream the remaining track, yielding while the queue is above
	// the high-water mark.
	for partIndex, part := range parts {
		generator.CellDuration = int32(part.CellSize)

		cells := part.Cells
		if partIndex == 0 {
			cells = cells[prefillBytes:]
		}

		for _, cellByte := range cells {
			for h.writeQueue.Len() > writeQueueHighWater {
				if !h.device.motorSpinning() {
					return ErrMotorTimeout
				}
				yield()
			}
			flux.ToBitStream(cellByte, generator.Feed)
		}
	}
	shaper.Flush()

	return nil
}

// pulseQueue is a simple FIFO of pulse durations.
type pulseQueue struct {
	buf  []flux.PulseDuration
	head int
}

func (q *pulseQueue) push(p flux.PulseDuration) { q.buf = append(q.buf, p) }
func (q *pulseQueue) len() int                  { return len(q.buf) - q.head }
func (q *pulseQueue) at(i int) flux.PulseDuration {
	return q.buf[q.head+i]
}
func (q *pulseQueue) pop() flux.PulseDuration {
	p := q.buf[q.head]
	q.head++
	return p
}
func (q *pulseQueue) drop(n int) {
	q.head += n
}

// verifyTrack reads the track back and compares it pulse by pulse
// against the reference stream regenerated from the cell data. The
// read is aligned by sliding the significance window over the first
// incoming pulses. Returns the maximum pulse deviation and whether the
// track matched.
func (h *RawTrackHandler) verifyTrack(cellData *flux.RawCellData, firstSignificanceOffset int, yield func()) (int, bool, error) {
	h.device.cs.With(func() {
		h.device.Control.SpinMotor()
	})

	// Throw away stale edges from the last operation.
	h.readQueue.Clear()

	parts := cellData.Parts()
	partIndex := 0
	byteIndex := 0

	reference := &pulseQueue{}
	refGenerator := flux.NewPulseGenerator(reference.push, int32(parts[0].CellSize))

	// feedReference pushes the cells of one more track byte into the
	// reference queue. Returns false when the track is exhausted.
	feedReference := func() bool {
		for partIndex < len(parts) && byteIndex >= len(parts[partIndex].Cells) {
			partIndex++
			byteIndex = 0
			if partIndex < len(parts) {
				refGenerator.CellDuration = int32(parts[partIndex].CellSize)
			}
		}
		if partIndex >= len(parts) {
			return false
		}
		flux.ToBitStream(parts[partIndex].Cells[byteIndex], refGenerator.Feed)
		byteIndex++
		return true
	}

	// Prefill the reference past the significance offset.
	for reference.len() < firstSignificanceOffset+refPrefillSlack {
		if !feedReference() {
			return 0, false, fmt.Errorf("track too short for significance offset %d", firstSignificanceOffset)
		}
	}

	// Keep a few pulses before the offset for the alignment search.
	if firstSignificanceOffset > refKeepBefore {
		reference.drop(firstSignificanceOffset - refKeepBefore)
	} else {
		reference.drop(2)
	}

	// Start reception on the next index pulse.
	h.device.armReceiveOnIndex()
	if err := h.device.waitForReceive(yield); err != nil {
		return 0, false, err
	}

	// Throw away the first pulses before the point of significance;
	// the spin-up data is not distinguishable anyway.
	if firstSignificanceOffset > readDriftBudget {
		for i := 0; i < firstSignificanceOffset-readDriftBudget; i++ {
			if _, err := h.readFlux(yield); err != nil {
				h.device.stopReception()
				return 0, false, err
			}
		}
	}

	read := &pulseQueue{}
	for read.len() < readWindowSize {
		p, err := h.readFlux(yield)
		if err != nil {
			h.device.stopReception()
			return 0, false, err
		}
		read.push(p)
	}

	// Slide the reference significance window over the read data;
	// exactly one position should match.
	aligned := false
	for i := 0; i < readWindowSize; i++ {
		if read.len() < significanceWindowSize {
			fmt.Println("No data sync!")
			h.device.stopReception()
			return 0, false, nil
		}

		equal := true
		for j := 0; j < significanceWindowSize; j++ {
			if !reference.at(j).Similar(read.at(j), flux.SimilarityThreshold) {
				equal = false
				break
			}
		}
		if equal {
			aligned = true
			break
		}
		read.pop()
	}

	if !aligned {
		h.device.stopReception()
		return 0, false, nil
	}

	// Aligned. Compare pulse by pulse, refilling both queues lazily.
	successfulCompares := 0
	maxErr := 0

	for {
		if read.len() < readWindowSize {
			p, err := h.readFlux(yield)
			if err != nil {
				h.device.stopReception()
				return 0, false, err
			}
			read.push(p)
		}

		if reference.len() < readWindowSize {
			feedReference()
		}

		if reference.len() == 0 {
			break
		}
		if read.len() == 0 {
			continue
		}

		ref := reference.pop()
		readback := read.pop()

		diff := int(ref) - int(readback)
		if diff < 0 {
			diff = -diff
		}
		if diff > maxErr {
			maxErr = diff
		}

		if !ref.Similar(readback, flux.SimilarityThreshold) {
			fmt.Printf("%d != %d, successful compares until fail: %d\n", ref, readback, successfulCompares)
			h.device.stopReception()
			return 0, false, nil
		}
		successfulCompares++
	}

	h.device.stopReception()
	fmt.Printf("Verified %d pulses, max deviation %d\n", successfulCompares, maxErr)
	return maxErr, true, nil
}

// ReadTrack records the flux of one track for the given duration and
// hands the reduced pulses to emit. With waitForIndex the recording is
// aligned to the index pulse.
func (h *RawTrackHandler) ReadTrack(cylinder, head int, waitForIndex bool, recordDurationTicks uint32,
	yield func(), emit func(byte)) error {

	if err := h.device.selectAndWaitForCylinder(cylinder, head, yield); err != nil {
		return err
	}

	h.device.cs.With(func() {
		h.device.Control.SpinMotor()
	})
	h.readQueue.Clear()

	if waitForIndex {
		h.device.armReceiveOnIndex()
		if err := h.device.waitForReceive(yield); err != nil {
			return err
		}
	} else {
		h.device.cs.With(func() {
			h.device.FluxReader.StartReception()
		})
	}

	recorded := uint64(0)
	for recorded < uint64(recordDurationTicks) {
		pulse, err := h.readFlux(yield)
		if err != nil {
			h.device.stopReception()
			return err
		}
		recorded += uint64(pulse)

		reduced := uint32(pulse) >> flux.PulseReduceShift
		if reduced > 0xff {
			reduced = 0xff
		}
		emit(byte(reduced))
	}

	h.device.stopReception()
	return nil
}
