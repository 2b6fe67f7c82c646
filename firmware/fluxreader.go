package firmware

// readBufferSize is the length of each capture DMA buffer half.
const readBufferSize = 8

// readQueueCapacity is the size of the pulse ring between the capture
// interrupt and the main loop. The consumer must drain faster than one
// edge every two microseconds on average or the reader overflows.
const readQueueCapacity = 512

// FluxReader timestamps incoming flux edges with a timer input capture
// channel. DMA moves the capture values into a double buffer; the
// completion interrupt turns the timestamps into deltas and pushes
// them into the pulse queue.
type FluxReader struct {
	timer CaptureTimer
	dma   CaptureDMA

	currentBuffer []uint32 // consumed by the CPU
	backBuffer    []uint32 // filled by the DMA unit

	lastPulseCount uint32
	queue          *SPSC
}

// NewFluxReader creates a reader over its timer, DMA stream and pulse
// queue.
func NewFluxReader(timer CaptureTimer, dma CaptureDMA, queue *SPSC) *FluxReader {
	return &FluxReader{
		timer:         timer,
		dma:           dma,
		currentBuffer: make([]uint32, readBufferSize),
		backBuffer:    make([]uint32, readBufferSize),
		queue:         queue,
	}
}

// DMACompleteIRQ services the capture transfer-complete interrupt: the
// filled half moves to the CPU side and each timestamp becomes the
// delta to its predecessor.
func (r *FluxReader) DMACompleteIRQ() {
	r.currentBuffer, r.backBuffer = r.backBuffer, r.currentBuffer

	for _, capture := range r.currentBuffer {
		// Modular subtraction; the capture timer wraps freely.
		duration := capture - r.lastPulseCount

		if !r.queue.Enqueue(duration) {
			// The only device side panic: the consumer broke the
			// drain guarantee and data was lost beyond recovery.
			panic("flux reader overflow")
		}
		r.lastPulseCount = capture
	}
}

// TransmissionActive reports whether the capture timer runs.
func (r *FluxReader) TransmissionActive() bool {
	return r.timer.Enabled()
}

// StopReception disables capture DMA and the timer.
func (r *FluxReader) StopReception() {
	r.dma.Disable()
	r.timer.Disable()
}

// StartReception arms the capture path. The caller fires this on the
// index interrupt.
func (r *FluxReader) StartReception() {
	r.currentBuffer = r.currentBuffer[:readBufferSize]
	r.backBuffer = r.backBuffer[:readBufferSize]
	r.lastPulseCount = 0

	r.dma.Enable(r.backBuffer, r.currentBuffer)
	r.timer.Enable()
}
