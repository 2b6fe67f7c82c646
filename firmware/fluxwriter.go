package firmware

import "periph.io/x/periph/conn/gpio"

// writeBufferSize is the length of each DMA buffer half.
const writeBufferSize = 16

// writeQueueCapacity is the size of the pulse ring between the main
// loop and the DMA refill interrupt.
const writeQueueCapacity = 128

// FluxWriter streams pulse widths to the write data output. A timer in
// PWM mode takes its reload value from DMA running in circular double
// buffer mode; each completed half raises DMASwapIRQ which swaps the
// halves and refills the free one from the pulse queue.
//
// When the queue drains, the writer enters last-frame mode: the final
// partial buffer is counted down pulse by pulse on the timer update
// interrupt, then DMA is disabled, one pulse later the output is
// forced inactive and another pulse later the timer stops and the
// write gate is released.
type FluxWriter struct {
	timer WriteTimer
	dma   WriteDMA

	currentBuffer []uint16 // refilled by the CPU
	backBuffer    []uint16 // consumed by the DMA unit

	lastFrameActive    bool
	numberOfLastPulses int

	queue     *SPSC
	writeGate gpio.PinOut
}

// NewFluxWriter creates a writer over its timer, DMA stream, pulse
// queue and write gate pin.
func NewFluxWriter(timer WriteTimer, dma WriteDMA, queue *SPSC, writeGate gpio.PinOut) *FluxWriter {
	return &FluxWriter{
		timer:         timer,
		dma:           dma,
		currentBuffer: make([]uint16, 0, writeBufferSize),
		backBuffer:    make([]uint16, 0, writeBufferSize),
		queue:         queue,
		writeGate:     writeGate,
	}
}

// fillBuffer refills the current buffer from the pulse queue.
func (w *FluxWriter) fillBuffer() {
	w.currentBuffer = w.currentBuffer[:0]
	for len(w.currentBuffer) < writeBufferSize {
		pulse, ok := w.queue.Dequeue()
		if !ok {
			break
		}
		w.currentBuffer = append(w.currentBuffer, uint16(pulse))
	}
}

// ClearBuffers drains leftover pulses from an aborted write.
func (w *FluxWriter) ClearBuffers() {
	w.queue.Clear()
}

// DMASwapIRQ services the DMA transfer-complete interrupt: the
// freshly refilled buffer moves to the back for the DMA unit and the
// now-free half is refilled from the queue.
func (w *FluxWriter) DMASwapIRQ() {
	w.currentBuffer, w.backBuffer = w.backBuffer, w.currentBuffer

	if len(w.backBuffer) < writeBufferSize {
		// Less data than a full transfer: this is the last frame.
		w.lastFrameActive = true
		w.numberOfLastPulses = len(w.backBuffer) + 1
		w.timer.EnableUpdateIRQ()
	}

	w.fillBuffer()
}

// TimerUpdateIRQ services the timer update interrupt during the
// last-frame countdown. The three step finalization is timing
// sensitive: DMA off after the final pulse, output forced inactive one
// pulse later, timer off and write gate released another pulse later.
func (w *FluxWriter) TimerUpdateIRQ() {
	if !w.lastFrameActive {
		// Spurious update interrupt; nothing to count down.
		return
	}

	w.numberOfLastPulses--
	switch w.numberOfLastPulses {
	case 0:
		w.dma.Disable()
	case -1:
		w.timer.ForceOutputInactive()
	case -2:
		w.timer.Disable()
		w.timer.DisableUpdateIRQ()
		w.writeGate.Out(gpio.High)
	}
}

// TransmissionActive reports whether the write timer runs.
func (w *FluxWriter) TransmissionActive() bool {
	return w.timer.Enabled()
}

// StartTransmit begins the transfer. The queue must already hold the
// first pulses; the caller arms this on the index interrupt.
func (w *FluxWriter) StartTransmit() {
	w.currentBuffer = w.currentBuffer[:0]
	w.backBuffer = w.backBuffer[:0]

	// Prefill the current buffer, then simulate one DMA request to
	// move it to the back buffer and load the follow-up data.
	w.fillBuffer()
	w.DMASwapIRQ()

	w.lastFrameActive = false
	w.numberOfLastPulses = 0

	w.timer.EnablePWM()
	w.writeGate.Out(gpio.Low)

	w.dma.Enable(w.backBuffer, w.currentBuffer)
	w.timer.Enable()
}
