// Package firmware implements the device side of the tracer: drive
// control, the index simulator, the DMA driven flux writer and reader
// and the write/verify engine.
//
// The hardware itself sits behind small port interfaces. GPIO pins use
// the periph.io pin interfaces; timer and DMA blocks are abstracted
// just far enough that the engine logic stays testable off-target.
// Everything runs cooperatively on one event loop; interrupt service
// routines enter through the *IRQ methods and shared state is touched
// only inside a critical section.
package firmware

import "sync"

// CriticalSection models the interrupt masking of the target: code
// inside With runs with interrupts disabled. Off-target a mutex gives
// the same exclusion between the main loop and the IRQ entry points.
type CriticalSection struct {
	mu sync.Mutex
}

// With runs fn with interrupts masked.
func (cs *CriticalSection) With(fn func()) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	fn()
}

// WriteTimer is the PWM timer whose auto reload register is fed by
// DMA. Each timer update emits one pulse of the loaded width on the
// write data pin.
type WriteTimer interface {
	Enable()
	Disable()
	Enabled() bool
	// EnablePWM selects PWM mode on the output channel.
	EnablePWM()
	// ForceOutputInactive forces the output channel inactive, ending
	// the final pulse.
	ForceOutputInactive()
	// EnableUpdateIRQ requests a timer interrupt per update, used for
	// the last-frame countdown.
	EnableUpdateIRQ()
	DisableUpdateIRQ()
}

// WriteDMA is the memory-to-peripheral stream feeding the write timer
// in circular double buffer mode. The implementation raises the
// owner's DMA IRQ whenever one half was consumed.
type WriteDMA interface {
	// Enable starts the stream over the two buffer halves.
	Enable(half0, half1 []uint16)
	Disable()
	Enabled() bool
}

// CaptureTimer is the free running timer whose input capture channel
// timestamps incoming flux edges.
type CaptureTimer interface {
	Enable()
	Disable()
	Enabled() bool
}

// CaptureDMA is the peripheral-to-memory stream moving capture
// timestamps into a double buffer. The implementation raises the
// owner's DMA IRQ whenever one half was filled.
type CaptureDMA interface {
	Enable(half0, half1 []uint32)
	Disable()
	Enabled() bool
}

// PulsePWM is the timer behind the index simulator output.
type PulsePWM interface {
	// Configure sets the pulse period in timer ticks and starts the
	// output; zero stops it.
	Configure(period uint32)
}
