package firmware

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Errors resolving a cooperative wait.
var (
	// ErrMotorTimeout is returned when the motor stopped while an
	// operation waited for an event.
	ErrMotorTimeout = errors.New("motor timeout")
	// ErrWriteProtected is returned when the disk cannot be written.
	ErrWriteProtected = errors.New("disk is write protected")
)

// Device bundles the shared state of the firmware: the flux engines,
// the drive control and the index handling flags. Interrupt entry
// points live here; everything else reaches the shared state through
// the critical section.
type Device struct {
	cs CriticalSection

	indexOccurred        atomic.Bool
	startTransmitOnIndex atomic.Bool
	startReceiveOnIndex  atomic.Bool

	Control    *FloppyControl
	FluxWriter *FluxWriter
	FluxReader *FluxReader
	IndexSim   *IndexSim
}

// NewDevice wires the device from its parts.
func NewDevice(control *FloppyControl, writer *FluxWriter, reader *FluxReader, indexSim *IndexSim) *Device {
	return &Device{
		Control:    control,
		FluxWriter: writer,
		FluxReader: reader,
		IndexSim:   indexSim,
	}
}

// SystickIRQ advances the stepper and motor timing, roughly 4 kHz.
func (d *Device) SystickIRQ() {
	d.cs.With(func() {
		d.Control.Run()
	})
}

// IndexIRQ services the falling edge of the index input. An armed
// transmit or receive fires here; the flag is cleared atomically with
// the action so each index pulse is consumed at most once.
func (d *Device) IndexIRQ() {
	d.cs.With(func() {
		d.indexOccurred.Store(true)

		if d.FluxWriter.TransmissionActive() {
			fmt.Println("Warning! Overwriting my own track!")
		}

		if d.startTransmitOnIndex.Swap(false) {
			d.FluxWriter.StartTransmit()
		}

		if d.startReceiveOnIndex.Swap(false) {
			d.FluxReader.StartReception()
		}
	})
}

// WriteDMAIRQ services the writer's DMA transfer-complete interrupt.
func (d *Device) WriteDMAIRQ() {
	d.cs.With(func() {
		d.FluxWriter.DMASwapIRQ()
	})
}

// WriteTimerIRQ services the writer's timer update interrupt.
func (d *Device) WriteTimerIRQ() {
	d.cs.With(func() {
		d.FluxWriter.TimerUpdateIRQ()
	})
}

// CaptureDMAIRQ services the reader's DMA transfer-complete interrupt.
func (d *Device) CaptureDMAIRQ() {
	d.cs.With(func() {
		d.FluxReader.DMACompleteIRQ()
	})
}

// armTransmitOnIndex schedules a transmit start for the next index
// pulse.
func (d *Device) armTransmitOnIndex() {
	d.cs.With(func() {
		d.indexOccurred.Store(false)
		d.startTransmitOnIndex.Store(true)
	})
}

// armReceiveOnIndex schedules a reception start for the next index
// pulse.
func (d *Device) armReceiveOnIndex() {
	d.cs.With(func() {
		d.indexOccurred.Store(false)
		d.startReceiveOnIndex.Store(true)
	})
}

// motorSpinning reads the motor state inside the critical section.
func (d *Device) motorSpinning() bool {
	var spinning bool
	d.cs.With(func() {
		spinning = d.Control.IsSpinning()
	})
	return spinning
}

// waitForIndex blocks cooperatively until the next index pulse.
func (d *Device) waitForIndex(yield func()) error {
	d.cs.With(func() {
		d.indexOccurred.Store(false)
	})

	for {
		if d.indexOccurred.Load() {
			return nil
		}
		if !d.motorSpinning() {
			return ErrMotorTimeout
		}
		yield()
	}
}

// waitForTransmit blocks until an armed transmission started.
func (d *Device) waitForTransmit(yield func()) error {
	for {
		var active bool
		d.cs.With(func() {
			active = d.FluxWriter.TransmissionActive()
		})
		if active {
			return nil
		}
		if !d.motorSpinning() {
			return ErrMotorTimeout
		}
		yield()
	}
}

// waitForReceive blocks until an armed reception started.
func (d *Device) waitForReceive(yield func()) error {
	for {
		var active bool
		d.cs.With(func() {
			active = d.FluxReader.TransmissionActive()
		})
		if active {
			return nil
		}
		if !d.motorSpinning() {
			return ErrMotorTimeout
		}
		yield()
	}
}

// selectAndWaitForCylinder points the stepper at a track and waits for
// the head to arrive and settle.
func (d *Device) selectAndWaitForCylinder(cylinder, head int, yield func()) error {
	d.cs.With(func() {
		d.Control.SpinMotor()
		d.Control.SelectTrack(cylinder, head)
	})

	for {
		var reached, stuck bool
		d.cs.With(func() {
			reached = d.Control.ReachedSelectedCylinder()
			stuck = d.Control.StuckWithoutTrack00()
			// Seeking can outlast the spin-down time.
			d.Control.SpinMotor()
		})
		if reached {
			return nil
		}
		if stuck {
			return errors.New("track 00 not found")
		}
		yield()
	}
}

// stopReception is the critical-section wrapper used on every verify
// exit path.
func (d *Device) stopReception() {
	d.cs.With(func() {
		d.FluxReader.StopReception()
	})
}
