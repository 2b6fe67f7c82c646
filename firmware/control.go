package firmware

import (
	"fmt"

	"periph.io/x/periph/conn/gpio"

	"floppytracer/flux"
)

// stepState is the state machine advanced by the systick. Direction
// changes and the final head settling each take a short countdown.
type stepState int

const (
	stepIdle stepState = iota
	stepSettingDirection
	stepStepping
	stepSettlingHead
)

const (
	directionSettleTicks = 10
	headSettleTicks      = 10
	// Seeking track 00 from an unknown position is bounded; more steps
	// than any drive has cylinders means a broken track-00 signal.
	maxStepsToTrack00 = 90
)

// FloppyControl owns the bus signals shared between both drives: head
// stepping, head and density select, and the write protect input. It
// runs the stepper state machine from the systick.
type FloppyControl struct {
	driveA *DriveUnit
	driveB *DriveUnit

	outStepDirection gpio.PinOut
	outStepPerform   gpio.PinOut
	inTrack00        gpio.PinIn
	outHeadSelect    gpio.PinOut
	outDensitySelect gpio.PinOut
	inWriteProtect   gpio.PinIn

	currentCylinder  int // -1 while unknown
	wantedCylinder   int
	stepsWithoutT00  int
	state            stepState
	stateCountdown   int
	stepDirectionOut bool // true when stepping outward (towards 00)
	driveSelect      flux.DriveSelect
}

// NewFloppyControl wires the control over its pins and drive units.
func NewFloppyControl(driveA, driveB *DriveUnit,
	outStepDirection, outStepPerform gpio.PinOut, inTrack00 gpio.PinIn,
	outHeadSelect, outDensitySelect gpio.PinOut, inWriteProtect gpio.PinIn) *FloppyControl {
	return &FloppyControl{
		driveA:           driveA,
		driveB:           driveB,
		outStepDirection: outStepDirection,
		outStepPerform:   outStepPerform,
		inTrack00:        inTrack00,
		outHeadSelect:    outHeadSelect,
		outDensitySelect: outDensitySelect,
		inWriteProtect:   inWriteProtect,
		currentCylinder:  -1,
	}
}

// SelectDensity drives the density select pin.
func (f *FloppyControl) SelectDensity(density flux.Density) {
	if density == flux.High {
		f.outDensitySelect.Out(gpio.High)
		fmt.Println("High density selected!")
	} else {
		f.outDensitySelect.Out(gpio.Low)
		fmt.Println("Double density selected!")
	}
}

// SelectDrive asserts one drive select and stops the other drive. Only
// one of A/B may ever be selected.
func (f *FloppyControl) SelectDrive(drive flux.DriveSelect) {
	switch drive {
	case flux.DriveNone:
		f.driveA.Deselect()
		f.driveB.Deselect()
	case flux.DriveA:
		f.driveB.Deselect()
		f.driveA.Select()
		fmt.Println("Drive A selected!")
	case flux.DriveB:
		f.driveA.Deselect()
		f.driveB.Select()
		fmt.Println("Drive B selected!")
	}

	f.driveSelect = drive

	f.outStepDirection.Out(gpio.High)
	f.stepDirectionOut = true
	f.outStepPerform.Out(gpio.High)
	f.outHeadSelect.Out(gpio.High)

	// Cylinder is unknown. Require track 00 first.
	f.currentCylinder = -1
	f.stepsWithoutT00 = 0
}

func (f *FloppyControl) selectedUnit() *DriveUnit {
	switch f.driveSelect {
	case flux.DriveA:
		return f.driveA
	case flux.DriveB:
		return f.driveB
	}
	return nil
}

// SpinMotor keeps the selected drive's motor running.
func (f *FloppyControl) SpinMotor() {
	if unit := f.selectedUnit(); unit != nil {
		unit.SpinMotor()
	}
}

// StopMotor stops the selected drive's motor.
func (f *FloppyControl) StopMotor() {
	if unit := f.selectedUnit(); unit != nil {
		unit.StopMotor()
	}
}

// IsSpinning reports whether the selected drive's motor runs.
func (f *FloppyControl) IsSpinning() bool {
	unit := f.selectedUnit()
	return unit != nil && unit.IsSpinning()
}

// WriteProtected reads the write protect input. Active low.
func (f *FloppyControl) WriteProtected() bool {
	return f.inWriteProtect.Read() == gpio.Low
}

// SelectTrack tells the stepper the target cylinder and switches the
// head.
func (f *FloppyControl) SelectTrack(cylinder, head int) {
	f.wantedCylinder = cylinder
	if head == 0 {
		f.outHeadSelect.Out(gpio.High)
	} else {
		f.outHeadSelect.Out(gpio.Low)
	}
}

// CurrentCylinder returns the head position, -1 while unknown.
func (f *FloppyControl) CurrentCylinder() int {
	return f.currentCylinder
}

// ReachedSelectedCylinder reports whether the stepper is idle on the
// wanted cylinder. Pure read, no side effects.
func (f *FloppyControl) ReachedSelectedCylinder() bool {
	return f.state == stepIdle && f.wantedCylinder == f.currentCylinder
}

// StuckWithoutTrack00 reports that the bounded seek to track 00 gave
// up without ever seeing the signal.
func (f *FloppyControl) StuckWithoutTrack00() bool {
	return f.state == stepIdle && f.currentCylinder < 0 && f.stepsWithoutT00 >= maxStepsToTrack00
}

// stepMachine advances the stepper one systick.
func (f *FloppyControl) stepMachine() {
	switch f.state {
	case stepIdle:
		if f.inTrack00.Read() == gpio.Low {
			f.currentCylinder = 0
			f.stepsWithoutT00 = 0
		}

		if f.currentCylinder < 0 {
			// Position unknown: step outward until track 00 asserts.
			if f.stepsWithoutT00 >= maxStepsToTrack00 {
				// No track 00 in sight; a real drive would have hit
				// it long ago. Stay idle instead of grinding the
				// stepper forever.
				return
			}
			f.stepsWithoutT00++
			f.outStepDirection.Out(gpio.High)
			f.stepDirectionOut = true
			f.outStepPerform.Out(gpio.Low)
			f.state = stepStepping
			return
		}

		switch {
		case f.currentCylinder < f.wantedCylinder && f.stepDirectionOut:
			// Direction is wrong. Set direction and give it time to settle.
			f.outStepDirection.Out(gpio.Low)
			f.stepDirectionOut = false
			f.state = stepSettingDirection
			f.stateCountdown = directionSettleTicks
		case f.currentCylinder > f.wantedCylinder && !f.stepDirectionOut:
			f.outStepDirection.Out(gpio.High)
			f.stepDirectionOut = true
			f.state = stepSettingDirection
			f.stateCountdown = directionSettleTicks
		case f.currentCylinder != f.wantedCylinder:
			f.outStepPerform.Out(gpio.Low)
			if f.currentCylinder < f.wantedCylinder {
				f.currentCylinder++
			} else {
				f.currentCylinder--
			}
			f.state = stepStepping
		}

	case stepSettingDirection:
		if f.stateCountdown > 0 {
			f.stateCountdown--
		} else {
			f.state = stepIdle
		}

	case stepStepping:
		f.outStepPerform.Out(gpio.High)

		// Arrived at the wanted cylinder? Let the head settle before
		// doing anything else.
		if f.currentCylinder >= 0 && f.currentCylinder == f.wantedCylinder {
			f.state = stepSettlingHead
			f.stateCountdown = headSettleTicks
		} else {
			f.state = stepIdle
		}

	case stepSettlingHead:
		if f.stateCountdown > 0 {
			f.stateCountdown--
		} else {
			f.state = stepIdle
		}
	}
}

// Run advances motors and the stepper. Called from the systick.
func (f *FloppyControl) Run() {
	f.driveA.Run()
	f.driveB.Run()
	f.stepMachine()
}
