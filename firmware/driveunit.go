package firmware

import "periph.io/x/periph/conn/gpio"

// Motor spin-down: the motor keeps running this many systick periods
// after the last spin request.
const motorSpinTicks = 600

// DriveUnit controls the motor and select signals of one drive on the
// Shugart bus. Both signals are active low.
type DriveUnit struct {
	outMotorEnable gpio.PinOut
	outDriveSelect gpio.PinOut
	motorCountdown int
	motorOn        bool
}

// NewDriveUnit creates a drive unit over its two output pins.
func NewDriveUnit(outMotorEnable, outDriveSelect gpio.PinOut) *DriveUnit {
	return &DriveUnit{
		outMotorEnable: outMotorEnable,
		outDriveSelect: outDriveSelect,
	}
}

// Run advances the motor countdown. Called from the systick.
func (d *DriveUnit) Run() {
	if d.motorOn {
		if d.motorCountdown > 0 {
			d.motorCountdown--
		} else {
			d.StopMotor()
		}
	}
}

// SpinMotor enables the motor and keeps it running for the spin-down
// time.
func (d *DriveUnit) SpinMotor() {
	d.outMotorEnable.Out(gpio.Low)
	d.outDriveSelect.Out(gpio.Low)
	d.motorOn = true
	d.motorCountdown = motorSpinTicks
}

// StopMotor disables the motor and drops the select signal.
func (d *DriveUnit) StopMotor() {
	d.outMotorEnable.Out(gpio.High)
	d.motorOn = false
	d.outDriveSelect.Out(gpio.High)
}

// Deselect drops both signals.
func (d *DriveUnit) Deselect() {
	d.outDriveSelect.Out(gpio.High)
	d.outMotorEnable.Out(gpio.High)
	d.motorOn = false
}

// Select asserts the select signal.
func (d *DriveUnit) Select() {
	d.outDriveSelect.Out(gpio.Low)
}

// IsSpinning reports whether the motor is enabled.
func (d *DriveUnit) IsSpinning() bool {
	return d.motorOn
}
