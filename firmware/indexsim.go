package firmware

// IndexSim produces a periodic short pulse on a spare output. Flipped
// 5.25" disks hide the real index hole from the sensor; the simulated
// pulse takes its place, with the period configured by the host.
type IndexSim struct {
	pwm PulsePWM
}

// NewIndexSim creates the simulator over its PWM output.
func NewIndexSim(pwm PulsePWM) *IndexSim {
	return &IndexSim{pwm: pwm}
}

// Configure sets the pulse period in timer ticks. Zero disables the
// output.
func (s *IndexSim) Configure(frequency uint32) {
	s.pwm.Configure(frequency)
}
