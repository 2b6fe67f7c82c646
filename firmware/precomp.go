package firmware

import "floppytracer/flux"

// precompShaper applies write precompensation to a pulse stream. Media
// bit-shift pushes neighbouring flux edges apart; pre-shifting each
// edge away from its closer neighbour counteracts that. At every pulse
// boundary the edge moves by the configured number of ticks: a long
// pulse followed by a shorter one shifts the edge late, a short pulse
// followed by a longer one shifts it early.
//
// The comparison always uses the nominal durations; a pulse between
// two boundaries collects the adjustment of both. Shaping needs one
// pulse of lookahead, so output lags input by one pulse until Flush.
type precompShaper struct {
	sink          func(flux.PulseDuration)
	ticks         flux.PulseDuration
	pendingPulse  flux.PulseDuration
	pendingAdjust flux.PulseDuration
	holding       bool
}

func newPrecompShaper(sink func(flux.PulseDuration), ticks int32) *precompShaper {
	return &precompShaper{sink: sink, ticks: flux.PulseDuration(ticks)}
}

func (s *precompShaper) Feed(next flux.PulseDuration) {
	if s.ticks == 0 {
		s.sink(next)
		return
	}

	if !s.holding {
		s.pendingPulse = next
		s.holding = true
		return
	}

	prevAdjust := s.pendingAdjust
	nextAdjust := flux.PulseDuration(0)
	switch {
	case s.pendingPulse > next:
		// Edge between the pulses moves late.
		prevAdjust += s.ticks
		nextAdjust = -s.ticks
	case s.pendingPulse < next:
		// Edge between the pulses moves early.
		prevAdjust -= s.ticks
		nextAdjust = s.ticks
	}

	s.sink(s.pendingPulse + prevAdjust)
	s.pendingPulse = next
	s.pendingAdjust = nextAdjust
}

// Flush emits the held final pulse.
func (s *precompShaper) Flush() {
	if s.holding {
		s.sink(s.pendingPulse + s.pendingAdjust)
		s.holding = false
		s.pendingAdjust = 0
	}
}
