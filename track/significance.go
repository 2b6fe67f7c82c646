package track

import (
	"fmt"

	"floppytracer/flux"
)

// Thresholds of the significance detectors.
const (
	divergenceTrigger = 8
	longPulseTrigger  = 4
	longPulseLimit    = 168*2 + 30
)

// findSignificanceThroughDivergence looks for the first position where
// the pulse pattern diverges from the lead-in. Every mismatch against
// the reference pulse scores two points, every match decays one; an
// accumulated score of eight marks significance. Offsets inside the
// first eight pulses are rejected as they leave no room to align.
func findSignificanceThroughDivergence(pulses []flux.PulseDuration, reference flux.PulseDuration) (int, bool) {
	significance := 0

	for i, val := range pulses {
		if val != reference {
			significance += 2

			if significance >= divergenceTrigger {
				if i < 8 {
					return 0, false
				}
				return i, true
			}
		} else if significance > 0 {
			significance--
		}
	}
	return 0, false
}

// findSignificanceLongerPulses looks for a run of pulses longer than
// the threshold. Used for tracks whose lead-in never diverges, like an
// all-zero gap followed by a sync.
func findSignificanceLongerPulses(pulses []flux.PulseDuration, threshold flux.PulseDuration) (int, bool) {
	significance := 0

	for i, val := range pulses {
		if val > threshold {
			significance += 2

			if significance >= longPulseTrigger {
				return i, true
			}
		} else if significance > 0 {
			significance--
		}
	}
	return 0, false
}

// SignificanceOffset finds the first pulse position at which the track
// becomes distinguishable from its spin-up lead-in. The device uses
// this position as the alignment anchor during verification. The result
// is stored in FirstSignificanceOffset.
func (t *RawTrack) SignificanceOffset() (int, error) {
	pulses, err := t.Pulses()
	if err != nil {
		return 0, err
	}
	if len(pulses) == 0 {
		return 0, fmt.Errorf("track %d head %d has no pulses", t.Cylinder, t.Head)
	}

	if offset, ok := findSignificanceThroughDivergence(pulses, pulses[0]); ok {
		fmt.Printf("Divergence significance for track %d %d at %d\n", t.Cylinder, t.Head, offset)
		t.FirstSignificanceOffset = offset
		return offset, nil
	}

	if offset, ok := findSignificanceLongerPulses(pulses, longPulseLimit); ok {
		fmt.Printf("Longer pulses significance for track %d %d at %d\n", t.Cylinder, t.Head, offset)
		t.FirstSignificanceOffset = offset
		return offset, nil
	}

	return 0, fmt.Errorf("track %d head %d has no significant pulse pattern", t.Cylinder, t.Head)
}
