package flux

// PulseGenerator converts cells into pulse durations. Each cell adds one
// cell duration to the accumulator; a one-cell emits the accumulated
// duration and resets it.
//
// CellDuration may be changed between cells to follow a density map.
type PulseGenerator struct {
	sink         func(PulseDuration)
	CellDuration int32
	accumulator  int32
}

// NewPulseGenerator creates a generator feeding pulses into sink.
func NewPulseGenerator(sink func(PulseDuration), cellDuration int32) *PulseGenerator {
	return &PulseGenerator{
		sink:         sink,
		CellDuration: cellDuration,
	}
}

// Feed consumes one cell.
func (g *PulseGenerator) Feed(cell bool) {
	g.accumulator += g.CellDuration

	if cell {
		g.sink(PulseDuration(g.accumulator))
		g.accumulator = 0
	}
}

// Flush emits the pending accumulator as a final pulse. Used to end a
// track with a flux transition instead of a dangling pause.
func (g *PulseGenerator) Flush() {
	if g.accumulator > 0 {
		g.sink(PulseDuration(g.accumulator))
		g.accumulator = 0
	}
}

// PulseToCells converts pulse durations back into cells. While the
// remaining duration exceeds one and a half cells a zero-cell is
// emitted; the closing one-cell ends the pulse. Pulses longer than
// eight cells are treated as a non-flux-reversal area and produce just
// the single one-cell.
type PulseToCells struct {
	sink         func(bool)
	CellDuration int32
}

// NewPulseToCells creates a converter feeding cells into sink.
func NewPulseToCells(sink func(bool), cellDuration int32) *PulseToCells {
	return &PulseToCells{
		sink:         sink,
		CellDuration: cellDuration,
	}
}

// Feed consumes one pulse duration.
func (p *PulseToCells) Feed(duration PulseDuration) {
	remaining := int32(duration)

	if remaining > p.CellDuration*8 {
		// No flux reversal area. Don't flood the sink with zeros.
		remaining = 0
	}

	for remaining > p.CellDuration+p.CellDuration/2 {
		remaining -= p.CellDuration
		p.sink(false)
	}

	p.sink(true)
}
