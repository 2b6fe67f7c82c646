package firmware

import (
	"fmt"
)

// MainLoop is the cooperative top level of the firmware: it polls the
// USB transport, decodes commands and runs the track engine. Long
// operations keep the transport alive by yielding back into the poll.
type MainLoop struct {
	device    *Device
	handler   *RawTrackHandler
	transport Transport
	decoder   CommandDecoder

	commands []*Command // decoded but not yet executed
	txQueue  [][]byte   // response records awaiting transmission
}

// NewMainLoop wires the main loop.
func NewMainLoop(device *Device, handler *RawTrackHandler, transport Transport) *MainLoop {
	return &MainLoop{
		device:    device,
		handler:   handler,
		transport: transport,
	}
}

// respond queues one ASCII response record.
func (m *MainLoop) respond(text string) {
	m.txQueue = append(m.txQueue, []byte(text))
}

// poll advances the USB side: transmit queued responses, receive and
// decode packets. This is the yield target of the track engine, which
// is what makes command pipelining work: the next write command
// arrives while the current track still verifies.
func (m *MainLoop) poll() {
	if len(m.txQueue) > 0 {
		if err := m.transport.WritePacket(m.txQueue[0]); err == nil {
			m.txQueue = m.txQueue[1:]
		}
	}

	buf := make([]byte, 64)
	n, err := m.transport.ReadPacket(buf)
	if err != nil || n == 0 {
		return
	}

	command, err := m.decoder.Feed(buf[:n])
	if err != nil {
		fmt.Printf("Command error: %v\n", err)
		return
	}
	if command != nil {
		m.commands = append(m.commands, command)
	}
}

// executeWriteVerify runs one write/verify job and reports the result.
func (m *MainLoop) executeWriteVerify(command *Command) {
	m.respond("GotCmd")

	m.device.cs.With(func() {
		m.device.Control.SpinMotor()
	})

	result, err := m.handler.WriteAndVerify(
		command.Cylinder, command.Head, command.CellData,
		command.WritePrecompensation, command.SignificanceOffset, m.poll)

	switch err {
	case nil:
		m.respond(fmt.Sprintf("WrittenAndVerified %d %d %d %d %d %d",
			command.Cylinder, command.Head,
			result.WriteOperations, result.VerifyOperations,
			result.MaxErr, command.WritePrecompensation))
	case ErrWriteProtected:
		m.respond("WriteProtected")
	default:
		m.respond(fmt.Sprintf("Fail %d %d %d %d %v",
			command.Cylinder, command.Head,
			result.WriteOperations, result.VerifyOperations, err))
	}
}

// executeReadTrack records one track and streams it to the host in
// 64 byte frames; a short final frame ends the transfer.
func (m *MainLoop) executeReadTrack(command *Command) {
	m.respond("GotCmd")

	frame := make([]byte, 0, 64)
	flush := func() {
		m.txQueue = append(m.txQueue, append([]byte(nil), frame...))
		frame = frame[:0]
	}

	err := m.handler.ReadTrack(
		command.Cylinder, command.Head, command.WaitForIndex,
		command.RecordDurationTicks, m.poll,
		func(b byte) {
			frame = append(frame, b)
			if len(frame) == 64 {
				flush()
			}
		})
	if err != nil {
		fmt.Printf("Read failed: %v\n", err)
	}

	// The final short frame also serves as the end marker. An empty
	// one is sent when the data happened to fill the last full frame.
	flush()
}

// Step runs one iteration of the main loop.
func (m *MainLoop) Step() {
	m.poll()

	if len(m.commands) == 0 {
		return
	}
	command := m.commands[0]
	m.commands = m.commands[1:]

	switch command.Kind {
	case cmdConfigure:
		m.device.cs.With(func() {
			m.device.IndexSim.Configure(command.IndexSimFrequency)
			m.device.Control.SelectDrive(command.Drive)
			m.device.Control.SelectDensity(command.Density)
		})

	case cmdStep:
		m.device.cs.With(func() {
			m.device.Control.SpinMotor()
			m.device.Control.SelectTrack(command.Cylinder, 0)
		})

	case cmdWriteVerifyRawTrack:
		m.executeWriteVerify(command)

	case cmdReadTrack:
		m.executeReadTrack(command)
	}
}

// Run loops forever. On hardware this never returns.
func (m *MainLoop) Run() {
	for {
		m.Step()
	}
}
