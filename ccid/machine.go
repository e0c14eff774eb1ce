// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Licensed under the Apache License, Version 2.0

package ccid

import "github.com/luxfi/tokenio/fault"

// State is the position of the bulk machine in a command/response cycle.
type State uint8

const (
	// StateIdle waits for the first packet of a command.
	StateIdle State = iota
	// StateReceivingData expects further full-size OUT packets.
	StateReceivingData
	// StateSendingResponse paces a response over IN packets.
	StateSendingResponse
	// StateLengthError discards the next OUT packet, then returns to idle.
	StateLengthError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceivingData:
		return "receiving"
	case StateSendingResponse:
		return "sending"
	case StateLengthError:
		return "length-error"
	default:
		return "unknown"
	}
}

// Effect is a set of side effects requested by a transition.
type Effect uint8

const (
	// EffectSend queues Step.Packet on the bulk IN endpoint. An empty
	// packet is a zero-length packet.
	EffectSend Effect = 1 << iota
	// EffectArmReceive prepares the bulk OUT endpoint for the next packet.
	EffectArmReceive
	// EffectDispatch hands the reassembled command to the processor.
	EffectDispatch
)

// Step is the outcome of one transition.
type Step struct {
	Effects Effect
	Packet  []byte
}

// Has reports whether e is requested by s.
func (s Step) Has(e Effect) bool { return s.Effects&e != 0 }

var (
	stepNone = Step{}
	stepArm  = Step{Effects: EffectArmReceive}
)

// Machine is the bulk transport state machine. It owns the message buffer
// and never performs I/O itself: every method returns the Step the caller
// must carry out before delivering the next packet event.
//
// A Machine is not safe for concurrent use.
type Machine struct {
	state   State
	buf     []byte
	outSize int
	inSize  int

	in  Header
	out Header

	// reassembly cursor: writeOffset+remaining == in.Length+HeaderSize
	// while receiving.
	writeOffset int
	remaining   int

	txOffset    int
	txRemaining int
}

// NewMachine allocates a machine whose buffer holds a header plus
// maxPayload bytes. outSize and inSize are the bulk endpoint packet sizes.
func NewMachine(maxPayload, outSize, inSize int) *Machine {
	return &Machine{
		buf:     make([]byte, HeaderSize+maxPayload),
		outSize: outSize,
		inSize:  inSize,
	}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Capacity returns the size of the message buffer.
func (m *Machine) Capacity() int { return len(m.buf) }

// Inbound returns the header of the last command received.
func (m *Machine) Inbound() Header { return m.in }

// Outbound returns the response header under construction.
func (m *Machine) Outbound() Header { return m.out }

// Reset returns the machine to idle and clears every counter.
func (m *Machine) Reset() {
	m.state = StateIdle
	m.in = Header{}
	m.out = Header{}
	m.writeOffset = 0
	m.remaining = 0
	m.txOffset = 0
	m.txRemaining = 0
}

// HandleOut processes a packet received on the bulk OUT endpoint.
func (m *Machine) HandleOut(p []byte) Step {
	switch m.state {
	case StateIdle:
		return m.receiveFirst(p)
	case StateReceivingData:
		return m.receiveNext(p)
	case StateLengthError:
		m.Reset()
		return stepArm
	default:
		return stepNone
	}
}

func (m *Machine) receiveFirst(p []byte) Step {
	n := len(p)
	if n < HeaderSize {
		// zero-length or truncated packet between commands
		return stepArm
	}
	if n > m.outSize || n > len(m.buf) {
		return m.lengthError()
	}

	copy(m.buf, p)
	m.in, _ = ParseHeader(m.buf[:n])
	m.out = Header{Slot: m.in.Slot, Sequence: m.in.Sequence}
	m.writeOffset = n

	// a short packet ends the transfer whatever the header declares; the
	// processor judges the length
	if n < m.outSize {
		return m.dispatch()
	}
	if uint64(m.in.Length) > uint64(len(m.buf)-HeaderSize) {
		return m.lengthError()
	}
	m.remaining = int(m.in.Length) + HeaderSize - n
	switch {
	case m.remaining > 0:
		m.state = StateReceivingData
		return stepArm
	case m.remaining == 0:
		return m.dispatch()
	default:
		return m.lengthError()
	}
}

func (m *Machine) receiveNext(p []byte) Step {
	n := len(p)
	if n > m.outSize || m.writeOffset+n > len(m.buf) {
		return m.lengthError()
	}

	if n < m.outSize {
		m.accept(p)
		return m.dispatch()
	}
	switch {
	case n < m.remaining:
		m.accept(p)
		return stepArm
	case n == m.remaining:
		m.accept(p)
		return m.dispatch()
	default:
		return m.lengthError()
	}
}

func (m *Machine) accept(p []byte) {
	copy(m.buf[m.writeOffset:], p)
	m.writeOffset += len(p)
	m.remaining -= len(p)
	if m.remaining < 0 {
		m.remaining = 0
	}
}

func (m *Machine) lengthError() Step {
	m.state = StateLengthError
	m.writeOffset = 0
	m.remaining = 0
	return stepArm
}

// dispatch leaves the machine idle while the command is processed; the
// OUT endpoint is re-armed only once the response has been sent.
func (m *Machine) dispatch() Step {
	m.state = StateIdle
	m.remaining = 0
	return Step{Effects: EffectDispatch}
}

// Command returns a view of the last reassembled command. The payload is
// the bytes actually received, which may differ from Header.Length.
func (m *Machine) Command() Command {
	end := m.writeOffset
	if end < HeaderSize {
		end = HeaderSize
	}
	return Command{Header: m.in, Payload: m.buf[HeaderSize:end]}
}

// ResponseArea returns the writable region that follows the response
// header and status byte. It aliases the command payload.
func (m *Machine) ResponseArea() []byte {
	return m.buf[HeaderSize+1:]
}

// SetResponse finalizes the response header for a body of n payload bytes
// already written into ResponseArea.
func (m *Machine) SetResponse(messageType uint8, status Status, n int) error {
	if n < 0 || n > len(m.buf)-HeaderSize-1 {
		return fault.Overflow("ccid response", n, len(m.buf)-HeaderSize-1)
	}
	m.out.MessageType = messageType
	m.out.Length = uint32(n + 1)
	m.out.MarshalTo(m.buf)
	m.buf[HeaderSize] = byte(status)
	return nil
}

// BeginResponse starts sending the response prepared by SetResponse.
func (m *Machine) BeginResponse() Step {
	return m.beginResponse(HeaderSize + int(m.out.Length))
}

func (m *Machine) beginResponse(total int) Step {
	m.state = StateSendingResponse
	m.txOffset = 0
	m.txRemaining = total
	return Step{Effects: EffectSend, Packet: m.buf[:min(m.inSize, total)]}
}

// HandleInComplete processes the acknowledgment of a bulk IN packet.
func (m *Machine) HandleInComplete() Step {
	if m.state != StateSendingResponse {
		return stepNone
	}

	prev := m.txRemaining
	sent := min(m.inSize, prev)
	m.txOffset += sent
	m.txRemaining -= sent

	off, rem := m.txOffset, m.txRemaining
	switch {
	case rem >= m.inSize:
		return Step{Effects: EffectSend, Packet: m.buf[off : off+m.inSize]}
	case rem == 0 && prev == m.inSize:
		// a full final packet reads as "more to come": terminate with a
		// zero-length packet and re-arm without waiting for its ack
		m.Reset()
		return Step{Effects: EffectSend | EffectArmReceive, Packet: m.buf[off:off]}
	case rem == 0:
		m.Reset()
		return stepArm
	default:
		pkt := m.buf[off : off+rem]
		m.Reset()
		return Step{Effects: EffectSend | EffectArmReceive, Packet: pkt}
	}
}
