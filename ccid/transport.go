// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Licensed under the Apache License, Version 2.0

package ccid

import (
	"errors"
	"fmt"

	"github.com/luxfi/tokenio/fault"
	"github.com/luxfi/tokenio/internal/logging"
)

var log = logging.Named("ccid")

// ErrNoCommand is returned by Reply when no command awaits a response.
var ErrNoCommand = errors.New("ccid: no command awaiting a response")

// BulkPipe is the pair of bulk endpoint primitives the transport drives.
type BulkPipe interface {
	// Send queues one packet on the bulk IN endpoint.
	Send(packet []byte) error
	// ArmReceive prepares the bulk OUT endpoint for the next packet.
	ArmReceive() error
}

// InterruptPipe sends slot-change reports on the interrupt IN endpoint.
type InterruptPipe interface {
	Send(report []byte) error
}

// Config sizes the transport.
type Config struct {
	// MaxPayload is the largest command or response body accepted.
	MaxPayload int
	// OutPacketSize is the bulk OUT max packet size.
	OutPacketSize int
	// InPacketSize is the bulk IN max packet size.
	InPacketSize int
}

// DefaultConfig returns the sizes of a full-speed reader.
func DefaultConfig() Config {
	return Config{
		MaxPayload:    261,
		OutPacketSize: 64,
		InPacketSize:  64,
	}
}

// Transport runs the bulk machine and the slot-change notifier against
// the endpoint primitives. Callbacks must be delivered one at a time.
type Transport struct {
	m        *Machine
	notifier Notifier
	pipe     BulkPipe
	intr     InterruptPipe
	proc     Processor
	inSize   int
	awaiting bool
}

// NewTransport creates a transport. intr may be nil when the device has no
// interrupt endpoint.
func NewTransport(cfg Config, pipe BulkPipe, intr InterruptPipe, proc Processor) *Transport {
	return &Transport{
		m:      NewMachine(cfg.MaxPayload, cfg.OutPacketSize, cfg.InPacketSize),
		pipe:   pipe,
		intr:   intr,
		proc:   proc,
		inSize: cfg.InPacketSize,
	}
}

// Init resets all state, arms the OUT endpoint for the first command and
// announces the slot.
func (t *Transport) Init() error {
	t.m.Reset()
	t.notifier.Reset()
	t.awaiting = false
	if err := t.pipe.ArmReceive(); err != nil {
		return fmt.Errorf("arm bulk out: %w", err)
	}
	return t.notify()
}

// State returns the state of the bulk machine.
func (t *Transport) State() State { return t.m.State() }

// Notifier exposes the slot-change flags.
func (t *Transport) Notifier() *Notifier { return &t.notifier }

// HandleOut is the bulk OUT completion callback.
func (t *Transport) HandleOut(p []byte) error {
	before := t.m.State()
	step := t.m.HandleOut(p)
	if after := t.m.State(); after == StateLengthError {
		log.Warnf("declared length %d rejected for a %d byte buffer, discarding message",
			t.m.Inbound().Length, t.m.Capacity())
	} else if before == StateLengthError {
		log.Debug("length error cleared")
	}
	return t.apply(step)
}

// HandleInComplete is the bulk IN completion callback.
func (t *Transport) HandleInComplete() error {
	return t.apply(t.m.HandleInComplete())
}

// HandleInterruptComplete is the interrupt IN completion callback.
func (t *Transport) HandleInterruptComplete() error {
	t.notifier.TransferComplete()
	return t.notify()
}

// NotifySlotChange records a slot event and emits a notification when
// none is in flight.
func (t *Transport) NotifySlotChange() error {
	t.notifier.SlotChanged()
	return t.notify()
}

// Reply completes a command whose processor returned Reply.Pending.
// A payload larger than the response area is a fault.
func (t *Transport) Reply(messageType uint8, status Status, payload []byte) error {
	if !t.awaiting {
		return ErrNoCommand
	}
	area := t.m.ResponseArea()
	if len(payload) > len(area) {
		return fault.Overflow("ccid reply", len(payload), len(area))
	}
	copy(area, payload)
	return t.respond(messageType, status, len(payload))
}

func (t *Transport) apply(step Step) error {
	if step.Has(EffectDispatch) {
		if err := t.dispatch(); err != nil {
			return err
		}
	}
	if step.Has(EffectSend) {
		if err := t.send(step.Packet); err != nil {
			return err
		}
	}
	if step.Has(EffectArmReceive) {
		if err := t.pipe.ArmReceive(); err != nil {
			return fmt.Errorf("arm bulk out: %w", err)
		}
	}
	return nil
}

func (t *Transport) dispatch() error {
	cmd := t.m.Command()
	log.Debugf("[CCID] => slot=%d seq=%d type=0x%02x len=%d",
		cmd.Header.Slot, cmd.Header.Sequence, cmd.Header.MessageType, len(cmd.Payload))

	t.awaiting = true
	reply := t.proc.Process(cmd, t.m.ResponseArea())
	if reply.Pending || !t.awaiting {
		// deferred, or answered through Reply during Process
		return nil
	}
	return t.respond(reply.Type, reply.Status, reply.Length)
}

func (t *Transport) respond(messageType uint8, status Status, n int) error {
	if err := t.m.SetResponse(messageType, status, n); err != nil {
		return err
	}
	t.awaiting = false

	out := t.m.Outbound()
	if !status.OK() {
		log.Debugf("command 0x%02x failed: %s", t.m.Inbound().MessageType, status)
	}
	log.Debugf("[CCID] <= slot=%d seq=%d type=0x%02x status=%s len=%d",
		out.Slot, out.Sequence, out.MessageType, status, n)
	return t.apply(t.m.BeginResponse())
}

func (t *Transport) send(p []byte) error {
	if len(p) > t.inSize {
		return fault.Overflow("bulk in packet", len(p), t.inSize)
	}
	if err := t.pipe.Send(p); err != nil {
		return fmt.Errorf("bulk in: %w", err)
	}
	return nil
}

func (t *Transport) notify() error {
	if t.intr == nil {
		return nil
	}
	report, ok := t.notifier.Poll()
	if !ok {
		return nil
	}
	log.Debugf("[CCID] <= slot change %x", report)
	if err := t.intr.Send(report); err != nil {
		return fmt.Errorf("interrupt in: %w", err)
	}
	return nil
}
