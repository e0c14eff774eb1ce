// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Licensed under the Apache License, Version 2.0

package ccid

// Command is a reassembled bulk command. Payload is a view into the
// transport buffer and is valid only until Process returns.
type Command struct {
	Header  Header
	Payload []byte
}

// Reply describes the response a processor produced.
type Reply struct {
	// Type is the response message type, e.g. RDRToPCDataBlock.
	Type   uint8
	Status Status
	// Length is the number of payload bytes written into the response area.
	Length int
	// Pending defers the response; it is sent when Transport.Reply is
	// called. Type, Status and Length are ignored.
	Pending bool
}

// Processor executes commands. resp is the writable response area, which
// shares memory with cmd.Payload; neither may be retained after Process
// returns.
type Processor interface {
	Process(cmd Command, resp []byte) Reply
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(cmd Command, resp []byte) Reply

// Process calls f(cmd, resp).
func (f ProcessorFunc) Process(cmd Command, resp []byte) Reply { return f(cmd, resp) }

// Mux routes commands to processors by message type. Unregistered types
// are answered with a slot status carrying StatusCmdNotSupported, and
// commands whose header length disagrees with the bytes received with
// StatusBadLength.
type Mux struct {
	handlers map[uint8]Processor
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[uint8]Processor)}
}

// Handle registers p for messageType, replacing any previous processor.
func (mux *Mux) Handle(messageType uint8, p Processor) {
	mux.handlers[messageType] = p
}

// HandleFunc registers fn for messageType.
func (mux *Mux) HandleFunc(messageType uint8, fn func(cmd Command, resp []byte) Reply) {
	mux.Handle(messageType, ProcessorFunc(fn))
}

// Process implements Processor.
func (mux *Mux) Process(cmd Command, resp []byte) Reply {
	p, ok := mux.handlers[cmd.Header.MessageType]
	if !ok {
		log.Debugf("unsupported message type 0x%02x", cmd.Header.MessageType)
		return Reply{Type: RDRToPCSlotStatus, Status: StatusCmdNotSupported}
	}
	if uint64(cmd.Header.Length) != uint64(len(cmd.Payload)) {
		log.Debugf("header declares %d bytes, received %d", cmd.Header.Length, len(cmd.Payload))
		return Reply{Type: RDRToPCSlotStatus, Status: StatusBadLength}
	}
	return p.Process(cmd, resp)
}

var _ Processor = (*Mux)(nil)
