// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Licensed under the Apache License, Version 2.0

package ccid

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the size of the bulk message header:
// slot(1) sequence(1) messageType(1) length(4), big-endian.
const HeaderSize = 7

// Host to reader message types.
const (
	PCToRDRSetParameters      = 0x61
	PCToRDRIccPowerOn         = 0x62
	PCToRDRIccPowerOff        = 0x63
	PCToRDRGetSlotStatus      = 0x65
	PCToRDRSecure             = 0x69
	PCToRDRT0APDU             = 0x6A
	PCToRDREscape             = 0x6B
	PCToRDRGetParameters      = 0x6C
	PCToRDRResetParameters    = 0x6D
	PCToRDRIccClock           = 0x6E
	PCToRDRXfrBlock           = 0x6F
	PCToRDRMechanical         = 0x71
	PCToRDRAbort              = 0x72
	PCToRDRSetDataRateAndFreq = 0x73
)

// Reader to host message types.
const (
	RDRToPCNotifySlotChange = 0x50
	RDRToPCDataBlock        = 0x80
	RDRToPCSlotStatus       = 0x81
	RDRToPCParameters       = 0x82
	RDRToPCEscape           = 0x83
	RDRToPCDataRateAndFreq  = 0x84
)

// ErrShortHeader is returned when fewer than HeaderSize bytes are available.
var ErrShortHeader = errors.New("ccid: message header too short")

// Header is the fixed prefix of every bulk message. On responses Slot and
// Sequence always echo the command they answer.
type Header struct {
	Slot        uint8
	Sequence    uint8
	MessageType uint8
	Length      uint32
}

// ParseHeader decodes a header from the start of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	return Header{
		Slot:        b[0],
		Sequence:    b[1],
		MessageType: b[2],
		Length:      binary.BigEndian.Uint32(b[3:7]),
	}, nil
}

// MarshalTo writes h to the start of b and returns HeaderSize, or 0 if b is
// too small.
func (h Header) MarshalTo(b []byte) int {
	if len(b) < HeaderSize {
		return 0
	}
	b[0] = h.Slot
	b[1] = h.Sequence
	b[2] = h.MessageType
	binary.BigEndian.PutUint32(b[3:7], h.Length)
	return HeaderSize
}
