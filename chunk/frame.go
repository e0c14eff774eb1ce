// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Licensed under the Apache License, Version 2.0

// Package chunk implements the channel/sequence framing used to carry APDUs
// over fixed-size HID reports.
//
// Every report starts with a 2-byte channel identifier and a 1-byte tag.
// Data reports (TagAPDU) continue with a 2-byte sequence index and, on the
// first report of a message only, the 2-byte total message length:
//
//	CCCC TT SSSS [LLLL] payload... 00 fill
//
// All fields are big-endian. Filler is only allowed in the last report of a
// message.
package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Report tags.
const (
	TagVersion  byte = 0x00
	TagAllocate byte = 0x01
	TagEcho     byte = 0x02
	TagAPDU     byte = 0x05
)

const (
	// DefaultReportSize is the HID report length of full-speed tokens.
	DefaultReportSize = 64
	// MinReportSize leaves room for at least one payload byte per report.
	MinReportSize = firstHeaderSize + 1
	// MaxMessageSize is the largest length the 2-byte total field encodes.
	MaxMessageSize = 0xFFFF

	// ProtocolVersion is returned to TagVersion queries.
	ProtocolVersion uint32 = 0

	controlHeaderSize = 3
	nextHeaderSize    = 5
	firstHeaderSize   = 7
)

var (
	// ErrShortReport is returned when a report is too short for its tag.
	ErrShortReport = errors.New("chunk: report too short")
	// ErrReportSize is returned for report sizes below MinReportSize.
	ErrReportSize = fmt.Errorf("chunk: report size must be at least %d", MinReportSize)
	// ErrMessageSize is returned for messages longer than MaxMessageSize.
	ErrMessageSize = fmt.Errorf("chunk: message longer than %d bytes", MaxMessageSize)
)

// Frame is a decoded report. Sequence and Total are only set for TagAPDU;
// Total only on the first report of a message.
type Frame struct {
	Channel  uint16
	Tag      byte
	Sequence uint16
	Total    uint16
	Payload  []byte
}

// First reports whether f opens a message.
func (f Frame) First() bool { return f.Tag == TagAPDU && f.Sequence == 0 }

// ParseFrame decodes the header of report. Payload aliases report and
// includes any trailing filler.
func ParseFrame(report []byte) (Frame, error) {
	if len(report) < controlHeaderSize {
		return Frame{}, ErrShortReport
	}
	f := Frame{
		Channel: binary.BigEndian.Uint16(report[0:2]),
		Tag:     report[2],
	}
	if f.Tag != TagAPDU {
		f.Payload = report[controlHeaderSize:]
		return f, nil
	}

	if len(report) < nextHeaderSize {
		return Frame{}, ErrShortReport
	}
	f.Sequence = binary.BigEndian.Uint16(report[3:5])
	if f.Sequence != 0 {
		f.Payload = report[nextHeaderSize:]
		return f, nil
	}
	if len(report) < firstHeaderSize {
		return Frame{}, ErrShortReport
	}
	f.Total = binary.BigEndian.Uint16(report[5:7])
	f.Payload = report[firstHeaderSize:]
	return f, nil
}
