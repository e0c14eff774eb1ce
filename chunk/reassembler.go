// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Licensed under the Apache License, Version 2.0

package chunk

import (
	"crypto/rand"
	"encoding/binary"
	"io"
)

// Status is the result of feeding one report to a Reassembler.
type Status uint8

const (
	// StatusMore means a message is in progress.
	StatusMore Status = iota
	// StatusReceived means a complete message is in the buffer.
	StatusReceived
	// StatusReset means the sequence counter was reset, either after a
	// control report or because a data report was rejected.
	StatusReset
	// StatusIgnored means the report had an unknown tag.
	StatusIgnored
)

func (s Status) String() string {
	switch s {
	case StatusMore:
		return "more"
	case StatusReceived:
		return "received"
	case StatusReset:
		return "reset"
	case StatusIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Outcome is returned by Reassembler.Receive.
type Outcome struct {
	Status Status
	// Length is the message length when Status is StatusReceived.
	Length int
	// Reply is a report to send back to the host, set for control tags.
	// It is valid until the next call to Receive.
	Reply []byte
}

// Reassembler rebuilds messages from data reports into a caller-owned
// buffer and answers control reports. It never writes past the buffer and
// never grows it.
//
// A Reassembler is not safe for concurrent use.
type Reassembler struct {
	buf     []byte
	scratch []byte
	random  io.Reader
	channel uint16

	total     int
	remaining int
	cursor    int
	expected  uint16
}

// NewReassembler returns a Reassembler writing into buf. Reports are
// handled as reportSize bytes, zero-padded when shorter. random supplies
// channel identifiers; nil selects crypto/rand.
func NewReassembler(buf []byte, reportSize int, random io.Reader) *Reassembler {
	if random == nil {
		random = rand.Reader
	}
	return &Reassembler{
		buf:     buf,
		scratch: make([]byte, reportSize),
		random:  random,
	}
}

// Buffer returns the message buffer.
func (r *Reassembler) Buffer() []byte { return r.buf }

// Channel returns the channel of the last report received.
func (r *Reassembler) Channel() uint16 { return r.channel }

// InProgress reports whether part of a message has been received.
func (r *Reassembler) InProgress() bool { return r.expected != 0 }

// Expected returns the sequence index the next data report must carry.
func (r *Reassembler) Expected() uint16 { return r.expected }

// Reset discards any partial message.
func (r *Reassembler) Reset() {
	r.total = 0
	r.remaining = 0
	r.cursor = 0
	r.expected = 0
}

// Receive processes one report.
func (r *Reassembler) Receive(report []byte) Outcome {
	n := min(len(report), len(r.scratch))
	clear(r.scratch)
	copy(r.scratch, report[:n])
	if n < controlHeaderSize {
		return Outcome{Status: StatusIgnored}
	}
	r.channel = binary.BigEndian.Uint16(r.scratch[0:2])

	switch r.scratch[2] {
	case TagAPDU:
		return r.receiveData(n)

	case TagVersion:
		binary.BigEndian.PutUint32(r.scratch[3:7], ProtocolVersion)
		return r.control()

	case TagAllocate:
		if _, err := io.ReadFull(r.random, r.scratch[3:7]); err != nil {
			log.Warnf("channel allocation failed: %v", err)
			r.expected = 0
			return Outcome{Status: StatusReset}
		}
		return r.control()

	case TagEcho:
		return r.control()

	default:
		log.Debugf("ignoring report with tag 0x%02x", r.scratch[2])
		return Outcome{Status: StatusIgnored}
	}
}

// control answers a control report. The partial message, if any, is kept
// but the next data report must restart at sequence 0.
func (r *Reassembler) control() Outcome {
	r.expected = 0
	return Outcome{Status: StatusReset, Reply: r.scratch}
}

func (r *Reassembler) receiveData(n int) Outcome {
	if n < nextHeaderSize {
		return r.abort()
	}
	seq := binary.BigEndian.Uint16(r.scratch[3:5])
	if seq != r.expected {
		log.Debugf("sequence %d, expected %d: restarting", seq, r.expected)
		return r.abort()
	}

	off := nextHeaderSize
	if seq == 0 {
		if n < firstHeaderSize {
			return r.abort()
		}
		total := int(binary.BigEndian.Uint16(r.scratch[5:7]))
		if total > len(r.buf) {
			log.Debugf("message of %d bytes exceeds buffer of %d", total, len(r.buf))
			return r.abort()
		}
		r.total = total
		r.remaining = total
		r.cursor = 0
		off = firstHeaderSize
	}

	// a host that sends more than it announced is clamped, not trusted
	l := min(n-off, r.remaining)
	copy(r.buf[r.cursor:], r.scratch[off:off+l])
	r.cursor += l
	r.remaining -= l
	r.expected++

	if r.remaining > 0 {
		return Outcome{Status: StatusMore}
	}
	r.expected = 0
	return Outcome{Status: StatusReceived, Length: r.total}
}

func (r *Reassembler) abort() Outcome {
	r.Reset()
	return Outcome{Status: StatusReset}
}
