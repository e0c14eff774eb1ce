// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Licensed under the Apache License, Version 2.0

package chunk

import "encoding/binary"

// Fragmenter splits a message into data reports. The zero value holds no
// message.
type Fragmenter struct {
	channel uint16
	msg     []byte
	off     int
	seq     uint16
}

// Reset loads msg for fragmentation on channel. msg is read, not copied.
func (f *Fragmenter) Reset(channel uint16, msg []byte) {
	f.channel = channel
	f.msg = msg
	f.off = 0
	f.seq = 0
}

// Next writes the next report into report, zero-padding it, and reports
// whether one was written. len(report) must be at least MinReportSize.
func (f *Fragmenter) Next(report []byte) bool {
	if f.off >= len(f.msg) || len(report) < MinReportSize {
		return false
	}

	clear(report)
	binary.BigEndian.PutUint16(report[0:2], f.channel)
	report[2] = TagAPDU
	binary.BigEndian.PutUint16(report[3:5], f.seq)

	off := nextHeaderSize
	if f.seq == 0 {
		binary.BigEndian.PutUint16(report[5:7], uint16(len(f.msg)))
		off = firstHeaderSize
	}
	f.off += copy(report[off:], f.msg[f.off:])
	f.seq++
	return true
}

// Wrap splits msg into reports of reportSize bytes for channel.
func Wrap(channel uint16, msg []byte, reportSize int) ([][]byte, error) {
	if reportSize < MinReportSize {
		return nil, ErrReportSize
	}
	if len(msg) > MaxMessageSize {
		return nil, ErrMessageSize
	}

	var f Fragmenter
	f.Reset(channel, msg)

	var reports [][]byte
	for {
		report := make([]byte, reportSize)
		if !f.Next(report) {
			return reports, nil
		}
		reports = append(reports, report)
	}
}
