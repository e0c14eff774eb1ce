// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Licensed under the Apache License, Version 2.0

package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/luxfi/tokenio/fault"
	"github.com/luxfi/tokenio/internal/logging"
)

var log = logging.Named("chunk")

// ErrReset is returned by Exchange after the reply was sent with
// FlagResetAfterReply.
var ErrReset = errors.New("chunk: device reset after reply")

// Link is the pair of report primitives of the HID endpoint.
type Link interface {
	// Send transmits one report.
	Send(report []byte) error
	// Receive blocks for the next report and returns its length, which
	// exceeds len(report) when the report was truncated.
	Receive(report []byte) (int, error)
}

// Flags alter an Exchange.
type Flags uint8

const (
	// FlagReturnAfterTx returns once the reply is sent.
	FlagReturnAfterTx Flags = 1 << iota
	// FlagResetAfterReply resets the device once the reply is sent.
	FlagResetAfterReply
)

// Config sizes an Exchanger.
type Config struct {
	// ReportSize is the HID report length.
	ReportSize int
	// BufferSize is the APDU buffer capacity, at most MaxMessageSize.
	BufferSize int
	// Random supplies allocated channel identifiers. Nil selects
	// crypto/rand.
	Random io.Reader
	// OnReset performs the device reset requested by FlagResetAfterReply.
	OnReset func()
}

// DefaultConfig returns 64-byte reports and a short-APDU buffer.
func DefaultConfig() Config {
	return Config{
		ReportSize: DefaultReportSize,
		BufferSize: 260,
	}
}

// Exchanger runs the device side of the chunked transport: it sends a
// reply held in its APDU buffer and then polls the link until the next
// command fills the same buffer.
type Exchanger struct {
	link    Link
	r       *Reassembler
	frag    Fragmenter
	rx      []byte
	tx      []byte
	onReset func()
}

// NewExchanger allocates the APDU buffer and report buffers once.
func NewExchanger(link Link, cfg Config) (*Exchanger, error) {
	if cfg.ReportSize < MinReportSize {
		return nil, ErrReportSize
	}
	if cfg.BufferSize <= 0 || cfg.BufferSize > MaxMessageSize {
		return nil, fmt.Errorf("chunk: buffer size %d out of range", cfg.BufferSize)
	}
	return &Exchanger{
		link:    link,
		r:       NewReassembler(make([]byte, cfg.BufferSize), cfg.ReportSize, cfg.Random),
		rx:      make([]byte, cfg.ReportSize),
		tx:      make([]byte, cfg.ReportSize),
		onReset: cfg.OnReset,
	}, nil
}

// Buffer returns the APDU buffer shared by commands and replies.
func (e *Exchanger) Buffer() []byte { return e.r.Buffer() }

// Reassembler exposes the reception state.
func (e *Exchanger) Reassembler() *Reassembler { return e.r }

// Exchange sends the first sendLen bytes of the buffer as a reply, unless
// sendLen is 0, then blocks until a complete command is in the buffer and
// returns its length. Reports with an invalid size are dropped.
func (e *Exchanger) Exchange(ctx context.Context, sendLen int, flags Flags) (int, error) {
	buf := e.r.Buffer()
	if sendLen < 0 || sendLen > len(buf) {
		return 0, fault.Overflow("apdu reply", sendLen, len(buf))
	}

	if sendLen > 0 {
		log.Debugf("[HID] <= %x", buf[:sendLen])
		e.frag.Reset(e.r.Channel(), buf[:sendLen])
		for e.frag.Next(e.tx) {
			if err := e.send(e.tx); err != nil {
				return 0, err
			}
		}
	}
	e.r.Reset()

	if flags&FlagResetAfterReply != 0 {
		if e.onReset != nil {
			e.onReset()
		}
		return 0, ErrReset
	}
	if flags&FlagReturnAfterTx != 0 {
		return 0, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, err := e.link.Receive(e.rx)
		if err != nil {
			return 0, fmt.Errorf("receive report: %w", err)
		}
		if n > len(e.rx) || n < controlHeaderSize {
			log.Debugf("dropping report of %d bytes", n)
			continue
		}

		out := e.r.Receive(e.rx[:n])
		if out.Reply != nil {
			if err := e.send(out.Reply); err != nil {
				return 0, err
			}
		}
		if out.Status == StatusReceived {
			log.Debugf("[HID] => %x", buf[:out.Length])
			return out.Length, nil
		}
	}
}

func (e *Exchanger) send(report []byte) error {
	if len(report) > len(e.tx) {
		return fault.Overflow("hid report", len(report), len(e.tx))
	}
	if err := e.link.Send(report); err != nil {
		return fmt.Errorf("send report: %w", err)
	}
	return nil
}
