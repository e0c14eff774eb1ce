// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Licensed under the Apache License, Version 2.0

// Package tokenio runs the device side of a USB security token: CCID
// bulk commands, chunked APDUs over HID reports and slot-change
// notifications, all owned by one Token.
package tokenio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/luxfi/tokenio/ccid"
	"github.com/luxfi/tokenio/chunk"
	"github.com/luxfi/tokenio/fault"
	"github.com/luxfi/tokenio/internal/logging"
)

var log = logging.Named("tokenio")

var (
	// ErrHalted is returned by every callback once a fault stopped the token.
	ErrHalted = errors.New("tokenio: token halted")
	// ErrNoBulk is returned by bulk callbacks of a token without a bulk pipe.
	ErrNoBulk = errors.New("tokenio: no bulk pipe")
	// ErrNoHID is returned by Exchange on a token without a HID link.
	ErrNoHID = errors.New("tokenio: no hid link")
)

// APDUHandler executes an APDU. It writes the response into resp and
// returns its length. apdu and resp share the APDU buffer.
type APDUHandler interface {
	HandleAPDU(apdu, resp []byte) int
}

// APDUHandlerFunc adapts a function to the APDUHandler interface.
type APDUHandlerFunc func(apdu, resp []byte) int

// HandleAPDU calls f(apdu, resp).
func (f APDUHandlerFunc) HandleAPDU(apdu, resp []byte) int { return f(apdu, resp) }

// Links are the endpoint primitives of a token. Any of them may be nil
// when the device does not expose that interface.
type Links struct {
	Bulk      ccid.BulkPipe
	Interrupt ccid.InterruptPipe
	HID       chunk.Link
	// Random supplies HID channel identifiers; nil selects crypto/rand.
	Random io.Reader
	// OnReset performs the device reset requested after a reply.
	OnReset func()
}

// Token owns every buffer and state machine of the device transports.
// Bulk callbacks must be delivered one at a time, either directly or
// through Run; Exchange may run on its own goroutine. XfrBlock commands
// use their own APDU buffer, so a handler serving both media must be safe
// for concurrent use.
type Token struct {
	cfg     Config
	bulk    *ccid.Transport
	hid     *chunk.Exchanger
	mux     *ccid.Mux
	handler APDUHandler
	apdu    []byte
	xfr     []byte

	// pending holds a fault raised inside a processor, which cannot
	// return errors.
	pending error

	mu    sync.Mutex
	cause error
}

// New allocates a token. handler serves XfrBlock commands and may be nil,
// in which case only GetSlotStatus is answered until more processors are
// registered on Mux.
func New(cfg Config, links Links, handler APDUHandler) (*Token, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Token{
		cfg:     cfg,
		mux:     ccid.NewMux(),
		handler: handler,
	}

	if links.HID != nil {
		hid, err := chunk.NewExchanger(links.HID, chunk.Config{
			ReportSize: cfg.ReportSize,
			BufferSize: cfg.APDUBufferSize,
			Random:     links.Random,
			OnReset:    links.OnReset,
		})
		if err != nil {
			return nil, err
		}
		t.hid = hid
	}
	t.xfr = make([]byte, cfg.APDUBufferSize)
	t.apdu = t.xfr
	if t.hid != nil {
		t.apdu = t.hid.Buffer()
	}

	if links.Bulk != nil {
		t.bulk = ccid.NewTransport(cfg.bulkConfig(), links.Bulk, links.Interrupt, t.mux)
	}

	t.mux.HandleFunc(ccid.PCToRDRGetSlotStatus, func(ccid.Command, []byte) ccid.Reply {
		return ccid.Reply{Type: ccid.RDRToPCSlotStatus, Status: ccid.StatusNoError}
	})
	if handler != nil {
		t.mux.HandleFunc(ccid.PCToRDRXfrBlock, t.xfrBlock)
	}
	return t, nil
}

// Config returns the sizes the token was created with.
func (t *Token) Config() Config { return t.cfg }

// Mux returns the CCID command table.
func (t *Token) Mux() *ccid.Mux { return t.mux }

// APDU returns the APDU buffer of the HID transport.
func (t *Token) APDU() []byte { return t.apdu }

// State returns the state of the bulk machine, or StateIdle without a
// bulk pipe.
func (t *Token) State() ccid.State {
	if t.bulk == nil {
		return ccid.StateIdle
	}
	return t.bulk.State()
}

// Halted returns the fault that stopped the token, or nil.
func (t *Token) Halted() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cause
}

// Init arms the bulk OUT endpoint and announces the slot.
func (t *Token) Init() error {
	if err := t.check(); err != nil {
		return err
	}
	if t.bulk == nil {
		return nil
	}
	return t.guard("init", t.bulk.Init())
}

// BulkOut is the bulk OUT completion callback.
func (t *Token) BulkOut(packet []byte) error {
	if err := t.bulkReady(); err != nil {
		return err
	}
	return t.guard("bulk out", t.takePending(t.bulk.HandleOut(packet)))
}

// BulkInComplete is the bulk IN completion callback.
func (t *Token) BulkInComplete() error {
	if err := t.bulkReady(); err != nil {
		return err
	}
	return t.guard("bulk in", t.bulk.HandleInComplete())
}

// InterruptComplete is the interrupt IN completion callback.
func (t *Token) InterruptComplete() error {
	if err := t.bulkReady(); err != nil {
		return err
	}
	return t.guard("interrupt in", t.bulk.HandleInterruptComplete())
}

// NotifySlotChange records a card insertion or removal.
func (t *Token) NotifySlotChange(present bool) error {
	if err := t.bulkReady(); err != nil {
		return err
	}
	t.bulk.Notifier().SetPresent(present)
	return t.guard("slot change", t.bulk.NotifySlotChange())
}

// Reply answers a CCID command whose processor deferred its response.
func (t *Token) Reply(messageType uint8, status ccid.Status, payload []byte) error {
	if err := t.bulkReady(); err != nil {
		return err
	}
	return t.guard("reply", t.bulk.Reply(messageType, status, payload))
}

// Exchange sends the first sendLen bytes of the APDU buffer over HID and
// waits for the next command.
func (t *Token) Exchange(ctx context.Context, sendLen int, flags chunk.Flags) (int, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	if t.hid == nil {
		return 0, ErrNoHID
	}
	n, err := t.hid.Exchange(ctx, sendLen, flags)
	return n, t.guard("exchange", err)
}

// ServeAPDU answers HID commands with h until ctx ends, the link fails or
// the token halts.
func (t *Token) ServeAPDU(ctx context.Context, h APDUHandler) error {
	reply := 0
	for {
		n, err := t.Exchange(ctx, reply, 0)
		if err != nil {
			return err
		}
		reply = h.HandleAPDU(t.apdu[:n], t.apdu)
	}
}

func (t *Token) xfrBlock(cmd ccid.Command, resp []byte) ccid.Reply {
	if len(cmd.Payload) > len(t.xfr) {
		return ccid.Reply{Type: ccid.RDRToPCSlotStatus, Status: ccid.StatusBadLength}
	}
	n := copy(t.xfr, cmd.Payload)
	out := t.handler.HandleAPDU(t.xfr[:n], t.xfr)
	if out < 0 || out > len(t.xfr) {
		t.pending = fault.Overflow("apdu reply", out, len(t.xfr))
		return ccid.Reply{Pending: true}
	}
	if out > len(resp) {
		t.pending = fault.Overflow("ccid reply", out, len(resp))
		return ccid.Reply{Pending: true}
	}
	copy(resp, t.xfr[:out])
	return ccid.Reply{Type: ccid.RDRToPCDataBlock, Status: ccid.StatusNoError, Length: out}
}

func (t *Token) takePending(err error) error {
	if t.pending == nil {
		return err
	}
	pending := t.pending
	t.pending = nil
	if err != nil {
		return fmt.Errorf("%w (after %v)", pending, err)
	}
	return pending
}

func (t *Token) bulkReady() error {
	if err := t.check(); err != nil {
		return err
	}
	if t.bulk == nil {
		return ErrNoBulk
	}
	return nil
}

func (t *Token) check() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cause != nil {
		return fmt.Errorf("%w: %v", ErrHalted, t.cause)
	}
	return nil
}

// guard halts the token on a fault. Other errors pass through.
func (t *Token) guard(op string, err error) error {
	if !fault.IsFatal(err) {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cause == nil {
		t.cause = err
		log.Errorw("token halted", "op", op, "error", err)
	}
	return err
}
