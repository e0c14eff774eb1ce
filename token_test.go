// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Licensed under the Apache License, Version 2.0

package tokenio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/tokenio/ccid"
	"github.com/luxfi/tokenio/chunk"
	"github.com/luxfi/tokenio/fault"
	"github.com/luxfi/tokenio/internal/memlink"
)

type fakePipe struct {
	sent  [][]byte
	armed int
	err   error
}

func (p *fakePipe) Send(b []byte) error {
	p.sent = append(p.sent, append([]byte(nil), b...))
	return p.err
}

func (p *fakePipe) ArmReceive() error {
	p.armed++
	return nil
}

func (p *fakePipe) joined() []byte {
	var out []byte
	for _, b := range p.sent {
		out = append(out, b...)
	}
	return out
}

type fakeIntr struct {
	reports [][]byte
}

func (p *fakeIntr) Send(b []byte) error {
	p.reports = append(p.reports, append([]byte(nil), b...))
	return nil
}

// appendOK echoes the command followed by the success status word.
var appendOK = APDUHandlerFunc(func(apdu, resp []byte) int {
	n := len(apdu)
	return n + copy(resp[n:], []byte{0x90, 0x00})
})

func bulkCommand(slot, seq, typ byte, payload []byte) []byte {
	msg := make([]byte, ccid.HeaderSize+len(payload))
	msg[0], msg[1], msg[2] = slot, seq, typ
	binary.BigEndian.PutUint32(msg[3:7], uint32(len(payload)))
	copy(msg[ccid.HeaderSize:], payload)
	return msg
}

func newBulkToken(t *testing.T, cfg Config, handler APDUHandler) (*Token, *fakePipe, *fakeIntr) {
	t.Helper()
	pipe := &fakePipe{}
	intr := &fakeIntr{}
	tok, err := New(cfg, Links{Bulk: pipe, Interrupt: intr}, handler)
	require.NoError(t, err)
	require.NoError(t, tok.Init())
	return tok, pipe, intr
}

func drainBulk(t *testing.T, tok *Token) {
	t.Helper()
	for i := 0; tok.State() == ccid.StateSendingResponse; i++ {
		require.Less(t, i, 1000)
		require.NoError(t, tok.BulkInComplete())
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReportSize = 4
	_, err := New(cfg, Links{}, nil)
	assert.Error(t, err)
}

func TestTokenXfrBlock(t *testing.T) {
	tok, pipe, _ := newBulkToken(t, DefaultConfig(), appendOK)

	apdu := []byte{0xE0, 0x01, 0x00, 0x00, 0x00}
	require.NoError(t, tok.BulkOut(bulkCommand(0, 3, ccid.PCToRDRXfrBlock, apdu)))
	drainBulk(t, tok)

	want := []byte{0, 3, ccid.RDRToPCDataBlock, 0, 0, 0, 8, byte(ccid.StatusNoError)}
	want = append(want, apdu...)
	want = append(want, 0x90, 0x00)
	assert.Equal(t, want, pipe.joined())
}

func TestTokenXfrBlockTooLong(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APDUBufferSize = 16
	calls := 0
	tok, pipe, _ := newBulkToken(t, cfg, APDUHandlerFunc(func(apdu, resp []byte) int {
		calls++
		return 0
	}))

	require.NoError(t, tok.BulkOut(bulkCommand(0, 1, ccid.PCToRDRXfrBlock, make([]byte, 20))))
	drainBulk(t, tok)

	resp := pipe.joined()
	require.Len(t, resp, ccid.HeaderSize+1)
	assert.Equal(t, byte(ccid.RDRToPCSlotStatus), resp[2])
	assert.Equal(t, byte(ccid.StatusBadLength), resp[ccid.HeaderSize])
	assert.Zero(t, calls)
}

func TestTokenGetSlotStatus(t *testing.T) {
	tok, pipe, _ := newBulkToken(t, DefaultConfig(), nil)
	require.NoError(t, tok.BulkOut(bulkCommand(0, 9, ccid.PCToRDRGetSlotStatus, nil)))
	drainBulk(t, tok)
	assert.Equal(t, []byte{0, 9, ccid.RDRToPCSlotStatus, 0, 0, 0, 1, byte(ccid.StatusNoError)}, pipe.joined())

	// without a handler XfrBlock is unsupported
	pipe.sent = nil
	require.NoError(t, tok.BulkOut(bulkCommand(0, 10, ccid.PCToRDRXfrBlock, []byte{1})))
	drainBulk(t, tok)
	assert.Equal(t, byte(ccid.StatusCmdNotSupported), pipe.joined()[ccid.HeaderSize])
}

func TestTokenHaltsOnFault(t *testing.T) {
	tok, pipe, _ := newBulkToken(t, DefaultConfig(), APDUHandlerFunc(func(apdu, resp []byte) int {
		return len(resp) + 1
	}))

	err := tok.BulkOut(bulkCommand(0, 0, ccid.PCToRDRXfrBlock, []byte{1, 2, 3, 4, 5}))
	require.Error(t, err)
	assert.True(t, fault.IsFatal(err))
	assert.Empty(t, pipe.sent)
	assert.Error(t, tok.Halted())

	assert.ErrorIs(t, tok.BulkInComplete(), ErrHalted)
	assert.ErrorIs(t, tok.BulkOut(bulkCommand(0, 1, ccid.PCToRDRGetSlotStatus, nil)), ErrHalted)
	assert.ErrorIs(t, tok.NotifySlotChange(true), ErrHalted)
	assert.Empty(t, pipe.sent)
}

func TestTokenDeferredReplyOverflowHalts(t *testing.T) {
	tok, _, _ := newBulkToken(t, DefaultConfig(), nil)
	tok.Mux().HandleFunc(ccid.PCToRDREscape, func(ccid.Command, []byte) ccid.Reply {
		return ccid.Reply{Pending: true}
	})

	require.NoError(t, tok.BulkOut(bulkCommand(0, 0, ccid.PCToRDREscape, nil)))
	err := tok.Reply(ccid.RDRToPCEscape, ccid.StatusNoError, make([]byte, 1024))
	assert.True(t, fault.IsFatal(err))
	assert.ErrorIs(t, tok.Init(), ErrHalted)
}

func TestTokenSlotChange(t *testing.T) {
	tok, _, intr := newBulkToken(t, DefaultConfig(), nil)
	require.Len(t, intr.reports, 1)
	assert.Equal(t, []byte{ccid.RDRToPCNotifySlotChange, 0x02}, intr.reports[0])

	// coalesced while the power-on notification is in flight
	require.NoError(t, tok.NotifySlotChange(true))
	require.NoError(t, tok.NotifySlotChange(true))
	assert.Len(t, intr.reports, 1)

	require.NoError(t, tok.InterruptComplete())
	require.Len(t, intr.reports, 2)
	assert.Equal(t, []byte{ccid.RDRToPCNotifySlotChange, 0x03}, intr.reports[1])

	require.NoError(t, tok.InterruptComplete())
	assert.Len(t, intr.reports, 2)
}

func TestTokenMissingLinks(t *testing.T) {
	tok, err := New(DefaultConfig(), Links{}, nil)
	require.NoError(t, err)
	require.NoError(t, tok.Init())

	assert.ErrorIs(t, tok.BulkOut([]byte{1}), ErrNoBulk)
	assert.ErrorIs(t, tok.InterruptComplete(), ErrNoBulk)
	_, err = tok.Exchange(context.Background(), 0, 0)
	assert.ErrorIs(t, err, ErrNoHID)
	assert.Len(t, tok.APDU(), DefaultConfig().APDUBufferSize)
}

func TestTokenExchangeSharesAPDUBuffer(t *testing.T) {
	host, dev := memlink.Pair(8)
	tok, err := New(DefaultConfig(), Links{HID: dev}, nil)
	require.NoError(t, err)

	copy(tok.APDU(), []byte{0x90, 0x00})
	_, err = tok.Exchange(context.Background(), 2, chunk.FlagReturnAfterTx)
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := host.Receive(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00, 0x05, 0x00, 0x00, 0x00, 0x02, 0x90, 0x00}, buf[:9])
	assert.Equal(t, 64, n)

	_, err = tok.Exchange(context.Background(), len(tok.APDU())+1, 0)
	assert.True(t, fault.IsFatal(err))
	assert.Error(t, tok.Halted())
}

func TestRunDeliversEvents(t *testing.T) {
	tok, pipe, _ := newBulkToken(t, DefaultConfig(), appendOK)

	events := make(chan Event, 4)
	events <- Event{Kind: EventBulkOut, Packet: bulkCommand(0, 1, ccid.PCToRDRXfrBlock, []byte{0, 0, 0, 0, 0})}
	events <- Event{Kind: EventBulkInComplete}
	events <- Event{Kind: EventSlotChange, Present: true}
	close(events)

	require.NoError(t, tok.Run(context.Background(), events))
	require.Len(t, pipe.sent, 1)
	assert.Equal(t, ccid.StateIdle, tok.State())
}

func TestRunContinuesAfterLinkError(t *testing.T) {
	tok, pipe, _ := newBulkToken(t, DefaultConfig(), appendOK)
	pipe.err = errors.New("endpoint stalled")

	events := make(chan Event, 3)
	events <- Event{Kind: EventBulkOut, Packet: bulkCommand(0, 1, ccid.PCToRDRXfrBlock, []byte{0, 0, 0, 0, 0})}
	events <- Event{Kind: EventKind(99)}
	close(events)

	require.NoError(t, tok.Run(context.Background(), events))
	assert.NoError(t, tok.Halted())
}

func TestRunStopsOnFault(t *testing.T) {
	tok, _, _ := newBulkToken(t, DefaultConfig(), APDUHandlerFunc(func(apdu, resp []byte) int {
		return -1
	}))

	events := make(chan Event, 2)
	events <- Event{Kind: EventBulkOut, Packet: bulkCommand(0, 1, ccid.PCToRDRXfrBlock, []byte{0, 0, 0, 0, 0})}
	events <- Event{Kind: EventBulkInComplete}

	err := tok.Run(context.Background(), events)
	assert.True(t, fault.IsFatal(err))
	assert.Len(t, events, 1, "events after the fault are not consumed")
}

func TestRunHonorsContext(t *testing.T) {
	tok, _, _ := newBulkToken(t, DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, tok.Run(ctx, make(chan Event)), context.Canceled)
}

func TestTokenServesBothMedia(t *testing.T) {
	host, dev := memlink.Pair(8)
	pipe := &fakePipe{}
	tok, err := New(DefaultConfig(), Links{Bulk: pipe, HID: dev}, appendOK)
	require.NoError(t, err)
	require.NoError(t, tok.Init())

	served := make(chan error, 1)
	go func() { served <- tok.ServeAPDU(context.Background(), appendOK) }()

	responses := newResponseReader(chunk.DefaultReportSize)
	report := make([]byte, chunk.DefaultReportSize)
	for i := 0; i < 32; i++ {
		hidCommand := bytes.Repeat([]byte{0xA0 | byte(i&0x0F)}, 100)
		require.NoError(t, sendCommand(host.Send, hidCommand, chunk.DefaultReportSize))

		// the bulk command is processed while the HID one is reassembled
		bulkCommandData := bytes.Repeat([]byte{byte(i)}, 100)
		msg := bulkCommand(0, byte(i), ccid.PCToRDRXfrBlock, bulkCommandData)
		pipe.sent = nil
		for off := 0; off < len(msg); off += 64 {
			require.NoError(t, tok.BulkOut(msg[off:min(off+64, len(msg))]))
		}
		drainBulk(t, tok)
		resp := pipe.joined()
		require.Len(t, resp, ccid.HeaderSize+1+102)
		assert.Equal(t, append(bulkCommandData, 0x90, 0x00), resp[ccid.HeaderSize+1:])

		var response []byte
		for done := false; !done; {
			n, err := host.Receive(report)
			require.NoError(t, err)
			response, done, err = responses.feed(report[:n])
			require.NoError(t, err)
		}
		assert.Equal(t, append(hidCommand, 0x90, 0x00), response)
	}

	require.NoError(t, dev.Close())
	assert.ErrorIs(t, <-served, io.EOF)
	assert.NoError(t, tok.Halted())
}
