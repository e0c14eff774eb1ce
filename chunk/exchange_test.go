// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Licensed under the Apache License, Version 2.0

package chunk

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/tokenio/fault"
	"github.com/luxfi/tokenio/internal/memlink"
)

func newTestExchanger(t *testing.T, bufferSize int) (*Exchanger, *memlink.Link) {
	t.Helper()
	link := memlink.New(64)
	e, err := NewExchanger(link, Config{ReportSize: DefaultReportSize, BufferSize: bufferSize})
	require.NoError(t, err)
	return e, link
}

func pushAll(t *testing.T, link *memlink.Link, reports [][]byte) {
	t.Helper()
	for _, r := range reports {
		require.NoError(t, link.Push(r))
	}
}

func TestNewExchangerValidates(t *testing.T) {
	link := memlink.New(1)
	_, err := NewExchanger(link, Config{ReportSize: 4, BufferSize: 10})
	assert.ErrorIs(t, err, ErrReportSize)
	_, err = NewExchanger(link, Config{ReportSize: 64, BufferSize: MaxMessageSize + 1})
	assert.Error(t, err)
	_, err = NewExchanger(link, DefaultConfig())
	assert.NoError(t, err)
}

func TestExchangeReceivesCommand(t *testing.T) {
	e, link := newTestExchanger(t, 260)
	msg := pattern(200)
	reports, err := Wrap(0x0101, msg, DefaultReportSize)
	require.NoError(t, err)
	pushAll(t, link, reports)

	n, err := e.Exchange(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 200, n)
	assert.Equal(t, msg, e.Buffer()[:n])
	assert.Empty(t, link.Sent())
}

func TestExchangeSendsReplyOnLastChannel(t *testing.T) {
	e, link := newTestExchanger(t, 260)
	command, err := Wrap(0xBEEF, []byte{0xE0, 0x01, 0x00, 0x00, 0x00}, DefaultReportSize)
	require.NoError(t, err)
	pushAll(t, link, command)

	n, err := e.Exchange(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	reply := pattern(120)
	copy(e.Buffer(), reply)
	_, err = e.Exchange(context.Background(), len(reply), FlagReturnAfterTx)
	require.NoError(t, err)

	sent := link.Sent()
	want, err := Wrap(0xBEEF, reply, DefaultReportSize)
	require.NoError(t, err)
	assert.Equal(t, want, sent)
}

func TestExchangeFullReportReplyHasNoTerminator(t *testing.T) {
	e, link := newTestExchanger(t, 260)
	// 57 + 59 bytes fill two reports exactly
	copy(e.Buffer(), pattern(116))
	_, err := e.Exchange(context.Background(), 116, FlagReturnAfterTx)
	require.NoError(t, err)
	assert.Len(t, link.Sent(), 2)
}

func TestExchangeAnswersControlReports(t *testing.T) {
	e, link := newTestExchanger(t, 260)
	require.NoError(t, link.Push([]byte{0x00, 0x00, TagVersion}))
	require.NoError(t, link.Push([]byte{0x01, 0x01, TagEcho, 0x42}))
	command, err := Wrap(0x0101, []byte{1, 2, 3}, DefaultReportSize)
	require.NoError(t, err)
	pushAll(t, link, command)

	n, err := e.Exchange(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	sent := link.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, []byte{0, 0, TagVersion, 0, 0, 0, 0}, sent[0][:7])
	assert.Equal(t, []byte{0x01, 0x01, TagEcho, 0x42, 0x00}, sent[1][:5])
}

func TestExchangeDropsBadlySizedReports(t *testing.T) {
	e, link := newTestExchanger(t, 260)
	msg := pattern(100)
	reports, err := Wrap(0x0101, msg, DefaultReportSize)
	require.NoError(t, err)
	require.Len(t, reports, 2)

	require.NoError(t, link.Push(reports[0]))
	require.NoError(t, link.Push([]byte{0x01, 0x01}))
	require.NoError(t, link.Push(make([]byte, DefaultReportSize+1)))
	require.NoError(t, link.Push(reports[1]))

	n, err := e.Exchange(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, msg, e.Buffer()[:n])
}

func TestExchangeRestartsAfterSequenceError(t *testing.T) {
	e, link := newTestExchanger(t, 260)
	first, err := Wrap(0x0101, pattern(100), DefaultReportSize)
	require.NoError(t, err)
	second, err := Wrap(0x0101, pattern(10), DefaultReportSize)
	require.NoError(t, err)

	require.Len(t, second, 1)

	// out of order, then a new message interrupting the first one, then
	// the host retries from sequence 0
	require.NoError(t, link.Push(first[1]))
	require.NoError(t, link.Push(first[0]))
	require.NoError(t, link.Push(second[0]))
	require.NoError(t, link.Push(second[0]))
	require.NoError(t, link.Close())

	n, err := e.Exchange(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestExchangeResetAfterReply(t *testing.T) {
	link := memlink.New(8)
	resets := 0
	e, err := NewExchanger(link, Config{
		ReportSize: DefaultReportSize,
		BufferSize: 64,
		OnReset:    func() { resets++ },
	})
	require.NoError(t, err)

	copy(e.Buffer(), []byte{0x90, 0x00})
	_, err = e.Exchange(context.Background(), 2, FlagResetAfterReply)
	assert.ErrorIs(t, err, ErrReset)
	assert.Equal(t, 1, resets)
	assert.Len(t, link.Sent(), 1)
}

func TestExchangeOverflowIsFatal(t *testing.T) {
	e, link := newTestExchanger(t, 64)
	_, err := e.Exchange(context.Background(), 65, FlagReturnAfterTx)
	assert.True(t, fault.IsFatal(err))
	assert.Empty(t, link.Sent())
}

func TestExchangeLinkErrors(t *testing.T) {
	e, link := newTestExchanger(t, 64)
	require.NoError(t, link.Close())

	_, err := e.Exchange(context.Background(), 0, 0)
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, fault.IsFatal(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Exchange(ctx, 0, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
