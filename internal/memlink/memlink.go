// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Licensed under the Apache License, Version 2.0

// Package memlink provides in-memory report links.
package memlink

import (
	"errors"
	"io"
	"sync"
)

// ErrFull is returned by Send when the peer queue is full.
var ErrFull = errors.New("memlink: queue full")

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("memlink: closed")

// Link queues reports in memory. Reports are copied on Push and Send.
type Link struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once sync.Once
}

// New returns a link whose sent reports are collected for Sent.
func New(depth int) *Link {
	return &Link{
		in:   make(chan []byte, depth),
		out:  make(chan []byte, depth),
		done: make(chan struct{}),
	}
}

// Pair returns two links connected back to back.
func Pair(depth int) (*Link, *Link) {
	a, b := New(depth), New(depth)
	a.out = b.in
	b.out = a.in
	return a, b
}

// Push queues a report for Receive.
func (l *Link) Push(report []byte) error {
	return enqueue(l.in, l.done, report)
}

// Send implements the link Send primitive.
func (l *Link) Send(report []byte) error {
	return enqueue(l.out, l.done, report)
}

func enqueue(ch chan []byte, done chan struct{}, report []byte) error {
	select {
	case <-done:
		return ErrClosed
	default:
	}
	select {
	case ch <- append([]byte(nil), report...):
		return nil
	default:
		return ErrFull
	}
}

// Receive returns the next queued report, blocking until one arrives.
// Queued reports are drained before io.EOF is returned for a closed link.
// The length returned is that of the queued report, so it exceeds len(p)
// when p was too small.
func (l *Link) Receive(p []byte) (int, error) {
	select {
	case r := <-l.in:
		copy(p, r)
		return len(r), nil
	default:
	}
	select {
	case r := <-l.in:
		copy(p, r)
		return len(r), nil
	case <-l.done:
		return 0, io.EOF
	}
}

// Sent drains the reports sent on an unpaired link.
func (l *Link) Sent() [][]byte {
	var reports [][]byte
	for {
		select {
		case r := <-l.out:
			reports = append(reports, r)
		default:
			return reports
		}
	}
}

// Close unblocks Receive once the queue is empty.
func (l *Link) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}
