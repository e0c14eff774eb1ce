// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Licensed under the Apache License, Version 2.0

package tokenio

import (
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/tokenio/chunk"
)

const (
	// Channel is the HID channel used by host-side devices.
	Channel = 0x0101
	// ReadTimeout bounds the wait for each response report.
	ReadTimeout = 20 * time.Second
	// MinCommandSize is the length of an APDU header.
	MinCommandSize = 5
)

var (
	// ErrDeviceNotFound is returned by Connect for an unknown index.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrTimeout is returned when the token stops answering.
	ErrTimeout = errors.New("timeout reading from device")
	// ErrOutOfSequence is returned when a response report breaks the
	// sequence of its message.
	ErrOutOfSequence = errors.New("response out of sequence")
)

// HostAdmin enumerates and opens tokens.
type HostAdmin interface {
	CountDevices() int
	ListDevices() ([]string, error)
	Connect(deviceIndex int) (HostDevice, error)
}

// HostDevice exchanges APDUs with one token.
type HostDevice interface {
	Exchange(command []byte) ([]byte, error)
	Close() error
}

func checkCommand(command []byte) error {
	if len(command) < MinCommandSize {
		return fmt.Errorf("APDU commands should not be smaller than %d", MinCommandSize)
	}
	return nil
}

func sendCommand(send func([]byte) error, command []byte, reportSize int) error {
	reports, err := chunk.Wrap(Channel, command, reportSize)
	if err != nil {
		return err
	}
	for _, report := range reports {
		if err := send(report); err != nil {
			return err
		}
	}
	return nil
}

// responseReader reassembles responses from reports on Channel.
type responseReader struct {
	r *chunk.Reassembler
}

func newResponseReader(reportSize int) *responseReader {
	return &responseReader{
		r: chunk.NewReassembler(make([]byte, chunk.MaxMessageSize), reportSize, nil),
	}
}

// feed returns the response once its last report arrived.
func (rr *responseReader) feed(report []byte) ([]byte, bool, error) {
	frame, err := chunk.ParseFrame(report)
	if err == nil && frame.Channel != Channel {
		log.Debugf("skipping report on channel 0x%04x", frame.Channel)
		return nil, false, nil
	}
	if err == nil && frame.First() {
		log.Debugf("response of %d bytes", frame.Total)
	}

	out := rr.r.Receive(report)
	switch out.Status {
	case chunk.StatusReceived:
		response := append([]byte(nil), rr.r.Buffer()[:out.Length]...)
		return response, true, nil
	case chunk.StatusReset:
		rr.r.Reset()
		return nil, false, ErrOutOfSequence
	default:
		return nil, false, nil
	}
}

func checkResponse(response []byte) ([]byte, error) {
	if len(response) < 2 {
		return nil, fmt.Errorf("response too short: %d bytes", len(response))
	}
	return response, nil
}

var errReadClosed = errors.New("read channel closed")
