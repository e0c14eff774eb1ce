// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Licensed under the Apache License, Version 2.0

package tokenio

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/multierr"

	"github.com/luxfi/tokenio/internal/memlink"
)

// LoopbackDevice is a HostDevice served by an in-process Token over an
// in-memory link.
type LoopbackDevice struct {
	cfg       Config
	host      *memlink.Link
	dev       *memlink.Link
	token     *Token
	responses *responseReader
	report    []byte

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewLoopback starts a token answering APDUs with handler.
func NewLoopback(cfg Config, handler APDUHandler) (*LoopbackDevice, error) {
	if handler == nil {
		return nil, errors.New("loopback: nil handler")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// room for a whole message in either direction
	depth := cfg.APDUBufferSize/(cfg.ReportSize-7) + 2
	host, dev := memlink.Pair(depth)
	token, err := New(cfg, Links{HID: dev}, handler)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &LoopbackDevice{
		cfg:       cfg,
		host:      host,
		dev:       dev,
		token:     token,
		responses: newResponseReader(cfg.ReportSize),
		report:    make([]byte, cfg.ReportSize),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go d.serve(ctx, handler)
	return d, nil
}

// Token returns the device side of the loopback.
func (d *LoopbackDevice) Token() *Token { return d.token }

func (d *LoopbackDevice) serve(ctx context.Context, handler APDUHandler) {
	defer close(d.done)
	d.err = d.token.ServeAPDU(ctx, handler)
	log.Debugf("loopback stopped: %v", d.err)
	_ = d.host.Close()
}

// Exchange implements HostDevice.
func (d *LoopbackDevice) Exchange(command []byte) ([]byte, error) {
	if err := checkCommand(command); err != nil {
		return nil, err
	}

	log.Debugf("[LOOPBACK] => %x", command)
	if err := sendCommand(d.host.Send, command, d.cfg.ReportSize); err != nil {
		return nil, err
	}

	for {
		n, err := d.host.Receive(d.report)
		if errors.Is(err, io.EOF) {
			<-d.done
			return nil, fmt.Errorf("loopback stopped: %w", d.err)
		}
		if err != nil {
			return nil, err
		}
		if n > len(d.report) {
			continue
		}
		response, done, err := d.responses.feed(d.report[:n])
		if err != nil {
			return nil, err
		}
		if done {
			log.Debugf("[LOOPBACK] <= %x", response)
			return checkResponse(response)
		}
	}
}

// Close stops the token and releases both ends of the link.
func (d *LoopbackDevice) Close() error {
	d.cancel()
	err := d.dev.Close()
	<-d.done
	return multierr.Append(err, d.host.Close())
}
