// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Licensed under the Apache License, Version 2.0

package tokenio

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/luxfi/tokenio/ccid"
	"github.com/luxfi/tokenio/chunk"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvReportSize     = "TOKENIO_REPORT_SIZE"
	EnvBulkPacketSize = "TOKENIO_BULK_PACKET_SIZE"
	EnvMaxPayload     = "TOKENIO_MAX_PAYLOAD"
	EnvAPDUBufferSize = "TOKENIO_APDU_BUFFER_SIZE"
)

// Config sizes every buffer a Token owns. Buffers are allocated once in New.
type Config struct {
	// ReportSize is the HID report length.
	ReportSize int
	// BulkPacketSize is the max packet size of both bulk endpoints.
	BulkPacketSize int
	// MaxPayload is the largest CCID command or response body.
	MaxPayload int
	// APDUBufferSize is the capacity of the APDU buffer used by the HID
	// transport and by XfrBlock.
	APDUBufferSize int
}

// DefaultConfig returns the sizes of a full-speed token with short APDUs.
func DefaultConfig() Config {
	bulk, hid := ccid.DefaultConfig(), chunk.DefaultConfig()
	return Config{
		ReportSize:     hid.ReportSize,
		BulkPacketSize: bulk.OutPacketSize,
		MaxPayload:     bulk.MaxPayload,
		APDUBufferSize: hid.BufferSize,
	}
}

// ConfigFromEnv starts from DefaultConfig and applies any of the
// TOKENIO_* size variables that are set.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	for _, v := range []struct {
		name string
		dst  *int
	}{
		{EnvReportSize, &cfg.ReportSize},
		{EnvBulkPacketSize, &cfg.BulkPacketSize},
		{EnvMaxPayload, &cfg.MaxPayload},
		{EnvAPDUBufferSize, &cfg.APDUBufferSize},
	} {
		s := strings.TrimSpace(os.Getenv(v.name))
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", v.name, err)
		}
		*v.dst = n
	}
	return cfg, cfg.Validate()
}

// Validate checks that the sizes are consistent.
func (c Config) Validate() error {
	if c.ReportSize < chunk.MinReportSize {
		return fmt.Errorf("report size %d below minimum %d", c.ReportSize, chunk.MinReportSize)
	}
	if c.BulkPacketSize <= ccid.HeaderSize {
		return fmt.Errorf("bulk packet size %d cannot carry a %d byte header", c.BulkPacketSize, ccid.HeaderSize)
	}
	if c.MaxPayload+ccid.HeaderSize < c.BulkPacketSize {
		return fmt.Errorf("max payload %d smaller than one bulk packet", c.MaxPayload)
	}
	if c.APDUBufferSize <= 0 || c.APDUBufferSize > chunk.MaxMessageSize {
		return fmt.Errorf("apdu buffer size %d out of range", c.APDUBufferSize)
	}
	return nil
}

func (c Config) bulkConfig() ccid.Config {
	return ccid.Config{
		MaxPayload:    c.MaxPayload,
		OutPacketSize: c.BulkPacketSize,
		InPacketSize:  c.BulkPacketSize,
	}
}
