// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Licensed under the Apache License, Version 2.0

// Package fault defines the unrecoverable transport errors.
//
// A fault is never caused by host input: every length the host controls is
// validated and tolerated by resetting the affected state machine. A fault
// means a component above the transport handed it more bytes than a packet
// or the shared buffer can hold, and processing must stop.
package fault

import (
	"errors"
	"fmt"
)

// Error reports an overflow detected on an outbound path.
type Error struct {
	Op    string
	Size  int
	Limit int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s overflow: %d bytes exceeds limit of %d", e.Op, e.Size, e.Limit)
}

// Overflow returns a fault for op when size exceeds limit.
func Overflow(op string, size, limit int) error {
	return &Error{Op: op, Size: size, Limit: limit}
}

// IsFatal reports whether err carries a fault anywhere in its chain.
func IsFatal(err error) bool {
	var f *Error
	return errors.As(err, &f)
}
