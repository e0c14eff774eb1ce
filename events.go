// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Licensed under the Apache License, Version 2.0

package tokenio

import (
	"context"
	"errors"
	"fmt"

	"github.com/luxfi/tokenio/fault"
)

// EventKind identifies a link callback.
type EventKind uint8

const (
	EventBulkOut EventKind = iota + 1
	EventBulkInComplete
	EventInterruptComplete
	EventSlotChange
)

func (k EventKind) String() string {
	switch k {
	case EventBulkOut:
		return "bulk-out"
	case EventBulkInComplete:
		return "bulk-in-complete"
	case EventInterruptComplete:
		return "interrupt-complete"
	case EventSlotChange:
		return "slot-change"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event is one callback delivered through Run.
type Event struct {
	Kind EventKind
	// Packet is the OUT packet of EventBulkOut.
	Packet []byte
	// Present is the card state of EventSlotChange.
	Present bool
}

// Handle delivers one event.
func (t *Token) Handle(ev Event) error {
	switch ev.Kind {
	case EventBulkOut:
		return t.BulkOut(ev.Packet)
	case EventBulkInComplete:
		return t.BulkInComplete()
	case EventInterruptComplete:
		return t.InterruptComplete()
	case EventSlotChange:
		return t.NotifySlotChange(ev.Present)
	default:
		return fmt.Errorf("unknown event %s", ev.Kind)
	}
}

// Run delivers events one at a time until ctx ends or events is closed.
// Link errors are logged and the loop continues; a fault halts the token
// and is returned.
func (t *Token) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			err := t.Handle(ev)
			if err == nil {
				continue
			}
			if fault.IsFatal(err) || errors.Is(err, ErrHalted) {
				return err
			}
			log.Warnf("%s: %v", ev.Kind, err)
		}
	}
}
