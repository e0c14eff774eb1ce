// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Licensed under the Apache License, Version 2.0

package ccid

import "fmt"

// Status is the one-byte slot status that opens every response body.
type Status uint8

// Slot status codes. StatusNoError is the only success value.
const (
	StatusCmdNotSupported Status = 0x00
	StatusBadLength       Status = 0x01
	StatusBadSlot         Status = 0x05
	StatusBadParameter    Status = 0x07
	StatusNoError         Status = 0x81
	StatusSlotBusy        Status = 0xE0
	StatusHardwareError   Status = 0xFB
	StatusICCMute         Status = 0xFE
	StatusCmdAborted      Status = 0xFF
)

func (s Status) String() string {
	switch s {
	case StatusCmdNotSupported:
		return "command not supported"
	case StatusBadLength:
		return "bad length"
	case StatusBadSlot:
		return "bad slot"
	case StatusBadParameter:
		return "bad parameter"
	case StatusNoError:
		return "no error"
	case StatusSlotBusy:
		return "slot busy"
	case StatusHardwareError:
		return "hardware error"
	case StatusICCMute:
		return "icc mute"
	case StatusCmdAborted:
		return "command aborted"
	default:
		return fmt.Sprintf("status(0x%02x)", uint8(s))
	}
}

// OK reports whether s is StatusNoError.
func (s Status) OK() bool { return s == StatusNoError }
