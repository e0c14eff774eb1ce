// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Licensed under the Apache License, Version 2.0

package ccid

// NotificationSize is the size of a slot-change report.
const NotificationSize = 2

const (
	slotICCPresent = 1 << 0
	slotChanged    = 1 << 1
)

// Notifier coalesces slot-change events into at most one notification in
// flight on the interrupt IN endpoint.
type Notifier struct {
	slotChanged   bool
	priorComplete bool
	present       bool
	report        [NotificationSize]byte
}

// Reset arms the power-on notification: a change is pending and no
// transfer is outstanding.
func (n *Notifier) Reset() {
	n.slotChanged = true
	n.priorComplete = true
}

// SlotChanged records a slot event. Events that occur while a notification
// is in flight collapse into one.
func (n *Notifier) SlotChanged() { n.slotChanged = true }

// TransferComplete records that the link accepted the last notification.
func (n *Notifier) TransferComplete() { n.priorComplete = true }

// SetPresent sets the ICC-present bit reported by later notifications.
func (n *Notifier) SetPresent(present bool) { n.present = present }

// Pending reports whether a change is waiting to be announced.
func (n *Notifier) Pending() bool { return n.slotChanged }

// InFlight reports whether a notification awaits its completion.
func (n *Notifier) InFlight() bool { return !n.priorComplete }

// Poll returns the notification to transmit, if any. Returning a report
// clears both flags. The report is valid until the next call.
func (n *Notifier) Poll() ([]byte, bool) {
	if !n.slotChanged || !n.priorComplete {
		return nil, false
	}
	n.slotChanged = false
	n.priorComplete = false

	n.report[0] = RDRToPCNotifySlotChange
	n.report[1] = slotChanged
	if n.present {
		n.report[1] |= slotICCPresent
	}
	return n.report[:], true
}
