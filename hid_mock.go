//go:build tokenio_mock

// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Licensed under the Apache License, Version 2.0

package tokenio

type HostAdminMock struct{}

func NewHostAdmin() HostAdmin {
	return &HostAdminMock{}
}

func (admin *HostAdminMock) CountDevices() int {
	return 1
}

func (admin *HostAdminMock) ListDevices() ([]string, error) {
	return []string{"loopback"}, nil
}

func (admin *HostAdminMock) Connect(deviceIndex int) (HostDevice, error) {
	if deviceIndex != 0 {
		return nil, ErrDeviceNotFound
	}
	return NewLoopback(DefaultConfig(), APDUHandlerFunc(statusOK))
}

// statusOK answers every command with the success status word.
func statusOK(apdu, resp []byte) int {
	return copy(resp, []byte{0x90, 0x00})
}
