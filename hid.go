//go:build !tokenio_mock

// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Licensed under the Apache License, Version 2.0

package tokenio

import (
	"sync"
	"time"

	"github.com/luxfi/hid"
	"github.com/luxfi/tokenio/chunk"
)

const (
	VendorToken    = 0x2c97
	UsagePageToken = 0xffa0
)

type HostAdminHID struct{}

// reportDevice is the part of *hid.Device a HostDeviceHID uses.
type reportDevice interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// readQueue buffers reports between Exchange calls; the read goroutine
// blocks once it is full.
const readQueue = 8

type HostDeviceHID struct {
	device      reportDevice
	readCo      *sync.Once
	readChannel chan []byte
	done        chan struct{}
	closeCo     sync.Once
	responses   *responseReader
}

func newHostDeviceHID(device reportDevice) *HostDeviceHID {
	return &HostDeviceHID{
		device:      device,
		readCo:      &sync.Once{},
		readChannel: make(chan []byte, readQueue),
		done:        make(chan struct{}),
		responses:   newResponseReader(chunk.DefaultReportSize),
	}
}

// product id high bytes of tokens whose usage page may be reported empty,
// mapped to the interface carrying the chunked transport
var supportedProductID = map[uint8]int{
	0x10: 0,
	0x40: 0,
	0x50: 0,
	0x60: 0,
	0x70: 0,
}

func NewHostAdmin() HostAdmin {
	return &HostAdminHID{}
}

func (admin *HostAdminHID) ListDevices() ([]string, error) {
	devices := hid.Enumerate(0, 0)
	if len(devices) == 0 {
		log.Debug("No devices. Token locked or another program may have control of device.")
	}

	var paths []string
	for _, d := range devices {
		logDeviceInfo(d)
		if isToken(d) {
			paths = append(paths, d.Path)
		}
	}
	return paths, nil
}

func logDeviceInfo(d hid.DeviceInfo) {
	log.Debugf("============ %s", d.Path)
	log.Debugf("VendorID      : %x", d.VendorID)
	log.Debugf("ProductID     : %x", d.ProductID)
	log.Debugf("Release       : %x", d.Release)
	log.Debugf("Serial        : %x", d.Serial)
	log.Debugf("Manufacturer  : %s", d.Manufacturer)
	log.Debugf("Product       : %s", d.Product)
	log.Debugf("UsagePage     : %x", d.UsagePage)
	log.Debugf("Usage         : %x", d.Usage)
}

func isToken(d hid.DeviceInfo) bool {
	if d.VendorID != VendorToken {
		return false
	}
	if d.UsagePage == UsagePageToken {
		return true
	}
	interfaceID, supported := supportedProductID[uint8(d.ProductID>>8)]
	return supported && interfaceID == d.Interface
}

func (admin *HostAdminHID) CountDevices() int {
	count := 0
	for _, d := range hid.Enumerate(0, 0) {
		if isToken(d) {
			count++
		}
	}
	return count
}

func (admin *HostAdminHID) Connect(deviceIndex int) (HostDevice, error) {
	currentIndex := 0
	for _, d := range hid.Enumerate(0, 0) {
		if !isToken(d) {
			continue
		}
		if currentIndex == deviceIndex {
			device, err := d.Open()
			if err != nil {
				return nil, err
			}
			return newHostDeviceHID(device), nil
		}
		currentIndex++
	}
	return nil, ErrDeviceNotFound
}

func (dev *HostDeviceHID) write(buffer []byte) error {
	written := 0
	for written < len(buffer) {
		n, err := dev.device.Write(buffer[written:])
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}

func (dev *HostDeviceHID) Read() <-chan []byte {
	dev.readCo.Do(func() {
		go dev.readThread()
	})
	return dev.readChannel
}

func (dev *HostDeviceHID) readThread() {
	defer close(dev.readChannel)
	for {
		buffer := make([]byte, chunk.DefaultReportSize)
		n, err := dev.device.Read(buffer)
		if err != nil {
			log.Debugf("read thread stopped: %v", err)
			return
		}
		select {
		case dev.readChannel <- buffer[:n]:
		case <-dev.done:
			return
		}
	}
}

func (dev *HostDeviceHID) Exchange(command []byte) ([]byte, error) {
	if err := checkCommand(command); err != nil {
		return nil, err
	}

	log.Debugf("[HID] => %x", command)
	if err := sendCommand(dev.write, command, chunk.DefaultReportSize); err != nil {
		return nil, err
	}
	return dev.getResponse()
}

func (dev *HostDeviceHID) getResponse() ([]byte, error) {
	readChannel := dev.Read()
	for {
		select {
		case report, ok := <-readChannel:
			if !ok {
				return nil, errReadClosed
			}
			response, done, err := dev.responses.feed(report)
			if err != nil {
				return nil, err
			}
			if !done {
				continue
			}
			log.Debugf("[HID] <= %x", response)
			return checkResponse(response)
		case <-time.After(ReadTimeout):
			return nil, ErrTimeout
		}
	}
}

func (dev *HostDeviceHID) Close() error {
	dev.closeCo.Do(func() { close(dev.done) })
	return dev.device.Close()
}
