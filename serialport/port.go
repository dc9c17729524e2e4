// Package serialport owns the USB serial devices of the machine and
// frames them as newline-delimited ASCII.
package serialport

import (
	"errors"
	"fmt"
	"os"

	"github.com/tarm/serial"
	"go.bug.st/serial/enumerator"
)

var (
	// ErrDeviceUnavailable is returned when a device path can not be opened.
	ErrDeviceUnavailable = errors.New("device unavailable")

	// ErrDeviceBusy is returned when another handle already owns the device.
	ErrDeviceBusy = errors.New("device busy")
)

// Config describes a serial device.
type Config struct {
	Device string
	Baud   int
}

// Port is an exclusively owned serial device.
type Port struct {
	*serial.Port

	device string
	lock   *os.File
}

// Open will open the device with an exclusive lock.
//
// A second Open of the same path, from this or another process,
// fails with ErrDeviceBusy until the first Port is closed.
func Open(cfg Config) (*Port, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("%w: no device path", ErrDeviceUnavailable)
	}
	if cfg.Baud == 0 {
		cfg.Baud = 115200
	}

	lock, err := lockDevice(cfg.Device)
	if err != nil {
		return nil, err
	}

	sp, err := serial.OpenPort(&serial.Config{Name: cfg.Device, Baud: cfg.Baud})
	if err != nil {
		unlockDevice(lock)
		return nil, fmt.Errorf("%w: open %s: %v", ErrDeviceUnavailable, cfg.Device, err)
	}

	return &Port{Port: sp, device: cfg.Device, lock: lock}, nil
}

// Device returns the device path.
func (p *Port) Device() string { return p.device }

// Close will close the device and release the lock.
func (p *Port) Close() error {
	err := p.Port.Close()
	unlockDevice(p.lock)
	return err
}

// PortInfo describes a USB serial device found on the system.
type PortInfo struct {
	Name    string
	VID     string
	PID     string
	Serial  string
	Product string
}

// ListPorts returns the USB serial devices currently attached.
func ListPorts() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}

	var res []PortInfo
	for _, port := range ports {
		if !port.IsUSB {
			continue
		}
		res = append(res, PortInfo{
			Name:    port.Name,
			VID:     port.VID,
			PID:     port.PID,
			Serial:  port.SerialNumber,
			Product: port.Product,
		})
	}
	return res, nil
}
