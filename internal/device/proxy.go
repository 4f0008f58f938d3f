package device

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"vxi11-gpib-server/internal/gpib"
	"vxi11-gpib-server/internal/monitor"
	"vxi11-gpib-server/internal/vxi11"
)

// DefaultReadChunk is how much a proxy reads per device_read.
const DefaultReadChunk = 1000

// ProxyOptions configure how a ProxyDevice opens and reads its instrument.
type ProxyOptions struct {
	Open      gpib.OpenOptions
	ReadChunk int
}

// DefaultProxyOptions returns the defaults used by the server.
func DefaultProxyOptions() ProxyOptions {
	return ProxyOptions{
		Open:      gpib.DefaultOpenOptions(),
		ReadChunk: DefaultReadChunk,
	}
}

// ProxyDevice bridges one link device name to one instrument on a board.
// Every bus failure is reported as IOError; the failure kind is only logged.
type ProxyDevice struct {
	vxi11.UnsupportedDevice

	ctrl *gpib.Controller
	opts ProxyOptions
	log  *logrus.Logger

	name   string
	addr   gpib.Address
	handle gpib.Handle
}

// NewProxyDevice returns an uninitialized proxy using ctrl for bus access.
func NewProxyDevice(ctrl *gpib.Controller, opts ProxyOptions, log *logrus.Logger) *ProxyDevice {
	if opts.ReadChunk <= 0 {
		opts.ReadChunk = DefaultReadChunk
	}
	return &ProxyDevice{ctrl: ctrl, opts: opts, log: log}
}

// ProxyFactory returns a DeviceFactory producing proxies on ctrl.
func ProxyFactory(ctrl *gpib.Controller, opts ProxyOptions, log *logrus.Logger) vxi11.DeviceFactory {
	return func() vxi11.Device {
		return NewProxyDevice(ctrl, opts, log)
	}
}

// Address returns the bus address parsed by Init.
func (d *ProxyDevice) Address() gpib.Address {
	return d.addr
}

// Init parses the address from name and opens the instrument.
func (d *ProxyDevice) Init(name string) error {
	addr, err := gpib.ParseAddress(name)
	if err != nil {
		return &vxi11.InitError{Code: vxi11.InvalidAddress, Err: err}
	}
	if addr.Board != d.ctrl.Board() {
		return &vxi11.InitError{
			Code: vxi11.InvalidAddress,
			Err:  fmt.Errorf("%w: %s is not on board %d", gpib.ErrInvalidAddress, name, d.ctrl.Board()),
		}
	}

	h, err := d.ctrl.Open(addr, d.opts.Open)
	if err != nil {
		return fmt.Errorf("open %s: %w", addr, err)
	}

	d.name = name
	d.addr = addr
	d.handle = h
	d.log.WithFields(logrus.Fields{"device": name, "board": addr.Board, "unit": addr.Unit}).Debug("instrument opened")
	return nil
}

func (d *ProxyDevice) fail(op string, err error) vxi11.ErrorCode {
	kind := gpib.KindOf(err)
	monitor.BusErrors.WithLabelValues(op, kind.String()).Inc()
	d.log.WithFields(logrus.Fields{
		"device": d.name,
		"op":     op,
		"kind":   kind.String(),
	}).Warnf("bus call failed: %v", err)
	return vxi11.IOError
}

// Write sends data to the instrument.
func (d *ProxyDevice) Write(data []byte, flags vxi11.Flags, timeout time.Duration) vxi11.ErrorCode {
	n, err := d.ctrl.Write(d.handle, data)
	if err != nil {
		return d.fail("write", err)
	}
	d.log.Debugf("write [%s] %d bytes: %q", d.name, n, data)
	return vxi11.NoError
}

// Read reads one chunk from the instrument. requestSize and termChar are not
// honoured; the transfer is always reported as complete.
func (d *ProxyDevice) Read(requestSize uint32, termChar byte, flags vxi11.Flags, timeout time.Duration) (vxi11.ErrorCode, vxi11.Reason, []byte) {
	data, err := d.ctrl.Read(d.handle, d.opts.ReadChunk)
	if err != nil {
		return d.fail("read", err), vxi11.ReasonEnd, []byte{}
	}
	if data == nil {
		data = []byte{}
	}
	d.log.Debugf("read [%s] %q", d.name, data)
	return vxi11.NoError, vxi11.ReasonEnd, data
}

// Clear sends a selected device clear.
func (d *ProxyDevice) Clear(flags vxi11.Flags, timeout time.Duration) vxi11.ErrorCode {
	if err := d.ctrl.Clear(d.handle); err != nil {
		return d.fail("clear", err)
	}
	d.log.Debugf("clear [%s]", d.name)
	return vxi11.NoError
}
