package vxi11

import "time"

// Device is the set of callbacks an InstrumentServer drives for one
// registered device name.
type Device interface {
	// Init is called once, with the registered name, before the first
	// link to the device is handed out.
	Init(name string) error
	Write(data []byte, flags Flags, timeout time.Duration) ErrorCode
	Read(requestSize uint32, termChar byte, flags Flags, timeout time.Duration) (ErrorCode, Reason, []byte)
	Clear(flags Flags, timeout time.Duration) ErrorCode
	DoCmd(flags Flags, timeout time.Duration, cmd uint32, networkOrder bool, dataSize int, in []byte) (ErrorCode, []byte)
}

// DeviceFactory creates an uninitialized Device.
type DeviceFactory func() Device

// UnsupportedDevice answers every operation with OperationNotSupported.
// Embed it to implement only part of Device.
type UnsupportedDevice struct{}

func (UnsupportedDevice) Init(string) error { return nil }

func (UnsupportedDevice) Write([]byte, Flags, time.Duration) ErrorCode {
	return OperationNotSupported
}

func (UnsupportedDevice) Read(uint32, byte, Flags, time.Duration) (ErrorCode, Reason, []byte) {
	return OperationNotSupported, 0, nil
}

func (UnsupportedDevice) Clear(Flags, time.Duration) ErrorCode {
	return OperationNotSupported
}

func (UnsupportedDevice) DoCmd(Flags, time.Duration, uint32, bool, int, []byte) (ErrorCode, []byte) {
	return OperationNotSupported, nil
}
