package vxi11

import "fmt"

// ErrorCode is the device_error value of a VXI-11 response.
type ErrorCode uint32

const (
	NoError                   ErrorCode = 0
	SyntaxError               ErrorCode = 1
	DeviceNotAccessible       ErrorCode = 3
	InvalidLinkIdentifier     ErrorCode = 4
	ParameterError            ErrorCode = 5
	ChannelNotEstablished     ErrorCode = 6
	OperationNotSupported     ErrorCode = 8
	OutOfResources            ErrorCode = 9
	DeviceLocked              ErrorCode = 11
	NoLockHeld                ErrorCode = 12
	IOTimeout                 ErrorCode = 15
	IOError                   ErrorCode = 17
	InvalidAddress            ErrorCode = 21
	Abort                     ErrorCode = 23
	ChannelAlreadyEstablished ErrorCode = 29
)

var errorNames = map[ErrorCode]string{
	NoError:                   "no_error",
	SyntaxError:               "syntax_error",
	DeviceNotAccessible:       "device_not_accessible",
	InvalidLinkIdentifier:     "invalid_link_identifier",
	ParameterError:            "parameter_error",
	ChannelNotEstablished:     "channel_not_established",
	OperationNotSupported:     "operation_not_supported",
	OutOfResources:            "out_of_resources",
	DeviceLocked:              "device_locked",
	NoLockHeld:                "no_lock_held",
	IOTimeout:                 "io_timeout",
	IOError:                   "io_error",
	InvalidAddress:            "invalid_address",
	Abort:                     "abort",
	ChannelAlreadyEstablished: "channel_already_established",
}

func (e ErrorCode) String() string {
	if s, ok := errorNames[e]; ok {
		return s
	}
	return fmt.Sprintf("error(%d)", uint32(e))
}

// Reason is the reason bit set of a device_read response.
type Reason uint32

const (
	ReasonRequestCount Reason = 1
	ReasonTermChar     Reason = 2
	ReasonEnd          Reason = 4
)

// Flags is the operation flag set of a request.
type Flags uint32

const (
	FlagWaitLock    Flags = 1
	FlagEnd         Flags = 8
	FlagTermCharSet Flags = 128
)

// docmd command codes for GPIB interfaces (VXI-11.2).
const (
	CmdSendCommand uint32 = 0x020000
	CmdBusStatus   uint32 = 0x020001
	CmdATNCtrl     uint32 = 0x020002
	CmdRENCtrl     uint32 = 0x020003
	CmdPassCtrl    uint32 = 0x020004
	CmdBusAddress  uint32 = 0x02000A
	CmdIFCCtrl     uint32 = 0x020010
)

// CommandName returns a short name for a docmd code.
func CommandName(cmd uint32) string {
	switch cmd {
	case CmdSendCommand:
		return "send_command"
	case CmdBusStatus:
		return "bus_status"
	case CmdATNCtrl:
		return "atn_ctrl"
	case CmdRENCtrl:
		return "ren_ctrl"
	case CmdPassCtrl:
		return "pass_ctrl"
	case CmdBusAddress:
		return "bus_address"
	case CmdIFCCtrl:
		return "ifc_ctrl"
	default:
		return fmt.Sprintf("cmd(0x%x)", cmd)
	}
}

// BusStatus is the sub-command of a CmdBusStatus request.
type BusStatus byte

const (
	BusStatusRemote           BusStatus = 1
	BusStatusSRQ              BusStatus = 2
	BusStatusNDAC             BusStatus = 3
	BusStatusSystemController BusStatus = 4
	BusStatusCIC              BusStatus = 5
	BusStatusTalker           BusStatus = 6
	BusStatusListener         BusStatus = 7
	BusStatusBusAddress       BusStatus = 8
)
