package device

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"vxi11-gpib-server/internal/gpib"
	"vxi11-gpib-server/internal/monitor"
	"vxi11-gpib-server/internal/vxi11"
)

var (
	lineSet   = []byte{0x01, 0x00}
	lineClear = []byte{0x00, 0x00}
)

// PrimaryDevice serves the board's root device: bus wide state and the
// low level docmd commands.
type PrimaryDevice struct {
	vxi11.UnsupportedDevice

	ctrl *gpib.Controller
	log  *logrus.Logger
	name string
}

// NewPrimaryDevice returns the controller handler for ctrl's board.
func NewPrimaryDevice(ctrl *gpib.Controller, log *logrus.Logger) *PrimaryDevice {
	return &PrimaryDevice{ctrl: ctrl, log: log}
}

// PrimaryFactory returns a DeviceFactory producing the controller handler.
func PrimaryFactory(ctrl *gpib.Controller, log *logrus.Logger) vxi11.DeviceFactory {
	return func() vxi11.Device {
		return NewPrimaryDevice(ctrl, log)
	}
}

func (d *PrimaryDevice) Init(name string) error {
	d.name = name
	return nil
}

// LineState reports whether any line in mask is set, as {1,0} or {0,0}.
func (d *PrimaryDevice) LineState(mask uint16) ([]byte, error) {
	lines, err := d.ctrl.Lines()
	if err != nil {
		return nil, err
	}
	if lines&mask != 0 {
		return append([]byte(nil), lineSet...), nil
	}
	return append([]byte(nil), lineClear...), nil
}

// BusStatus answers a CmdBusStatus sub-command. Unimplemented codes yield
// {0,0} and are only logged.
func (d *PrimaryDevice) BusStatus(code vxi11.BusStatus) ([]byte, error) {
	switch code {
	case vxi11.BusStatusRemote:
		return d.LineState(gpib.BusREN)
	case vxi11.BusStatusNDAC:
		return d.LineState(gpib.BusNDAC)
	case vxi11.BusStatusBusAddress:
		return append([]byte(nil), lineClear...), nil
	default:
		d.log.Infof("unimplemented bus status %d", code)
		return append([]byte(nil), lineClear...), nil
	}
}

func hexBytes(b []byte) string {
	parts := make([]string, len(b))
	for i, c := range b {
		parts[i] = fmt.Sprintf("%#x", c)
	}
	return strings.Join(parts, " ")
}

func (d *PrimaryDevice) fail(cmd uint32, err error) (vxi11.ErrorCode, []byte) {
	kind := gpib.KindOf(err)
	op := vxi11.CommandName(cmd)
	monitor.BusErrors.WithLabelValues(op, kind.String()).Inc()
	d.log.WithFields(logrus.Fields{
		"device": d.name,
		"op":     op,
		"kind":   kind.String(),
	}).Warnf("bus call failed: %v", err)
	return vxi11.IOError, []byte{}
}

// DoCmd dispatches the GPIB docmd commands. Every handled command except
// bus status echoes its input.
func (d *PrimaryDevice) DoCmd(flags vxi11.Flags, timeout time.Duration, cmd uint32, networkOrder bool, dataSize int, in []byte) (vxi11.ErrorCode, []byte) {
	switch cmd {
	case vxi11.CmdSendCommand:
		d.log.Debugf("CMD_SEND_COMMAND %d [%s]", dataSize, hexBytes(in))
		if err := d.ctrl.Command(in); err != nil {
			return d.fail(cmd, err)
		}
		return vxi11.NoError, in

	case vxi11.CmdBusStatus:
		d.log.Debugf("CMD_BUS_STATUS %v", in)
		if len(in) == 0 {
			return vxi11.ParameterError, []byte{}
		}
		out, err := d.BusStatus(vxi11.BusStatus(in[0]))
		if err != nil {
			return d.fail(cmd, err)
		}
		return vxi11.NoError, out

	case vxi11.CmdATNCtrl:
		d.log.Debugf("CMD_ATN_CTRL %v", in)
		if len(in) == 0 {
			return vxi11.ParameterError, []byte{}
		}
		if err := d.ctrl.SetATN(in[0] != 0); err != nil {
			return d.fail(cmd, err)
		}
		return vxi11.NoError, in

	case vxi11.CmdRENCtrl:
		d.log.Debugf("CMD_REN_CTRL %v", in)
		if len(in) == 0 {
			return vxi11.ParameterError, []byte{}
		}
		if err := d.ctrl.SetREN(in[0] != 0); err != nil {
			return d.fail(cmd, err)
		}
		return vxi11.NoError, in

	default:
		d.log.Infof("unimplemented cmd %x", cmd)
		return vxi11.OperationNotSupported, []byte{}
	}
}
