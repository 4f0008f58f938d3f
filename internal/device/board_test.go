package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vxi11-gpib-server/internal/config"
	"vxi11-gpib-server/internal/gpib"
	"vxi11-gpib-server/internal/vxi11"
)

func TestNewBoardServerRegistersUnits(t *testing.T) {
	cfg := config.GetDefaultConfig().GPIB
	cfg.Backend = "sim"
	cfg.Sim.Instruments = []config.SimInstrumentConfig{{Unit: 5, IDN: "ACME,PSU,9,1.1"}}

	bus, err := OpenBus(cfg)
	require.NoError(t, err)

	srv, err := NewBoardServer(gpib.NewController(bus, cfg.Board), cfg, quietLogger())
	require.NoError(t, err)

	devices := srv.Devices()
	assert.Len(t, devices, 32)
	assert.Contains(t, devices, "gpib0")
	assert.Contains(t, devices, "gpib0,0")
	assert.Contains(t, devices, "gpib0,30")

	id, code := srv.CreateLink("s", "gpib0,5")
	require.Equal(t, vxi11.NoError, code)
	require.Equal(t, vxi11.NoError, srv.Write("s", id, []byte("*IDN?\n"), 0, 0))

	code, reason, data := srv.Read("s", id, 100, '\n', 0, 0)
	assert.Equal(t, vxi11.NoError, code)
	assert.Equal(t, vxi11.ReasonEnd, reason)
	assert.Equal(t, "ACME,PSU,9,1.1\n", string(data))
}

func TestNewBoardServerDuplicateUnit(t *testing.T) {
	cfg := config.GetDefaultConfig().GPIB
	cfg.Units = []int{3, 3}

	_, err := NewBoardServer(gpib.NewController(gpib.NewSimBus(), 0), cfg, quietLogger())
	assert.ErrorIs(t, err, vxi11.ErrDuplicateDevice)
}

func TestOpenBus(t *testing.T) {
	cfg := config.GetDefaultConfig().GPIB

	cfg.Backend = "usb"
	_, err := OpenBus(cfg)
	assert.Error(t, err)

	// the default build has no linux-gpib
	cfg.Backend = "linux"
	if _, err := OpenBus(cfg); err != nil {
		assert.ErrorIs(t, err, gpib.ErrNotSupported)
	}
}
