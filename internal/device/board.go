package device

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"vxi11-gpib-server/internal/config"
	"vxi11-gpib-server/internal/gpib"
	"vxi11-gpib-server/internal/vxi11"
)

// OpenBus returns the bus backend selected by cfg.
func OpenBus(cfg config.GPIBConfig) (gpib.Bus, error) {
	switch cfg.Backend {
	case "linux":
		return gpib.OpenLinuxBus()
	case "sim":
		bus := gpib.NewSimBus()
		for _, inst := range cfg.Sim.Instruments {
			bus.Attach(cfg.Board, &gpib.SimInstrument{Unit: inst.Unit, IDN: inst.IDN, Echo: inst.Echo})
		}
		return bus, nil
	default:
		return nil, fmt.Errorf("unknown gpib backend %q", cfg.Backend)
	}
}

// NewBoardServer creates an instrument server for one board: the primary
// handler under cfg.RootName and a proxy for every configured unit.
func NewBoardServer(ctrl *gpib.Controller, cfg config.GPIBConfig, log *logrus.Logger) (*vxi11.InstrumentServer, error) {
	srv := vxi11.NewInstrumentServer(cfg.RootName, PrimaryFactory(ctrl, log), log)

	opts := ProxyOptions{
		Open: gpib.OpenOptions{
			TimeoutCode: cfg.TimeoutCode,
			SendEOI:     cfg.SendEOI,
			EOS:         cfg.EOS,
		},
		ReadChunk: cfg.ReadChunk,
	}

	for _, unit := range cfg.Units {
		name := gpib.Address{Board: ctrl.Board(), Unit: unit}.String()
		if err := srv.AddDeviceHandler(ProxyFactory(ctrl, opts, log), name); err != nil {
			return nil, err
		}
	}

	log.Infof("board %d: root %s, %d device handlers", ctrl.Board(), cfg.RootName, len(cfg.Units))
	return srv, nil
}
