package gpib

import (
	"sync"
)

// Controller serializes access to one board. GPIB is a shared multi-drop bus
// and the driver calls are not re-entrant, so every device proxy on a board
// and the board's primary handler go through the same Controller.
type Controller struct {
	mu    sync.Mutex
	bus   Bus
	board int
}

// NewController returns a Controller for board on bus.
func NewController(bus Bus, board int) *Controller {
	return &Controller{bus: bus, board: board}
}

// Board returns the board index this controller owns.
func (c *Controller) Board() int {
	return c.board
}

func (c *Controller) Open(addr Address, opts OpenOptions) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bus.Open(addr, opts)
}

func (c *Controller) Write(h Handle, data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bus.Write(h, data)
}

func (c *Controller) Read(h Handle, max int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bus.Read(h, max)
}

func (c *Controller) Clear(h Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bus.Clear(h)
}

// Command sends raw command bytes with ATN asserted.
func (c *Controller) Command(cmd []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bus.Command(c.board, cmd)
}

// Lines returns the control line register of the board.
func (c *Controller) Lines() (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bus.Lines(c.board)
}

// SetATN asserts (take control) or releases (go to standby) the ATN line.
func (c *Controller) SetATN(assert bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if assert {
		return c.bus.TakeControl(c.board)
	}
	return c.bus.GoToStandby(c.board)
}

// SetREN switches the remote enable line.
func (c *Controller) SetREN(enable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bus.RemoteEnable(c.board, enable)
}
