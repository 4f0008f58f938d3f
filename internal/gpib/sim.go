package gpib

import (
	"bytes"
	"fmt"
	"sync"
)

// SimInstrument is a device attached to a SimBus.
type SimInstrument struct {
	Unit int
	// IDN is returned for "*IDN?".
	IDN string
	// Echo makes the instrument answer every other command with itself.
	Echo bool

	pending []byte
}

func (si *SimInstrument) handle(cmd []byte) {
	q := bytes.TrimSpace(cmd)
	switch {
	case bytes.EqualFold(q, []byte("*IDN?")):
		si.pending = []byte(si.IDN + "\n")
	case bytes.EqualFold(q, []byte("*RST")), bytes.EqualFold(q, []byte("*CLS")):
		si.pending = nil
	case si.Echo:
		si.pending = append([]byte(nil), cmd...)
	}
}

// SimBus is an in-memory Bus used when no GPIB hardware is present and in
// tests. Devices without an instrument accept open but fail I/O with
// KindNoListener, as a real bus does.
type SimBus struct {
	mu          sync.Mutex
	instruments map[Address]*SimInstrument
	handles     map[Handle]Address
	nextHandle  Handle
	lines       map[int]uint16
	atn         map[int]bool
	commands    map[int][][]byte
	faults      map[string]Kind
	closed      bool
}

// NewSimBus returns an empty simulated bus.
func NewSimBus() *SimBus {
	return &SimBus{
		instruments: make(map[Address]*SimInstrument),
		handles:     make(map[Handle]Address),
		nextHandle:  1,
		lines:       make(map[int]uint16),
		atn:         make(map[int]bool),
		commands:    make(map[int][][]byte),
		faults:      make(map[string]Kind),
	}
}

// Attach places an instrument at board/unit.
func (b *SimBus) Attach(board int, inst *SimInstrument) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.instruments[Address{Board: board, Unit: inst.Unit}] = inst
}

// Fail makes every following call of op ("open", "write", "read", "clear",
// "command", "lines", "atn", "ren") fail with kind until Heal is called.
func (b *SimBus) Fail(op string, kind Kind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults[op] = kind
}

// Heal removes all injected faults.
func (b *SimBus) Heal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = make(map[string]Kind)
}

// SetLines overrides the line register of a board.
func (b *SimBus) SetLines(board int, lines uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines[board] = lines
}

// Commands returns the command byte strings sent on a board.
func (b *SimBus) Commands(board int) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.commands[board]...)
}

// ATN reports whether the board currently asserts ATN.
func (b *SimBus) ATN(board int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.atn[board]
}

func (b *SimBus) fault(op string) error {
	if b.closed {
		return &Error{Op: op, Kind: KindNoBoard, Err: fmt.Errorf("bus closed")}
	}
	if kind, ok := b.faults[op]; ok {
		return &Error{Op: op, Kind: kind}
	}
	return nil
}

func (b *SimBus) instrument(op string, h Handle) (*SimInstrument, error) {
	addr, ok := b.handles[h]
	if !ok {
		return nil, &Error{Op: op, Kind: KindNotOpen, Err: fmt.Errorf("handle %d", h)}
	}
	inst, ok := b.instruments[addr]
	if !ok {
		return nil, &Error{Op: op, Kind: KindNoListener, Err: fmt.Errorf("no device at %s", addr)}
	}
	return inst, nil
}

func (b *SimBus) Open(addr Address, opts OpenOptions) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault("open"); err != nil {
		return 0, err
	}
	if addr.Unit < 0 || addr.Unit > 30 {
		return 0, &Error{Op: "open", Kind: KindArgument, Err: fmt.Errorf("primary address %d out of range", addr.Unit)}
	}

	h := b.nextHandle
	b.nextHandle++
	b.handles[h] = addr
	return h, nil
}

func (b *SimBus) Write(h Handle, data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault("write"); err != nil {
		return 0, err
	}
	inst, err := b.instrument("write", h)
	if err != nil {
		return 0, err
	}
	inst.handle(data)
	return len(data), nil
}

func (b *SimBus) Read(h Handle, max int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault("read"); err != nil {
		return nil, err
	}
	inst, err := b.instrument("read", h)
	if err != nil {
		return nil, err
	}

	n := len(inst.pending)
	if n > max {
		n = max
	}
	out := append([]byte(nil), inst.pending[:n]...)
	inst.pending = inst.pending[n:]
	return out, nil
}

func (b *SimBus) Clear(h Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault("clear"); err != nil {
		return err
	}
	inst, err := b.instrument("clear", h)
	if err != nil {
		return err
	}
	inst.pending = nil
	return nil
}

func (b *SimBus) Command(board int, cmd []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault("command"); err != nil {
		return err
	}
	b.commands[board] = append(b.commands[board], append([]byte(nil), cmd...))
	return nil
}

func (b *SimBus) Lines(board int) (uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault("lines"); err != nil {
		return 0, err
	}
	return b.lines[board], nil
}

func (b *SimBus) GoToStandby(board int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault("atn"); err != nil {
		return err
	}
	b.atn[board] = false
	b.lines[board] &^= BusATN
	return nil
}

func (b *SimBus) TakeControl(board int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault("atn"); err != nil {
		return err
	}
	b.atn[board] = true
	b.lines[board] |= BusATN | ValidATN
	return nil
}

func (b *SimBus) RemoteEnable(board int, enable bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault("ren"); err != nil {
		return err
	}
	if enable {
		b.lines[board] |= BusREN | ValidREN
	} else {
		b.lines[board] &^= BusREN
	}
	return nil
}

func (b *SimBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
