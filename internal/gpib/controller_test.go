package gpib

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exclusiveBus wraps a SimBus and records how many calls overlap. A real
// driver is not re-entrant, so more than one call in flight is a bug.
type exclusiveBus struct {
	*SimBus

	inflight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
}

func (b *exclusiveBus) enter() func() {
	n := b.inflight.Add(1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}
	b.calls.Add(1)
	time.Sleep(100 * time.Microsecond)
	return func() { b.inflight.Add(-1) }
}

func (b *exclusiveBus) Open(addr Address, opts OpenOptions) (Handle, error) {
	defer b.enter()()
	return b.SimBus.Open(addr, opts)
}

func (b *exclusiveBus) Write(h Handle, data []byte) (int, error) {
	defer b.enter()()
	return b.SimBus.Write(h, data)
}

func (b *exclusiveBus) Read(h Handle, max int) ([]byte, error) {
	defer b.enter()()
	return b.SimBus.Read(h, max)
}

func (b *exclusiveBus) Clear(h Handle) error {
	defer b.enter()()
	return b.SimBus.Clear(h)
}

func (b *exclusiveBus) Command(board int, cmd []byte) error {
	defer b.enter()()
	return b.SimBus.Command(board, cmd)
}

func (b *exclusiveBus) Lines(board int) (uint16, error) {
	defer b.enter()()
	return b.SimBus.Lines(board)
}

func (b *exclusiveBus) GoToStandby(board int) error {
	defer b.enter()()
	return b.SimBus.GoToStandby(board)
}

func (b *exclusiveBus) TakeControl(board int) error {
	defer b.enter()()
	return b.SimBus.TakeControl(board)
}

func (b *exclusiveBus) RemoteEnable(board int, enable bool) error {
	defer b.enter()()
	return b.SimBus.RemoteEnable(board, enable)
}

func TestControllerSerializesBusCalls(t *testing.T) {
	bus := &exclusiveBus{SimBus: NewSimBus()}
	for unit := 1; unit <= 6; unit++ {
		bus.Attach(0, &SimInstrument{Unit: unit, Echo: true})
	}
	c := NewController(bus, 0)

	var wg sync.WaitGroup
	for unit := 1; unit <= 6; unit++ {
		wg.Add(1)
		go func(unit int) {
			defer wg.Done()
			h, err := c.Open(Address{Board: 0, Unit: unit}, DefaultOpenOptions())
			if !assert.NoError(t, err) {
				return
			}
			for i := 0; i < 20; i++ {
				_, err := c.Write(h, []byte("MEAS?"))
				assert.NoError(t, err)
				data, err := c.Read(h, 1000)
				assert.NoError(t, err)
				assert.Equal(t, "MEAS?", string(data))
				assert.NoError(t, c.Clear(h))
			}
		}(unit)
	}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				assert.NoError(t, c.SetREN(j%2 == 0))
				assert.NoError(t, c.SetATN(j%2 == 0))
				assert.NoError(t, c.Command([]byte{0x3f}))
				_, err := c.Lines()
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(6+6*20*3+2*20*4), bus.calls.Load())
	assert.Equal(t, int32(1), bus.peak.Load(), "bus calls overlapped")
}
