package gpib

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T) (*SimBus, *Controller, Handle) {
	t.Helper()
	bus := NewSimBus()
	bus.Attach(0, &SimInstrument{Unit: 5, IDN: "ACME,DMM1,42,1.0"})
	c := NewController(bus, 0)
	h, err := c.Open(Address{Board: 0, Unit: 5}, DefaultOpenOptions())
	require.NoError(t, err)
	return bus, c, h
}

func TestSimQuery(t *testing.T) {
	_, c, h := newTestController(t)

	n, err := c.Write(h, []byte("*IDN?\n"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	data, err := c.Read(h, 1000)
	require.NoError(t, err)
	assert.Equal(t, "ACME,DMM1,42,1.0\n", string(data))

	// drained
	data, err = c.Read(h, 1000)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestSimReadChunks(t *testing.T) {
	_, c, h := newTestController(t)

	_, err := c.Write(h, []byte("*IDN?"))
	require.NoError(t, err)

	first, err := c.Read(h, 4)
	require.NoError(t, err)
	assert.Equal(t, "ACME", string(first))

	rest, err := c.Read(h, 1000)
	require.NoError(t, err)
	assert.Equal(t, ",DMM1,42,1.0\n", string(rest))
}

func TestSimClearDropsPending(t *testing.T) {
	_, c, h := newTestController(t)

	_, err := c.Write(h, []byte("*IDN?"))
	require.NoError(t, err)
	require.NoError(t, c.Clear(h))

	data, err := c.Read(h, 1000)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestSimNoListener(t *testing.T) {
	bus := NewSimBus()
	c := NewController(bus, 0)

	h, err := c.Open(Address{Board: 0, Unit: 9}, DefaultOpenOptions())
	require.NoError(t, err)

	_, err = c.Write(h, []byte("*IDN?"))
	require.Error(t, err)
	assert.Equal(t, KindNoListener, KindOf(err))
}

func TestSimFaults(t *testing.T) {
	bus, c, h := newTestController(t)

	bus.Fail("write", KindTimeout)
	_, err := c.Write(h, []byte("x"))
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))

	var be *Error
	require.ErrorAs(t, err, &be)
	assert.True(t, be.Timeout())

	bus.Heal()
	_, err = c.Write(h, []byte("x"))
	assert.NoError(t, err)
}

func TestSimControlLines(t *testing.T) {
	bus, c, _ := newTestController(t)

	require.NoError(t, c.SetREN(true))
	lines, err := c.Lines()
	require.NoError(t, err)
	assert.NotZero(t, lines&BusREN)

	require.NoError(t, c.SetREN(false))
	lines, err = c.Lines()
	require.NoError(t, err)
	assert.Zero(t, lines&BusREN)

	require.NoError(t, c.SetATN(true))
	assert.True(t, bus.ATN(0))
	require.NoError(t, c.SetATN(false))
	assert.False(t, bus.ATN(0))

	require.NoError(t, c.Command([]byte{0x3f, 0x25}))
	assert.Equal(t, [][]byte{{0x3f, 0x25}}, bus.Commands(0))
}

func TestKindFromIberr(t *testing.T) {
	assert.Equal(t, KindTimeout, KindFromIberr(6))
	assert.Equal(t, KindNoListener, KindFromIberr(2))
	assert.Equal(t, KindBus, KindFromIberr(14))
	assert.Equal(t, KindUnknown, KindFromIberr(99))
	assert.Equal(t, "timeout", KindTimeout.String())
	assert.Equal(t, "kind(99)", Kind(99).String())
}
