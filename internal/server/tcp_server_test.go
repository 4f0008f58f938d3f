package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vxi11-gpib-server/internal/config"
	"vxi11-gpib-server/internal/device"
	"vxi11-gpib-server/internal/gpib"
	"vxi11-gpib-server/internal/monitor"
	"vxi11-gpib-server/internal/storage"
	"vxi11-gpib-server/internal/vxi11"
	"vxi11-gpib-server/pkg/linkclient"
)

func startServer(t *testing.T, mutate func(*config.Config)) (*TCPServer, *gpib.SimBus) {
	t.Helper()
	return startServerWith(t, mutate, nil)
}

func startServerWith(t *testing.T, mutate func(*config.Config), publisher storage.Publisher) (*TCPServer, *gpib.SimBus) {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := config.GetDefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Monitor.Enabled = false
	cfg.GPIB.Backend = "sim"
	cfg.GPIB.Sim.Instruments = []config.SimInstrumentConfig{
		{Unit: 5, IDN: "ACME,DMM,5,1.0"},
		{Unit: 7, Echo: true},
	}
	if mutate != nil {
		mutate(cfg)
	}

	bus, err := device.OpenBus(cfg.GPIB)
	require.NoError(t, err)
	instruments, err := device.NewBoardServer(gpib.NewController(bus, cfg.GPIB.Board), cfg.GPIB, log)
	require.NoError(t, err)

	srv, err := NewTCPServer(cfg, instruments, publisher, log)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()

	t.Cleanup(func() {
		srv.Shutdown()
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return")
		}
		srv.Wait()
	})
	return srv, bus.(*gpib.SimBus)
}

func dial(t *testing.T, srv *TCPServer) *linkclient.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := linkclient.Dial(ctx, srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestEndToEndIdentify(t *testing.T) {
	srv, _ := startServer(t, nil)
	c := dial(t, srv)

	link, err := c.CreateLink("gpib0,5")
	require.NoError(t, err)

	require.NoError(t, link.Write([]byte("*IDN?\n")))
	data, reason, err := link.Read(1)
	require.NoError(t, err)
	assert.Equal(t, vxi11.ReasonEnd, reason)
	assert.Equal(t, "ACME,DMM,5,1.0\n", string(data))

	idn, err := link.Query("*IDN?")
	require.NoError(t, err)
	assert.Equal(t, "ACME,DMM,5,1.0", idn)

	require.NoError(t, link.Clear())
	require.NoError(t, link.Close())
}

func TestEndToEndBusFault(t *testing.T) {
	srv, bus := startServer(t, nil)
	c := dial(t, srv)

	link, err := c.CreateLink("gpib0,7")
	require.NoError(t, err)

	bus.Fail("write", gpib.KindTimeout)
	err = link.Write([]byte("VOLT 1"))

	var de *linkclient.DeviceError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, vxi11.IOError, de.Code)

	bus.Heal()
	require.NoError(t, link.Write([]byte("VOLT 1")))
	data, _, err := link.Read(100)
	require.NoError(t, err)
	assert.Equal(t, "VOLT 1", string(data))
}

func TestEndToEndController(t *testing.T) {
	srv, bus := startServer(t, nil)
	c := dial(t, srv)

	root, err := c.CreateLink("gpib0")
	require.NoError(t, err)

	_, err = root.DoCmd(vxi11.CmdRENCtrl, []byte{1})
	require.NoError(t, err)
	remote, err := root.BusStatus(vxi11.BusStatusRemote)
	require.NoError(t, err)
	assert.True(t, remote)

	out, err := root.DoCmd(vxi11.CmdSendCommand, []byte{0x3f, 0x25})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x3f, 0x25}, out)
	assert.Len(t, bus.Commands(0), 1)

	_, err = root.DoCmd(vxi11.CmdIFCCtrl, []byte{1})
	var de *linkclient.DeviceError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, vxi11.OperationNotSupported, de.Code)
}

func TestEndToEndUnknownDevice(t *testing.T) {
	srv, _ := startServer(t, nil)
	c := dial(t, srv)

	_, err := c.CreateLink("gpib0,31")
	var de *linkclient.DeviceError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, vxi11.DeviceNotAccessible, de.Code)
}

func TestConnectionLimit(t *testing.T) {
	srv, _ := startServer(t, func(cfg *config.Config) { cfg.Server.MaxConnections = 1 })

	first := dial(t, srv)
	_, err := first.CreateLink("gpib0")
	require.NoError(t, err)

	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.True(t, errors.Is(err, io.EOF), "expected EOF, got %v", err)
}

func TestShutdownClosesConnections(t *testing.T) {
	srv, _ := startServer(t, nil)
	c := dial(t, srv)

	_, err := c.CreateLink("gpib0,5")
	require.NoError(t, err)

	srv.Shutdown()
	srv.Wait()

	_, err = c.CreateLink("gpib0,5")
	assert.Error(t, err)
}

func TestLinksBelongToTheirConnection(t *testing.T) {
	srv, _ := startServer(t, nil)
	a := dial(t, srv)
	b := dial(t, srv)

	mine, err := a.CreateLink("gpib0,5")
	require.NoError(t, err)

	stolen, err := b.CreateLink("gpib0,7")
	require.NoError(t, err)
	stolen.ID = mine.ID

	var de *linkclient.DeviceError
	err = stolen.Write([]byte("*IDN?\n"))
	require.ErrorAs(t, err, &de)
	assert.Equal(t, vxi11.InvalidLinkIdentifier, de.Code)

	_, err = stolen.DoCmd(vxi11.CmdBusStatus, []byte{1})
	require.ErrorAs(t, err, &de)
	assert.Equal(t, vxi11.InvalidLinkIdentifier, de.Code)

	err = stolen.Close()
	require.ErrorAs(t, err, &de)
	assert.Equal(t, vxi11.InvalidLinkIdentifier, de.Code)

	idn, err := mine.Query("*IDN?")
	require.NoError(t, err)
	assert.Equal(t, "ACME,DMM,5,1.0", idn)
}

func TestShutdownKeepsLinkGaugeBalanced(t *testing.T) {
	srv, _ := startServer(t, nil)
	c := dial(t, srv)

	base := testutil.ToFloat64(monitor.ActiveLinks)
	_, err := c.CreateLink("gpib0,5")
	require.NoError(t, err)
	assert.Equal(t, base+1, testutil.ToFloat64(monitor.ActiveLinks))

	// a link whose handler has not counted it yet
	_, code := srv.instruments.CreateLink("late", "gpib0")
	require.Equal(t, vxi11.NoError, code)

	srv.Shutdown()
	srv.Wait()
	monitor.ActiveLinks.Inc()

	assert.Equal(t, base, testutil.ToFloat64(monitor.ActiveLinks))
}

func TestActivityHistoryOverHTTP(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	redisSrv := miniredis.RunT(t)
	mq, err := storage.NewMessageQueue(storage.Options{
		Addr:       redisSrv.Addr(),
		Channel:    "gpib_activity",
		HistoryLen: 10,
		Encoding:   "cbor",
	}, log)
	require.NoError(t, err)
	batcher := storage.NewBatcher(mq, storage.BatchOptions{Size: 2, Interval: 10 * time.Millisecond}, log)

	srv, _ := startServerWith(t, nil, batcher)
	c := dial(t, srv)
	link, err := c.CreateLink("gpib0,5")
	require.NoError(t, err)
	_, err = link.Query("*IDN?")
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Monitor().Handler())
	defer ts.Close()

	var recs []map[string]interface{}
	assert.Eventually(t, func() bool {
		resp, err := ts.Client().Get(ts.URL + "/history?device=gpib0,5")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		recs = nil
		return json.NewDecoder(resp.Body).Decode(&recs) == nil && len(recs) == 3
	}, 2*time.Second, 20*time.Millisecond)
	require.Len(t, recs, 3)
	assert.Equal(t, "read", recs[0]["op"])
	assert.Equal(t, "create_link", recs[2]["op"])

	resp, err := ts.Client().Get(ts.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var stats map[string]map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.EqualValues(t, 1, stats["links"]["open"])
	assert.Contains(t, stats["activity"], "published")
}
