// Package linkclient talks to a link server: open links to device names and
// run write/read/clear/docmd on them.
package linkclient

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"vxi11-gpib-server/internal/parser"
	"vxi11-gpib-server/internal/vxi11"
	"vxi11-gpib-server/pkg/protocol"
)

// DeviceError is a response carrying a non-zero error code.
type DeviceError struct {
	Op   protocol.Op
	Code vxi11.ErrorCode
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.Op, e.Code, uint32(e.Code))
}

// Client is one connection. Requests are serialized.
type Client struct {
	mu        sync.Mutex
	conn      net.Conn
	r         *bufio.Reader
	parser    *parser.Parser
	IOTimeout time.Duration
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{
		conn:      conn,
		r:         bufio.NewReader(conn),
		parser:    parser.NewParser(0),
		IOTimeout: 10 * time.Second,
	}
}

func (c *Client) roundTrip(req *protocol.Request) (*protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if req.Timeout == 0 {
		req.Timeout = c.IOTimeout
	}
	// leave the server time to report its own timeout
	c.conn.SetDeadline(time.Now().Add(req.Timeout + 5*time.Second))
	defer c.conn.SetDeadline(time.Time{})

	if err := c.parser.WriteRequest(c.conn, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Op, err)
	}
	resp, err := c.parser.ReadResponse(c.r)
	if err != nil {
		return nil, fmt.Errorf("receive %s: %w", req.Op, err)
	}
	if resp.Op != req.Op {
		return nil, fmt.Errorf("response op %s does not match request %s", resp.Op, req.Op)
	}
	if resp.Error != 0 {
		return resp, &DeviceError{Op: req.Op, Code: vxi11.ErrorCode(resp.Error)}
	}
	return resp, nil
}

// CreateLink opens a link to device name, e.g. "gpib0,5".
func (c *Client) CreateLink(name string) (*Link, error) {
	resp, err := c.roundTrip(&protocol.Request{Op: protocol.OpCreateLink, Payload: []byte(name)})
	if err != nil {
		return nil, err
	}
	return &Link{client: c, ID: resp.Link, Device: name}, nil
}

// Close closes the connection; the server drops its links.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Link is an open link.
type Link struct {
	client *Client
	ID     uint32
	Device string
}

// Write sends data with the END flag set.
func (l *Link) Write(data []byte) error {
	_, err := l.client.roundTrip(&protocol.Request{
		Op:      protocol.OpWrite,
		Link:    l.ID,
		Flags:   uint8(vxi11.FlagEnd),
		Payload: data,
	})
	return err
}

// Read asks for up to size bytes.
func (l *Link) Read(size uint32) ([]byte, vxi11.Reason, error) {
	resp, err := l.client.roundTrip(&protocol.Request{
		Op:   protocol.OpRead,
		Link: l.ID,
		Arg:  size,
	})
	if err != nil {
		return nil, 0, err
	}
	return resp.Payload, vxi11.Reason(resp.Reason), nil
}

// Query writes cmd plus a newline and returns the trimmed answer.
func (l *Link) Query(cmd string) (string, error) {
	if !strings.HasSuffix(cmd, "\n") {
		cmd += "\n"
	}
	if err := l.Write([]byte(cmd)); err != nil {
		return "", err
	}
	data, _, err := l.Read(4096)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// Clear sends a device clear.
func (l *Link) Clear() error {
	_, err := l.client.roundTrip(&protocol.Request{Op: protocol.OpClear, Link: l.ID})
	return err
}

// DoCmd runs a low level command and returns its output.
func (l *Link) DoCmd(cmd uint32, in []byte) ([]byte, error) {
	resp, err := l.client.roundTrip(&protocol.Request{
		Op:       protocol.OpDoCmd,
		Link:     l.ID,
		Arg:      cmd,
		DataSize: uint16(len(in)),
		Payload:  in,
	})
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// BusStatus queries one bus status item on a controller link.
func (l *Link) BusStatus(code vxi11.BusStatus) (bool, error) {
	out, err := l.DoCmd(vxi11.CmdBusStatus, []byte{byte(code)})
	if err != nil {
		return false, err
	}
	return len(out) > 0 && out[0] != 0, nil
}

// Close destroys the link.
func (l *Link) Close() error {
	_, err := l.client.roundTrip(&protocol.Request{Op: protocol.OpDestroyLink, Link: l.ID})
	return err
}
