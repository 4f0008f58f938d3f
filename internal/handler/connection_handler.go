package handler

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"vxi11-gpib-server/internal/monitor"
	"vxi11-gpib-server/internal/parser"
	"vxi11-gpib-server/internal/storage"
	"vxi11-gpib-server/internal/vxi11"
	"vxi11-gpib-server/pkg/protocol"
)

// PublishTimeout bounds how long a reply may wait on the activity feed.
const PublishTimeout = 500 * time.Millisecond

type ConnectionHandler struct {
	conn         net.Conn
	session      string
	peer         string
	parser       *parser.Parser
	server       *vxi11.InstrumentServer
	publisher    storage.Publisher
	log          *logrus.Logger
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func NewConnectionHandler(
	conn net.Conn,
	parser *parser.Parser,
	server *vxi11.InstrumentServer,
	publisher storage.Publisher,
	log *logrus.Logger,
	readTimeout time.Duration,
	writeTimeout time.Duration,
) *ConnectionHandler {
	if publisher == nil {
		publisher = storage.Discard{}
	}

	return &ConnectionHandler{
		conn:         conn,
		session:      uuid.New().String(),
		peer:         conn.RemoteAddr().String(),
		parser:       parser,
		server:       server,
		publisher:    publisher,
		log:          log,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// Session returns the id the handler's links are registered under.
func (h *ConnectionHandler) Session() string {
	return h.session
}

// Handle serves requests until the peer disconnects, stays idle past the
// read timeout, or sends a malformed frame.
func (h *ConnectionHandler) Handle() {
	fields := logrus.Fields{"peer": h.peer, "session": h.session}

	defer func() {
		h.conn.Close()
		if n := h.server.DestroySession(h.session); n > 0 {
			monitor.ActiveLinks.Sub(float64(n))
		}
		monitor.ActiveConnections.Dec()
		h.log.WithFields(fields).Info("connection closed")
	}()

	monitor.ActiveConnections.Inc()
	monitor.TotalConnections.Inc()
	h.log.WithFields(fields).Info("new connection")

	r := bufio.NewReader(h.conn)
	ctx := context.Background()

	for {
		if h.readTimeout > 0 {
			h.conn.SetReadDeadline(time.Now().Add(h.readTimeout))
		}

		req, err := h.parser.ReadRequest(r)
		if err != nil {
			var netErr net.Error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				h.log.WithFields(fields).Debug("peer disconnected")
			case errors.As(err, &netErr) && netErr.Timeout():
				h.log.WithFields(fields).Debug("idle timeout")
			case errors.Is(err, parser.ErrBadMagic), errors.Is(err, parser.ErrUnknownOp), errors.Is(err, parser.ErrPayloadTooLarge):
				monitor.ProtocolErrors.Inc()
				h.log.WithFields(fields).Warnf("protocol error: %v", err)
			default:
				h.log.WithFields(fields).Debugf("read failed: %v", err)
			}
			return
		}

		monitor.BytesReceived.Add(float64(len(req.Payload)))

		resp := h.processRequest(ctx, req)

		if h.writeTimeout > 0 {
			h.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		}
		if err := h.parser.WriteResponse(h.conn, resp); err != nil {
			h.log.WithFields(fields).Debugf("write response failed: %v", err)
			return
		}
		monitor.BytesSent.Add(float64(len(resp.Payload)))
	}
}

// processRequest runs one request against the instrument server.
func (h *ConnectionHandler) processRequest(ctx context.Context, req *protocol.Request) *protocol.Response {
	startTime := time.Now()

	resp := &protocol.Response{Op: req.Op, Link: req.Link}
	rec := &protocol.ActivityRecord{
		Session:   h.session,
		Link:      req.Link,
		Op:        req.Op.String(),
		Timestamp: startTime,
	}

	link := vxi11.LinkID(req.Link)
	flags := vxi11.Flags(req.Flags)
	if l, ok := h.server.Link(link); ok && l.Session == h.session {
		rec.Device = l.Device
	}

	var code vxi11.ErrorCode
	switch req.Op {
	case protocol.OpCreateLink:
		name := string(req.Payload)
		rec.Device = name
		id, c := h.server.CreateLink(h.session, name)
		code = c
		if c == vxi11.NoError {
			resp.Link = uint32(id)
			rec.Link = uint32(id)
			monitor.ActiveLinks.Inc()
		}

	case protocol.OpDestroyLink:
		code = h.server.DestroyLink(h.session, link)
		if code == vxi11.NoError {
			monitor.ActiveLinks.Dec()
		}

	case protocol.OpWrite:
		rec.Sent = req.Payload
		code = h.server.Write(h.session, link, req.Payload, flags, req.Timeout)

	case protocol.OpRead:
		var reason vxi11.Reason
		code, reason, resp.Payload = h.server.Read(h.session, link, req.Arg, req.TermChar, flags, req.Timeout)
		resp.Reason = uint32(reason)
		rec.Received = resp.Payload

	case protocol.OpClear:
		code = h.server.Clear(h.session, link, flags, req.Timeout)

	case protocol.OpDoCmd:
		rec.Command = vxi11.CommandName(req.Arg)
		rec.Sent = req.Payload
		code, resp.Payload = h.server.DoCmd(h.session, link, flags, req.Timeout, req.Arg, req.NetworkOrder, int(req.DataSize), req.Payload)
		rec.Received = resp.Payload

	default:
		code = vxi11.OperationNotSupported
	}

	resp.Error = uint32(code)
	rec.Error = code.String()
	rec.ErrorCode = uint32(code)

	duration := time.Since(startTime)
	rec.Duration = duration
	monitor.Operations.WithLabelValues(req.Op.String(), code.String()).Inc()
	monitor.OperationDuration.WithLabelValues(req.Op.String()).Observe(duration.Seconds())

	pctx, cancel := context.WithTimeout(ctx, PublishTimeout)
	err := h.publisher.Publish(pctx, rec)
	cancel()
	if err != nil {
		monitor.PublishErrors.Inc()
		h.log.Errorf("publish activity [%s]: %v", h.session, err)
	}

	h.log.Debugf("%s [%s] link=%d error=%s took %.3fms",
		req.Op,
		rec.Device,
		resp.Link,
		code,
		float64(duration.Microseconds())/1000,
	)

	return resp
}
