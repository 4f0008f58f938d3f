package parser

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"vxi11-gpib-server/pkg/protocol"
)

var (
	// ErrBadMagic is returned for frames that do not start with protocol.Magic.
	ErrBadMagic = errors.New("bad frame magic")
	// ErrPayloadTooLarge is returned when a frame announces more than the limit.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrUnknownOp is returned for frames with an unknown operation.
	ErrUnknownOp = errors.New("unknown operation")
)

type Parser struct {
	maxPayload int
}

// NewParser returns a Parser that rejects payloads above maxPayload bytes.
func NewParser(maxPayload int) *Parser {
	if maxPayload <= 0 {
		maxPayload = protocol.DefaultMaxPayload
	}
	return &Parser{maxPayload: maxPayload}
}

func (p *Parser) readPayload(r io.Reader, n uint32) ([]byte, error) {
	if int64(n) > int64(p.maxPayload) {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, n, p.maxPayload)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return payload, nil
}

// ReadRequest decodes one request frame.
func (p *Parser) ReadRequest(r io.Reader) (*protocol.Request, error) {
	var hdr [protocol.RequestHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	magic := binary.BigEndian.Uint16(hdr[0:2])
	if magic != protocol.Magic {
		return nil, fmt.Errorf("%w: 0x%04X", ErrBadMagic, magic)
	}

	op := protocol.Op(hdr[2])
	if !op.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOp, hdr[2])
	}

	req := &protocol.Request{
		Op:           op,
		Flags:        hdr[3],
		Link:         binary.BigEndian.Uint32(hdr[4:8]),
		Timeout:      time.Duration(binary.BigEndian.Uint32(hdr[8:12])) * time.Millisecond,
		Arg:          binary.BigEndian.Uint32(hdr[12:16]),
		TermChar:     hdr[16],
		NetworkOrder: hdr[17] != 0,
		DataSize:     binary.BigEndian.Uint16(hdr[18:20]),
	}

	payload, err := p.readPayload(r, binary.BigEndian.Uint32(hdr[20:24]))
	if err != nil {
		return nil, err
	}
	req.Payload = payload
	return req, nil
}

// WriteRequest encodes req.
func (p *Parser) WriteRequest(w io.Writer, req *protocol.Request) error {
	if len(req.Payload) > p.maxPayload {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(req.Payload), p.maxPayload)
	}

	buf := make([]byte, protocol.RequestHeaderSize+len(req.Payload))
	binary.BigEndian.PutUint16(buf[0:2], protocol.Magic)
	buf[2] = byte(req.Op)
	buf[3] = req.Flags
	binary.BigEndian.PutUint32(buf[4:8], req.Link)
	binary.BigEndian.PutUint32(buf[8:12], uint32(req.Timeout/time.Millisecond))
	binary.BigEndian.PutUint32(buf[12:16], req.Arg)
	buf[16] = req.TermChar
	if req.NetworkOrder {
		buf[17] = 1
	}
	binary.BigEndian.PutUint16(buf[18:20], req.DataSize)
	binary.BigEndian.PutUint32(buf[20:24], uint32(len(req.Payload)))
	copy(buf[protocol.RequestHeaderSize:], req.Payload)

	_, err := w.Write(buf)
	return err
}

// ReadResponse decodes one response frame.
func (p *Parser) ReadResponse(r io.Reader) (*protocol.Response, error) {
	var hdr [protocol.ResponseHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	magic := binary.BigEndian.Uint16(hdr[0:2])
	if magic != protocol.Magic {
		return nil, fmt.Errorf("%w: 0x%04X", ErrBadMagic, magic)
	}

	resp := &protocol.Response{
		Op:     protocol.Op(hdr[2]),
		Error:  binary.BigEndian.Uint32(hdr[4:8]),
		Link:   binary.BigEndian.Uint32(hdr[8:12]),
		Reason: binary.BigEndian.Uint32(hdr[12:16]),
	}

	payload, err := p.readPayload(r, binary.BigEndian.Uint32(hdr[16:20]))
	if err != nil {
		return nil, err
	}
	resp.Payload = payload
	return resp, nil
}

// WriteResponse encodes resp.
func (p *Parser) WriteResponse(w io.Writer, resp *protocol.Response) error {
	buf := make([]byte, protocol.ResponseHeaderSize+len(resp.Payload))
	binary.BigEndian.PutUint16(buf[0:2], protocol.Magic)
	buf[2] = byte(resp.Op)
	binary.BigEndian.PutUint32(buf[4:8], resp.Error)
	binary.BigEndian.PutUint32(buf[8:12], resp.Link)
	binary.BigEndian.PutUint32(buf[12:16], resp.Reason)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(resp.Payload)))
	copy(buf[protocol.ResponseHeaderSize:], resp.Payload)

	_, err := w.Write(buf)
	return err
}
