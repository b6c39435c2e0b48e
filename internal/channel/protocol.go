// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package channel carries control commands over a unix socket. Frames are
// length-prefixed with a fixed little-endian header; replies are matched to
// requests by correlation id, so async completions may arrive out of order.
package channel

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"grimm.is/flyhook/internal/errors"
)

const (
	// Magic spells "FLHK" and guards against a stray client speaking
	// something else on the socket.
	Magic uint32 = 0x464C484B

	// Version of the frame layout. A peer with a different version is
	// rejected before any command is read.
	Version uint16 = 1

	// RequestHeaderSize and ReplyHeaderSize are the fixed frame prefixes.
	RequestHeaderSize = 28
	ReplyHeaderSize   = 28

	// MaxPayload bounds a single frame's payload.
	MaxPayload = 1 << 20

	// MaxOutputCap bounds the reply capacity a caller may declare.
	MaxOutputCap = 16 << 20
)

// StatusOK marks a successful reply; any other status is an error kind.
const StatusOK uint16 = 0

// Request is one decoded command frame.
//
// Layout: magic u32 | version u16 | flags u16 | command u32 |
// correlation u64 | output capacity u32 | payload length u32 | payload.
type Request struct {
	Flags       uint16
	Command     uint32
	Correlation uint64
	OutputCap   uint32
	Payload     []byte
}

// Reply is one decoded reply frame.
//
// Layout: magic u32 | version u16 | status u16 | command u32 |
// correlation u64 | reserved u32 | payload length u32 | payload.
type Reply struct {
	Status      uint16
	Command     uint32
	Correlation uint64
	Payload     []byte
}

// wireError is the payload of an error reply.
type wireError struct {
	Kind       string         `json:"kind"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// ReadRequest decodes one request frame from r. Each frame gets a fresh
// payload buffer; the bytes stay valid until the command completes.
func ReadRequest(r io.Reader) (*Request, error) {
	hdr := make([]byte, RequestHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	if got := binary.LittleEndian.Uint32(hdr[0:4]); got != Magic {
		return nil, errors.Errorf(errors.KindInvalidArgument, "bad frame magic %#x", got)
	}
	if got := binary.LittleEndian.Uint16(hdr[4:6]); got != Version {
		return nil, errors.Errorf(errors.KindNotSupported, "frame version %d, want %d", got, Version)
	}

	req := &Request{
		Flags:       binary.LittleEndian.Uint16(hdr[6:8]),
		Command:     binary.LittleEndian.Uint32(hdr[8:12]),
		Correlation: binary.LittleEndian.Uint64(hdr[12:20]),
		OutputCap:   binary.LittleEndian.Uint32(hdr[20:24]),
	}
	payloadLen := binary.LittleEndian.Uint32(hdr[24:28])
	if payloadLen > MaxPayload {
		return nil, errors.Errorf(errors.KindInvalidArgument, "payload of %d bytes exceeds limit %d", payloadLen, MaxPayload)
	}
	if req.OutputCap > MaxOutputCap {
		return nil, errors.Errorf(errors.KindInvalidArgument, "output capacity %d exceeds limit %d", req.OutputCap, MaxOutputCap)
	}
	if payloadLen > 0 {
		req.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, req.Payload); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// WriteRequest encodes req as a single frame write.
func WriteRequest(w io.Writer, req *Request) error {
	if len(req.Payload) > MaxPayload {
		return errors.Errorf(errors.KindInvalidArgument, "payload of %d bytes exceeds limit %d", len(req.Payload), MaxPayload)
	}
	buf := make([]byte, RequestHeaderSize+len(req.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], Version)
	binary.LittleEndian.PutUint16(buf[6:8], req.Flags)
	binary.LittleEndian.PutUint32(buf[8:12], req.Command)
	binary.LittleEndian.PutUint64(buf[12:20], req.Correlation)
	binary.LittleEndian.PutUint32(buf[20:24], req.OutputCap)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(len(req.Payload)))
	copy(buf[RequestHeaderSize:], req.Payload)
	_, err := w.Write(buf)
	return err
}

// ReadReply decodes one reply frame from r.
func ReadReply(r io.Reader) (*Reply, error) {
	hdr := make([]byte, ReplyHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	if got := binary.LittleEndian.Uint32(hdr[0:4]); got != Magic {
		return nil, errors.Errorf(errors.KindInvalidArgument, "bad frame magic %#x", got)
	}
	if got := binary.LittleEndian.Uint16(hdr[4:6]); got != Version {
		return nil, errors.Errorf(errors.KindNotSupported, "frame version %d, want %d", got, Version)
	}

	rep := &Reply{
		Status:      binary.LittleEndian.Uint16(hdr[6:8]),
		Command:     binary.LittleEndian.Uint32(hdr[8:12]),
		Correlation: binary.LittleEndian.Uint64(hdr[12:20]),
	}
	payloadLen := binary.LittleEndian.Uint32(hdr[24:28])
	if payloadLen > MaxPayload {
		return nil, errors.Errorf(errors.KindInvalidArgument, "payload of %d bytes exceeds limit %d", payloadLen, MaxPayload)
	}
	if payloadLen > 0 {
		rep.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, rep.Payload); err != nil {
			return nil, err
		}
	}
	return rep, nil
}

// WriteReply encodes rep as a single frame write.
func WriteReply(w io.Writer, rep *Reply) error {
	if len(rep.Payload) > MaxPayload {
		return errors.Errorf(errors.KindInvalidArgument, "payload of %d bytes exceeds limit %d", len(rep.Payload), MaxPayload)
	}
	buf := make([]byte, ReplyHeaderSize+len(rep.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], Version)
	binary.LittleEndian.PutUint16(buf[6:8], rep.Status)
	binary.LittleEndian.PutUint32(buf[8:12], rep.Command)
	binary.LittleEndian.PutUint64(buf[12:20], rep.Correlation)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(len(rep.Payload)))
	copy(buf[ReplyHeaderSize:], rep.Payload)
	_, err := w.Write(buf)
	return err
}

// EncodeOutcome folds a command outcome into status and payload. Errors
// travel as a JSON body carrying kind, message, and attributes.
func EncodeOutcome(reply []byte, err error) (uint16, []byte) {
	if err == nil {
		return StatusOK, reply
	}
	kind := errors.GetKind(err)
	if kind == errors.KindUnknown {
		// Status zero means success on the wire.
		kind = errors.KindInternal
	}
	body, merr := json.Marshal(wireError{
		Kind:       kind.String(),
		Message:    err.Error(),
		Attributes: errors.GetAttributes(err),
	})
	if merr != nil {
		body = []byte(`{"kind":"internal","message":"error encoding failed"}`)
	}
	return uint16(kind), body
}

// DecodeOutcome is EncodeOutcome's inverse on the client side.
func DecodeOutcome(rep *Reply) ([]byte, error) {
	if rep.Status == StatusOK {
		return rep.Payload, nil
	}
	kind := errors.Kind(rep.Status)
	var we wireError
	if err := json.Unmarshal(rep.Payload, &we); err != nil || we.Message == "" {
		return nil, errors.Errorf(kind, "command failed with status %s", kind)
	}
	perr := errors.New(kind, we.Message)
	for k, v := range we.Attributes {
		perr = errors.Attr(perr, k, v)
	}
	return nil, perr
}
