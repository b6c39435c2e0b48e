// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package channel

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flyhook/internal/errors"
)

func TestRequestRoundTrip(t *testing.T) {
	in := &Request{
		Flags:       3,
		Command:     7,
		Correlation: 0xDEADBEEFCAFE,
		OutputCap:   4096,
		Payload:     []byte(`{"resource_id":"r1"}`),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, in))
	assert.Len(t, buf.Bytes(), RequestHeaderSize+len(in.Payload))

	out, err := ReadRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, in.Flags, out.Flags)
	assert.Equal(t, in.Command, out.Command)
	assert.Equal(t, in.Correlation, out.Correlation)
	assert.Equal(t, in.OutputCap, out.OutputCap)
	assert.Equal(t, in.Payload, out.Payload)
}

func TestRequestWithoutPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, &Request{Command: 1, Correlation: 9}))

	out, err := ReadRequest(&buf)
	require.NoError(t, err)
	assert.Nil(t, out.Payload)
}

func TestReadRequestRejectsBadMagic(t *testing.T) {
	frame := make([]byte, RequestHeaderSize)
	binary.LittleEndian.PutUint32(frame[0:4], 0x4B4C4648)
	binary.LittleEndian.PutUint16(frame[4:6], Version)

	_, err := ReadRequest(bytes.NewReader(frame))
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(err))
}

func TestReadRequestRejectsVersionMismatch(t *testing.T) {
	frame := make([]byte, RequestHeaderSize)
	binary.LittleEndian.PutUint32(frame[0:4], Magic)
	binary.LittleEndian.PutUint16(frame[4:6], Version+1)

	_, err := ReadRequest(bytes.NewReader(frame))
	require.Error(t, err)
	assert.Equal(t, errors.KindNotSupported, errors.GetKind(err))
}

func TestReadRequestBoundsPayloadAndCapacity(t *testing.T) {
	frame := make([]byte, RequestHeaderSize)
	binary.LittleEndian.PutUint32(frame[0:4], Magic)
	binary.LittleEndian.PutUint16(frame[4:6], Version)
	binary.LittleEndian.PutUint32(frame[24:28], MaxPayload+1)
	_, err := ReadRequest(bytes.NewReader(frame))
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(err))

	frame = make([]byte, RequestHeaderSize)
	binary.LittleEndian.PutUint32(frame[0:4], Magic)
	binary.LittleEndian.PutUint16(frame[4:6], Version)
	binary.LittleEndian.PutUint32(frame[20:24], MaxOutputCap+1)
	_, err = ReadRequest(bytes.NewReader(frame))
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidArgument, errors.GetKind(err))
}

func TestReadRequestTruncated(t *testing.T) {
	_, err := ReadRequest(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)

	_, err = ReadRequest(bytes.NewReader(make([]byte, RequestHeaderSize-1)))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// Header promises more payload than the stream holds.
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, &Request{Command: 1, Payload: []byte("abcdef")}))
	short := buf.Bytes()[:buf.Len()-3]
	_, err = ReadRequest(bytes.NewReader(short))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReplyRoundTrip(t *testing.T) {
	in := &Reply{
		Status:      uint16(errors.KindAccessDenied),
		Command:     5,
		Correlation: 42,
		Payload:     []byte(`{"kind":"access_denied","message":"no"}`),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteReply(&buf, in))

	out, err := ReadReply(&buf)
	require.NoError(t, err)
	assert.Equal(t, in.Status, out.Status)
	assert.Equal(t, in.Command, out.Command)
	assert.Equal(t, in.Correlation, out.Correlation)
	assert.Equal(t, in.Payload, out.Payload)
}

func TestOutcomeSuccessPassthrough(t *testing.T) {
	status, body := EncodeOutcome([]byte("pong"), nil)
	assert.Equal(t, StatusOK, status)

	reply, err := DecodeOutcome(&Reply{Status: status, Payload: body})
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), reply)
}

func TestOutcomeErrorSurvivesEncoding(t *testing.T) {
	cause := errors.Errorf(errors.KindBufferTooSmall, "reply of 100 bytes exceeds caller capacity 8")
	cause = errors.Attr(cause, "required", 100)

	status, body := EncodeOutcome(nil, cause)
	require.NotEqual(t, StatusOK, status)

	_, err := DecodeOutcome(&Reply{Status: status, Payload: body})
	require.Error(t, err)
	assert.Equal(t, errors.KindBufferTooSmall, errors.GetKind(err))
	assert.Contains(t, err.Error(), "caller capacity 8")
	assert.Contains(t, errors.GetAttributes(err), "required")
}

func TestOutcomeForeignErrorBecomesInternal(t *testing.T) {
	status, _ := EncodeOutcome(nil, io.ErrClosedPipe)
	assert.Equal(t, uint16(errors.KindInternal), status)
}

func TestOutcomeUnparsableErrorBody(t *testing.T) {
	_, err := DecodeOutcome(&Reply{
		Status:  uint16(errors.KindInternal),
		Payload: []byte("not json"),
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindInternal, errors.GetKind(err))
}
