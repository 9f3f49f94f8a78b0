package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, id MessageID, msg Message) (MessageID, Message) {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, id, msg, DefaultLimits))

	gotID, gotMsg, err := ReadMessage(&buf, DefaultLimits)
	require.NoError(t, err)
	return gotID, gotMsg
}

func TestRoundTrip(t *testing.T) {
	u := uuid.MustParse("0192d5e1-7f2a-7bbb-8000-0123456789ab")

	tests := []struct {
		name string
		id   MessageID
		msg  Message
	}{
		{"GetVersion", 0, GetVersion()},
		{"ReadFile", 1, ReadFile(u)},
		{"WriteFile", 42, WriteFile(u, []byte("hello world"))},
		{"WriteFileEmpty", 43, WriteFile(u, nil)},
		{"DeleteFile", 7, DeleteFile(u)},
		{"MyVersionIs", 99, MyVersionIs("0.3.1")},
		{"FileContents", 100, FileContents([]byte{0x00, 0xff, 0x7f, 0x80})},
		{"FileContentsEmpty", 101, FileContents(nil)},
		{"Ack", 1 << 31, Ack()},
		{"Error", ^MessageID(0), ErrorMsg("no file with that uuid")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotID, gotMsg := roundTrip(t, tt.id, tt.msg)
			assert.Equal(t, tt.id, gotID)
			assert.Equal(t, tt.msg, gotMsg)
		})
	}
}

func TestRoundTrip_PayloadByteExact(t *testing.T) {
	u := uuid.New()
	payload := make([]byte, 64*1024)
	for i := range payload {
		payload[i] = byte(i * 31)
	}

	_, got := roundTrip(t, 5, WriteFile(u, payload))
	require.Equal(t, payload, got.Payload)
	require.Equal(t, u, got.UUID)
}

func TestReadMessage_HeaderLayout(t *testing.T) {
	// A frame built by hand: id=0x01020304, a GetVersion envelope, no payload.
	env := []byte(`{"type":"GetVersion"}`)
	var frame bytes.Buffer
	var header [16]byte
	binary.BigEndian.PutUint32(header[0:4], 0x01020304)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(env)))
	binary.BigEndian.PutUint64(header[8:16], 0)
	frame.Write(header[:])
	frame.Write(env)

	id, msg, err := ReadMessage(&frame, DefaultLimits)
	require.NoError(t, err)
	assert.Equal(t, MessageID(0x01020304), id)
	assert.Equal(t, GetVersion(), msg)
}

func TestReadMessage_EnvelopeTooLarge(t *testing.T) {
	limits := Limits{MaxEnvelope: 16, MaxPayload: 16}

	var frame bytes.Buffer
	var header [16]byte
	binary.BigEndian.PutUint32(header[0:4], 1)
	binary.BigEndian.PutUint32(header[4:8], 1<<20)
	binary.BigEndian.PutUint64(header[8:16], 0)
	frame.Write(header[:])

	_, _, err := ReadMessage(&frame, limits)
	var tooLarge *TooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, "envelope", tooLarge.Region)
	assert.Equal(t, uint64(1<<20), tooLarge.Requested)
}

func TestReadMessage_PayloadTooLarge(t *testing.T) {
	limits := Limits{MaxEnvelope: 1024, MaxPayload: 8}

	var frame bytes.Buffer
	var header [16]byte
	binary.BigEndian.PutUint32(header[0:4], 1)
	binary.BigEndian.PutUint32(header[4:8], 2)
	binary.BigEndian.PutUint64(header[8:16], 1<<40)
	frame.Write(header[:])
	frame.WriteString("{}")

	_, _, err := ReadMessage(&frame, limits)
	var tooLarge *TooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, "payload", tooLarge.Region)
}

func TestWriteMessage_PayloadTooLarge(t *testing.T) {
	limits := Limits{MaxEnvelope: 1024, MaxPayload: 4}

	var buf bytes.Buffer
	err := WriteMessage(&buf, 1, FileContents([]byte("12345")), limits)
	var tooLarge *TooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Zero(t, buf.Len(), "nothing may be written for an oversized message")
}

func TestReadMessage_MalformedJSON(t *testing.T) {
	env := []byte(`{"type":`)
	var frame bytes.Buffer
	var header [16]byte
	binary.BigEndian.PutUint32(header[0:4], 9)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(env)))
	binary.BigEndian.PutUint64(header[8:16], 0)
	frame.Write(header[:])
	frame.Write(env)

	id, _, err := ReadMessage(&frame, DefaultLimits)
	var envErr *EnvelopeError
	require.ErrorAs(t, err, &envErr)
	assert.Equal(t, MessageID(9), id)
}

func TestReadMessage_MalformedUUID(t *testing.T) {
	env := []byte(`{"type":"ReadFile","uuid":"not-a-uuid"}`)
	var frame bytes.Buffer
	var header [16]byte
	binary.BigEndian.PutUint32(header[0:4], 3)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(env)))
	binary.BigEndian.PutUint64(header[8:16], 0)
	frame.Write(header[:])
	frame.Write(env)

	_, _, err := ReadMessage(&frame, DefaultLimits)
	var envErr *EnvelopeError
	require.ErrorAs(t, err, &envErr)
}

func TestReadMessage_UnknownKind(t *testing.T) {
	env := []byte(`{"type":"Frobnicate"}`)
	var frame bytes.Buffer
	var header [16]byte
	binary.BigEndian.PutUint32(header[4:8], uint32(len(env)))
	frame.Write(header[:])
	frame.Write(env)

	_, _, err := ReadMessage(&frame, DefaultLimits)
	var envErr *EnvelopeError
	require.ErrorAs(t, err, &envErr)
}

func TestReadMessage_TruncatedStream(t *testing.T) {
	u := uuid.New()
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, 1, WriteFile(u, []byte("some data")), DefaultLimits))

	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-3])
	_, _, err := ReadMessage(truncated, DefaultLimits)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadMessage_EOF(t *testing.T) {
	_, _, err := ReadMessage(bytes.NewReader(nil), DefaultLimits)
	require.ErrorIs(t, err, io.EOF)
}

func TestUUIDGoesLowercaseHyphenated(t *testing.T) {
	u := uuid.MustParse("0192D5E1-7F2A-7BBB-8000-0123456789AB")

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, 1, ReadFile(u), DefaultLimits))
	assert.Contains(t, buf.String(), "0192d5e1-7f2a-7bbb-8000-0123456789ab")
}

func TestKindIsRequest(t *testing.T) {
	assert.True(t, KindGetVersion.IsRequest())
	assert.True(t, KindWriteFile.IsRequest())
	assert.False(t, KindAck.IsRequest())
	assert.False(t, KindFileContents.IsRequest())
	assert.False(t, KindError.IsRequest())
}

func TestMessageString(t *testing.T) {
	u := uuid.MustParse("0192d5e1-7f2a-7bbb-8000-0123456789ab")
	assert.Equal(t, "GetVersion", GetVersion().String())
	assert.Contains(t, ReadFile(u).String(), "0192d5e1")
	assert.Contains(t, WriteFile(u, make([]byte, 2048)).String(), "2KiB")
	assert.Contains(t, ErrorMsg("boom").String(), "boom")
}
