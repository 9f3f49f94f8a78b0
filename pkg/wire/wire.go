// Package wire implements the storage-node message protocol.
//
// A message on the wire is a fixed header followed by two variable regions:
//
//	u32  message id        (big-endian)
//	u32  envelope length   (big-endian)
//	u64  payload length    (big-endian)
//	envelope bytes         (JSON, UTF-8)
//	payload bytes          (raw)
//
// The JSON envelope names the message kind and carries small fields (UUIDs,
// version strings, error text). Bulk data always travels in the payload
// region so the envelope stays cheap to parse regardless of file size.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/quiltfs/quiltfs/internal/bytesize"
)

// MessageID correlates a response with its request on a single connection.
// IDs are allocated by the requesting side and have no meaning beyond one
// TCP connection.
type MessageID uint32

// Kind identifies the message variant carried by an envelope.
type Kind string

const (
	// Requests
	KindGetVersion Kind = "GetVersion"
	KindReadFile   Kind = "ReadFile"
	KindWriteFile  Kind = "WriteFile"
	KindDeleteFile Kind = "DeleteFile"

	// Responses
	KindMyVersionIs  Kind = "MyVersionIs"
	KindFileContents Kind = "FileContents"
	KindAck          Kind = "Ack"
	KindError        Kind = "Error"
)

// IsRequest reports whether the kind is one a storage node serves.
func (k Kind) IsRequest() bool {
	switch k {
	case KindGetVersion, KindReadFile, KindWriteFile, KindDeleteFile:
		return true
	}
	return false
}

// Message is a decoded protocol message. Only the fields relevant to Kind
// are set; Payload is non-nil only for WriteFile and FileContents.
type Message struct {
	Kind    Kind
	UUID    uuid.UUID // ReadFile, WriteFile, DeleteFile
	Version string    // MyVersionIs
	ErrMsg  string    // Error
	Payload []byte    // WriteFile, FileContents
}

// GetVersion asks a storage node for its version. Answered with MyVersionIs.
func GetVersion() Message { return Message{Kind: KindGetVersion} }

// ReadFile asks for the contents of the blob stored under u.
// Answered with FileContents.
func ReadFile(u uuid.UUID) Message { return Message{Kind: KindReadFile, UUID: u} }

// WriteFile ships data to be stored under u. Answered with Ack.
func WriteFile(u uuid.UUID, data []byte) Message {
	return Message{Kind: KindWriteFile, UUID: u, Payload: data}
}

// DeleteFile removes the blob stored under u. Answered with Ack.
func DeleteFile(u uuid.UUID) Message { return Message{Kind: KindDeleteFile, UUID: u} }

// MyVersionIs reports a storage node's version.
func MyVersionIs(version string) Message { return Message{Kind: KindMyVersionIs, Version: version} }

// FileContents carries the bytes of a read blob.
func FileContents(data []byte) Message { return Message{Kind: KindFileContents, Payload: data} }

// Ack acknowledges a write or delete.
func Ack() Message { return Message{Kind: KindAck} }

// ErrorMsg reports a handler failure to the peer.
func ErrorMsg(msg string) Message { return Message{Kind: KindError, ErrMsg: msg} }

func (m Message) String() string {
	switch m.Kind {
	case KindReadFile, KindDeleteFile:
		return fmt.Sprintf("%s(%s)", m.Kind, m.UUID)
	case KindWriteFile:
		return fmt.Sprintf("%s(%s, %s)", m.Kind, m.UUID, bytesize.ByteSize(len(m.Payload)))
	case KindFileContents:
		return fmt.Sprintf("%s(%s)", m.Kind, bytesize.ByteSize(len(m.Payload)))
	case KindMyVersionIs:
		return fmt.Sprintf("%s(%s)", m.Kind, m.Version)
	case KindError:
		return fmt.Sprintf("%s(%q)", m.Kind, m.ErrMsg)
	default:
		return string(m.Kind)
	}
}

// Limits caps the two variable-length regions of a frame. Both the decoder
// and the encoder refuse frames beyond these sizes; the decoder rejects
// before allocating.
type Limits struct {
	MaxEnvelope bytesize.ByteSize
	MaxPayload  bytesize.ByteSize
}

// DefaultLimits allows generous payloads while keeping envelopes small.
var DefaultLimits = Limits{
	MaxEnvelope: 64 * bytesize.KiB,
	MaxPayload:  1 * bytesize.GiB,
}

// TooLargeError is returned when a frame region exceeds the configured limit.
// It is terminal for the connection: the oversized region is never consumed,
// so the stream cannot be re-synchronized.
type TooLargeError struct {
	Region    string // "envelope" or "payload"
	Requested uint64
	Limit     uint64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("%s too large: %s exceeds limit %s",
		e.Region, bytesize.ByteSize(e.Requested), bytesize.ByteSize(e.Limit))
}

// EnvelopeError is returned when a fully-read envelope cannot be decoded
// (malformed JSON, unknown kind, malformed UUID). The frame was consumed in
// full, so a server may keep reading subsequent frames.
type EnvelopeError struct {
	Err error
}

func (e *EnvelopeError) Error() string { return fmt.Sprintf("malformed envelope: %v", e.Err) }
func (e *EnvelopeError) Unwrap() error { return e.Err }

// envelope is the JSON header of a frame.
type envelope struct {
	Type    Kind   `json:"type"`
	UUID    string `json:"uuid,omitempty"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ReadMessage decodes one message from r.
//
// IO errors from r are returned as-is (wrapped with %w) so callers can
// distinguish peer disconnects; TooLargeError and EnvelopeError classify
// the two decode failure modes.
func ReadMessage(r io.Reader, limits Limits) (MessageID, Message, error) {
	var header [16]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, Message{}, fmt.Errorf("read header: %w", err)
	}

	id := MessageID(binary.BigEndian.Uint32(header[0:4]))
	envLen := binary.BigEndian.Uint32(header[4:8])
	payloadLen := binary.BigEndian.Uint64(header[8:16])

	if uint64(envLen) > uint64(limits.MaxEnvelope) {
		return id, Message{}, &TooLargeError{Region: "envelope", Requested: uint64(envLen), Limit: uint64(limits.MaxEnvelope)}
	}
	if payloadLen > uint64(limits.MaxPayload) {
		return id, Message{}, &TooLargeError{Region: "payload", Requested: payloadLen, Limit: uint64(limits.MaxPayload)}
	}

	envBuf := make([]byte, envLen)
	if _, err := io.ReadFull(r, envBuf); err != nil {
		return id, Message{}, fmt.Errorf("read envelope: %w", err)
	}

	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return id, Message{}, fmt.Errorf("read payload: %w", err)
		}
	}

	var env envelope
	if err := json.Unmarshal(envBuf, &env); err != nil {
		return id, Message{}, &EnvelopeError{Err: err}
	}

	msg, err := env.toMessage(payload)
	if err != nil {
		return id, Message{}, err
	}
	return id, msg, nil
}

// WriteMessage encodes one message to w. The caller must serialize writes to
// w; frames from concurrent writers must not interleave.
func WriteMessage(w io.Writer, id MessageID, msg Message, limits Limits) error {
	env, payload := fromMessage(msg)

	envBuf, err := json.Marshal(env)
	if err != nil {
		return &EnvelopeError{Err: err}
	}
	if uint64(len(envBuf)) > uint64(limits.MaxEnvelope) {
		return &TooLargeError{Region: "envelope", Requested: uint64(len(envBuf)), Limit: uint64(limits.MaxEnvelope)}
	}
	if uint64(len(payload)) > uint64(limits.MaxPayload) {
		return &TooLargeError{Region: "payload", Requested: uint64(len(payload)), Limit: uint64(limits.MaxPayload)}
	}

	var header [16]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(id))
	binary.BigEndian.PutUint32(header[4:8], uint32(len(envBuf)))
	binary.BigEndian.PutUint64(header[8:16], uint64(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := w.Write(envBuf); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
	}
	return nil
}

func fromMessage(m Message) (envelope, []byte) {
	env := envelope{Type: m.Kind}
	var payload []byte

	switch m.Kind {
	case KindReadFile, KindDeleteFile:
		env.UUID = m.UUID.String()
	case KindWriteFile:
		env.UUID = m.UUID.String()
		payload = m.Payload
	case KindFileContents:
		payload = m.Payload
	case KindMyVersionIs:
		env.Version = m.Version
	case KindError:
		env.Error = m.ErrMsg
	}
	return env, payload
}

func (env envelope) toMessage(payload []byte) (Message, error) {
	switch env.Type {
	case KindGetVersion:
		return GetVersion(), nil
	case KindReadFile, KindWriteFile, KindDeleteFile:
		u, err := uuid.Parse(env.UUID)
		if err != nil {
			return Message{}, &EnvelopeError{Err: fmt.Errorf("parse uuid %q: %w", env.UUID, err)}
		}
		msg := Message{Kind: env.Type, UUID: u}
		if env.Type == KindWriteFile {
			msg.Payload = payload
		}
		return msg, nil
	case KindMyVersionIs:
		return MyVersionIs(env.Version), nil
	case KindFileContents:
		return FileContents(payload), nil
	case KindAck:
		return Ack(), nil
	case KindError:
		return ErrorMsg(env.Error), nil
	default:
		return Message{}, &EnvelopeError{Err: fmt.Errorf("unknown message type %q", env.Type)}
	}
}
