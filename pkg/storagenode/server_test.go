package storagenode

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiltfs/quiltfs/pkg/wire"
)

// startTestServer runs a server on a loopback port and returns a connected
// client socket.
func startTestServer(t *testing.T) net.Conn {
	t.Helper()

	node, err := New(t.TempDir())
	require.NoError(t, err)

	server := NewServer(node, ServerConfig{Addr: "127.0.0.1:0", Version: "0.0.0-test"})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ctx) }()

	var addr string
	require.Eventually(t, func() bool {
		addr = server.Addr()
		return addr != ""
	}, 2*time.Second, 5*time.Millisecond, "server did not start")

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func call(t *testing.T, conn net.Conn, id wire.MessageID, msg wire.Message) (wire.MessageID, wire.Message) {
	t.Helper()

	require.NoError(t, wire.WriteMessage(conn, id, msg, wire.DefaultLimits))
	gotID, reply, err := wire.ReadMessage(conn, wire.DefaultLimits)
	require.NoError(t, err)
	return gotID, reply
}

func TestServer_GetVersion(t *testing.T) {
	conn := startTestServer(t)

	id, reply := call(t, conn, 42, wire.GetVersion())
	assert.Equal(t, wire.MessageID(42), id)
	assert.Equal(t, wire.MyVersionIs("0.0.0-test"), reply)
}

func TestServer_WriteThenReadThenDelete(t *testing.T) {
	conn := startTestServer(t)
	u := uuid.New()

	_, reply := call(t, conn, 1, wire.WriteFile(u, []byte("stored bytes")))
	require.Equal(t, wire.Ack(), reply)

	_, reply = call(t, conn, 2, wire.ReadFile(u))
	require.Equal(t, wire.KindFileContents, reply.Kind)
	assert.Equal(t, []byte("stored bytes"), reply.Payload)

	_, reply = call(t, conn, 3, wire.DeleteFile(u))
	require.Equal(t, wire.Ack(), reply)

	_, reply = call(t, conn, 4, wire.ReadFile(u))
	require.Equal(t, wire.KindError, reply.Kind)
	assert.Contains(t, reply.ErrMsg, "no file with uuid")
}

func TestServer_ReadMissingFile(t *testing.T) {
	conn := startTestServer(t)

	_, reply := call(t, conn, 9, wire.ReadFile(uuid.New()))
	require.Equal(t, wire.KindError, reply.Kind)
	assert.Contains(t, reply.ErrMsg, "no file with uuid")
}

func TestServer_ResponseKindsAreRejected(t *testing.T) {
	conn := startTestServer(t)

	for i, msg := range []wire.Message{
		wire.Ack(),
		wire.MyVersionIs("1.0.0"),
		wire.FileContents([]byte("x")),
		wire.ErrorMsg("nope"),
	} {
		_, reply := call(t, conn, wire.MessageID(i), msg)
		assert.Equal(t, wire.KindError, reply.Kind, "message %s", msg.Kind)
		assert.Contains(t, reply.ErrMsg, "unexpected message kind")
	}
}

func TestServer_MalformedEnvelopeKeepsConnectionAlive(t *testing.T) {
	conn := startTestServer(t)

	// A frame with valid lengths but a bad UUID in the envelope. The server
	// should reply with Error and keep serving.
	env := []byte(`{"type":"ReadFile","uuid":"definitely-not"}`)
	frame := make([]byte, 0, 16+len(env))
	frame = append(frame,
		0, 0, 0, 7, // id
		0, 0, 0, byte(len(env)), // envelope length
		0, 0, 0, 0, 0, 0, 0, 0, // payload length
	)
	frame = append(frame, env...)
	_, err := conn.Write(frame)
	require.NoError(t, err)

	id, reply, err := wire.ReadMessage(conn, wire.DefaultLimits)
	require.NoError(t, err)
	assert.Equal(t, wire.MessageID(7), id)
	assert.Equal(t, wire.KindError, reply.Kind)

	// Still usable afterwards.
	id, reply = call(t, conn, 8, wire.GetVersion())
	assert.Equal(t, wire.MessageID(8), id)
	assert.Equal(t, wire.KindMyVersionIs, reply.Kind)
}

func TestServer_ResponsesCorrelateUnderConcurrency(t *testing.T) {
	conn := startTestServer(t)

	// Fire several requests before reading any reply; replies may come back
	// in any order but every id must carry the matching content.
	contents := map[wire.MessageID]uuid.UUID{}
	for i := 1; i <= 5; i++ {
		u := uuid.New()
		id := wire.MessageID(i)
		contents[id] = u
		require.NoError(t, wire.WriteMessage(conn, id, wire.WriteFile(u, []byte(u.String())), wire.DefaultLimits))
	}

	for i := 0; i < 5; i++ {
		id, reply, err := wire.ReadMessage(conn, wire.DefaultLimits)
		require.NoError(t, err)
		assert.Equal(t, wire.Ack(), reply, "id %d", id)
		delete(contents, id)
	}
	assert.Empty(t, contents)

	// Now read one back and check the payload matches its uuid.
	u := uuid.New()
	require.NoError(t, wire.WriteMessage(conn, 50, wire.WriteFile(u, []byte("payload-for-"+u.String())), wire.DefaultLimits))
	_, reply, err := wire.ReadMessage(conn, wire.DefaultLimits)
	require.NoError(t, err)
	require.Equal(t, wire.Ack(), reply)

	_, reply = call(t, conn, 51, wire.ReadFile(u))
	require.Equal(t, wire.KindFileContents, reply.Kind)
	assert.Equal(t, []byte("payload-for-"+u.String()), reply.Payload)
}
