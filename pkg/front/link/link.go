// Package link maintains the front node's connections to storage nodes: one
// multiplexed TCP link per node, plus the manager that dials, monitors and
// redials them.
package link

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quiltfs/quiltfs/internal/logger"
	"github.com/quiltfs/quiltfs/pkg/metrics"
	"github.com/quiltfs/quiltfs/pkg/wire"
)

// ErrClientDisconnected is returned by Communicate when the link has died,
// dies while waiting, or the peer does not answer within the timeout. The
// caller decides whether to retry; the manager takes care of redialing.
var ErrClientDisconnected = errors.New("storage node disconnected")

// Link is one persistent connection to a storage node. Many goroutines share
// a Link; message IDs correlate each response with its caller. A Link never
// reconnects itself: once disconnected it stays dead and the manager
// replaces it.
type Link struct {
	name    string
	limits  wire.Limits
	timeout time.Duration
	metrics *metrics.LinkMetrics

	mu           sync.Mutex
	conn         net.Conn
	nextID       wire.MessageID
	pending      map[wire.MessageID]chan wire.Message
	disconnected bool

	disconnectOnce sync.Once
	disconnect     chan struct{}
}

// Options tunes a link.
type Options struct {
	// Timeout bounds each Communicate round trip. Zero means DefaultTimeout.
	Timeout time.Duration

	// Limits caps frame sizes; zero values fall back to wire.DefaultLimits.
	Limits wire.Limits

	// Metrics optionally instruments the link. May be nil.
	Metrics *metrics.LinkMetrics
}

// DefaultTimeout bounds a Communicate call when no timeout is configured.
const DefaultTimeout = 1 * time.Second

// Dial connects to a storage node at addr and starts the receive loop.
// The name is used for logging and metrics only.
func Dial(ctx context.Context, name, addr string, opts Options) (*Link, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return newLink(name, conn, opts), nil
}

// newLink wraps an established connection. Split from Dial for tests, which
// connect over a pipe.
func newLink(name string, conn net.Conn, opts Options) *Link {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Limits.MaxEnvelope == 0 {
		opts.Limits.MaxEnvelope = wire.DefaultLimits.MaxEnvelope
	}
	if opts.Limits.MaxPayload == 0 {
		opts.Limits.MaxPayload = wire.DefaultLimits.MaxPayload
	}

	l := &Link{
		name:       name,
		limits:     opts.Limits,
		timeout:    opts.Timeout,
		metrics:    opts.Metrics,
		conn:       conn,
		pending:    make(map[wire.MessageID]chan wire.Message),
		disconnect: make(chan struct{}),
	}

	go l.receiveLoop()
	return l
}

// Disconnected returns a channel closed exactly once, when the link dies.
func (l *Link) Disconnected() <-chan struct{} { return l.disconnect }

// IsDisconnected reports whether the link has died.
func (l *Link) IsDisconnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnected
}

// Name returns the storage node name the link was dialed for.
func (l *Link) Name() string { return l.name }

// Close kills the link. Pending calls fail with ErrClientDisconnected.
func (l *Link) Close() { l.kill() }

// Communicate sends msg and waits for the peer's matching response.
//
// Failures to send, a dead link, a dropped reply and a timeout all surface
// as ErrClientDisconnected; a cancelled ctx surfaces as ctx.Err(). Responses
// to other in-flight calls may arrive in any order relative to this one.
func (l *Link) Communicate(ctx context.Context, msg wire.Message) (wire.Message, error) {
	start := time.Now()

	l.mu.Lock()
	if l.disconnected {
		l.mu.Unlock()
		return wire.Message{}, ErrClientDisconnected
	}

	id := l.allocateID()
	replyCh := make(chan wire.Message, 1)
	l.pending[id] = replyCh

	// Encoding happens under the lock: it serializes writers so frames from
	// concurrent calls cannot interleave on the stream.
	if err := wire.WriteMessage(l.conn, id, msg, l.limits); err != nil {
		delete(l.pending, id)
		l.mu.Unlock()
		logger.Warn("Failed to send to storage node", "node", l.name, "error", err)
		l.kill()
		return wire.Message{}, ErrClientDisconnected
	}
	l.mu.Unlock()

	l.metrics.RecordSent(string(msg.Kind))
	l.metrics.AddPending(l.name, 1)
	defer l.metrics.AddPending(l.name, -1)

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return wire.Message{}, ErrClientDisconnected
		}
		l.metrics.ObserveRoundTrip(string(msg.Kind), time.Since(start).Seconds())
		return reply, nil

	case <-timer.C:
		// An unresponsive peer is indistinguishable from a dead one; kill
		// the link so the monitor redials.
		logger.Warn("Storage node request timed out", "node", l.name, "timeout", l.timeout, "kind", string(msg.Kind))
		l.kill()
		return wire.Message{}, ErrClientDisconnected

	case <-ctx.Done():
		l.mu.Lock()
		delete(l.pending, id)
		l.mu.Unlock()
		return wire.Message{}, ctx.Err()
	}
}

// allocateID hands out the prepared next ID and advances the counter past
// any IDs still pending, wrapping at 2^32. Callers hold l.mu.
func (l *Link) allocateID() wire.MessageID {
	id := l.nextID
	for {
		l.nextID++
		if _, taken := l.pending[l.nextID]; !taken {
			break
		}
	}
	return id
}

// receiveLoop reads responses and delivers each to the waiter registered
// under its message ID. Any decode error is terminal.
func (l *Link) receiveLoop() {
	for {
		id, msg, err := wire.ReadMessage(l.conn, l.limits)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Warn("Storage node link failed", "node", l.name, "error", err)
			}
			l.kill()
			return
		}

		l.metrics.RecordReceived(string(msg.Kind))

		l.mu.Lock()
		replyCh, ok := l.pending[id]
		delete(l.pending, id)
		l.mu.Unlock()

		if !ok {
			logger.Warn("Response for unknown request dropped", "node", l.name, "id", uint32(id), "kind", string(msg.Kind))
			continue
		}
		replyCh <- msg
	}
}

// kill marks the link disconnected, fails all waiters and fires the
// disconnect signal. Idempotent.
func (l *Link) kill() {
	l.mu.Lock()
	alreadyDead := l.disconnected
	l.disconnected = true
	dropped := l.pending
	l.pending = make(map[wire.MessageID]chan wire.Message)
	l.mu.Unlock()

	if alreadyDead && len(dropped) == 0 {
		return
	}

	for _, ch := range dropped {
		close(ch)
	}

	l.conn.Close()
	l.disconnectOnce.Do(func() {
		l.metrics.RecordDisconnect(l.name)
		close(l.disconnect)
	})
}
