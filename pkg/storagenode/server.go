package storagenode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/quiltfs/quiltfs/internal/logger"
	"github.com/quiltfs/quiltfs/pkg/wire"
)

// ServerConfig configures the storage-node TCP server.
type ServerConfig struct {
	// Addr is the ip:port to listen on.
	Addr string

	// Iface optionally binds the listening socket to a network device
	// (Linux SO_BINDTODEVICE).
	Iface string

	// Version is reported in MyVersionIs replies.
	Version string

	// Limits caps incoming and outgoing frame sizes. Zero values fall back
	// to wire.DefaultLimits.
	Limits wire.Limits
}

// Server accepts storage-node protocol connections and dispatches requests
// against a Node. In steady state there is one connection per front node, but
// nothing here assumes that.
type Server struct {
	node    *Node
	cfg     ServerConfig
	limits  wire.Limits
	version string

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a server dispatching onto node.
func NewServer(node *Node, cfg ServerConfig) *Server {
	limits := cfg.Limits
	if limits.MaxEnvelope == 0 {
		limits.MaxEnvelope = wire.DefaultLimits.MaxEnvelope
	}
	if limits.MaxPayload == 0 {
		limits.MaxPayload = wire.DefaultLimits.MaxPayload
	}

	return &Server{
		node:    node,
		cfg:     cfg,
		limits:  limits,
		version: cfg.Version,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Serve listens on the configured address and blocks until ctx is cancelled
// or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	lc := listenConfig(s.cfg.Iface)
	listener, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	logger.Info("Storage node listening", "addr", listener.Addr().String(), "data_dir", s.node.DataDir())

	go func() {
		<-ctx.Done()
		s.closeAll()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		logger.Info("Front node connected", "remote", conn.RemoteAddr().String())

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Addr returns the bound listener address, or "" before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
}

// handleConn reads frames until the stream dies. Each request is dispatched
// on its own goroutine so a slow blob read does not hold up later requests;
// a per-connection write mutex keeps reply frames from interleaving.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		logger.Info("Front node disconnected", "remote", conn.RemoteAddr().String())
	}()

	var writeMu sync.Mutex
	var handlers sync.WaitGroup
	defer handlers.Wait()

	for {
		id, msg, err := wire.ReadMessage(conn, s.limits)
		if err != nil {
			var envErr *wire.EnvelopeError
			if errors.As(err, &envErr) {
				// The frame was fully consumed, so the stream is still in
				// sync; report the problem and keep serving.
				logger.Warn("Malformed envelope", "remote", conn.RemoteAddr().String(), "error", err)
				s.reply(&writeMu, conn, id, wire.ErrorMsg(envErr.Error()))
				continue
			}
			if !errors.Is(err, io.EOF) {
				logger.Warn("Connection read failed", "remote", conn.RemoteAddr().String(), "error", err)
			}
			return
		}

		handlers.Add(1)
		go func() {
			defer handlers.Done()

			reply, err := s.handleMessage(ctx, msg)
			if err != nil {
				reply = wire.ErrorMsg(err.Error())
			}
			s.reply(&writeMu, conn, id, reply)
		}()
	}
}

func (s *Server) reply(writeMu *sync.Mutex, conn net.Conn, id wire.MessageID, msg wire.Message) {
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := wire.WriteMessage(conn, id, msg, s.limits); err != nil {
		logger.Warn("Failed to send reply", "remote", conn.RemoteAddr().String(), "id", uint32(id), "error", err)
	}
}

// handleMessage serves one request. Errors become Error replies, never a
// disconnect.
func (s *Server) handleMessage(ctx context.Context, msg wire.Message) (wire.Message, error) {
	switch msg.Kind {
	case wire.KindGetVersion:
		return wire.MyVersionIs(s.version), nil

	case wire.KindReadFile:
		lock, err := s.node.LockFile(ctx, msg.UUID, "ReadFile request")
		if err != nil {
			return wire.Message{}, err
		}
		defer lock.Release()

		data, err := lock.Read()
		if err != nil {
			return wire.Message{}, err
		}
		return wire.FileContents(data), nil

	case wire.KindWriteFile:
		lock, err := s.node.LockFile(ctx, msg.UUID, "WriteFile request")
		if err != nil {
			return wire.Message{}, err
		}
		defer lock.Release()

		if err := lock.Write(msg.Payload); err != nil {
			return wire.Message{}, err
		}
		return wire.Ack(), nil

	case wire.KindDeleteFile:
		lock, err := s.node.LockFile(ctx, msg.UUID, "DeleteFile request")
		if err != nil {
			return wire.Message{}, err
		}
		defer lock.Release()

		if err := lock.Delete(); err != nil {
			return wire.Message{}, err
		}
		return wire.Ack(), nil

	default:
		// Response kinds arriving at the server side are protocol misuse.
		return wire.Message{}, fmt.Errorf("unexpected message kind %s", msg.Kind)
	}
}
