package sftpd

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/quiltfs/quiltfs/internal/logger"
	"github.com/quiltfs/quiltfs/pkg/front"
)

// Config configures the SFTP endpoint.
type Config struct {
	// ListenAddr is the ip:port for the SSH listener.
	ListenAddr string

	// PublicKey and PrivateKey are paths to the host keypair in OpenSSH
	// format.
	PublicKey  string
	PrivateKey string
}

// Server is the SSH server wrapping the front node. Auth is public-key and
// currently accepts any key, recording the claimed username for the
// session; key verification is a later step.
type Server struct {
	node    *front.Node
	cfg     Config
	sshConf *ssh.ServerConfig

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer loads the host keypair and prepares the SSH configuration.
func NewServer(node *front.Node, cfg Config) (*Server, error) {
	signer, err := loadHostKey(cfg)
	if err != nil {
		return nil, err
	}

	sshConf := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			logger.Debug("SSH public-key auth", "user", conn.User(), "key_type", key.Type())
			return &ssh.Permissions{
				Extensions: map[string]string{"username": conn.User()},
			}, nil
		},
		BannerCallback: func(conn ssh.ConnMetadata) string {
			return "welcome to quiltfs\n"
		},
	}
	sshConf.AddHostKey(signer)

	return &Server{node: node, cfg: cfg, sshConf: sshConf}, nil
}

// loadHostKey reads the private host key and checks it against the
// configured public key.
func loadHostKey(cfg Config) (ssh.Signer, error) {
	privBytes, err := os.ReadFile(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("read private host key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(privBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private host key: %w", err)
	}

	pubBytes, err := os.ReadFile(cfg.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("read public host key: %w", err)
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey(pubBytes)
	if err != nil {
		return nil, fmt.Errorf("parse public host key: %w", err)
	}
	if !bytes.Equal(pub.Marshal(), signer.PublicKey().Marshal()) {
		return nil, errors.New("public host key does not match private key")
	}

	return signer, nil
}

// Serve accepts SSH connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	logger.Info("SFTP server listening", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		listener.Close()
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

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.sshConf)
	if err != nil {
		logger.Debug("SSH handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	defer sshConn.Close()

	user := sshConn.Permissions.Extensions["username"]
	logger.Info("SSH connection", "user", user, "remote", sshConn.RemoteAddr().String())

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			logger.Warn("Could not accept channel", "user", user, "error", err)
			continue
		}

		go s.handleSession(ctx, channel, requests, user, sshConn.RemoteAddr().String())
	}
}

// handleSession waits for the sftp subsystem request on a session channel
// and runs the packet loop on it.
func (s *Server) handleSession(ctx context.Context, channel ssh.Channel, requests <-chan *ssh.Request, user, remote string) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "subsystem":
			if subsystemName(req.Payload) != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)

			logger.Debug("SFTP subsystem started", "user", user, "remote", remote)
			newSession(s.node, user, remote).serve(ctx, channel)
			return

		default:
			req.Reply(false, nil)
		}
	}
}

// subsystemName decodes the string payload of a subsystem request.
func subsystemName(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	n := binary.BigEndian.Uint32(payload[:4])
	if uint64(len(payload)) < 4+uint64(n) {
		return ""
	}
	return string(payload[4 : 4+n])
}
