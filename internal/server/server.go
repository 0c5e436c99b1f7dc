// Package server implements the ShakGPT connection dispatcher and the
// per-connection session state machine.
//
// Design:
//   - One goroutine accepts connections; every accepted connection gets its
//     own goroutine that performs the handshake and runs a handler.
//   - Handlers share nothing but the session registry, the store and the
//     artifact directory. The registry serializes its own access.
//   - A handler runs each operation to completion before reading the next
//     selection. Closing a connection makes its next read fail, which ends
//     the handler and revokes its session.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rust-Ghost/ShakGPT/internal/crypto"
	"github.com/rust-Ghost/ShakGPT/internal/engine"
	"github.com/rust-Ghost/ShakGPT/internal/protocol"
	"github.com/rust-Ghost/ShakGPT/internal/session"
	"github.com/rust-Ghost/ShakGPT/internal/store"
	"github.com/rust-Ghost/ShakGPT/internal/transport"
	"github.com/sirupsen/logrus"
)

const (
	defaultListen     = "0.0.0.0:9921"
	defaultMaxUpload  = 64 << 20
	defaultSessionTTL = 30 * time.Minute
)

// Store is what the server needs from persistence.
type Store interface {
	engine.CarrierSource
	engine.RecordSink
	Carriers() ([]store.Carrier, error)
	CountRecords(ownerID string) (int, error)
}

// Authenticator verifies credentials. It reports ok == false for unknown
// users and wrong passwords; err is reserved for backend failures.
type Authenticator interface {
	Verify(username, password string) (ownerID string, ok bool, err error)
}

// Registrar is an optional Authenticator capability enabling the register
// command.
type Registrar interface {
	CreateUser(username, password string) (*store.User, error)
}

// Config configures a Server.
type Config struct {
	PSK              crypto.PreSharedKey
	Listen           string        // TCP listen address
	Store            Store         // carriers and audit log
	Auth             Authenticator // defaults to Store when it implements Authenticator
	ArtifactDir      string        // where produced artifacts are written
	Assistant        Assistant     // defaults to EchoAssistant
	SessionTTL       time.Duration // idle session lifetime; negative disables expiry
	MaxLoginAttempts int           // failed logins before the connection is closed; 0 = unlimited
	MaxUpload        int           // largest accepted payload or artifact in bytes
	HandshakeTimeout time.Duration
}

// Server accepts connections and runs one handler per connection.
type Server struct {
	cfg       Config
	registry  *session.Registry
	embedder  *engine.Embedder
	extractor *engine.Extractor
	ln        *transport.Listener

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup

	stopOnce sync.Once
}

// New validates cfg, applies defaults and prepares the artifact directory.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("server: store is required")
	}
	if cfg.Auth == nil {
		auth, ok := cfg.Store.(Authenticator)
		if !ok {
			return nil, errors.New("server: no authenticator configured")
		}
		cfg.Auth = auth
	}
	if cfg.ArtifactDir == "" {
		return nil, errors.New("server: artifact directory is required")
	}
	if cfg.Listen == "" {
		cfg.Listen = defaultListen
	}
	if cfg.Assistant == nil {
		cfg.Assistant = EchoAssistant{}
	}
	if cfg.MaxUpload <= 0 {
		cfg.MaxUpload = defaultMaxUpload
	}
	ttl := cfg.SessionTTL
	switch {
	case ttl == 0:
		ttl = defaultSessionTTL
	case ttl < 0:
		ttl = 0
	}

	dir, err := engine.NewArtifactDir(cfg.ArtifactDir)
	if err != nil {
		return nil, fmt.Errorf("server: artifact dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		registry:  session.NewRegistry(ttl),
		embedder:  engine.NewEmbedder(cfg.Store, cfg.Store, dir),
		extractor: engine.NewExtractor(cfg.Store, dir),
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[net.Conn]struct{}),
	}, nil
}

// Start binds the listener and launches the accept loop.
func (s *Server) Start() error {
	ln, err := transport.Listen(s.cfg.Listen, s.cfg.PSK, s.cfg.HandshakeTimeout)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.ln = ln
	logrus.WithFields(logrus.Fields{
		"listen": ln.Addr().String(),
	}).Info("Server listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound address. Only valid after Start.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Registry exposes the session registry.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// Stop closes the listener and every live connection, then waits for all
// handlers to finish.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.ln != nil {
			s.ln.Close() //nolint:errcheck
		}
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
		s.registry.Close()
	})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() == nil {
				logrus.WithError(err).Error("Accept failed")
			}
			return
		}
		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	ch, err := s.ln.Handshake(conn)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"remote": conn.RemoteAddr().String(),
			"error":  err,
		}).Warn("Handshake failed")
		return
	}
	s.ServeChannel(ch)
}

// ServeChannel runs the session state machine on an established channel
// until logout or a transport failure, then closes it.
func (s *Server) ServeChannel(ch transport.Channel) {
	h := newHandler(s, ch)
	defer ch.Close()
	defer h.release()

	h.log.Info("Connection opened")
	err := h.run()
	switch {
	case err == nil:
		h.log.Info("Connection closed after logout")
	case errors.Is(err, protocol.ErrConnectionClosed):
		h.log.Info("Connection closed by peer")
	case errors.Is(err, errTooManyAttempts):
		h.log.WithField("failures", h.failures).Warn("Connection closed after too many failed logins")
	default:
		h.log.WithError(err).Error("Connection terminated")
	}
}
