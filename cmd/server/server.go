package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/nickyhof/dotdata"
	"github.com/nickyhof/dotdata/core"
	"github.com/nickyhof/dotdata/db"
)

// maxLine bounds a single request line.
const maxLine = 4 << 20

// Server is a TCP server running DotData scripts. Every connection gets its
// own session, so variables, directives and the change ledger persist across
// the requests of one client.
type Server struct {
	listener   net.Listener
	instance   *dotdata.Instance
	identity   core.Identity
	authConfig *AuthConfig
	tlsEnabled bool
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a server whose commits are authored by identity.
func NewServer(instance *dotdata.Instance, identity core.Identity) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		instance: instance,
		identity: identity,
		logger:   slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[net.Conn]struct{}),
	}
}

// NewServerWithAuth creates a server that requires AUTH JWT on every
// connection; commits are authored by the token identity.
func NewServerWithAuth(instance *dotdata.Instance, authConfig *AuthConfig) *Server {
	s := NewServer(instance, core.Identity{})
	s.authConfig = authConfig
	return s
}

func (s *Server) WithLogger(logger *slog.Logger) *Server {
	s.logger = logger
	return s
}

func (s *Server) authRequired() bool {
	return s.authConfig != nil && s.authConfig.Enabled
}

// Start begins listening for plain TCP connections.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.serve(listener)
	return nil
}

// StartTLS begins listening for TLS connections using the given key pair.
func (s *Server) StartTLS(addr, certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("failed to load TLS key pair: %w", err)
	}
	listener, err := tls.Listen("tcp", addr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	if err != nil {
		return fmt.Errorf("failed to start TLS server: %w", err)
	}
	s.tlsEnabled = true
	s.serve(listener)
	return nil
}

func (s *Server) serve(listener net.Listener) {
	s.listener = listener
	s.logger.Info("server listening", "addr", listener.Addr().String(), "tls", s.tlsEnabled, "auth", s.authRequired())
	s.wg.Add(1)
	go s.acceptLoop()
}

// Stop closes the listener and every open connection, aborting unfinished
// transactions, and waits for the handlers to return.
func (s *Server) Stop() error {
	s.cancel()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) TLSEnabled() bool {
	return s.tlsEnabled
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	logger := s.logger.With("remote", conn.RemoteAddr().String())
	logger.Info("client connected")

	state := &ConnectionState{}
	if !s.authRequired() {
		state.session = s.instance.Engine(s.identity).NewSession()
	}
	defer func() {
		if state.session != nil {
			if err := state.session.Close(context.Background()); err != nil {
				logger.Warn("closing session", "error", err)
			}
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "quit") || strings.EqualFold(line, "exit") {
			logger.Info("client disconnected")
			return
		}

		var response Response
		if isAuthCommand(line) {
			response = s.handleAuth(s.ctx, line, state)
		} else {
			response = s.handleRequest(s.ctx, line, state)
		}

		data, err := EncodeResponse(response)
		if err != nil {
			logger.Error("encode response", "error", err)
			continue
		}
		if _, err := conn.Write(data); err != nil {
			logger.Warn("write failed", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		logger.Warn("read failed", "error", err)
	}
}

func (s *Server) handleRequest(ctx context.Context, line string, state *ConnectionState) Response {
	if s.authRequired() {
		if !state.IsAuthenticated() {
			return Response{Error: ErrAuthRequired.Error()}
		}
		if state.expired(time.Now()) {
			return Response{Error: ErrTokenExpired.Error()}
		}
	}

	req, err := DecodeRequest(line)
	if err != nil {
		return Response{Error: fmt.Sprintf("invalid request: %v", err)}
	}
	if strings.TrimSpace(req.Script) == "" {
		return Response{Error: "empty script"}
	}
	return executeScript(ctx, state.session, req.Script)
}

// executeScript runs script and reports every outcome, including those that
// ran before a failure.
func executeScript(ctx context.Context, session *db.Session, script string) Response {
	result, runErr := session.Execute(ctx, script)
	response := Response{Success: runErr == nil, Type: "result"}
	if runErr != nil {
		response.Error = runErr.Error()
		response.ErrorKind = db.ErrorKind(runErr)
	}
	if result != nil {
		data, err := json.Marshal(result.Report())
		if err != nil {
			return Response{Error: fmt.Sprintf("encode result: %v", err)}
		}
		response.Result = data
	}
	return response
}
