package uds

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

const (
	// writeTimeout bounds how long a slow client can stall a write.
	writeTimeout = 2 * time.Second
	maxLine      = 1024 * 1024
)

// HandlerFunc processes a request and returns a response data payload or error.
// ctx is cancelled when the requesting client disconnects.
type HandlerFunc func(ctx context.Context, req Message) (any, error)

// Server accepts logkit clients on a Unix domain socket. Requests on one
// connection are served concurrently; replies carry the request ID.
type Server struct {
	socketPath string
	handlers   map[string]HandlerFunc
	logger     *slog.Logger

	mu       sync.RWMutex
	listener net.Listener
	peers    map[*peer]struct{}
}

// peer is one connected client. Writes from handlers and broadcasts share wmu
// so NDJSON lines never interleave.
type peer struct {
	conn   net.Conn
	wmu    sync.Mutex
	cancel context.CancelFunc
}

func (p *peer) send(line []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := p.conn.Write(line)
	return err
}

// NewServer creates a new UDS server.
func NewServer(socketPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		handlers:   make(map[string]HandlerFunc),
		peers:      make(map[*peer]struct{}),
		logger:     logger,
	}
}

// Handle registers a handler for a method. Register before Start.
func (s *Server) Handle(method string, h HandlerFunc) {
	s.handlers[method] = h
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	return s.StartNotify(ctx, nil)
}

// StartNotify is Start with a callback run once the socket is listening.
// A socket file left behind by a previous daemon is replaced.
func (s *Server) StartNotify(ctx context.Context, ready func()) error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.socketPath, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("server listening", "socket", s.socketPath)
	if ready != nil {
		ready()
	}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.logger.Error("accept error", "err", err)
			continue
		}
		connCtx, cancel := context.WithCancel(ctx)
		p := &peer{conn: conn, cancel: cancel}
		s.mu.Lock()
		s.peers[p] = struct{}{}
		s.mu.Unlock()
		go s.serve(connCtx, p)
	}
}

// SocketPath returns the path the server listens on.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Broadcast pushes an event to every client. A client that cannot take the
// write within writeTimeout is disconnected.
func (s *Server) Broadcast(msg Message) {
	line, err := encodeLine(msg)
	if err != nil {
		s.logger.Error("broadcast marshal error", "method", msg.Method, "err", err)
		return
	}

	s.mu.RLock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	for _, p := range peers {
		if err := p.send(line); err != nil {
			s.logger.Warn("dropping client", "method", msg.Method, "err", err)
			s.drop(p)
		}
	}
}

// Shutdown closes the listener and every client, then removes the socket.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	peers := s.peers
	s.peers = make(map[*peer]struct{})
	s.mu.Unlock()

	for p := range peers {
		p.cancel()
		p.conn.Close()
	}
	os.Remove(s.socketPath)
}

func (s *Server) drop(p *peer) {
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
	p.cancel()
	p.conn.Close()
}

func (s *Server) serve(ctx context.Context, p *peer) {
	var inflight sync.WaitGroup
	defer func() {
		s.drop(p)
		inflight.Wait()
	}()

	scanner := bufio.NewScanner(p.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			s.logger.Warn("invalid message", "err", err)
			continue
		}
		if msg.Type != MsgTypeReq {
			continue
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			s.reply(p, s.dispatch(ctx, msg))
		}()
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("client read error", "err", err)
	}
}

func (s *Server) dispatch(ctx context.Context, msg Message) (resp Message) {
	h, ok := s.handlers[msg.Method]
	if !ok {
		return NewErrorResponse(msg.ID, msg.Method, fmt.Sprintf("unknown method: %s", msg.Method))
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", "method", msg.Method, "panic", r)
			resp = NewErrorResponse(msg.ID, msg.Method, "internal error")
		}
		s.logger.Debug("request", "method", msg.Method, "id", msg.ID, "took", time.Since(start), "error", resp.Error)
	}()

	result, err := h(ctx, msg)
	if err != nil {
		return NewErrorResponse(msg.ID, msg.Method, err.Error())
	}
	resp, err = NewResponse(msg.ID, msg.Method, result)
	if err != nil {
		return NewErrorResponse(msg.ID, msg.Method, fmt.Sprintf("encode result: %v", err))
	}
	return resp
}

func (s *Server) reply(p *peer, msg Message) {
	line, err := encodeLine(msg)
	if err != nil {
		s.logger.Error("marshal response error", "method", msg.Method, "err", err)
		return
	}
	if err := p.send(line); err != nil {
		s.logger.Debug("write response error", "method", msg.Method, "err", err)
	}
}

func encodeLine(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
