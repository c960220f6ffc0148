// Package specialistsdk is the server side of the chorus socket protocol. It lets a
// process expose itself as a specialist: it listens on TCP, answers one
// newline-delimited JSON request per connection and can register itself with a
// registry.
//
// Example:
//
//	sp := specialistsdk.New("apollo-ai", "Apollo",
//	    specialistsdk.WithRoles("planning"),
//	    specialistsdk.WithChatHandler(func(ctx context.Context, req domain.Request) (*domain.Response, error) {
//	        return &domain.Response{Content: "plan: " + req.Content}, nil
//	    }),
//	)
//	if err := sp.Start(ctx); err != nil { ... }
//	defer sp.Stop()
//	err := sp.Register(ctx, registry)
package specialistsdk

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"chorus/internal/adapter/conn"
	"chorus/internal/domain"
)

// ChatHandler answers a chat request. Returning a *domain.RemoteError controls the
// error code sent back; any other error is sent as a plain error reply.
type ChatHandler func(ctx context.Context, req domain.Request) (*domain.Response, error)

// Registrar accepts specialist registrations.
type Registrar interface {
	Register(ctx context.Context, rec domain.Specialist) error
}

// Specialist is a socket specialist server.
type Specialist struct {
	id           string
	name         string
	component    string
	model        string
	roles        []string
	capabilities []string
	schema       json.RawMessage
	chat         ChatHandler
	listenAddr   string
	logger       *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	served   int
}

// New creates a specialist with the given id and display name.
func New(id, name string, opts ...Option) *Specialist {
	s := &Specialist{
		id:         id,
		name:       name,
		model:      "unknown",
		listenAddr: "127.0.0.1:0",
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the specialist id.
func (s *Specialist) ID() string { return s.id }

// Start listens and serves connections until Stop or ctx cancellation.
func (s *Specialist) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("specialist %s already started", s.id)
	}
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.listenAddr, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.listener = ln
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		ln.Close()
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx, ln)
	}()
	s.logger.Info("specialist listening", "specialist_id", s.id, "addr", ln.Addr().String())
	return nil
}

// Stop closes the listener and waits for in-flight requests.
func (s *Specialist) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	s.wg.Wait()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Specialist) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Served returns how many requests have been answered.
func (s *Specialist) Served() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.served
}

// Record builds the registry record for this specialist at its bound address.
func (s *Specialist) Record() (domain.Specialist, error) {
	info, err := domain.ParseSocketAddress(s.Addr())
	if err != nil {
		return domain.Specialist{}, err
	}
	return domain.Specialist{
		ID:             s.id,
		Name:           s.name,
		Component:      s.component,
		Roles:          s.roles,
		Capabilities:   s.capabilities,
		ConnectionKind: domain.ConnectionSocket,
		Connection:     info,
		Model:          s.model,
	}, nil
}

// Register announces the specialist to reg. Start must have been called.
func (s *Specialist) Register(ctx context.Context, reg Registrar) error {
	rec, err := s.Record()
	if err != nil {
		return err
	}
	return reg.Register(ctx, rec)
}

func (s *Specialist) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "specialist_id", s.id, "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, c)
		}()
	}
}

func (s *Specialist) serveConn(ctx context.Context, c net.Conn) {
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { _ = c.SetDeadline(time.Now()) })
	defer stop()

	line, err := bufio.NewReaderSize(c, 64<<10).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return
	}
	reply := s.Handle(ctx, line)
	if _, err := c.Write(append(reply, '\n')); err != nil {
		s.logger.Debug("write reply failed", "specialist_id", s.id, "error", err)
	}

	s.mu.Lock()
	s.served++
	s.mu.Unlock()
}

type errorReply struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Handle answers one raw request line and returns the raw reply without delimiter.
func (s *Specialist) Handle(ctx context.Context, line []byte) []byte {
	if err := conn.ValidateRequest(line); err != nil {
		return s.errorReply("invalid_request", err)
	}
	var req domain.Request
	if err := json.Unmarshal(line, &req); err != nil {
		return s.errorReply("invalid_request", err)
	}

	var reply any
	switch req.Type {
	case domain.RequestPing:
		reply = map[string]any{"pong": true, "timestamp": float64(time.Now().UnixNano()) / 1e9}
	case domain.RequestInfo:
		reply = map[string]any{
			"id":           s.id,
			"name":         s.name,
			"model":        s.model,
			"roles":        s.roles,
			"capabilities": s.capabilities,
		}
	case domain.RequestSchema:
		if len(s.schema) == 0 {
			return s.errorReply("unsupported", fmt.Errorf("no schema published"))
		}
		return s.schema
	case domain.RequestChat:
		if s.chat == nil {
			return s.errorReply("unsupported", fmt.Errorf("chat not supported"))
		}
		resp, err := s.chat(ctx, req)
		if err != nil {
			var remote *domain.RemoteError
			if errors.As(err, &remote) {
				return s.errorReply(remote.Code, errors.New(remote.Message))
			}
			return s.errorReply("", err)
		}
		if resp.Model == "" {
			resp.Model = s.model
		}
		reply = resp
	}

	data, err := json.Marshal(reply)
	if err != nil {
		return s.errorReply("internal", err)
	}
	return data
}

func (s *Specialist) errorReply(code string, err error) []byte {
	data, _ := json.Marshal(errorReply{Type: "error", Error: err.Error(), Code: code})
	return data
}
