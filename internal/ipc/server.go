// Package ipc lets the operator CLI query a running agent over a unix
// socket: daemon state and session counters, without touching the
// agent's files. Requests and responses are JSON over HTTP.
package ipc

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"time"
)

// Status is the agent's self-report.
type Status struct {
	State      string    `json:"state"`
	Network    string    `json:"network"`
	Enrolled   uint64    `json:"enrolled"`
	Duplicates uint64    `json:"duplicates"`
	Failed     uint64    `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
}

// StatusProvider supplies the live status served to clients.
type StatusProvider interface {
	Status() Status
}

// Server serves the agent status API on a unix socket.
type Server struct {
	sockPath string
	provider StatusProvider
	http     *http.Server
	listener net.Listener
}

// NewServer creates a server listening on the socket path. A stale
// socket file left by an earlier run is removed first.
func NewServer(sockPath string, provider StatusProvider) (*Server, error) {
	os.Remove(sockPath)

	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, err
	}

	s := &Server{
		sockPath: sockPath,
		provider: provider,
		listener: listener,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	s.http = &http.Server{Handler: mux}

	return s, nil
}

// Start begins serving requests. It blocks until Stop is called and
// returns nil on a clean shutdown.
func (s *Server) Start() error {
	err := s.http.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully stops the server and removes the socket file.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := s.http.Shutdown(ctx)
	os.Remove(s.sockPath)
	return err
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.provider.Status())
}
