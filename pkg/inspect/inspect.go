// Package inspect serves the read-only JSON state document on loopback,
// plus the prometheus metrics.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twentyft/laksa/pkg/log"
)

// Snapshot produces the state document; the broker backs it with a
// synchronous hop through the dispatch loop so the reader never races
// the model.
type Snapshot func() map[string]any

// Server is the loopback inspection endpoint
type Server struct {
	srv      *http.Server
	snapshot Snapshot
}

// NewServer creates an inspection server on loopback:port
func NewServer(port int, snapshot Snapshot) *Server {
	s := &Server{snapshot: snapshot}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleState)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving; the listener failing to bind is fatal because a
// broker without inspection is undebuggable.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("could not bind inspection server: %w", err)
	}
	log.Logger.Info().Str("addr", s.srv.Addr).Msg("started inspection server")
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("inspection server failed")
		}
	}()
	return nil
}

// Stop shuts the server down
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.srv.Shutdown(ctx)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	doc := s.snapshot()
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		log.Logger.Warn().Err(err).Msg("failed to write state document")
	}
}
