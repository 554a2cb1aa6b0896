package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/aeolun/quectocraft/pkg/protocol"
)

// HealthStatus is the /health response body
type HealthStatus struct {
	Status      string  `json:"status"`
	Version     string  `json:"version"`
	Protocol    int32   `json:"protocol"`
	Uptime      float64 `json:"uptime_seconds"`
	Tick        int64   `json:"tick"`
	Connections int64   `json:"connections"`
	Players     int64   `json:"players"`
	Subscribers int     `json:"event_subscribers"`
}

// startAdmin serves /metrics, /health and /events on the admin address.
// Keep it internal: the event feed includes chat.
func (s *Server) startAdmin() error {
	if s.config.AdminAddr == "" {
		s.logger.Info().Msg("admin server disabled")
		return nil
	}

	listener, err := net.Listen("tcp", s.config.AdminAddr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/health", s.HealthHandler)
	mux.Handle("/events", s.events)

	s.adminServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info().Str("addr", listener.Addr().String()).Msg("admin server listening (/metrics, /health, /events)")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.adminServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("admin server error")
		}
	}()
	s.adminAddr = listener.Addr()
	return nil
}

func (s *Server) stopAdmin() {
	if s.adminServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.adminServer.Shutdown(ctx); err != nil {
		s.adminServer.Close()
	}
}

// AdminAddr returns the bound admin address, or nil when disabled
func (s *Server) AdminAddr() net.Addr {
	return s.adminAddr
}

// HealthHandler reports liveness and loop counters. It reads only atomic
// snapshots so it never contends with the loop.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:      "ok",
		Version:     protocol.GameVersion,
		Protocol:    protocol.ProtocolVersion,
		Uptime:      s.Uptime().Seconds(),
		Tick:        s.tickCount.Load(),
		Connections: s.connCount.Load(),
		Players:     s.playerCount.Load(),
		Subscribers: s.events.Len(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Debug().Err(err).Msg("health write failed")
	}
}
