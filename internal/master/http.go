package master

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"git.home.luguber.info/inful/forgeci/internal/logfields"
	"git.home.luguber.info/inful/forgeci/internal/workerpool"
)

// statusServer serves health, status and metrics. Read-only: mutation happens
// through configuration and change ingestion, never HTTP.
type statusServer struct {
	master *Master
	srv    *http.Server
}

type statusResponse struct {
	Master       string              `json:"master"`
	Schedulers   []string            `json:"schedulers"`
	Workers      []workerpool.Status `json:"workers"`
	ActiveBuilds int                 `json:"active_builds"`
}

func newStatusServer(m *Master) *statusServer {
	s := &statusServer{master: m}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *statusServer) ListenAndServe(addr string) error {
	s.srv.Addr = addr
	slog.Info("status server listening", slog.String("addr", addr))
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *statusServer) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		slog.Warn("status server shutdown failed", logfields.Error(err))
	}
}

func (s *statusServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *statusServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Master:       s.master.Name(),
		Schedulers:   s.master.schedulers.Names(),
		Workers:      s.master.pool.Snapshot(),
		ActiveBuilds: s.master.runner.ActiveCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Warn("failed to encode status", logfields.Error(err))
	}
}
