// Package admin serves the diagnostics HTTP endpoint: Prometheus metrics,
// the materialized session tree and the manager links.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/bnema/datavault/internal/adapters/rpc"
	"github.com/bnema/datavault/internal/application"
	"github.com/bnema/datavault/internal/logger"
	"github.com/bnema/datavault/internal/metrics"
	"github.com/bytedance/sonic"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

// Links reports the manager links. The broker hub satisfies it.
type Links interface {
	Servers() []rpc.ServerStatus
}

type Handler struct {
	router  *mux.Router
	vault   *application.Vault
	links   Links
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewHandler(vault *application.Vault, links Links, m *metrics.Metrics, log zerolog.Logger) *Handler {
	h := &Handler{
		router:  mux.NewRouter(),
		vault:   vault,
		links:   links,
		metrics: m,
		log:     logger.Component(log, "admin"),
	}

	h.router.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet).Name("Health")
	h.router.HandleFunc("/sessions", h.handleSessions).Methods(http.MethodGet).Name("Sessions")
	h.router.HandleFunc("/servers", h.handleServers).Methods(http.MethodGet).Name("Servers")
	h.router.Handle("/metrics", m.Handler()).Methods(http.MethodGet).Name("Metrics")
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

type healthResponse struct {
	Status   string `json:"status"`
	Contexts int    `json:"contexts"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, healthResponse{Status: "ok", Contexts: h.vault.ContextCount()})
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.vault.Sessions(r.Context()))
}

func (h *Handler) handleServers(w http.ResponseWriter, _ *http.Request) {
	servers := []rpc.ServerStatus{}
	if h.links != nil {
		servers = append(servers, h.links.Servers()...)
	}
	h.writeJSON(w, servers)
}

func (h *Handler) writeJSON(w http.ResponseWriter, value any) {
	body, err := sonic.Marshal(value)
	if err != nil {
		h.log.Error().Err(err).Msg("encode response")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(body); err != nil {
		h.log.Debug().Err(err).Msg("write response")
	}
}

// Serve runs the endpoint on listener until ctx is done.
func Serve(ctx context.Context, listener net.Listener, handler http.Handler, log zerolog.Logger) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(listener)
	}()
	log.Info().Str("addr", listener.Addr().String()).Msg("admin endpoint listening")

	select {
	case err := <-errc:
		return fmt.Errorf("admin endpoint: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown admin endpoint: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin endpoint: %w", err)
	}
	return nil
}
