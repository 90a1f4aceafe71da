package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/dawn/internal/health"
	"github.com/MrWong99/dawn/internal/observe"
	"github.com/MrWong99/dawn/internal/resilience"
	"github.com/MrWong99/dawn/internal/server"
	"github.com/MrWong99/dawn/internal/session"
	"github.com/MrWong99/dawn/pkg/dap2"
)

// maxCommandBody caps the JSON body of a command request.
const maxCommandBody = 64 << 10

// satelliteView is the JSON shape of one session on the ops API.
type satelliteView struct {
	UUID         string            `json:"uuid"`
	Name         string            `json:"name"`
	Location     string            `json:"location"`
	HardwareID   string            `json:"hardware_id,omitempty"`
	Tier         dap2.Tier         `json:"tier"`
	Capabilities dap2.Capabilities `json:"capabilities"`
	SessionID    string            `json:"session_id"`
	Status       session.Status    `json:"status"`
	QueryActive  bool              `json:"query_active"`
	ConnectedAt  time.Time         `json:"connected_at"`
	LastActivity time.Time         `json:"last_activity"`
	AgeSeconds   int64             `json:"conversation_age_seconds"`
	LastStatus   *dap2.Status      `json:"last_status,omitempty"`
	StatusAt     *time.Time        `json:"status_at,omitempty"`
}

func viewOf(s session.Session, now time.Time) satelliteView {
	v := satelliteView{
		UUID:         s.Identity.UUID,
		Name:         s.Identity.Name,
		Location:     s.Identity.Location,
		HardwareID:   s.Identity.HardwareID,
		Tier:         s.Tier,
		Capabilities: s.Capabilities,
		SessionID:    s.ID,
		Status:       s.Status,
		QueryActive:  s.QueryActive,
		ConnectedAt:  s.LastRegistration,
		LastActivity: s.LastActivity,
		AgeSeconds:   int64(s.Age(now) / time.Second),
		LastStatus:   s.LastStatus,
	}
	if s.LastStatus != nil {
		at := s.StatusAt
		v.StatusAt = &at
	}
	return v
}

// initHealth builds the readiness checks: storage reachable, a satellite
// listener bound and at least one LLM backend with a closed breaker.
func (a *App) initHealth() {
	checkers := []health.Checker{
		{Name: "storage", Check: a.store.Ping},
		{Name: "listener", Check: a.checkListener},
	}
	if a.llm != nil {
		checkers = append(checkers, health.Checker{Name: "llm", Check: a.checkLLM})
	}
	a.health = health.New(checkers...)
	a.health.SetVersion(a.version)
}

// OpsHandler returns the ops HTTP surface: health probes, Prometheus metrics
// and the satellite API.
func (a *App) OpsHandler() http.Handler {
	metrics := a.metricsHandler
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", metrics)
	mux.HandleFunc("GET /satellites", a.listSatellites)
	mux.HandleFunc("GET /satellites/{uuid}", a.getSatellite)
	mux.HandleFunc("POST /satellites/{uuid}/command", a.sendCommand)
	return observe.Middleware(a.metrics)(mux)
}

// serveOps serves [App.OpsHandler] on addr until ctx is cancelled.
func (a *App) serveOps(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: ops listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           a.OpsHandler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	slog.Info("ops server started", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: ops server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	}
}

func (a *App) checkListener(context.Context) error {
	if a.server.Addr() == nil && a.server.WebSocketAddr() == nil {
		return errors.New("no satellite listener bound")
	}
	return nil
}

// checkLLM fails only when every LLM backend has an open breaker.
func (a *App) checkLLM(context.Context) error {
	states := a.llm.States()
	for _, st := range states {
		if st != resilience.StateOpen {
			return nil
		}
	}
	return fmt.Errorf("all %d llm backends have open circuit breakers", len(states))
}

func (a *App) listSatellites(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()
	list := a.sessions.List()
	views := make([]satelliteView, 0, len(list))
	for _, s := range list {
		views = append(views, viewOf(s, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": a.server.Connections(),
		"satellites":  views,
	})
}

func (a *App) getSatellite(w http.ResponseWriter, r *http.Request) {
	s, err := a.sessions.Lookup(r.PathValue("uuid"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(s, time.Now()))
}

func (a *App) sendCommand(w http.ResponseWriter, r *http.Request) {
	var cmd dap2.Command
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBody))
	if err := dec.Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode command: %w", err))
		return
	}
	if cmd.Name == "" {
		writeError(w, http.StatusBadRequest, errors.New("command name is required"))
		return
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	id := r.PathValue("uuid")
	err := a.server.SendCommand(r.Context(), id, cmd)
	var info *dap2.ErrorInfo
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"id": cmd.ID, "status": "acknowledged"})
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, server.ErrConnClosed):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, server.ErrAckTimeout):
		writeError(w, http.StatusGatewayTimeout, err)
	case errors.As(err, &info):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"id":     cmd.ID,
			"status": "rejected",
			"code":   info.Code,
			"error":  info.Message,
		})
	default:
		writeError(w, http.StatusBadGateway, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("ops: encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
