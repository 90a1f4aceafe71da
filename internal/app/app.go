// Package app wires all Dawn daemon subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens storage and builds the
// orchestrator, session manager and satellite server, Run serves satellites
// and the ops HTTP surface, and Shutdown tears everything down in order.
//
// For testing, inject test doubles via functional options (WithHistoryStore,
// WithOrchestrator, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/dawn/internal/config"
	"github.com/MrWong99/dawn/internal/health"
	"github.com/MrWong99/dawn/internal/history"
	"github.com/MrWong99/dawn/internal/history/postgres"
	"github.com/MrWong99/dawn/internal/history/sqlite"
	"github.com/MrWong99/dawn/internal/observe"
	"github.com/MrWong99/dawn/internal/orchestrator"
	"github.com/MrWong99/dawn/internal/resilience"
	"github.com/MrWong99/dawn/internal/server"
	"github.com/MrWong99/dawn/internal/session"
	"github.com/MrWong99/dawn/pkg/provider/llm"
	"github.com/MrWong99/dawn/pkg/provider/stt"
	"github.com/MrWong99/dawn/pkg/provider/tts"
)

// Named is a provider together with the name its circuit breaker reports.
type Named[P any] struct {
	Name     string
	Provider P
}

// NamedLLM is a named LLM provider.
type NamedLLM = Named[llm.Provider]

// Providers holds the providers of each pipeline stage. A nil Provider means
// the stage is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM NamedLLM

	// LLMFallbacks are tried in order when LLM fails or its breaker is open.
	LLMFallbacks []NamedLLM

	STT          Named[stt.Provider]
	STTFallbacks []Named[stt.Provider]

	TTS          Named[tts.Provider]
	TTSFallbacks []Named[tts.Provider]
}

// App owns all subsystem lifetimes of the daemon.
type App struct {
	cfg       *config.Config
	providers *Providers

	store    history.Store
	orch     orchestrator.Orchestrator
	cascade  *orchestrator.Cascade
	llm      *resilience.LLMFallback
	sessions *session.Manager
	server   *server.Server
	health   *health.Handler

	version        string
	metrics        *observe.Metrics
	metricsHandler http.Handler
	level          *slog.LevelVar
	tlsConfig      *tls.Config

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistoryStore injects a store instead of opening one from config.
// The caller keeps ownership; Shutdown does not close it.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.store = s }
}

// WithOrchestrator injects an orchestrator instead of building a Cascade.
func WithOrchestrator(o orchestrator.Orchestrator) Option {
	return func(a *App) { a.orch = o }
}

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h at /metrics on the ops server.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets [App.Reload] change the level of the running logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// WithTLS serves satellites over TLS instead of loading cfg.Server.TLS.
func WithTLS(c *tls.Config) Option {
	return func(a *App) { a.tlsConfig = c }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init storage: %w", err)
	}
	if err := a.initOrchestrator(); err != nil {
		return nil, fmt.Errorf("app: init orchestrator: %w", err)
	}
	if err := a.initTLS(); err != nil {
		return nil, fmt.Errorf("app: init tls: %w", err)
	}

	a.sessions = session.NewManager(session.ManagerConfig{
		Store:       a.store,
		IdleTimeout: cfg.Session.IdleTimeout,
		Metrics:     a.metrics,
	})

	scfg := cfg.ServerSettings()
	scfg.TLS = a.tlsConfig
	a.server = server.New(scfg, a.sessions, a.orch,
		server.WithHistoryStore(a.store),
		server.WithMetrics(a.metrics),
	)
	a.initHealth()
	return a, nil
}

// initStore opens the configured storage backend unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	st := a.cfg.Storage
	switch st.Driver {
	case config.StorageSQLite:
		s, err := sqlite.Open(ctx, st.DSN)
		if err != nil {
			return err
		}
		a.store = s
	case config.StoragePostgres:
		s, err := postgres.NewStore(ctx, st.DSN)
		if err != nil {
			return err
		}
		a.store = s
	default:
		a.store = history.NewMemStore()
	}
	a.closers = append(a.closers, a.store.Close)
	slog.Info("storage opened", "driver", st.Driver)
	return nil
}

// initOrchestrator builds the STT → LLM → TTS cascade with the LLM behind a
// circuit-breaking fallback group.
func (a *App) initOrchestrator() error {
	if a.orch != nil {
		return nil
	}
	ps := a.providers
	if ps == nil || ps.LLM.Provider == nil {
		return errors.New("an llm provider is required")
	}

	a.llm = resilience.NewLLMFallback(ps.LLM.Provider, ps.LLM.Name, breakerConfig("llm"))
	for _, fb := range ps.LLMFallbacks {
		a.llm.AddFallback(fb.Name, fb.Provider)
	}

	as := a.cfg.Assistant
	opts := []orchestrator.Option{
		orchestrator.WithSystemPrompt(systemPrompt(as)),
		orchestrator.WithHistoryTurns(a.cfg.Storage.HistoryTurns),
		orchestrator.WithSampling(as.Temperature, as.MaxTokens),
		orchestrator.WithLanguage(as.Language),
		orchestrator.WithMetrics(a.metrics),
	}
	if ps.STT.Provider != nil {
		f := resilience.NewSTTFallback(ps.STT.Provider, ps.STT.Name, breakerConfig("stt"))
		for _, fb := range ps.STTFallbacks {
			f.AddFallback(fb.Name, fb.Provider)
		}
		opts = append(opts, orchestrator.WithSTT(f))
	}
	if ps.TTS.Provider != nil {
		f := resilience.NewTTSFallback(ps.TTS.Provider, ps.TTS.Name, breakerConfig("tts"))
		for _, fb := range ps.TTSFallbacks {
			f.AddFallback(fb.Name, fb.Provider)
		}
		opts = append(opts, orchestrator.WithTTS(f, tts.Voice{ID: as.VoiceID}))
	}
	a.cascade = orchestrator.NewCascade(a.llm, a.store, opts...)
	a.orch = a.cascade
	return nil
}

func breakerConfig(kind string) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("circuit breaker changed state", "kind", kind, "provider", name, "from", from, "to", to)
			},
		},
	}
}

func (a *App) initTLS() error {
	t := a.cfg.Server.TLS
	if a.tlsConfig != nil || t == nil {
		return nil
	}
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return err
	}
	a.tlsConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	return nil
}

// systemPrompt renders the assistant persona.
func systemPrompt(as config.AssistantConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a voice assistant answering through small speakers around the house. ", as.Name)
	b.WriteString("Replies are read aloud: answer in one to three short sentences of plain text without lists, markup or emoji.")
	if p := strings.TrimSpace(as.Persona); p != "" {
		b.WriteString("\n\n")
		b.WriteString(p)
	}
	return b.String()
}

// Server returns the satellite server.
func (a *App) Server() *server.Server { return a.server }

// Sessions returns the session manager.
func (a *App) Sessions() *session.Manager { return a.sessions }

// Run serves satellites and, when configured, the ops HTTP surface. It blocks
// until ctx is cancelled or a listener fails.
func (a *App) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { a.health.SetDraining(true) })
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.Run(gctx) })
	if addr := a.cfg.Server.OpsAddr; addr != "" {
		g.Go(func() error { return a.serveOps(gctx, addr) })
	}
	err := g.Wait()
	a.health.SetDraining(true)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Reload applies the hot-reloadable part of a config change. It is the
// [config.Watcher] callback.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.IdleTimeoutChanged {
		a.sessions.SetIdleTimeout(d.NewIdleTimeout)
		slog.Info("session idle timeout changed", "idle_timeout", d.NewIdleTimeout)
	}
	if d.QueryTimeoutChanged {
		a.server.SetQueryTimeout(d.NewQueryTimeout)
		slog.Info("query timeout changed", "timeout", d.NewQueryTimeout)
	}
	if d.KeepaliveChanged {
		a.server.SetKeepalive(d.NewKeepalive.Server())
		slog.Info("keepalive changed; applies to new connections",
			"interval", d.NewKeepalive.Interval,
			"timeout", d.NewKeepalive.Timeout,
			"max_missed", d.NewKeepalive.MaxMissed,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config sections changed that need a restart", "sections", d.RestartRequired)
	}
}

// slogLevel maps a config log level onto slog.
func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Shutdown tears down all subsystems in order. Run must have returned. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// In-flight pipelines still write history.
		if a.cascade != nil {
			done := make(chan struct{})
			go func() {
				a.cascade.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded waiting for queries")
				shutdownErr = ctx.Err()
				return
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
