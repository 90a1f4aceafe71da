// Command dawnd is the Dawn voice-assistant daemon. Satellites connect to it
// over DAP2 and it answers their queries through the configured providers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/dawn/internal/app"
	"github.com/MrWong99/dawn/internal/config"
	"github.com/MrWong99/dawn/internal/observe"
	"github.com/MrWong99/dawn/pkg/provider/llm"
	"github.com/MrWong99/dawn/pkg/provider/llm/anyllm"
	"github.com/MrWong99/dawn/pkg/provider/llm/openai"
	"github.com/MrWong99/dawn/pkg/provider/stt"
	"github.com/MrWong99/dawn/pkg/provider/stt/deepgram"
	"github.com/MrWong99/dawn/pkg/provider/stt/whisper"
	"github.com/MrWong99/dawn/pkg/provider/tts"
	"github.com/MrWong99/dawn/pkg/provider/tts/coqui"
	"github.com/MrWong99/dawn/pkg/provider/tts/elevenlabs"
)

// version is set at build time with -ldflags "-X main.version=…".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "dawn.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("dawnd", version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "dawnd: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "dawnd: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	slog.SetDefault(newLogger(cfg.Server.LogLevel, level))

	slog.Info("dawnd starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"websocket_addr", cfg.Server.WebSocketAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "dawnd",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithLogLevel(level),
		app.WithMetricsHandler(telemetry.MetricsHandler),
		app.WithVersion(version),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.Reload)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		go watcher.Run(ctx)
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// "openai" uses the official SDK directly so that OpenAI-compatible
	// servers (vLLM, LM Studio) work through base_url.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptionString("organization", ""); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d, ok := optDuration(entry, "timeout"); ok {
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// The other backends share the any-llm pattern: optional APIKey + optional
	// BaseURL.
	for _, backend := range anyllm.Backends {
		if backend == "openai" {
			continue
		}
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language", ""); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if d, ok := optDuration(entry, "timeout"); ok {
			opts = append(opts, whisper.WithTimeout(d))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language", ""); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := entry.OptionString("language", ""); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := entry.OptionString("api_mode", ""); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if d, ok := optDuration(entry, "timeout"); ok {
			opts = append(opts, coqui.WithTimeout(d))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if f := entry.OptionString("output_format", ""); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	for _, kind := range []string{"llm", "stt", "tts"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates all providers named in cfg using the registry.
// The LLM is required; STT and TTS are optional.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	p, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	ps.LLM = app.NamedLLM{Name: cfg.Providers.LLM.Name, Provider: p}
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name)

	for i, entry := range cfg.Providers.LLMFallbacks {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %d %q: %w", i, entry.Name, err)
		}
		// Two fallbacks of the same backend need distinct breaker names.
		name := entry.Name
		if entry.Model != "" {
			name += "/" + entry.Model
		}
		ps.LLMFallbacks = append(ps.LLMFallbacks, app.NamedLLM{Name: name, Provider: p})
		slog.Info("provider created", "kind", "llm_fallback", "name", name)
	}

	lang := cfg.Assistant.Language
	if cfg.Providers.STT.Name != "" {
		entries := append([]config.ProviderEntry{cfg.Providers.STT}, cfg.Providers.STTFallbacks...)
		named, err := buildStage("stt", entries, lang, reg.CreateSTT)
		if err != nil {
			return nil, err
		}
		ps.STT, ps.STTFallbacks = named[0], named[1:]
	}
	if cfg.Providers.TTS.Name != "" {
		entries := append([]config.ProviderEntry{cfg.Providers.TTS}, cfg.Providers.TTSFallbacks...)
		named, err := buildStage("tts", entries, lang, reg.CreateTTS)
		if err != nil {
			return nil, err
		}
		ps.TTS, ps.TTSFallbacks = named[0], named[1:]
	}

	return ps, nil
}

// buildStage creates the primary and fallback providers of an optional
// stage. The first entry is the primary.
func buildStage[P any](kind string, entries []config.ProviderEntry, lang string, create func(config.ProviderEntry) (P, error)) ([]app.Named[P], error) {
	named := make([]app.Named[P], 0, len(entries))
	for i, entry := range entries {
		p, err := create(withLanguage(entry, lang))
		if err != nil {
			return nil, fmt.Errorf("create %s provider %q: %w", kind, entry.Name, err)
		}
		name := entry.Name
		if i > 0 {
			name = fmt.Sprintf("%s#%d", entry.Name, i)
		}
		named = append(named, app.Named[P]{Name: name, Provider: p})
		slog.Info("provider created", "kind", kind, "name", name)
	}
	return named, nil
}

// withLanguage defaults the "language" option of entry to lang.
func withLanguage(entry config.ProviderEntry, lang string) config.ProviderEntry {
	if lang == "" || entry.OptionString("language", "") != "" {
		return entry
	}
	opts := make(map[string]any, len(entry.Options)+1)
	for k, v := range entry.Options {
		opts[k] = v
	}
	opts["language"] = lang
	entry.Options = opts
	return entry
}

// optDuration parses a duration option such as "timeout: 20s".
func optDuration(entry config.ProviderEntry, key string) (time.Duration, bool) {
	s := entry.OptionString(key, "")
	if s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		slog.Warn("ignoring invalid duration option", "provider", entry.Name, "option", key, "value", s)
		return 0, false
	}
	return d, true
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Dawn — startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("LLM", providerLabel(cfg.Providers.LLM))
	printRow("Fallbacks", fmt.Sprint(len(cfg.Providers.LLMFallbacks)))
	printRow("STT", providerLabel(cfg.Providers.STT))
	printRow("TTS", providerLabel(cfg.Providers.TTS))
	printRow("Storage", string(cfg.Storage.Driver))
	printRow("DAP2 TCP", orDisabled(cfg.Server.ListenAddr))
	printRow("DAP2 WS", orDisabled(cfg.Server.WebSocketAddr))
	printRow("Ops", orDisabled(cfg.Server.OpsAddr))
	if cfg.Server.TLS != nil {
		printRow("TLS", "enabled")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(e config.ProviderEntry) string {
	switch {
	case e.Name == "":
		return "(not configured)"
	case e.Model != "":
		return e.Name + " / " + e.Model
	default:
		return e.Name
	}
}

func orDisabled(addr string) string {
	if addr == "" {
		return "(disabled)"
	}
	return addr
}

func printRow(label, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger returns a text logger on stderr whose level is held in level so
// that config reloads can change it.
func newLogger(l config.LogLevel, level *slog.LevelVar) *slog.Logger {
	switch l {
	case config.LogDebug:
		level.Set(slog.LevelDebug)
	case config.LogWarn:
		level.Set(slog.LevelWarn)
	case config.LogError:
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
