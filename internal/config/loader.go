package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/dawn/internal/server"
	"github.com/MrWong99/dawn/pkg/dap2"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"whisper", "deepgram"},
	"tts": {"coqui", "elevenlabs"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr == "" && cfg.Server.WebSocketAddr == "" {
		errs = append(errs, errors.New("server: at least one of listen_addr, websocket_addr is required"))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Protocol
	if n := cfg.Protocol.MaxPayloadBytes; n < 0 || n > dap2.MaxPayloadLimit {
		errs = append(errs, fmt.Errorf("protocol.max_payload_bytes %d is out of range [1, %d]", n, dap2.MaxPayloadLimit))
	}
	if cfg.Protocol.MaxFrameErrors < 0 {
		errs = append(errs, fmt.Errorf("protocol.max_frame_errors %d must not be negative", cfg.Protocol.MaxFrameErrors))
	}
	if cfg.Protocol.CompressThreshold < 0 {
		errs = append(errs, fmt.Errorf("protocol.compress_threshold %d must not be negative", cfg.Protocol.CompressThreshold))
	}

	// Timers
	for name, d := range map[string]time.Duration{
		"session.idle_timeout":   cfg.Session.IdleTimeout,
		"session.sweep_interval": cfg.Session.SweepInterval,
		"keepalive.interval":     cfg.Keepalive.Interval,
		"keepalive.timeout":      cfg.Keepalive.Timeout,
		"query.timeout":          cfg.Query.Timeout,
		"storage.retention":      cfg.Storage.Retention,
		"storage.prune_interval": cfg.Storage.PruneInterval,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if cfg.Keepalive.MaxMissed < 0 {
		errs = append(errs, fmt.Errorf("keepalive.max_missed %d must not be negative", cfg.Keepalive.MaxMissed))
	}
	if cfg.Keepalive.Interval > 0 && cfg.Keepalive.Timeout >= cfg.Keepalive.Interval {
		slog.Warn("keepalive.timeout is not shorter than keepalive.interval",
			"interval", cfg.Keepalive.Interval, "timeout", cfg.Keepalive.Timeout)
	}

	// Storage
	if cfg.Storage.Driver != "" && !cfg.Storage.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("storage.driver %q is invalid; valid values: memory, sqlite, postgres", cfg.Storage.Driver))
	}
	if (cfg.Storage.Driver == StorageSQLite || cfg.Storage.Driver == StoragePostgres) && cfg.Storage.DSN == "" {
		errs = append(errs, fmt.Errorf("storage.dsn is required for driver %q", cfg.Storage.Driver))
	}
	if cfg.Storage.HistoryTurns < 0 {
		errs = append(errs, fmt.Errorf("storage.history_turns %d must not be negative", cfg.Storage.HistoryTurns))
	}
	if cfg.Storage.Driver == StorageMemory {
		slog.Warn("storage.driver is memory; sessions and history are lost on restart")
	}

	// Providers
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm is required"))
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	errs = append(errs, validateFallbacks("stt", cfg.Providers.STT, cfg.Providers.STTFallbacks)...)
	errs = append(errs, validateFallbacks("tts", cfg.Providers.TTS, cfg.Providers.TTSFallbacks)...)
	if cfg.Providers.STT.Name == "" || cfg.Providers.TTS.Name == "" {
		slog.Warn("providers.stt or providers.tts is not configured; audio-tier satellites will be rejected at query time")
	}

	// Assistant
	if t := cfg.Assistant.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("assistant.temperature %.2f is out of range [0, 2]", t))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// ServerSettings converts the satellite-facing sections into a
// [server.Config]. TLS is loaded by the caller.
func (c *Config) ServerSettings() server.Config {
	return server.Config{
		ListenAddr:        c.Server.ListenAddr,
		WebSocketAddr:     c.Server.WebSocketAddr,
		MaxPayload:        c.Protocol.MaxPayloadBytes,
		MaxFrameErrors:    c.Protocol.MaxFrameErrors,
		CompressThreshold: c.Protocol.CompressThreshold,
		Keepalive:         c.Keepalive.Server(),
		QueryTimeout:      c.Query.Timeout,
		SweepInterval:     c.Session.SweepInterval,
		Retention:         c.Storage.Retention,
		PruneInterval:     c.Storage.PruneInterval,
	}
}

// Server converts k into the server's keepalive settings.
func (k KeepaliveConfig) Server() server.KeepaliveConfig {
	return server.KeepaliveConfig{Interval: k.Interval, Timeout: k.Timeout, MaxMissed: k.MaxMissed}
}

// validateFallbacks checks the fallback list of an optional provider stage.
func validateFallbacks(kind string, primary ProviderEntry, fallbacks []ProviderEntry) []error {
	var errs []error
	if len(fallbacks) > 0 && primary.Name == "" {
		errs = append(errs, fmt.Errorf("providers.%s_fallbacks needs providers.%s", kind, kind))
	}
	for i, fb := range fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s_fallbacks[%d].name is required", kind, i))
		}
		validateProviderName(kind, fb.Name)
	}
	return errs
}
