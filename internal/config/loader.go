package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"whisper"},
	"tts": {"parler", "coqui"},
}

// urlRequired lists the providers that talk to a self-hosted inference
// server and therefore need providers.*.base_url.
var urlRequired = []string{"whisper", "parler", "coqui"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands ${VAR} references against the environment, decodes
// the YAML config from r, applies defaults and validates the result. Unknown
// keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(raw))))
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

// Validate checks that cfg contains a coherent set of values. It expects
// defaults to have been applied and returns a joined error listing all
// validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	required := []struct {
		kind, key string
		entry     ProviderEntry
	}{
		{"llm", "providers.llm", cfg.Providers.LLM},
		{"stt", "providers.stt", cfg.Providers.STT},
		{"tts", "providers.tts", cfg.Providers.TTS},
	}
	for _, r := range required {
		if r.entry.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", r.key))
			continue
		}
		errs = append(errs, validateEntry(r.kind, r.key, r.entry)...)
	}
	optional := []struct {
		kind, key string
		entry     ProviderEntry
	}{
		{"llm", "providers.llm_fallback", cfg.Providers.LLMFallback},
		{"stt", "providers.stt_fallback", cfg.Providers.STTFallback},
		{"tts", "providers.tts_fallback", cfg.Providers.TTSFallback},
	}
	for _, o := range optional {
		if o.entry.Name != "" {
			errs = append(errs, validateEntry(o.kind, o.key, o.entry)...)
		}
	}

	p := cfg.Pipeline
	positive := []struct {
		key string
		ok  bool
	}{
		{"pipeline.asr.sample_rate", p.ASR.SampleRate > 0},
		{"pipeline.asr.window", p.ASR.Window > 0},
		{"pipeline.asr.slide", p.ASR.Slide > 0},
		{"pipeline.asr.queue_size", p.ASR.QueueSize > 0},
		{"pipeline.llm.max_history_pairs", p.LLM.MaxHistoryPairs > 0},
		{"pipeline.llm.max_tokens", p.LLM.MaxTokens > 0},
		{"pipeline.tts.sample_rate", p.TTS.SampleRate > 0},
		{"pipeline.tts.frame", p.TTS.Frame > 0},
		{"pipeline.tts.segment_chars", p.TTS.SegmentChars > 0},
		{"pipeline.poll_interval", p.PollInterval > 0},
		{"transport.outbound_buffer", cfg.Transport.OutboundBuffer > 0},
		{"stats.window", cfg.Stats.Window > 0},
		{"health.interval", cfg.Health.Interval > 0},
		{"health.timeout", cfg.Health.Timeout > 0},
	}
	for _, f := range positive {
		if !f.ok {
			errs = append(errs, fmt.Errorf("%s must be positive", f.key))
		}
	}
	if p.ASR.Slide > p.ASR.Window {
		errs = append(errs, fmt.Errorf("pipeline.asr.slide %s must not exceed pipeline.asr.window %s", p.ASR.Slide, p.ASR.Window))
	}
	if p.LLM.Temperature < 0 || p.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("pipeline.llm.temperature %.2f is out of range [0, 2]", p.LLM.Temperature))
	}
	if p.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("pipeline.retry.max_retries must not be negative"))
	}
	if !strings.HasPrefix(cfg.Transport.Path, "/") {
		errs = append(errs, fmt.Errorf("transport.path %q must start with /", cfg.Transport.Path))
	}
	if cfg.Health.FailedAfter < cfg.Health.DegradedAfter {
		errs = append(errs, fmt.Errorf("health.failed_after %d must not be below health.degraded_after %d", cfg.Health.FailedAfter, cfg.Health.DegradedAfter))
	}

	return errors.Join(errs...)
}

func validateEntry(kind, key string, e ProviderEntry) []error {
	validateProviderName(kind, e.Name)
	if slices.Contains(urlRequired, e.Name) && e.BaseURL == "" {
		return []error{fmt.Errorf("%s.base_url is required for provider %q", key, e.Name)}
	}
	return nil
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
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
