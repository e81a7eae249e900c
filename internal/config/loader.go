package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValidLLMProviders lists known LLM provider names. Used by [Validate] to
// warn about unrecognised names.
var ValidLLMProviders = []string{
	"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config].
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

// LoadFromReader decodes a YAML config from r, applies environment overrides,
// and validates the result. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays the BACKEND_* operational environment variables onto cfg.
// Unset variables leave the file values untouched.
func ApplyEnv(cfg *Config) error {
	var errs []error

	if v := os.Getenv("BACKEND_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("BACKEND_AUTH_DISABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("BACKEND_AUTH_DISABLED %q is not a boolean", v))
		} else {
			cfg.Auth.Disabled = b
		}
	}
	if v := os.Getenv("VOICEBANK_CACHE_DIR"); v != "" {
		cfg.Voicebanks.CacheDir = v
	}

	intVars := []struct {
		name string
		dst  *int
	}{
		{"BACKEND_PORT", &cfg.Server.Port},
		{"SESSION_TTL_SECONDS", &cfg.Sessions.TTLSeconds},
		{"JOB_DEADLINE_SECONDS", &cfg.Jobs.DeadlineSeconds},
		{"GPU_QUEUE_DEPTH", &cfg.Workers.GPU.QueueDepth},
		{"CPU_CONCURRENCY", &cfg.Workers.CPU.Concurrency},
	}
	for _, iv := range intVars {
		v := os.Getenv(iv.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("%s %q is not a positive integer", iv.name, v))
			continue
		}
		*iv.dst = n
	}

	return errors.Join(errs...)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [0, 65535]", cfg.Server.Port))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Auth
	if !cfg.Auth.Disabled && cfg.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required unless auth.disabled is true"))
	}
	if cfg.Auth.Disabled {
		slog.Warn("authentication is disabled; all requests are attributed to the development user")
	}

	// LLM
	if cfg.LLM.Provider == "" {
		errs = append(errs, errors.New("llm.provider is required"))
	} else if !slices.Contains(ValidLLMProviders, cfg.LLM.Provider) {
		slog.Warn("unknown LLM provider name — may be a typo or third-party provider",
			"name", cfg.LLM.Provider,
			"known", ValidLLMProviders,
		)
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0, 2]", cfg.LLM.Temperature))
	}
	for i, fb := range cfg.LLM.Fallbacks {
		if fb.Provider == "" || fb.Model == "" {
			errs = append(errs, fmt.Errorf("llm.fallbacks[%d] requires both provider and model", i))
		}
	}

	// Workers
	if cfg.Workers.CPU.Command == "" {
		errs = append(errs, errors.New("workers.cpu.command is required"))
	}
	if cfg.Workers.GPU.Command == "" {
		errs = append(errs, errors.New("workers.gpu.command is required"))
	}
	for _, wc := range []struct {
		name string
		cfg  WorkerClassConfig
	}{{"cpu", cfg.Workers.CPU}, {"gpu", cfg.Workers.GPU}} {
		if wc.cfg.Concurrency < 0 {
			errs = append(errs, fmt.Errorf("workers.%s.concurrency must not be negative", wc.name))
		}
		if wc.cfg.QueueDepth < 0 {
			errs = append(errs, fmt.Errorf("workers.%s.queue_depth must not be negative", wc.name))
		}
	}
	if cfg.Workers.GPU.Concurrency > 1 {
		slog.Warn("workers.gpu.concurrency above 1 risks device-memory contention",
			"concurrency", cfg.Workers.GPU.Concurrency,
		)
	}

	// Sessions and jobs
	if cfg.Sessions.TTLSeconds < 0 {
		errs = append(errs, errors.New("sessions.ttl_seconds must not be negative"))
	}
	if cfg.Jobs.DeadlineSeconds < 0 {
		errs = append(errs, errors.New("jobs.deadline_seconds must not be negative"))
	}
	if cfg.Credits.ReservationTTLSeconds < 0 {
		errs = append(errs, errors.New("credits.reservation_ttl_seconds must not be negative"))
	}

	// Storage
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; credit state will not survive restarts")
	}
	obj := cfg.Storage.Objects
	if obj.Backend != "" && !obj.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("storage.objects.backend %q is invalid; valid values: fs, s3", obj.Backend))
	}
	if obj.Backend == ObjectBackendS3 && obj.Bucket == "" {
		errs = append(errs, errors.New("storage.objects.bucket is required when backend is s3"))
	}

	return errors.Join(errs...)
}
