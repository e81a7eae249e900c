// Package config provides the configuration schema and loader for the
// Cantoria backend.
package config

import (
	"strings"
	"time"

	"github.com/cantoria/cantoria/internal/worker"
)

// LogLevel controls log verbosity for the Cantoria server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ObjectBackend selects where immutable artefacts (voicebanks, rendered
// audio) are stored.
type ObjectBackend string

const (
	ObjectBackendFS ObjectBackend = "fs"
	ObjectBackendS3 ObjectBackend = "s3"
)

// IsValid reports whether b is a recognised object store backend.
func (b ObjectBackend) IsValid() bool {
	return b == ObjectBackendFS || b == ObjectBackendS3
}

// Config is the root configuration structure for Cantoria.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Auth       AuthConfig      `yaml:"auth"`
	LLM        LLMConfig       `yaml:"llm"`
	Workers    WorkersConfig   `yaml:"workers"`
	Sessions   SessionConfig   `yaml:"sessions"`
	Jobs       JobConfig       `yaml:"jobs"`
	Credits    CreditConfig    `yaml:"credits"`
	Storage    StorageConfig   `yaml:"storage"`
	Voicebanks VoicebankConfig `yaml:"voicebanks"`
}

// ServerConfig holds network and logging settings for the HTTP edge.
type ServerConfig struct {
	// Host is the interface to bind (e.g. "0.0.0.0"). Overridable via
	// BACKEND_HOST.
	Host string `yaml:"host"`

	// Port is the TCP port to listen on. Overridable via BACKEND_PORT.
	Port int `yaml:"port"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AuthConfig configures request authentication.
type AuthConfig struct {
	// Disabled turns authentication off and attributes every request to
	// DevUserID. Overridable via BACKEND_AUTH_DISABLED. Development only.
	Disabled bool `yaml:"disabled"`

	// JWTSecret is the HMAC key used to verify bearer tokens. Required
	// unless Disabled is true.
	JWTSecret string `yaml:"jwt_secret"`

	// Issuer, when non-empty, is enforced against the token `iss` claim.
	Issuer string `yaml:"issuer"`

	// DevUserID is the user id assumed when Disabled is true.
	DevUserID string `yaml:"dev_user_id"`
}

// LLMConfig selects the chat model that drives the orchestration loop.
type LLMConfig struct {
	// Provider selects the backend (e.g. "openai", "anthropic", "ollama").
	Provider string `yaml:"provider"`

	// APIKey is the authentication key for the provider's API, if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g. "gpt-4o").
	Model string `yaml:"model"`

	// Temperature is passed through to the model. Zero means provider default.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int `yaml:"max_tokens"`

	// Fallbacks are tried in order when the primary backend fails or its
	// circuit breaker is open.
	Fallbacks []LLMEndpoint `yaml:"fallbacks"`
}

// LLMEndpoint names one fallback planner backend.
type LLMEndpoint struct {
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
}

// WorkersConfig describes the two synthesis worker subprocesses.
type WorkersConfig struct {
	CPU WorkerClassConfig `yaml:"cpu"`
	GPU WorkerClassConfig `yaml:"gpu"`
}

// WorkerClassConfig describes how to launch and schedule one worker class.
type WorkerClassConfig struct {
	// Command is the executable launched for this class, with optional
	// arguments (e.g. "python -m cantoria_worker --device cuda").
	Command string `yaml:"command"`

	// Concurrency is the number of in-flight calls allowed. Overridable via
	// CPU_CONCURRENCY for the cpu class. Zero applies the class default
	// (1 for gpu, 4 for cpu).
	Concurrency int `yaml:"concurrency"`

	// QueueDepth is the number of calls that may wait for a slot before
	// new calls are rejected with backpressure. Overridable via
	// GPU_QUEUE_DEPTH for the gpu class. Zero applies the default of 16.
	QueueDepth int `yaml:"queue_depth"`

	// Env holds additional environment variables injected into the
	// subprocess. May be nil.
	Env map[string]string `yaml:"env"`
}

// SessionConfig holds settings for the session store.
type SessionConfig struct {
	// TTLSeconds is the idle lifetime of a session. Overridable via
	// SESSION_TTL_SECONDS. Zero applies the default of 24 hours.
	TTLSeconds int `yaml:"ttl_seconds"`

	// ScratchRoot is the directory under which per-session scratch
	// directories are created.
	ScratchRoot string `yaml:"scratch_root"`
}

// JobConfig holds settings for the synthesis job registry.
type JobConfig struct {
	// DeadlineSeconds is the hard wall-clock limit for a job before it is
	// cancelled. Overridable via JOB_DEADLINE_SECONDS. Zero applies the
	// default of 900 seconds.
	DeadlineSeconds int `yaml:"deadline_seconds"`
}

// CreditConfig holds settings for the credit ledger.
type CreditConfig struct {
	// ReservationTTLSeconds is how long an unsettled reservation is held
	// before the reaper releases it. Zero applies the default of 1 hour.
	ReservationTTLSeconds int `yaml:"reservation_ttl_seconds"`
}

// StorageConfig selects the durable stores.
type StorageConfig struct {
	// PostgresDSN is the connection string for the document store holding
	// credit accounts and ledger entries. When empty an in-memory store is
	// used; development only.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Objects configures the artefact object store.
	Objects ObjectStoreConfig `yaml:"objects"`
}

// ObjectStoreConfig configures where voicebank archives and rendered audio live.
type ObjectStoreConfig struct {
	// Backend is "fs" or "s3".
	Backend ObjectBackend `yaml:"backend"`

	// Root is the base directory for the fs backend.
	Root string `yaml:"root"`

	// Bucket is the S3 bucket for the s3 backend.
	Bucket string `yaml:"bucket"`

	// Region is the S3 region.
	Region string `yaml:"region"`

	// Endpoint overrides the S3 endpoint, for MinIO-style deployments.
	Endpoint string `yaml:"endpoint"`

	// PathStyle forces path-style addressing. Required by most
	// S3-compatible servers.
	PathStyle bool `yaml:"path_style"`
}

// VoicebankConfig holds settings for the local voicebank cache.
type VoicebankConfig struct {
	// CacheDir is the directory voicebank archives are unpacked into.
	// Overridable via VOICEBANK_CACHE_DIR.
	CacheDir string `yaml:"cache_dir"`
}

// SessionTTL returns the configured session lifetime as a duration.
func (c *Config) SessionTTL() time.Duration {
	if c.Sessions.TTLSeconds <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Sessions.TTLSeconds) * time.Second
}

// JobDeadline returns the configured job deadline as a duration.
func (c *Config) JobDeadline() time.Duration {
	if c.Jobs.DeadlineSeconds <= 0 {
		return 900 * time.Second
	}
	return time.Duration(c.Jobs.DeadlineSeconds) * time.Second
}

// ReservationTTL returns the configured credit reservation lifetime.
func (c *Config) ReservationTTL() time.Duration {
	if c.Credits.ReservationTTLSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(c.Credits.ReservationTTLSeconds) * time.Second
}

// ClassConfigs translates the worker section into per-class scheduler
// settings. The command string is split on whitespace into executable and
// arguments.
func (c *Config) ClassConfigs() map[worker.Class]worker.ClassConfig {
	return map[worker.Class]worker.ClassConfig{
		worker.ClassCPU: classConfig(c.Workers.CPU),
		worker.ClassGPU: classConfig(c.Workers.GPU),
	}
}

func classConfig(wc WorkerClassConfig) worker.ClassConfig {
	fields := strings.Fields(wc.Command)
	cfg := worker.ClassConfig{
		Concurrency: wc.Concurrency,
		QueueDepth:  wc.QueueDepth,
		Env:         wc.Env,
	}
	if len(fields) > 0 {
		cfg.Command = fields[0]
		cfg.Args = fields[1:]
	}
	return cfg
}
