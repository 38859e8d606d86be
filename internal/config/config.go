package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/AltairaLabs/keeper/internal/opserr"
	"github.com/AltairaLabs/keeper/internal/retry"
	"github.com/AltairaLabs/keeper/internal/service"
)

// Config is the full client configuration.
type Config struct {
	// Connect is the comma separated ensemble connection string
	Connect string `yaml:"connect"`
	// Namespace, when set, prefixes every path the client touches
	Namespace string `yaml:"namespace"`
	// MaxPayloadSize is the largest payload accepted after compression
	MaxPayloadSize int `yaml:"max_payload_size"`

	Session     SessionConfig     `yaml:"session"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Retry       retry.Backoff     `yaml:"retry"`
	Compression CompressionConfig `yaml:"compression"`
	Errors      ErrorsConfig      `yaml:"errors"`
}

// SessionConfig holds configuration for session management
type SessionConfig struct {
	// Timeout is the session timeout requested from the service
	Timeout time.Duration `yaml:"timeout"`
	// ConnectionTimeout bounds establishing a session
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	// CanBeReadOnly lets a read-only connection count as usable
	CanBeReadOnly bool `yaml:"can_be_read_only"`
	// ReconnectInterval is the first delay between session creation attempts
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	// ReconnectMaxInterval caps the delay between session creation attempts
	ReconnectMaxInterval time.Duration `yaml:"reconnect_max_interval"`
}

// DefaultSessionConfig returns default configuration for sessions
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Timeout:              DefaultSessionTimeout,
		ConnectionTimeout:    DefaultConnectionTimeout,
		ReconnectInterval:    DefaultReconnectInterval,
		ReconnectMaxInterval: DefaultReconnectMaxInterval,
	}
}

// DispatchConfig holds configuration for the operation dispatcher
type DispatchConfig struct {
	// Workers is the number of dispatch lanes
	Workers int `yaml:"workers"`
	// QueueSize is the buffer of each lane
	QueueSize int `yaml:"queue_size"`
	// ConnectionWait bounds waiting for a usable connection
	ConnectionWait time.Duration `yaml:"connection_wait"`
	// SessionWait bounds waiting for a replacement session after LOST
	SessionWait time.Duration `yaml:"session_wait"`
	// AttemptTimeout bounds one boundary call
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	// OperationTimeout bounds an operation including retries
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	// FailOnSessionChange fails operations instead of retrying them on a
	// replacement session
	FailOnSessionChange bool `yaml:"fail_on_session_change"`
}

// DefaultDispatchConfig returns default configuration for the dispatcher
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		Workers:          DefaultWorkers,
		QueueSize:        DefaultQueueSize,
		ConnectionWait:   DefaultConnectionWait,
		SessionWait:      DefaultSessionWait,
		AttemptTimeout:   DefaultAttemptTimeout,
		OperationTimeout: DefaultOperationTimeout,
	}
}

// CompressionConfig selects the default compression provider
type CompressionConfig struct {
	// Codec is one of gzip, zstd or snappy
	Codec string `yaml:"codec"`
}

// ErrorsConfig overrides the default error classification. Keys are service
// code names ("session_expired"), values are kinds ("recoverable",
// "session_fatal" or "semantic").
type ErrorsConfig struct {
	Classes map[string]string `yaml:"classes"`
}

// Classifier applies the overrides to the default classifier.
func (e ErrorsConfig) Classifier() (opserr.Classifier, error) {
	c := opserr.DefaultClassifier()
	for codeName, kindName := range e.Classes {
		code, ok := service.ParseCode(codeName)
		if !ok {
			return c, fmt.Errorf("unknown service code %q", codeName)
		}
		kind, ok := opserr.ParseKind(kindName)
		if !ok {
			return c, fmt.Errorf("unknown error kind %q for %s", kindName, codeName)
		}
		switch kind {
		case opserr.KindRecoverable, opserr.KindSessionFatal, opserr.KindSemantic:
		default:
			return c, fmt.Errorf("code %s cannot be classified as %s", codeName, kindName)
		}
		c = c.With(code, kind)
	}
	return c, nil
}

// Default returns the default configuration
func Default() Config {
	return Config{
		Connect:        "127.0.0.1:2181",
		MaxPayloadSize: DefaultMaxPayloadSize,
		Session:        DefaultSessionConfig(),
		Dispatch:       DefaultDispatchConfig(),
		Retry:          retry.NetworkErrorPolicy(),
		Compression:    CompressionConfig{Codec: "gzip"},
	}
}

// Endpoints splits the connection string.
func (c Config) Endpoints() []string {
	var out []string
	for _, ep := range strings.Split(c.Connect, ",") {
		if ep = strings.TrimSpace(ep); ep != "" {
			out = append(out, ep)
		}
	}
	return out
}

// Validate checks the configuration
func (c Config) Validate() error {
	var errs []error
	if len(c.Endpoints()) == 0 {
		errs = append(errs, errors.New("connect must name at least one endpoint"))
	}
	if c.Namespace != "" {
		if err := service.ValidatePath("/" + c.Namespace); err != nil {
			errs = append(errs, fmt.Errorf("namespace: %w", err))
		}
	}
	if c.MaxPayloadSize <= 0 {
		errs = append(errs, errors.New("max_payload_size must be positive"))
	}
	if c.Session.Timeout <= 0 {
		errs = append(errs, errors.New("session.timeout must be positive"))
	}
	if c.Session.ConnectionTimeout <= 0 {
		errs = append(errs, errors.New("session.connection_timeout must be positive"))
	}
	if c.Dispatch.Workers <= 0 {
		errs = append(errs, errors.New("dispatch.workers must be positive"))
	}
	if c.Dispatch.QueueSize <= 0 {
		errs = append(errs, errors.New("dispatch.queue_size must be positive"))
	}
	if c.Dispatch.AttemptTimeout <= 0 || c.Dispatch.OperationTimeout <= 0 {
		errs = append(errs, errors.New("dispatch timeouts must be positive"))
	}
	if err := c.Retry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}
	if _, err := c.Errors.Classifier(); err != nil {
		errs = append(errs, fmt.Errorf("errors: %w", err))
	}
	return errors.Join(errs...)
}

// Load reads a YAML file over the defaults and applies environment
// overrides. An empty path loads only defaults and environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.DisallowUnknownField()); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Environment variables read by Load
const (
	EnvConnect           = "KEEPER_CONNECT"
	EnvNamespace         = "KEEPER_NAMESPACE"
	EnvSessionTimeout    = "KEEPER_SESSION_TIMEOUT"
	EnvConnectionTimeout = "KEEPER_CONNECTION_TIMEOUT"
	EnvCompression       = "KEEPER_COMPRESSION"
	EnvWorkers           = "KEEPER_WORKERS"
	EnvMaxPayloadSize    = "KEEPER_MAX_PAYLOAD_SIZE"
)

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvConnect); ok {
		cfg.Connect = v
	}
	if v, ok := lookup(EnvNamespace); ok {
		cfg.Namespace = v
	}
	if v, ok := lookup(EnvCompression); ok {
		cfg.Compression.Codec = v
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{EnvSessionTimeout, &cfg.Session.Timeout},
		{EnvConnectionTimeout, &cfg.Session.ConnectionTimeout},
	}
	for _, d := range durations {
		v, ok := lookup(d.env)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.env, err)
		}
		*d.dst = parsed
	}

	ints := []struct {
		env string
		dst *int
	}{
		{EnvWorkers, &cfg.Dispatch.Workers},
		{EnvMaxPayloadSize, &cfg.MaxPayloadSize},
	}
	for _, i := range ints {
		v, ok := lookup(i.env)
		if !ok {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", i.env, err)
		}
		*i.dst = parsed
	}
	return nil
}
