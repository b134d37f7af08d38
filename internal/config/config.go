// Package config reads process configuration from the environment. Both
// entrypoints go through it so the keys live in one place.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"recipe-assistant/internal/usecase"
)

const (
	ParamSourceSSM = "ssm"
	ParamSourceEnv = "env"
)

type Config struct {
	ParamPrefix string
	// ParamSource selects SSM or the environment (PARAM_* keys) for secrets
	// and the persona.
	ParamSource      string
	AccountID        string
	WorkersAIBaseURL string
	MealDBBaseURL    string

	CharLimit          int
	MaxMessageLength   int
	IdleTimeout        time.Duration
	UpstreamTimeout    time.Duration
	DrainAfterTruncate bool

	RateLimitPerMinute int
	RateLimitBurst     int

	TurnsTable string
	TurnsDB    string

	ListenAddr     string
	LogFile        string
	LogLevel       string
	IdentityHeader string
}

// LoadDotEnv loads .env style files into the environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return FromLookup(os.LookupEnv)
}

// FromLookup reads the configuration through lookup.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	e := env{lookup: lookup}
	cfg := Config{
		ParamPrefix:        e.str("PARAM_PREFIX", ""),
		ParamSource:        strings.ToLower(e.str("PARAM_SOURCE", ParamSourceSSM)),
		AccountID:          e.str("CF_ACCOUNT_ID", ""),
		WorkersAIBaseURL:   e.str("WORKERSAI_BASE_URL", ""),
		MealDBBaseURL:      e.str("MEALDB_BASE_URL", ""),
		CharLimit:          e.intVal("CHAR_LIMIT", 5000),
		MaxMessageLength:   e.intVal("MAX_MESSAGE_LENGTH", 1000),
		IdleTimeout:        e.durationVal("UPSTREAM_IDLE_TIMEOUT", 30*time.Second),
		UpstreamTimeout:    e.durationVal("UPSTREAM_TIMEOUT", 0),
		DrainAfterTruncate: e.boolVal("DRAIN_AFTER_TRUNCATE", true),
		RateLimitPerMinute: e.intVal("RATE_LIMIT_PER_MINUTE", 0),
		RateLimitBurst:     e.intVal("RATE_LIMIT_BURST", 5),
		TurnsTable:         e.str("TURNS_TABLE", ""),
		TurnsDB:            e.str("TURNS_DB", ""),
		ListenAddr:         e.str("LISTEN_ADDR", ":8080"),
		LogFile:            e.str("LOG_FILE", ""),
		LogLevel:           e.str("LOG_LEVEL", "info"),
		IdentityHeader:     e.str("IDENTITY_HEADER", ""),
	}
	if e.err != nil {
		return Config{}, e.err
	}
	return cfg, nil
}

// Validate checks the keys every relay deployment needs.
func (c Config) Validate() error {
	var missing []string
	if c.ParamPrefix == "" {
		missing = append(missing, "PARAM_PREFIX")
	}
	if c.AccountID == "" {
		missing = append(missing, "CF_ACCOUNT_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: required environment variables not set: %s", strings.Join(missing, ", "))
	}
	if c.ParamSource != ParamSourceSSM && c.ParamSource != ParamSourceEnv {
		return fmt.Errorf("config: PARAM_SOURCE must be %q or %q, got %q", ParamSourceSSM, ParamSourceEnv, c.ParamSource)
	}
	return nil
}

// Chat returns the relay settings for the chat service.
func (c Config) Chat() usecase.Config {
	return usecase.Config{
		ParamPrefix:        c.ParamPrefix,
		MaxMessageLength:   c.MaxMessageLength,
		CharLimit:          c.CharLimit,
		DrainAfterTruncate: c.DrainAfterTruncate,
		IdleTimeout:        c.IdleTimeout,
		UpstreamTimeout:    c.UpstreamTimeout,
	}
}

type env struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *env) str(key, def string) string {
	v, ok := e.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

func (e *env) intVal(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return n
}

func (e *env) durationVal(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return d
}

func (e *env) boolVal(key string, def bool) bool {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return b
}

func (e *env) fail(key, value string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("config: invalid %s=%q: %w", key, value, err)
	}
}
