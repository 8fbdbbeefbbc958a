// Package config provides the gateway's layered Settings Service (C11) and
// build information.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/locallm/gateway/internal/domain"
)

// Auth mode constants for the gateway's top-level auth policy.
const (
	AuthModeOAuth = "oauth" // normal mode: OAuth2/PKCE login, JWT bearer tokens
	AuthModeNone  = "none"  // non-authenticated mode: authorization is a no-op everywhere
)

// SystemEnvPrefix marks env vars that belong to the "system" layer — the
// highest-precedence layer, fixed by the deployment and read once at start.
const SystemEnvPrefix = "GATEWAY_SYSTEM_"

// EnvPrefix marks ordinary "env" layer overrides.
const EnvPrefix = "GATEWAY_"

var (
	mu      sync.RWMutex
	service *Service
)

// fieldSpec describes one well-known setting: its key (which also names its
// command-line flag and env var), its default, and its description.
type fieldSpec struct {
	key         string
	def         any
	description string
}

var knownFields = []fieldSpec{
	{"auth_mode", AuthModeOAuth, "oauth (normal) or none (non-authenticated/setup mode)"},
	{"issuer", "", "OAuth 2.0 / OIDC issuer base URL"},
	{"data_dir", "./data", "directory for the secret store, alias files, and settings file"},
	{"worker_binary", "llama-server", "path to the llama-server binary"},
	{"worker_port_base", 18080, "first local port the supervisor assigns to a spawned worker"},
	{"max_ready_workers", 2, "ceiling on simultaneously Ready worker processes"},
	{"worker_idle_timeout_seconds", 600, "idle duration after which a Ready worker becomes eligible for eviction"},
	{"worker_spawn_deadline_seconds", 60, "deadline for a worker to pass its health probe after spawn"},
	{"session_refresh_threshold_seconds", 60, "remaining access-token lifetime below which a session is refreshed eagerly"},
	{"http_addr", ":8080", "listen address for the HTTP server"},
	{"cors_allowed_origins", "http://localhost:3000", "comma-separated list of allowed CORS origins"},
	{"session_backend", "memory", "memory or postgres"},
	{"database_url", "", "Postgres connection string, used when session_backend=postgres"},
	{"redis_url", "", "Redis connection string; not read by any component (the rate limiter's Redis backend takes REDIS_URL from the environment)"},
}

// Service is the Settings Service: a layered, typed, source-attributed
// configuration store. Precedence (highest wins): system > cmdline > env >
// file > default, matching spec.md §3's Setting.source.
type Service struct {
	mu        sync.RWMutex
	defaults  map[string]any
	descs     map[string]string
	system    map[string]any
	cmdline   map[string]any
	env       map[string]any
	file      map[string]any
	filePath  string
}

// Init builds the Settings Service from the process environment and
// optional command-line flags, then loads the persisted settings file if
// present. It must be called exactly once at startup.
func Init(args []string) (*Service, error) {
	mu.Lock()
	defer mu.Unlock()

	if service != nil {
		return nil, errors.New("config: settings already initialized")
	}

	s := &Service{
		defaults: make(map[string]any),
		descs:    make(map[string]string),
		system:   make(map[string]any),
		cmdline:  make(map[string]any),
		env:      make(map[string]any),
		file:     make(map[string]any),
	}

	for _, f := range knownFields {
		s.defaults[f.key] = f.def
		s.descs[f.key] = f.description
	}

	fs := flag.NewFlagSet("gateway", flag.ContinueOnError)
	flagVals := make(map[string]*string)
	for _, f := range knownFields {
		flagVals[f.key] = fs.String(strings.ReplaceAll(f.key, "_", "-"), "", f.description)
	}
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: parse flags: %w", err)
	}
	for k, v := range flagVals {
		if *v != "" {
			s.cmdline[k] = *v
		}
	}

	for _, f := range knownFields {
		envKey := EnvPrefix + strings.ToUpper(f.key)
		if v, ok := os.LookupEnv(envKey); ok {
			s.env[f.key] = v
		}
		sysKey := SystemEnvPrefix + strings.ToUpper(f.key)
		if v, ok := os.LookupEnv(sysKey); ok {
			s.system[f.key] = v
		}
	}

	s.filePath = dataDirFromLayers(s) + "/settings.yaml"
	if raw, err := os.ReadFile(s.filePath); err == nil {
		var doc map[string]any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("config: parse settings file: %w", err)
		}
		s.file = doc
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read settings file: %w", err)
	}

	if err := s.validate(); err != nil {
		return nil, err
	}

	service = s
	return s, nil
}

// dataDirFromLayers resolves data_dir without going through the full
// resolver (the settings file itself lives under data_dir, so this one key
// must be resolvable before the file layer exists).
func dataDirFromLayers(s *Service) string {
	for _, layer := range []map[string]any{s.system, s.cmdline, s.env} {
		if v, ok := layer["data_dir"]; ok {
			return fmt.Sprint(v)
		}
	}
	return fmt.Sprint(s.defaults["data_dir"])
}

func (s *Service) validate() error {
	mode := fmt.Sprint(s.resolve("auth_mode").Value)
	if mode != AuthModeOAuth && mode != AuthModeNone {
		return fmt.Errorf("config: invalid auth_mode %q (must be %q or %q)", mode, AuthModeOAuth, AuthModeNone)
	}
	if mode == AuthModeOAuth {
		issuer := fmt.Sprint(s.resolve("issuer").Value)
		if issuer == "" {
			return errors.New("config: issuer is required when auth_mode=oauth")
		}
		if os.Getenv("GO_ENV") == "production" && !strings.HasPrefix(issuer, "https://") {
			return fmt.Errorf("config: issuer must use HTTPS in production (got %s)", issuer)
		}
	}
	return nil
}

// Get returns the current instance's resolved Setting for key.
func Get(key string) (domain.Setting, bool) {
	mu.RLock()
	s := service
	mu.RUnlock()
	if s == nil {
		panic("config: settings not initialized - call Init first")
	}
	return s.resolve(key), s.defined(key)
}

// All returns every known setting, resolved.
func All() []domain.Setting {
	mu.RLock()
	s := service
	mu.RUnlock()
	if s == nil {
		panic("config: settings not initialized - call Init first")
	}
	out := make([]domain.Setting, 0, len(knownFields))
	for _, f := range knownFields {
		out = append(out, s.resolve(f.key))
	}
	return out
}

func (s *Service) defined(key string) bool {
	for _, f := range knownFields {
		if f.key == key {
			return true
		}
	}
	return false
}

// resolve applies the precedence chain and returns the winning layer.
func (s *Service) resolve(key string) domain.Setting {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type layer struct {
		name domain.SettingSource
		m    map[string]any
	}
	for _, l := range []layer{
		{domain.SettingSourceSystem, s.system},
		{domain.SettingSourceCmdline, s.cmdline},
		{domain.SettingSourceEnv, s.env},
		{domain.SettingSourceFile, s.file},
	} {
		if v, ok := l.m[key]; ok {
			return domain.Setting{Key: key, Value: v, Source: l.name, Editable: l.name == domain.SettingSourceFile, Description: s.descs[key]}
		}
	}
	return domain.Setting{Key: key, Value: s.defaults[key], Source: domain.SettingSourceDefault, Editable: true, Description: s.descs[key]}
}

// SetFileValue persists a new value for key to the settings file. It
// succeeds even if a higher-precedence layer currently shadows the value —
// the write takes effect once that layer's override is removed — but it is
// rejected outright for keys whose current source is system or cmdline,
// since those can never be edited through this API (spec §3: "system
// settings are read-only").
func SetFileValue(key string, value any) error {
	mu.Lock()
	defer mu.Unlock()
	if service == nil {
		panic("config: settings not initialized - call Init first")
	}
	s := service

	s.mu.Lock()
	current := s.resolveLocked(key)
	if current.Source == domain.SettingSourceSystem || current.Source == domain.SettingSourceCmdline {
		s.mu.Unlock()
		return fmt.Errorf("config: %q is set by the %s layer and cannot be edited", key, current.Source)
	}
	s.file[key] = value
	doc := make(map[string]any, len(s.file))
	for k, v := range s.file {
		doc[k] = v
	}
	s.mu.Unlock()

	raw, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config: marshal settings file: %w", err)
	}
	if err := os.MkdirAll(dataDirFromLayers(s), 0o700); err != nil {
		return fmt.Errorf("config: create data dir: %w", err)
	}
	if err := os.WriteFile(s.filePath, raw, 0o600); err != nil {
		return fmt.Errorf("config: write settings file: %w", err)
	}
	log.Info().Str("key", key).Msg("settings: file value updated")
	return nil
}

// resolveLocked is resolve without re-acquiring s.mu; callers must hold it.
func (s *Service) resolveLocked(key string) domain.Setting {
	type layer struct {
		name domain.SettingSource
		m    map[string]any
	}
	for _, l := range []layer{
		{domain.SettingSourceSystem, s.system},
		{domain.SettingSourceCmdline, s.cmdline},
		{domain.SettingSourceEnv, s.env},
		{domain.SettingSourceFile, s.file},
	} {
		if v, ok := l.m[key]; ok {
			return domain.Setting{Key: key, Value: v, Source: l.name}
		}
	}
	return domain.Setting{Key: key, Value: s.defaults[key], Source: domain.SettingSourceDefault}
}

// --- typed accessors, in the teacher's mustGetConfig-panics-if-uninit style ---

func str(key string) string {
	v, _ := Get(key)
	return fmt.Sprint(v.Value)
}

func intVal(key string) int {
	v, _ := Get(key)
	switch t := v.Value.(type) {
	case int:
		return t
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			panic(fmt.Sprintf("config: %s is not an integer: %v", key, v.Value))
		}
		return n
	default:
		n, err := strconv.Atoi(fmt.Sprint(t))
		if err != nil {
			panic(fmt.Sprintf("config: %s is not an integer: %v", key, v.Value))
		}
		return n
	}
}

func AuthMode() string                  { return str("auth_mode") }
func IsNonAuthMode() bool               { return AuthMode() == AuthModeNone }
func Issuer() string                    { return str("issuer") }
func DataDir() string                   { return str("data_dir") }
func WorkerBinary() string              { return str("worker_binary") }
func WorkerPortBase() int               { return intVal("worker_port_base") }
func MaxReadyWorkers() int              { return intVal("max_ready_workers") }
func WorkerIdleTimeout() time.Duration  { return time.Duration(intVal("worker_idle_timeout_seconds")) * time.Second }
func WorkerSpawnDeadline() time.Duration {
	return time.Duration(intVal("worker_spawn_deadline_seconds")) * time.Second
}
func SessionRefreshThreshold() time.Duration {
	return time.Duration(intVal("session_refresh_threshold_seconds")) * time.Second
}
func HTTPAddr() string           { return str("http_addr") }
func CORSAllowedOrigins() []string {
	raw := str("cors_allowed_origins")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
func SessionBackend() string { return str("session_backend") }
func DatabaseURL() string    { return str("database_url") }
func RedisURL() string       { return str("redis_url") }

// Reset clears the process-wide settings singleton. Test-only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	service = nil
}
