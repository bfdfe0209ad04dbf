// Package config loads and validates the arbiter YAML configuration.
// The file is checked against an embedded JSON schema first, then against
// runtime-support rules the schema cannot express.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

type Config struct {
	Server     ServerConfig     `yaml:"server" json:"server"`
	Store      StoreConfig      `yaml:"store" json:"store"`
	Authz      AuthzConfig      `yaml:"authz" json:"authz"`
	Gate       GateConfig       `yaml:"gate" json:"gate"`
	Planner    PlannerConfig    `yaml:"planner" json:"planner"`
	Audit      AuditConfig      `yaml:"audit" json:"audit"`
	Governance GovernanceConfig `yaml:"governance" json:"governance"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	// IngressRateLimitPerTenant caps requests/second per tenant at the HTTP
	// edge. 0 disables the limiter; the gate's minute-bucket limit is
	// unaffected either way.
	IngressRateLimitPerTenant int `yaml:"ingress_rate_limit_per_tenant" json:"ingress_rate_limit_per_tenant"`
}

type StoreConfig struct {
	Type       string `yaml:"type" json:"type"`
	SQLitePath string `yaml:"sqlite_path" json:"sqlite_path,omitempty"`
}

type AuthzCacheConfig struct {
	Enabled    bool `yaml:"enabled" json:"enabled"`
	TTLMS      int  `yaml:"ttl_ms" json:"ttl_ms"`
	MaxEntries int  `yaml:"max_entries" json:"max_entries"`
}

type AuthzConfig struct {
	Mode                   string           `yaml:"mode" json:"mode"`
	Endpoint               string           `yaml:"endpoint" json:"endpoint,omitempty"`
	TimeoutMS              int              `yaml:"timeout_ms" json:"timeout_ms"`
	FailMode               string           `yaml:"fail_mode" json:"fail_mode"`
	RetryMaxAttempts       int              `yaml:"retry_max_attempts" json:"retry_max_attempts"`
	RetryBackoffMS         int              `yaml:"retry_backoff_ms" json:"retry_backoff_ms"`
	CircuitBreakerFailures int              `yaml:"circuit_breaker_failures" json:"circuit_breaker_failures"`
	CircuitBreakerOpenMS   int              `yaml:"circuit_breaker_open_ms" json:"circuit_breaker_open_ms"`
	Cache                  AuthzCacheConfig `yaml:"cache" json:"cache"`
}

type GateConfig struct {
	CooldownMS            int `yaml:"cooldown_ms" json:"cooldown_ms"`
	MaxQueue              int `yaml:"max_queue" json:"max_queue"`
	TenantRateLimitPerMin int `yaml:"tenant_rate_limit_per_min" json:"tenant_rate_limit_per_min"`
}

type PlannerConfig struct {
	ReplyPolicy                 string  `yaml:"reply_policy" json:"reply_policy"`
	ReplyProbability            float64 `yaml:"reply_probability" json:"reply_probability"`
	ApprovalTimeoutMS           int     `yaml:"approval_timeout_ms" json:"approval_timeout_ms"`
	ApprovalEscalationOnExpired bool    `yaml:"approval_escalation_on_expired" json:"approval_escalation_on_expired"`
}

type AuditConfig struct {
	Sink                 string `yaml:"sink" json:"sink"`
	JSONLPath            string `yaml:"jsonl_path" json:"jsonl_path"`
	IncludeAuthzDecision bool   `yaml:"include_authz_decision" json:"include_authz_decision"`
	ImmutableMirrorPath  string `yaml:"immutable_mirror_path" json:"immutable_mirror_path,omitempty"`
}

type GovernanceConfig struct {
	AllowedProviders []string `yaml:"allowed_providers" json:"allowed_providers"`
}

// ProviderAllowed reports whether a provider passes the governance allowlist.
// An empty allowlist allows everything.
func (g GovernanceConfig) ProviderAllowed(provider string) bool {
	if len(g.AllowedProviders) == 0 {
		return true
	}
	for _, p := range g.AllowedProviders {
		if p == provider {
			return true
		}
	}
	return false
}

func Default() Config {
	return Config{
		Server: ServerConfig{ListenAddr: "0.0.0.0:8080"},
		Store:  StoreConfig{Type: "memory"},
		Authz: AuthzConfig{
			Mode:                   "builtin",
			TimeoutMS:              300,
			FailMode:               "deny",
			RetryMaxAttempts:       1,
			RetryBackoffMS:         0,
			CircuitBreakerFailures: 5,
			CircuitBreakerOpenMS:   30000,
			Cache: AuthzCacheConfig{
				Enabled:    true,
				TTLMS:      30000,
				MaxEntries: 100000,
			},
		},
		Gate: GateConfig{
			CooldownMS:            3000,
			MaxQueue:              10,
			TenantRateLimitPerMin: 0,
		},
		Planner: PlannerConfig{
			ReplyPolicy:                 "mention_first",
			ReplyProbability:            0,
			ApprovalTimeoutMS:           15 * 60 * 1000,
			ApprovalEscalationOnExpired: true,
		},
		Audit: AuditConfig{
			Sink:                 "jsonl",
			JSONLPath:            "./arbiter-audit.jsonl",
			IncludeAuthzDecision: true,
		},
		Governance: GovernanceConfig{
			AllowedProviders: []string{"generic", "slack", "discord"},
		},
	}
}

// Load reads, schema-validates, and runtime-validates a config file.
func Load(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := validateSchema(raw); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validateSchema checks the decoded document against the embedded schema.
// The YAML tree is round-tripped through JSON so the validator sees the same
// value model a JSON document would produce.
func validateSchema(raw map[string]any) error {
	jb, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	var instance any
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.schema.json", bytes.NewReader([]byte(schemaJSON))); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	schema, err := compiler.Compile("config.schema.json")
	if err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	return nil
}

// Validate enforces the runtime-support rules.
func (c Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return errors.New("server.listen_addr is required")
	}

	switch c.Store.Type {
	case "memory":
		if c.Store.SQLitePath != "" {
			return errors.New("store.sqlite_path is not supported when store.type=memory")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required when store.type=sqlite")
		}
	default:
		return errors.New("store.type must be memory or sqlite")
	}

	switch c.Authz.Mode {
	case "builtin", "external_http":
	default:
		return errors.New("authz.mode must be builtin or external_http")
	}
	if c.Authz.Mode == "external_http" && c.Authz.Endpoint == "" {
		return errors.New("authz.endpoint is required for external_http")
	}
	switch c.Authz.FailMode {
	case "deny", "allow", "fallback_builtin":
	default:
		return errors.New("authz.fail_mode must be deny, allow, or fallback_builtin")
	}
	if c.Authz.TimeoutMS <= 0 {
		return errors.New("authz.timeout_ms must be > 0")
	}
	if c.Authz.RetryMaxAttempts < 1 {
		return errors.New("authz.retry_max_attempts must be >= 1")
	}
	if c.Authz.RetryBackoffMS < 0 {
		return errors.New("authz.retry_backoff_ms must be >= 0")
	}
	if c.Authz.CircuitBreakerFailures < 1 {
		return errors.New("authz.circuit_breaker_failures must be >= 1")
	}
	if c.Authz.CircuitBreakerOpenMS < 1 {
		return errors.New("authz.circuit_breaker_open_ms must be >= 1")
	}

	if c.Gate.CooldownMS < 0 {
		return errors.New("gate.cooldown_ms must be >= 0")
	}
	if c.Gate.MaxQueue < 0 {
		return errors.New("gate.max_queue must be >= 0")
	}
	if c.Gate.TenantRateLimitPerMin < 0 {
		return errors.New("gate.tenant_rate_limit_per_min must be >= 0")
	}

	switch c.Planner.ReplyPolicy {
	case "all", "reply_only", "mention_first", "probabilistic":
	default:
		return errors.New("planner.reply_policy is invalid")
	}
	if c.Planner.ReplyProbability < 0 || c.Planner.ReplyProbability > 1 {
		return errors.New("planner.reply_probability must be between 0 and 1")
	}
	if c.Planner.ApprovalTimeoutMS < 1 {
		return errors.New("planner.approval_timeout_ms must be >= 1")
	}

	if c.Audit.Sink != "jsonl" {
		return errors.New("audit.sink must be jsonl")
	}
	if c.Audit.JSONLPath == "" {
		return errors.New("audit.jsonl_path is required")
	}

	if c.Server.IngressRateLimitPerTenant < 0 {
		return errors.New("server.ingress_rate_limit_per_tenant must be >= 0")
	}
	return nil
}

// EnvOr returns the environment variable value or a fallback default.
func EnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// EnvOrInt returns an integer environment variable or a fallback default.
// Logs a warning if the value is set but not parseable.
func EnvOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer env var, using fallback", "key", key, "value", v, "fallback", fallback)
		return fallback
	}
	return n
}
