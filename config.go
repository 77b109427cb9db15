package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the declarative bootstrap for an engine: extra or overriding
// roles, custom policies, consent records and engine settings.
type Config struct {
	Version  uint16            `json:"version" yaml:"version"`
	Roles    []*RoleDefinition `json:"roles,omitempty" yaml:"roles,omitempty"`
	Policies []*Policy         `json:"policies,omitempty" yaml:"policies,omitempty"`
	Consents []*ConsentRecord  `json:"consents,omitempty" yaml:"consents,omitempty"`
	Engine   EngineConfig      `json:"engine" yaml:"engine"`
}

type EngineConfig struct {
	AuditEnabled         *bool `json:"audit_enabled,omitempty" yaml:"audit_enabled,omitempty"`
	AuditBuffer          int   `json:"audit_buffer,omitempty" yaml:"audit_buffer,omitempty"`
	RequireResourceData  bool  `json:"require_resource_data,omitempty" yaml:"require_resource_data,omitempty"`
	DecisionCacheTTL     int64 `json:"decision_cache_ttl_ms,omitempty" yaml:"decision_cache_ttl_ms,omitempty"`
	RistrettoNumCounters int64 `json:"ristretto_num_counters,omitempty" yaml:"ristretto_num_counters,omitempty"`
	RistrettoMaxCost     int64 `json:"ristretto_max_cost,omitempty" yaml:"ristretto_max_cost,omitempty"`
	RistrettoBufferItems int64 `json:"ristretto_buffer_items,omitempty" yaml:"ristretto_buffer_items,omitempty"`
}

// Options translates the construction-time settings into engine options.
// The decision cache is enabled only when a TTL is configured.
func (c EngineConfig) Options() []EngineOption {
	var opts []EngineOption
	if c.AuditEnabled != nil {
		opts = append(opts, WithAuditEnabled(*c.AuditEnabled))
	}
	if c.AuditBuffer > 0 {
		opts = append(opts, WithAuditBuffer(c.AuditBuffer))
	}
	if c.RequireResourceData {
		opts = append(opts, WithRequireResourceData(true))
	}
	if c.DecisionCacheTTL > 0 {
		opts = append(opts, WithDecisionCache(DecisionCacheConfig{
			TTL:         time.Duration(c.DecisionCacheTTL) * time.Millisecond,
			NumCounters: c.RistrettoNumCounters,
			MaxCost:     c.RistrettoMaxCost,
			BufferItems: c.RistrettoBufferItems,
		}))
	}
	return opts
}

// Validate checks every entry and rejects duplicate ids.
func (c *Config) Validate() error {
	var errs []error
	roles := map[Role]bool{}
	for _, r := range c.Roles {
		if err := r.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if roles[r.ID] {
			errs = append(errs, fmt.Errorf("%w: duplicate role %s", ErrInvalidRole, r.ID))
		}
		roles[r.ID] = true
	}
	policies := map[string]bool{}
	for _, p := range c.Policies {
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if policies[p.ID] {
			errs = append(errs, fmt.Errorf("%w: duplicate policy %s", ErrInvalidPolicy, p.ID))
		}
		policies[p.ID] = true
	}
	patients := map[string]bool{}
	for _, cr := range c.Consents {
		if err := cr.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if patients[cr.PatientID] {
			errs = append(errs, fmt.Errorf("%w: duplicate consent for %s", ErrInvalidConsent, cr.PatientID))
		}
		patients[cr.PatientID] = true
	}
	return errors.Join(errs...)
}

// ConfigLoader loads configuration from various formats
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile picks the decoder from the file extension; anything that is not
// .json is read as YAML.
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return l.LoadJSON(data)
	}
	return l.LoadYAML(data)
}

func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// ApplyConfig registers the config's roles, upserts its policies and
// consents, and applies the runtime audit toggle. Construction-time
// settings are applied through EngineConfig.Options instead.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Engine.AuditEnabled != nil {
		e.SetAuditEnabled(*cfg.Engine.AuditEnabled)
	}
	for _, r := range cfg.Roles {
		if err := e.RegisterRole(ctx, r); err != nil {
			return fmt.Errorf("register role %s: %w", r.ID, err)
		}
	}
	for _, p := range cfg.Policies {
		_, err := e.policies.GetPolicy(ctx, p.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			if err := e.AddPolicy(ctx, p); err != nil {
				return fmt.Errorf("add policy %s: %w", p.ID, err)
			}
		case err != nil:
			return fmt.Errorf("lookup policy %s: %w", p.ID, err)
		default:
			if err := e.UpdatePolicy(ctx, p); err != nil {
				return fmt.Errorf("update policy %s: %w", p.ID, err)
			}
		}
	}
	for _, c := range cfg.Consents {
		if err := e.UpsertConsent(ctx, c); err != nil {
			return fmt.Errorf("upsert consent %s: %w", c.PatientID, err)
		}
	}
	return nil
}
