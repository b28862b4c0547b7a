package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/verisimdb/verisimdb/pkg/types"
)

// Deadlines holds the per-call deadline defaults. All are overridable.
type Deadlines struct {
	StoreRead  time.Duration `yaml:"store_read" mapstructure:"store_read"`
	StoreWrite time.Duration `yaml:"store_write" mapstructure:"store_write"`
	FanOut     time.Duration `yaml:"fan_out" mapstructure:"fan_out"`
	Proof      time.Duration `yaml:"proof" mapstructure:"proof"`
	Query      time.Duration `yaml:"query" mapstructure:"query"`
}

// CachePolicy names the caching aggressiveness per modality class.
type CachePolicy string

const (
	CacheStrict     CachePolicy = "strict"
	CacheRelaxed    CachePolicy = "relaxed"
	CacheAggressive CachePolicy = "aggressive"
)

// CacheConfig controls the multi-layer query cache.
type CacheConfig struct {
	MemoryBudgetBytes int64                  `yaml:"memory_budget_bytes" mapstructure:"memory_budget_bytes"`
	L1Entries         int                    `yaml:"l1_entries" mapstructure:"l1_entries"`
	RedisAddr         string                 `yaml:"redis_addr" mapstructure:"redis_addr"`
	Policies          map[string]CachePolicy `yaml:"policies" mapstructure:"policies"`
	CacheProofs       bool                   `yaml:"cache_proofs" mapstructure:"cache_proofs"`
}

// TTL returns the entry TTL for a policy.
func (c *CacheConfig) TTL(p CachePolicy) time.Duration {
	switch p {
	case CacheStrict:
		return 30 * time.Second
	case CacheRelaxed:
		return 5 * time.Minute
	case CacheAggressive:
		return 30 * time.Minute
	}
	return time.Minute
}

// DriftConfig controls the drift detector and normalizer.
type DriftConfig struct {
	RepairThreshold    float64       `yaml:"repair_threshold" mapstructure:"repair_threshold"`
	FrequencyThreshold int           `yaml:"frequency_threshold" mapstructure:"frequency_threshold"`
	QuiescenceInterval time.Duration `yaml:"quiescence_interval" mapstructure:"quiescence_interval"`
	SampleInterval     time.Duration `yaml:"sample_interval" mapstructure:"sample_interval"`
	WorkingSetSize     int           `yaml:"working_set_size" mapstructure:"working_set_size"`
}

// BreakerConfig controls the per-peer circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	CoolDown         time.Duration `yaml:"cool_down" mapstructure:"cool_down"`
}

// FederationConfig controls the raft-replicated metadata log and fan-out.
type FederationConfig struct {
	NodeID   string `yaml:"node_id" mapstructure:"node_id"`
	BindAddr string `yaml:"bind_addr" mapstructure:"bind_addr"`
	DataDir  string `yaml:"data_dir" mapstructure:"data_dir"`
	// EnableIPv4 allows IPv4 binds; default off (IPv6-only).
	EnableIPv4 bool `yaml:"enable_ipv4" mapstructure:"enable_ipv4"`
	// PSKTable maps store-id -> pre-shared key. Empty table refuses
	// federation registration.
	PSKTable     map[string]string `yaml:"psk_table" mapstructure:"psk_table"`
	MinTrust     float64           `yaml:"min_trust" mapstructure:"min_trust"`
	PoolSize     int               `yaml:"pool_size" mapstructure:"pool_size"`
	ByzantineDev float64           `yaml:"byzantine_dev" mapstructure:"byzantine_dev"`
}

// Config is the whole-process configuration.
type Config struct {
	Modalities []types.Modality `yaml:"modalities" mapstructure:"modalities"`
	StrictMode bool             `yaml:"strict_mode" mapstructure:"strict_mode"`
	Verbosity  string           `yaml:"verbosity" mapstructure:"verbosity"`
	JSONLogs   bool             `yaml:"json_logs" mapstructure:"json_logs"`
	HTTPAddr   string           `yaml:"http_addr" mapstructure:"http_addr"`
	DataDir    string           `yaml:"data_dir" mapstructure:"data_dir"`

	Deadlines  Deadlines        `yaml:"deadlines" mapstructure:"deadlines"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Drift      DriftConfig      `yaml:"drift" mapstructure:"drift"`
	Breaker    BreakerConfig    `yaml:"breaker" mapstructure:"breaker"`
	Federation FederationConfig `yaml:"federation" mapstructure:"federation"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Modalities: types.CoreModalities(),
		Verbosity:  "normal",
		HTTPAddr:   "[::1]:7417",
		DataDir:    "./data",
		Deadlines: Deadlines{
			StoreRead:  1 * time.Second,
			StoreWrite: 5 * time.Second,
			FanOut:     5 * time.Second,
			Proof:      10 * time.Second,
			Query:      30 * time.Second,
		},
		Cache: CacheConfig{
			MemoryBudgetBytes: 256 << 20,
			L1Entries:         4096,
			Policies: map[string]CachePolicy{
				"slipstream": CacheAggressive,
				"proof":      CacheStrict,
			},
		},
		Drift: DriftConfig{
			RepairThreshold:    0.3,
			FrequencyThreshold: 10,
			QuiescenceInterval: 30 * time.Second,
			SampleInterval:     10 * time.Second,
			WorkingSetSize:     1024,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			CoolDown:         30 * time.Second,
		},
		Federation: FederationConfig{
			BindAddr:     "[::1]:7418",
			DataDir:      "./data/federation",
			MinTrust:     0.5,
			PoolSize:     16,
			ByzantineDev: 0.3,
		},
	}
}

// Load reads the configuration file at path (YAML), layered over Default
// and under VERISIM_* environment overrides for the keys the file sets.
// An empty path loads the defaults only; the environment is not read.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("VERISIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteFile renders the configuration as YAML, for `verisim serve`
// bootstrap tooling and test fixtures.
func (c *Config) WriteFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if len(c.Modalities) == 0 {
		return fmt.Errorf("config: at least one modality is required")
	}
	if c.Drift.RepairThreshold < 0 || c.Drift.RepairThreshold > 1 {
		return fmt.Errorf("config: drift repair threshold must be in [0,1], got %v", c.Drift.RepairThreshold)
	}
	if c.Federation.MinTrust < 0 || c.Federation.MinTrust > 1 {
		return fmt.Errorf("config: federation min trust must be in [0,1], got %v", c.Federation.MinTrust)
	}
	if c.Federation.PoolSize <= 0 {
		c.Federation.PoolSize = 16
	}
	return nil
}
