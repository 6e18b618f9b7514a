// Package config loads the daemon configuration from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/terminal-bench/chainsettle/internal/chain"
	"github.com/terminal-bench/chainsettle/internal/match"
	"github.com/terminal-bench/chainsettle/internal/ops"
	"github.com/terminal-bench/chainsettle/internal/registry"
	"github.com/terminal-bench/chainsettle/internal/reward"
	"github.com/terminal-bench/chainsettle/internal/settlement"
	"github.com/terminal-bench/chainsettle/internal/telemetry"
	"github.com/terminal-bench/chainsettle/pkg/amount"
	"github.com/terminal-bench/chainsettle/pkg/messaging"
)

// Config is the daemon configuration. ChainOrder ranks chains for failover after the
// primary; unlisted chains follow alphabetically.
type Config struct {
	LogLevel   string                      `yaml:"log_level"`
	Registry   registry.Config             `yaml:"registry"`
	Chains     map[chain.Type]chain.Config `yaml:"chains"`
	ChainOrder []chain.Type                `yaml:"chain_order"`
	Rewards    Rewards                     `yaml:"rewards"`
	Settlement settlement.Config           `yaml:"settlement"`
	Storage    Storage                     `yaml:"storage"`
	Messaging  messaging.Config            `yaml:"messaging"`
	Influx     telemetry.InfluxConfig      `yaml:"influx"`
	Ops        ops.Config                  `yaml:"ops"`
	Admin      Admin                       `yaml:"admin"`
}

// Rewards overrides entries of the default tier table by id.
type Rewards struct {
	Scale uint64 `yaml:"scale"`
	Tiers []Tier `yaml:"tiers"`
}

// Tier carries the base reward as a decimal string so uint256 values survive YAML.
type Tier struct {
	ID         reward.TierID `yaml:"id"`
	Name       string        `yaml:"name"`
	Multiplier uint64        `yaml:"multiplier"`
	BaseReward string        `yaml:"base_reward"`
}

type Storage struct {
	DatabaseURL   string   `yaml:"-"`
	RedisURL      string   `yaml:"-"`
	EtcdEndpoints []string `yaml:"etcd_endpoints"`
}

type Admin struct {
	JWTSecret string        `yaml:"-"`
	Issuer    string        `yaml:"issuer"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

func Default() Config {
	return Config{
		LogLevel:   "info",
		Registry:   registry.DefaultConfig(),
		Chains:     map[chain.Type]chain.Config{},
		Rewards:    Rewards{Scale: 100},
		Settlement: settlement.DefaultConfig(),
		Admin:      Admin{Issuer: "settled", TokenTTL: time.Hour},
	}
}

// Load reads path (optional), applies a .env file when present and then the process
// environment, and validates the result.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if cfg.Chains == nil {
		cfg.Chains = map[chain.Type]chain.Config{}
	}
	ApplyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SigningKeyEnv names the variable holding a chain's key, e.g. SIGNING_KEY_ETHEREUM.
func SigningKeyEnv(t chain.Type) string {
	return "SIGNING_KEY_" + strings.ToUpper(strings.ReplaceAll(string(t), "-", "_"))
}

func ApplyEnvOverrides(cfg *Config) {
	for t, c := range cfg.Chains {
		if key := strings.TrimSpace(os.Getenv(SigningKeyEnv(t))); key != "" {
			c.SigningKey = key
			cfg.Chains[t] = c
		}
	}

	setString(&cfg.Storage.DatabaseURL, "DATABASE_URL")
	setString(&cfg.Storage.RedisURL, "REDIS_URL")
	if raw := strings.TrimSpace(os.Getenv("ETCD_ENDPOINTS")); raw != "" {
		cfg.Storage.EtcdEndpoints = splitList(raw)
	}
	setString(&cfg.Messaging.URL, "NATS_URL")
	setString(&cfg.Influx.URL, "INFLUXDB_URL")
	setString(&cfg.Influx.Token, "INFLUXDB_TOKEN")
	setString(&cfg.Influx.Org, "INFLUXDB_ORG")
	setString(&cfg.Influx.Bucket, "INFLUXDB_BUCKET")
	setString(&cfg.Admin.JWTSecret, "ADMIN_JWT_SECRET")
	setString(&cfg.Ops.Port, "OPS_PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
}

func setString(dst *string, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		*dst = v
	}
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}

	if len(c.Chains) == 0 {
		errs = append(errs, errors.New("at least one chain must be configured"))
	}
	for _, t := range c.ChainTypes() {
		if f := t.Family(); f == "" || f == chain.FamilyMemory {
			errs = append(errs, fmt.Errorf("chain %s: unsupported type", t))
			continue
		}
		if err := c.Chains[t].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("chain %s: %w", t, err))
		}
	}
	if p := c.Registry.PrimaryChain; p != "" {
		if _, ok := c.Chains[p]; !ok {
			errs = append(errs, fmt.Errorf("primary chain %s is not configured", p))
		}
	}
	seen := make(map[chain.Type]bool, len(c.ChainOrder))
	for _, t := range c.ChainOrder {
		if _, ok := c.Chains[t]; !ok {
			errs = append(errs, fmt.Errorf("chain_order: %s is not configured", t))
		}
		if seen[t] {
			errs = append(errs, fmt.Errorf("chain_order: %s is listed twice", t))
		}
		seen[t] = true
	}

	if _, err := c.Rewards.Engine(); err != nil {
		errs = append(errs, err)
	}
	if c.Influx.URL != "" && !c.Influx.Enabled() {
		errs = append(errs, errors.New("influx requires org and bucket"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", match.ErrConfiguration, err)
	}
	return nil
}

// ChainTypes returns the configured chains in registration order: the primary chain,
// then ChainOrder, then the remaining chains alphabetically. The registry fails over
// in this order.
func (c Config) ChainTypes() []chain.Type {
	out := make([]chain.Type, 0, len(c.Chains))
	placed := make(map[chain.Type]bool, len(c.Chains))
	place := func(t chain.Type) {
		if _, ok := c.Chains[t]; ok && !placed[t] {
			out = append(out, t)
			placed[t] = true
		}
	}
	place(c.Registry.PrimaryChain)
	for _, t := range c.ChainOrder {
		place(t)
	}

	rest := make([]chain.Type, 0, len(c.Chains))
	for t := range c.Chains {
		if !placed[t] {
			rest = append(rest, t)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	return append(out, rest...)
}

// Engine builds the reward engine from the default table with overrides applied.
func (r Rewards) Engine() (*reward.Engine, error) {
	tiers := reward.DefaultTiers()
	for _, o := range r.Tiers {
		if err := reward.ValidateTier(o.ID); err != nil {
			return nil, err
		}
		base, err := amount.ParseUnits(o.BaseReward, 0)
		if err != nil {
			return nil, fmt.Errorf("tier %d: %w", o.ID, err)
		}
		t := &tiers[o.ID]
		if o.Name != "" {
			t.Name = o.Name
		}
		t.Multiplier = o.Multiplier
		t.BaseReward = base
	}
	scale := r.Scale
	if scale == 0 {
		scale = 100
	}
	return reward.NewEngine(scale, tiers)
}
