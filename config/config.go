package config

import (
	"math/big"
	"os"
	"time"

	"github.com/AlwinBrauns/servicenode/common/types"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can use values like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", raw)
	}

	*d = Duration(parsed)

	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// StoreConfig selects and configures the state store backend.
//
// Fields:
// - Backend: "bolt" or "postgres".
// - BoltPath: file path of the bbolt database.
// - PostgresConnStr: connection string for the postgres backend.
type StoreConfig struct {
	Backend         string `yaml:"backend"`
	BoltPath        string `yaml:"bolt_path"`
	PostgresConnStr string `yaml:"postgres_conn_str"`
}

// ChainConfig holds the source chain connection settings.
type ChainConfig struct {
	Name                string   `yaml:"name"`
	ChainID             uint64   `yaml:"chain_id"`
	RpcURL              string   `yaml:"rpc_url"`
	TxType              uint64   `yaml:"tx_type"`
	WaitNBlocks         uint64   `yaml:"wait_n_blocks"`
	CallTimeout         Duration `yaml:"call_timeout"`
	HealthCheckInterval Duration `yaml:"health_check_interval"`
}

// SignerConfig holds the signing identity settings. The key is read from
// the environment variable named by PrivateKeyEnv so the key material
// never lives in the config file.
type SignerConfig struct {
	PrivateKeyEnv string `yaml:"private_key_env"`
}

// RouteConfig declares one supported corridor with its amount bounds and
// pricing inputs. Amounts and fees are decimal strings in the token's
// smallest unit.
type RouteConfig struct {
	SourceChainID uint64 `yaml:"source_chain_id"`
	DestChainID   uint64 `yaml:"destination_chain_id"`
	Token         string `yaml:"token"`
	MinAmount     string `yaml:"min_amount"`
	MaxAmount     string `yaml:"max_amount"`
	BaseFee       string `yaml:"base_fee"`
}

// Route returns the corridor identity of the route entry.
func (r RouteConfig) Route() types.Route {
	return types.Route{
		SourceChainID: r.SourceChainID,
		DestChainID:   r.DestChainID,
		Token:         r.Token,
	}
}

// BidConfig holds the bid issuance settings.
type BidConfig struct {
	TTL             Duration `yaml:"ttl"`
	RefreshInterval Duration `yaml:"refresh_interval"`
	FeeMarginPct    int64    `yaml:"fee_margin_pct"`
}

// SubmissionConfig holds the submission loop settings.
type SubmissionConfig struct {
	RetryLimit        int      `yaml:"retry_limit"`
	IdleInterval      Duration `yaml:"idle_interval"`
	BroadcastAttempts uint64   `yaml:"broadcast_attempts"`
	BroadcastBackoff  Duration `yaml:"broadcast_backoff"`
}

// TrackingConfig holds the confirmation tracker settings.
type TrackingConfig struct {
	PollInterval   Duration `yaml:"poll_interval"`
	DroppedTimeout Duration `yaml:"dropped_timeout"`
}

// Config is the full service node configuration.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Chain      ChainConfig      `yaml:"chain"`
	Signer     SignerConfig     `yaml:"signer"`
	Bids       BidConfig        `yaml:"bids"`
	Routes     []RouteConfig    `yaml:"routes"`
	Submission SubmissionConfig `yaml:"submission"`
	Tracking   TrackingConfig   `yaml:"tracking"`
}

// Load reads, parses and validates the configuration file.
//
// Parameters:
// - path: the path to the YAML configuration file.
//
// Returns:
// - *Config: the loaded configuration with defaults applied.
// - error: an error if the file cannot be read or is invalid.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Store.Backend == "" {
		c.Store.Backend = "bolt"
	}

	if c.Store.BoltPath == "" {
		c.Store.BoltPath = "servicenode.db"
	}

	if c.Signer.PrivateKeyEnv == "" {
		c.Signer.PrivateKeyEnv = "SERVICE_NODE_PRIVATE_KEY"
	}

	if c.Bids.TTL == 0 {
		c.Bids.TTL = Duration(5 * time.Minute)
	}

	if c.Bids.RefreshInterval == 0 {
		c.Bids.RefreshInterval = Duration(time.Minute)
	}

	if c.Submission.RetryLimit == 0 {
		c.Submission.RetryLimit = 3
	}

	if c.Submission.IdleInterval == 0 {
		c.Submission.IdleInterval = Duration(time.Second)
	}

	if c.Tracking.PollInterval == 0 {
		c.Tracking.PollInterval = Duration(5 * time.Second)
	}

	if c.Tracking.DroppedTimeout == 0 {
		c.Tracking.DroppedTimeout = Duration(2 * time.Minute)
	}
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "bolt", "postgres":
	default:
		return errors.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Store.Backend == "postgres" && c.Store.PostgresConnStr == "" {
		return errors.New("postgres backend requires postgres_conn_str")
	}

	if c.Chain.ChainID == 0 {
		return errors.New("chain.chain_id is required")
	}

	if c.Chain.RpcURL == "" {
		return errors.New("chain.rpc_url is required")
	}

	if len(c.Routes) == 0 {
		return errors.New("at least one route is required")
	}

	for i, route := range c.Routes {
		if route.Token == "" {
			return errors.Errorf("route %d: token is required", i)
		}

		for _, field := range []struct {
			name  string
			value string
		}{
			{"min_amount", route.MinAmount},
			{"max_amount", route.MaxAmount},
			{"base_fee", route.BaseFee},
		} {
			if _, ok := new(big.Int).SetString(field.value, 10); !ok {
				return errors.Errorf("route %d: %s must be a decimal integer", i, field.name)
			}
		}
	}

	return nil
}
