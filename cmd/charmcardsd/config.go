package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/caarlos0/env/v11"
	"github.com/gathogajanice/charmcards"
	"github.com/gathogajanice/charmcards/broadcast"
	"github.com/gathogajanice/charmcards/chainwatcher"
	"github.com/gathogajanice/charmcards/prover"
)

const (
	appName        = "charmcards"
	configFilename = "charmcards.conf"
	envPrefix      = "CHARMCARDS_"
)

var defaultDataDir = btcutil.AppDataDir(appName, false)

// AppConfig is the daemon configuration. It is read once at startup and
// not changed afterwards.
type AppConfig struct {
	DataDir    string `toml:"-" env:"DATADIR"`
	Network    string `toml:"network" env:"NETWORK"`
	DebugLevel string `toml:"debuglevel" env:"DEBUGLEVEL"`
	HTTPAddr   string `toml:"httpaddr" env:"HTTPADDR"`

	ProverURL    string        `toml:"proverurl" env:"PROVER_URL"`
	ProofTimeout time.Duration `toml:"prooftimeout" env:"PROOF_TIMEOUT"`

	ExplorerURL string `toml:"explorerurl" env:"EXPLORER_URL"`

	RPC               broadcast.RPCConfig   `toml:"rpc" envPrefix:"RPC_"`
	BroadcastTimeout  time.Duration         `toml:"broadcasttimeout" env:"BROADCAST_TIMEOUT"`
	BroadcastAttempts int                   `toml:"broadcastattempts" env:"BROADCAST_ATTEMPTS"`
	BroadcastRetry    broadcast.RetryPolicy `toml:"broadcastretry" envPrefix:"BROADCAST_RETRY_"`
	ProbeInterval     time.Duration         `toml:"probeinterval" env:"PROBE_INTERVAL"`

	PollInterval time.Duration `toml:"pollinterval" env:"POLL_INTERVAL"`
	MaxWait      time.Duration `toml:"maxwait" env:"MAX_WAIT"`

	MaxLogFiles int `toml:"maxlogfiles" env:"MAX_LOG_FILES"`
}

// ConfigOverrides are command line values. Empty fields keep the value
// from the file or environment.
type ConfigOverrides struct {
	Network     string
	DebugLevel  string
	HTTPAddr    string
	ProverURL   string
	ExplorerURL string
	RPCURL      string
}

func defaultConfig(dataDir string) *AppConfig {
	return &AppConfig{
		DataDir:           dataDir,
		Network:           string(charmcards.Testnet4),
		DebugLevel:        "info",
		HTTPAddr:          "127.0.0.1:8650",
		ProofTimeout:      prover.DefaultTimeout,
		BroadcastTimeout:  broadcast.DefaultTimeout,
		BroadcastAttempts: broadcast.DefaultAttempts,
		BroadcastRetry:    broadcast.DefaultRetryPolicy,
		ProbeInterval:     time.Minute,
		PollInterval:      chainwatcher.DefaultInterval,
		MaxWait:           chainwatcher.DefaultMaxWait,
		MaxLogFiles:       10,
	}
}

// LoadAppConfig layers defaults, the config file in dataDir, CHARMCARDS_
// environment variables and overrides, in that order. A missing config
// file is not an error.
func LoadAppConfig(dataDir string, o ConfigOverrides) (*AppConfig, error) {
	if dataDir == "" {
		dataDir = defaultDataDir
	}
	cfg := defaultConfig(dataDir)

	path := filepath.Join(dataDir, configFilename)
	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = dataDir
	}

	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Network, o.Network)
	set(&cfg.DebugLevel, o.DebugLevel)
	set(&cfg.HTTPAddr, o.HTTPAddr)
	set(&cfg.ProverURL, o.ProverURL)
	set(&cfg.ExplorerURL, o.ExplorerURL)
	set(&cfg.RPC.URL, o.RPCURL)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	if _, err := charmcards.ParseNetwork(c.Network); err != nil {
		return err
	}
	if strings.TrimSpace(c.ProverURL) == "" {
		return fmt.Errorf("proverurl is required")
	}
	if !c.RPC.Enabled() && strings.TrimSpace(c.ExplorerURL) == "" {
		return fmt.Errorf("set rpc.url, explorerurl or both")
	}
	if c.PollInterval <= 0 || c.MaxWait <= 0 {
		return fmt.Errorf("pollinterval and maxwait must be positive")
	}
	return nil
}

// ensureDataDir creates the data and log directories.
func (c *AppConfig) ensureDataDir() error {
	return os.MkdirAll(filepath.Join(c.DataDir, "logs"), 0o700)
}
