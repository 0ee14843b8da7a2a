// Package config loads the engine's settings file and CLI flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level settings document, loaded from the path given by
// --settings.
type Config struct {
	Postgres PostgresConfig `yaml:"postgres"`
	Bitcoin  *ChainConfig   `yaml:"bitcoin"`
	Ethereum *EthereumConfig `yaml:"ethereum"`
}

// PostgresConfig holds the database connection string.
type PostgresConfig struct {
	URL string `yaml:"url"`
}

// ChainConfig holds Bitcoin node RPC connection settings.
type ChainConfig struct {
	RPCURL  string `yaml:"rpc_url"`
	RPCUser string `yaml:"rpc_user"`
	RPCPass string `yaml:"rpc_pass"`
	Network string `yaml:"network"` // "mainnet" or "testnet"
}

// EthereumConfig holds Ethereum node RPC connection settings.
type EthereumConfig struct {
	RPCURL  string `yaml:"rpc_url"`
	Network string `yaml:"network"`
	ChainID int64  `yaml:"chain_id"`
}

// Flags are the process-wide CLI options layered on top of Config.
type Flags struct {
	SettingsPath      string
	Currencies        []string
	SkipMissedBlocks  bool
}

// ParseFlags parses the CLI flags from args (pass os.Args[1:]).
func ParseFlags(args []string) (*Flags, error) {
	fs := flag.NewFlagSet("finchwatchd", flag.ContinueOnError)
	settings := fs.String("settings", "config.yaml", "path to the settings file")
	currencies := fs.String("currencies", "btc,eth", "comma-separated list of chains to run")
	skipMissed := fs.Bool("skip_missed_blocks", false, "start steady-state polling at the node tip instead of replaying from the persisted watermark")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var list []string
	for _, c := range strings.Split(*currencies, ",") {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if c != "btc" && c != "eth" {
			return nil, fmt.Errorf("config: unrecognized currency %q", c)
		}
		list = append(list, c)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("config: --currencies must name at least one of btc, eth")
	}

	return &Flags{
		SettingsPath:     *settings,
		Currencies:       list,
		SkipMissedBlocks: *skipMissed,
	}, nil
}

// Load reads and parses the settings file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if cfg.Postgres.URL == "" {
		return nil, fmt.Errorf("config: postgres.url is required")
	}
	return &cfg, nil
}

// Enabled reports whether currency appears in the --currencies flag.
func (f *Flags) Enabled(currency string) bool {
	for _, c := range f.Currencies {
		if c == currency {
			return true
		}
	}
	return false
}
