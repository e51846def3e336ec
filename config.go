package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "civkitd.toml"
	defaultDataDirname    = "data"
	defaultLogFilename    = "civkitd.log"

	defaultMaxDbSize          = 0 // unbounded
	defaultMaxEventAge        = 60 * 60 * 24 * 365
	defaultMaxClientConns     = 1000
	defaultMaxSubscriptions   = 100
	defaultMaxCredsPerRequest = 100
	defaultMaxPendingPerConn  = 1000
	defaultNoisePort          = 9735
	defaultNostrPort          = 8080
	defaultCliPort            = 10018
	defaultAttestationPollSec = 60
)

// performanceConfig is the [performance] TOML section.
type performanceConfig struct {
	MaxDbSize   int32 `toml:"max_db_size"`
	MaxEventAge int32 `toml:"max_event_age"`
}

// spamProtectionConfig is the [spam_protection] TOML section.
type spamProtectionConfig struct {
	RequireCredentials bool `toml:"requestcredentials"`
}

// connectionsConfig is the [connections] TOML section.
type connectionsConfig struct {
	MaxClientConnections int32 `toml:"maxclientconnections"`
}

// civkitdConfig is the [civkitd] TOML section.
type civkitdConfig struct {
	Network   string `toml:"network"`
	NoisePort int32  `toml:"noise_port"`
	NostrPort int32  `toml:"nostr_port"`
	CliPort   int32  `toml:"cli_port"`
}

// loggingConfig is the [logging] TOML section.
type loggingConfig struct {
	Level string `toml:"level"`
}

// mainstayConfig is the [mainstay] TOML section, naming the Attestation
// Client's slot-based attestation service and chain-binding derivation
// parameters.
type mainstayConfig struct {
	URL        string `toml:"url"`
	Position   int32  `toml:"position"`
	Token      string `toml:"token"`
	BasePubKey string `toml:"base_pubkey"`
	ChainCode  string `toml:"chain_code"`
}

// bitcoindParamsConfig is the [bitcoind_params] TOML section, naming the
// Chain Oracle Adapter's bitcoind RPC endpoint.
type bitcoindParamsConfig struct {
	Host        string `toml:"host"`
	Port        int32  `toml:"port"`
	RPCUser     string `toml:"rpc_user"`
	RPCPassword string `toml:"rpc_password"`
	Chain       string `toml:"chain"`
}

// config is the root of the TOML configuration file, overridable by
// command line flags parsed by go-flags.
type config struct {
	ConfigFile string `long:"configfile" description:"Path to configuration file"`
	DataDir    string `long:"datadir" description:"Directory to store the event database"`
	LogDir     string `long:"logdir" description:"Directory to log output"`
	Profile    string `long:"profile" description:"Enable HTTP profiling on given port"`

	Performance     performanceConfig     `toml:"performance"`
	SpamProtection  spamProtectionConfig  `toml:"spam_protection"`
	Connections     connectionsConfig     `toml:"connections"`
	Civkitd         civkitdConfig         `toml:"civkitd"`
	Logging         loggingConfig         `toml:"logging"`
	Mainstay        mainstayConfig        `toml:"mainstay"`
	BitcoindParams  bitcoindParamsConfig  `toml:"bitcoind_params"`
}

// defaultConfig returns a config populated with defaults matching spec.md
// §6, before the TOML file or CLI flags are applied.
func defaultConfig() config {
	return config{
		DataDir: defaultDataDirname,
		LogDir:  ".",
		Performance: performanceConfig{
			MaxDbSize:   defaultMaxDbSize,
			MaxEventAge: defaultMaxEventAge,
		},
		Connections: connectionsConfig{
			MaxClientConnections: defaultMaxClientConns,
		},
		Civkitd: civkitdConfig{
			Network:   "testnet",
			NoisePort: defaultNoisePort,
			NostrPort: defaultNostrPort,
			CliPort:   defaultCliPort,
		},
		Logging: loggingConfig{
			Level: "info",
		},
	}
}

// loadConfig reads command line flags, then layers a TOML config file over
// the defaults, then re-applies command line flags so they take final
// precedence -- the same two-pass pattern the teacher's loadConfig uses for
// its own flags-then-file-then-flags layering.
func loadConfig() (*config, error) {
	cfg := defaultConfig()

	preParser := flags.NewParser(&cfg, flags.Default)
	if _, err := preParser.Parse(); err != nil {
		if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp {
			return nil, err
		}
		return nil, err
	}

	if cfg.ConfigFile == "" {
		cfg.ConfigFile = defaultConfigFilename
	}

	if _, err := os.Stat(cfg.ConfigFile); err == nil {
		if _, err := toml.DecodeFile(cfg.ConfigFile, &cfg); err != nil {
			return nil, fmt.Errorf("unable to parse config file: %w", err)
		}
	}

	// Flags override file values on a second pass.
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logFile := filepath.Join(cfg.LogDir, defaultLogFilename)
	if err := initLogRotator(logFile); err != nil {
		return nil, fmt.Errorf("unable to init log rotator: %w", err)
	}
	setLogLevels(cfg.Logging.Level)

	return &cfg, nil
}

func (c *config) validate() error {
	switch c.Civkitd.Network {
	case "mainnet", "testnet", "regtest":
	default:
		return fmt.Errorf("unknown network %q: must be one of "+
			"mainnet, testnet, regtest", c.Civkitd.Network)
	}
	if c.Connections.MaxClientConnections <= 0 {
		return fmt.Errorf("connections.maxclientconnections must be positive")
	}
	return nil
}
