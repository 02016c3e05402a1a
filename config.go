package xcpsigner

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/counterwallet/xcpsigner/build"
	"github.com/counterwallet/xcpsigner/esplora"
	"github.com/counterwallet/xcpsigner/replay"
	"github.com/counterwallet/xcpsigner/session"
	"github.com/counterwallet/xcpsigner/sweep"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/shopspring/decimal"
)

const (
	defaultConfigFilename = "xcpsigner.conf"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "xcpsigner.log"
	defaultSessionDBName  = "session.db"
	defaultLogLevel       = "info"
	defaultNetwork        = "mainnet"

	// DefaultRetryDelay is how long a failed fetch waits before its only
	// retry.
	DefaultRetryDelay = 500 * time.Millisecond
)

var (
	// DefaultAppDir is the default home directory of xcpsigner.
	DefaultAppDir = btcutil.AppDataDir("xcpsigner", false)

	// DefaultConfigFile is the default full path of the config file.
	DefaultConfigFile = filepath.Join(DefaultAppDir, defaultConfigFilename)
)

// FeePercent is a decimal percentage settable from the command line or the
// config file.
type FeePercent struct {
	decimal.Decimal
}

// UnmarshalFlag parses a percentage such as "2.5".
func (p *FeePercent) UnmarshalFlag(value string) error {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return fmt.Errorf("invalid percentage %q: %w", value, err)
	}
	p.Decimal = d

	return nil
}

// MarshalFlag formats the percentage.
func (p FeePercent) MarshalFlag() (string, error) {
	return p.Decimal.String(), nil
}

// A compile-time check that FeePercent is usable as a flag value.
var (
	_ flags.Unmarshaler = (*FeePercent)(nil)
	_ flags.Marshaler   = FeePercent{}
)

// ConsolidationConfig holds the consolidation policy.
//
//nolint:ll
type ConsolidationConfig struct {
	MaxInputs          int           `long:"maxinputs" description:"Maximum number of utxos spent by one consolidation"`
	DustLimit          int64         `long:"dustlimit" description:"Outputs at or below this value in satoshis are rejected as dust"`
	ServiceFeePercent  FeePercent    `long:"servicefeepercent" description:"Service fee charged as a percentage of the amount consolidated; 0 disables it"`
	ServiceFeeExempt   int64         `long:"servicefeeexempt" description:"Consolidations moving at most this many satoshis pay no service fee"`
	ServiceFeeAddress  string        `long:"servicefeeaddress" description:"Address receiving the service fee"`
	FetchRetryDelay    time.Duration `long:"fetchretrydelay" description:"Delay before the single retry of a failed utxo or fee fetch"`
	MaxConcurrentFetch int           `long:"maxconcurrentfetch" description:"Maximum number of concurrent previous transaction lookups"`
}

// ReplayConfig holds the replay guard policy.
//
//nolint:ll
type ReplayConfig struct {
	Window time.Duration `long:"window" description:"How long a signed request blocks an identical request"`
}

// Config is the full xcpsigner configuration.
//
//nolint:ll
type Config struct {
	AppDir     string `long:"appdir" description:"The base directory that contains the data and log directories and the config file"`
	ConfigFile string `long:"configfile" description:"Path to configuration file"`
	DataDir    string `long:"datadir" description:"The directory to store the session database in"`
	LogDir     string `long:"logdir" description:"Directory to log output"`

	Network    string `long:"network" description:"The bitcoin network to operate on" choice:"mainnet" choice:"testnet" choice:"regtest" choice:"signet" choice:"simnet"`
	DebugLevel string `long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`
	NoPersist  bool   `long:"nopersist" description:"Keep session metadata in memory only, so a restart always starts locked"`

	Session       *session.Config       `group:"session" namespace:"session"`
	Consolidation *ConsolidationConfig  `group:"consolidation" namespace:"consolidation"`
	Esplora       *esplora.ClientConfig `group:"esplora" namespace:"esplora"`
	Replay        *ReplayConfig         `group:"replay" namespace:"replay"`
	LogConfig     *build.LogConfig      `group:"logging" namespace:"logging"`

	// netParams is resolved from Network by ValidateConfig.
	netParams *chaincfg.Params

	// serviceFee is resolved from Consolidation by ValidateConfig.
	serviceFee fn.Option[sweep.ServiceFeeConfig]
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	sessionCfg := session.DefaultConfig()

	return Config{
		AppDir:     DefaultAppDir,
		ConfigFile: DefaultConfigFile,
		DataDir:    filepath.Join(DefaultAppDir, defaultDataDirname),
		LogDir:     filepath.Join(DefaultAppDir, defaultLogDirname),
		Network:    defaultNetwork,
		DebugLevel: defaultLogLevel,
		Session:    &sessionCfg,
		Consolidation: &ConsolidationConfig{
			MaxInputs:          sweep.DefaultMaxInputsPerTx,
			DustLimit:          int64(sweep.DefaultDustLimit),
			FetchRetryDelay:    DefaultRetryDelay,
			MaxConcurrentFetch: 8,
		},
		Esplora:   esplora.DefaultClientConfig(),
		Replay:    &ReplayConfig{Window: replay.DefaultWindow},
		LogConfig: build.DefaultLogConfig(),
	}
}

// LoadConfig starts from the defaults and applies the options of the config
// file at path. A missing file is not an error; a malformed one is. Command
// line options are applied by the caller before ValidateConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = cfg.ConfigFile
	}
	cfg.ConfigFile = CleanAndExpandPath(path)

	err := flags.IniParse(cfg.ConfigFile, &cfg)
	if err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}

		log.Debugf("Config file %v not found, using defaults",
			cfg.ConfigFile)
	}

	return &cfg, nil
}

// ValidateConfig checks the given configuration to be sane. This makes sure
// no illegal values or combination of values are set. All file system paths
// are normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config) (*Config, error) {
	// If the app directory is not the default, the data and log
	// directories move with it unless they were set explicitly.
	appDir := CleanAndExpandPath(cfg.AppDir)
	if appDir != DefaultAppDir {
		defaults := DefaultConfig()
		if cfg.DataDir == defaults.DataDir {
			cfg.DataDir = filepath.Join(appDir, defaultDataDirname)
		}
		if cfg.LogDir == defaults.LogDir {
			cfg.LogDir = filepath.Join(appDir, defaultLogDirname)
		}
	}
	cfg.AppDir = appDir
	cfg.DataDir = CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)
	cfg.ConfigFile = CleanAndExpandPath(cfg.ConfigFile)

	netParams, err := networkParams(cfg.Network)
	if err != nil {
		return nil, err
	}
	cfg.netParams = netParams

	if err := cfg.Session.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if err := cfg.LogConfig.Validate(); err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	if cfg.Esplora.URL == "" {
		return nil, errors.New("esplora: url required")
	}
	if cfg.Esplora.MaxRetries < 0 {
		return nil, errors.New("esplora: max retries must not be " +
			"negative")
	}

	if cfg.Replay.Window <= 0 {
		return nil, errors.New("replay: window must be positive")
	}

	cons := cfg.Consolidation
	switch {
	case cons.MaxInputs <= 0:
		return nil, errors.New("consolidation: max inputs must be " +
			"positive")

	case cons.DustLimit <= 0:
		return nil, errors.New("consolidation: dust limit must be " +
			"positive")

	case cons.FetchRetryDelay < 0:
		return nil, errors.New("consolidation: retry delay must not " +
			"be negative")

	case cons.MaxConcurrentFetch <= 0:
		return nil, errors.New("consolidation: max concurrent fetch " +
			"must be positive")
	}

	serviceFee, err := cons.serviceFeeConfig(netParams)
	if err != nil {
		return nil, fmt.Errorf("consolidation: %w", err)
	}
	cfg.serviceFee = serviceFee

	return &cfg, nil
}

// serviceFeeConfig returns the configured service fee, or None if the
// percentage is zero.
func (c *ConsolidationConfig) serviceFeeConfig(
	netParams *chaincfg.Params) (fn.Option[sweep.ServiceFeeConfig], error) {

	none := fn.None[sweep.ServiceFeeConfig]()
	if c.ServiceFeePercent.IsZero() {
		return none, nil
	}

	addr, err := DecodeAddress(c.ServiceFeeAddress, netParams)
	if err != nil {
		return none, fmt.Errorf("service fee address: %w", err)
	}

	feeCfg := sweep.ServiceFeeConfig{
		FeePercent:         c.ServiceFeePercent.Decimal,
		ExemptionThreshold: btcutil.Amount(c.ServiceFeeExempt),
		FeeAddress:         addr,
	}
	if err := feeCfg.Validate(); err != nil {
		return none, err
	}

	return fn.Some(feeCfg), nil
}

// NetParams returns the parameters of the configured network. It is only set
// on a config returned by ValidateConfig.
func (c *Config) NetParams() *chaincfg.Params {
	return c.netParams
}

// ServiceFee returns the configured service fee policy.
func (c *Config) ServiceFee() fn.Option[sweep.ServiceFeeConfig] {
	return c.serviceFee
}

// BuilderConfig returns the consolidation builder policy.
func (c *Config) BuilderConfig() sweep.BuilderConfig {
	return sweep.BuilderConfig{
		NetParams: c.netParams,
		MaxInputs: c.Consolidation.MaxInputs,
		DustLimit: btcutil.Amount(c.Consolidation.DustLimit),
	}
}

// SessionDBPath is the path of the persisted session metadata.
func (c *Config) SessionDBPath() string {
	return filepath.Join(c.DataDir, c.Network, defaultSessionDBName)
}

// LogFile is the path of the rotated log file.
func (c *Config) LogFile() string {
	return filepath.Join(c.LogDir, c.Network, defaultLogFilename)
}

// networkParams maps a network name to its parameters.
func networkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network: %v", network)
	}
}

// DecodeAddress decodes addr and checks that it belongs to netParams.
func DecodeAddress(addr string, netParams *chaincfg.Params) (btcutil.Address,
	error) {

	decoded, err := btcutil.DecodeAddress(addr, netParams)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidAddress, addr, err)
	}
	if !decoded.IsForNet(netParams) {
		return nil, fmt.Errorf("%w %q: not for %v", ErrInvalidAddress,
			addr, netParams.Name)
	}

	return decoded, nil
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
