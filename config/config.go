// Package config loads the factory configuration from a YAML or TOML file, environment variables
// and .env files.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/smartcontractkit/multisig-factory/account"
	"github.com/smartcontractkit/multisig-factory/datastore/sqlstore"
	"github.com/smartcontractkit/multisig-factory/ledger"
	"github.com/smartcontractkit/multisig-factory/pkg/logger"
)

// DriverMemory selects the in-memory datastore.
const DriverMemory = "memory"

// FactoryConfig identifies the factory account and the contract it deploys.
type FactoryConfig struct {
	AccountID       string `mapstructure:"account_id" yaml:"account_id"`
	ArtifactPath    string `mapstructure:"artifact_path" yaml:"artifact_path"`
	ArtifactVersion string `mapstructure:"artifact_version" yaml:"artifact_version"`
}

// GasConfig is the gas reservation of each step, in Tgas.
type GasConfig struct {
	CreateAccountTgas uint64 `mapstructure:"create_account_tgas" yaml:"create_account_tgas"`
	TransferTgas      uint64 `mapstructure:"transfer_tgas" yaml:"transfer_tgas"`
	DeployTgas        uint64 `mapstructure:"deploy_tgas" yaml:"deploy_tgas"`
	InitTgas          uint64 `mapstructure:"init_tgas" yaml:"init_tgas"`
	CallbackTgas      uint64 `mapstructure:"callback_tgas" yaml:"callback_tgas"`
	CompensationTgas  uint64 `mapstructure:"compensation_tgas" yaml:"compensation_tgas"`
	// PrepaidTgas is the gas attached to a creation request when the caller does not choose.
	PrepaidTgas uint64 `mapstructure:"prepaid_tgas" yaml:"prepaid_tgas"`
}

// Budget returns the ledger.GasBudget described by c.
func (c GasConfig) Budget() ledger.GasBudget {
	return ledger.GasBudget{
		CreateAccount: ledger.Gas(c.CreateAccountTgas) * ledger.TeraGas,
		Transfer:      ledger.Gas(c.TransferTgas) * ledger.TeraGas,
		Deploy:        ledger.Gas(c.DeployTgas) * ledger.TeraGas,
		Init:          ledger.Gas(c.InitTgas) * ledger.TeraGas,
		Callback:      ledger.Gas(c.CallbackTgas) * ledger.TeraGas,
		Compensation:  ledger.Gas(c.CompensationTgas) * ledger.TeraGas,
	}
}

// Prepaid returns the default prepaid gas.
func (c GasConfig) Prepaid() ledger.Gas {
	return ledger.Gas(c.PrepaidTgas) * ledger.TeraGas
}

// Config wraps the entire configuration of the factory.
type Config struct {
	Factory FactoryConfig `mapstructure:"factory" yaml:"factory"`
	// Storage amounts are decimal yocto strings.
	Storage   ledger.StoragePolicy `mapstructure:"storage" yaml:"storage"`
	Gas       GasConfig            `mapstructure:"gas" yaml:"gas"`
	Datastore sqlstore.Config      `mapstructure:"datastore" yaml:"datastore"`
	Log       logger.Config        `mapstructure:"log" yaml:"log"`
}

// Default returns the configuration used for keys that are not set.
func Default() *Config {
	return &Config{
		Factory: FactoryConfig{
			ArtifactVersion: "1.0.0",
		},
		Storage: ledger.StoragePolicy{
			ByteCost:           ledger.MustParseAmount("10000000000000000000"),
			AccountBaseBytes:   100,
			InitStateBytes:     200,
			MinAttachedBalance: ledger.MilliTokens(3500),
		},
		Gas: GasConfig{
			CreateAccountTgas: 5,
			TransferTgas:      5,
			DeployTgas:        20,
			InitTgas:          25,
			CallbackTgas:      25,
			CompensationTgas:  25,
			PrepaidTgas:       300,
		},
		Datastore: sqlstore.Config{
			Driver: DriverMemory,
			Table:  "deployments",
		},
		Log: logger.Config{
			Level: "info",
		},
	}
}

// Validate checks the values that can be checked without touching the platform.
func (c *Config) Validate() error {
	id, err := account.ParseID(c.Factory.AccountID)
	if err != nil {
		return fmt.Errorf("factory.account_id: %w", err)
	}
	if len(id) > account.MaxFactoryIDLength {
		return fmt.Errorf("factory.account_id: %q is longer than %d characters", id, account.MaxFactoryIDLength)
	}
	if c.Storage.ByteCost.IsZero() {
		return errors.New("storage.byte_cost must be positive")
	}
	if err = c.Gas.Budget().Validate(c.Gas.Prepaid()); err != nil {
		return fmt.Errorf("gas: %w", err)
	}
	if c.Datastore.Driver != DriverMemory {
		if err = c.Datastore.Validate(); err != nil {
			return fmt.Errorf("datastore: %w", err)
		}
	}

	return nil
}

// Load loads the config from the file path, falling back to env vars if the file does not exist.
// If the file exists, any env vars that are set will override the values loaded from the file.
func Load(filePath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filePath)

	if err := bindEnvs(v); err != nil {
		return nil, err
	}

	if _, err := os.Stat(filePath); !errors.Is(err, fs.ErrNotExist) {
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	return unmarshal(v)
}

// LoadEnv loads the config from the environment variables.
func LoadEnv() (*Config, error) {
	v := viper.New()

	if err := bindEnvs(v); err != nil {
		return nil, err
	}

	return unmarshal(v)
}

// LoadFile loads the config from a file. The format follows the file extension.
func LoadFile(filePath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filePath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	return unmarshal(v)
}

// LoadDotEnv loads environment variables from .env files without overriding variables that are
// already set. Missing files are ignored. With no arguments it reads ./.env.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}

	return nil
}

// Write renders cfg in the given format, "yaml" or "toml".
func Write(w io.Writer, cfg *Config, format string) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	switch format {
	case "yaml", "yml":
		_, err = w.Write(b)

		return err
	case "toml":
		// The yaml tags are the canonical key names, so TOML is produced from the YAML tree.
		var tree map[string]any
		if err = yaml.Unmarshal(b, &tree); err != nil {
			return err
		}

		return toml.NewEncoder(w).Encode(tree)
	default:
		return fmt.Errorf("unsupported config format %q", format)
	}
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := Default()
	err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))

	return cfg, err
}

var (
	// envBindings maps config keys to the environment variables that can set them. The first
	// name is preferred; later names are legacy aliases. Viper uses the first one that is set.
	envBindings = map[string][]string{
		"factory.account_id":           {"FACTORY_ACCOUNT_ID"},
		"factory.artifact_path":        {"FACTORY_ARTIFACT_PATH", "MULTISIG_WASM"},
		"factory.artifact_version":     {"FACTORY_ARTIFACT_VERSION"},
		"storage.byte_cost":            {"STORAGE_BYTE_COST"},
		"storage.account_base_bytes":   {"STORAGE_ACCOUNT_BASE_BYTES"},
		"storage.init_state_bytes":     {"STORAGE_INIT_STATE_BYTES"},
		"storage.min_attached_balance": {"STORAGE_MIN_ATTACHED_BALANCE"},
		"gas.create_account_tgas":      {"GAS_CREATE_ACCOUNT_TGAS"},
		"gas.transfer_tgas":            {"GAS_TRANSFER_TGAS"},
		"gas.deploy_tgas":              {"GAS_DEPLOY_TGAS"},
		"gas.init_tgas":                {"GAS_INIT_TGAS"},
		"gas.callback_tgas":            {"GAS_CALLBACK_TGAS"},
		"gas.compensation_tgas":        {"GAS_COMPENSATION_TGAS"},
		"gas.prepaid_tgas":             {"GAS_PREPAID_TGAS"},
		"datastore.driver":             {"DATASTORE_DRIVER"},
		"datastore.dsn":                {"DATASTORE_DSN", "DATABASE_URL"},
		"datastore.table":              {"DATASTORE_TABLE"},
		"log.level":                    {"LOG_LEVEL"},
		"log.development":              {"LOG_DEVELOPMENT"},
	}
)

func bindEnvs(v *viper.Viper) error {
	for key, envs := range envBindings {
		inputs := slices.Insert(slices.Clone(envs), 0, key)

		if err := v.BindEnv(inputs...); err != nil {
			return err
		}
	}

	return nil
}
