// Package config loads node configuration from YAML files and environment
// variables via viper. The section layout mirrors the on-disk
// responsibilities of the node: identity of the node itself, the storage
// engine, governance tuning, the overlay transport, and logging.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/intercoop-network/icn-node/pkg/utils"
)

// Config is the unified node configuration.
type Config struct {
	Node struct {
		ID         string `mapstructure:"id" json:"id"`
		BaseDir    string `mapstructure:"base_dir" json:"base_dir"`
		OperatorID string `mapstructure:"operator_id" json:"operator_id"`
	} `mapstructure:"node" json:"node"`

	Storage struct {
		SyncWrites          bool  `mapstructure:"sync_writes" json:"sync_writes"`
		AntiEntropySec      int   `mapstructure:"anti_entropy_sec" json:"anti_entropy_sec"`
		AntiEntropyBudgetMB int64 `mapstructure:"anti_entropy_budget_mb" json:"anti_entropy_budget_mb"`
	} `mapstructure:"storage" json:"storage"`

	Governance struct {
		MinProposalReputation  float64 `mapstructure:"min_proposal_reputation" json:"min_proposal_reputation"`
		MinVotingReputation    float64 `mapstructure:"min_voting_reputation" json:"min_voting_reputation"`
		DefaultVotingPeriodSec int64   `mapstructure:"default_voting_period_sec" json:"default_voting_period_sec"`
		UseWeightedVoting      bool    `mapstructure:"use_weighted_voting" json:"use_weighted_voting"`
	} `mapstructure:"governance" json:"governance"`

	Overlay struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"overlay" json:"overlay"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
	} `mapstructure:"logging" json:"logging"`
}

// Load reads the default config file and merges an environment-specific
// overlay when env is non-empty.
func Load(env string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("default")
	v.AddConfigPath("config")
	v.AddConfigPath(".")
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ICN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// config files are optional; defaults plus env cover a bare node
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	} else if env != "" {
		v.SetConfigName(env)
		if err := v.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, utils.Wrap(err, "decode config")
	}
	return &cfg, nil
}

// LoadFromEnv builds a configuration from environment variables only.
func LoadFromEnv() *Config {
	var cfg Config
	cfg.Node.ID = utils.EnvOrDefault("ICN_NODE_ID", "icn-node")
	cfg.Node.BaseDir = utils.EnvOrDefault("ICN_NODE_BASE_DIR", "data")
	cfg.Node.OperatorID = utils.EnvOrDefault("ICN_NODE_OPERATOR_ID", "operator")
	cfg.Storage.SyncWrites = utils.EnvOrDefaultBool("ICN_STORAGE_SYNC_WRITES", true)
	cfg.Storage.AntiEntropySec = utils.EnvOrDefaultInt("ICN_STORAGE_ANTI_ENTROPY_SEC", 60)
	cfg.Storage.AntiEntropyBudgetMB = int64(utils.EnvOrDefaultInt("ICN_STORAGE_ANTI_ENTROPY_BUDGET_MB", 64))
	cfg.Governance.MinProposalReputation = 0.5
	cfg.Governance.MinVotingReputation = 0.2
	cfg.Governance.DefaultVotingPeriodSec = int64(utils.EnvOrDefaultInt("ICN_GOVERNANCE_VOTING_PERIOD_SEC", 86400))
	cfg.Governance.UseWeightedVoting = utils.EnvOrDefaultBool("ICN_GOVERNANCE_WEIGHTED_VOTING", true)
	cfg.Overlay.ListenAddr = utils.EnvOrDefault("ICN_OVERLAY_LISTEN_ADDR", "/ip4/0.0.0.0/tcp/0")
	cfg.Logging.Level = utils.EnvOrDefault("ICN_LOGGING_LEVEL", "info")
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.id", "icn-node")
	v.SetDefault("node.base_dir", "data")
	v.SetDefault("node.operator_id", "operator")
	v.SetDefault("storage.sync_writes", true)
	v.SetDefault("storage.anti_entropy_sec", 60)
	v.SetDefault("storage.anti_entropy_budget_mb", 64)
	v.SetDefault("governance.min_proposal_reputation", 0.5)
	v.SetDefault("governance.min_voting_reputation", 0.2)
	v.SetDefault("governance.default_voting_period_sec", 86400)
	v.SetDefault("governance.use_weighted_voting", true)
	v.SetDefault("overlay.listen_addr", "/ip4/0.0.0.0/tcp/0")
	v.SetDefault("logging.level", "info")
}
