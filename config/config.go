/*
Package config implements the type to pass the arguments to the node
and implements a function to load the parameters from a configuration file.
*/
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/spf13/viper"

	"github.com/gitzhang10/dagpbft/sign"
	"github.com/gitzhang10/dagpbft/types"
)

// Validator is a genesis validator with its stake and VRF public key.
type Validator struct {
	Address types.Address
	Stake   uint64
	VrfKey  []byte
}

// SortitionConfig tunes DAG admission. Efficiencies are in basis points (100 = 1%).
type SortitionConfig struct {
	TargetLow              uint16
	TargetHigh             uint16
	MaxIntervalCorrection  uint16
	ChangesCountForAverage int
	ComputationInterval    uint64
	VrfThresholdUpper      uint16
	VrfThresholdRange      uint16
	VdfDifficultyMin       uint16
	VdfDifficultyMax       uint16
	VdfDifficultyStale     uint16
	VdfLambdaBound         uint16
}

// Config defines a type to describe the configuration.
type Config struct {
	Name     string
	LogLevel int
	DataDir  string
	NodeKey  *secp256k1.PrivateKey
	VrfKey   *sign.VrfKey

	ListenAddr          string
	NetworkID           uint64
	BootNodes           []string
	IsBootNode          bool
	MaxPool             int
	SyncLevelSize       uint64
	MaxPeerSyncRequests int
	MaxSyncQueue        uint64
	StatusInterval      time.Duration
	GossipDirectPeers   int

	GenesisTimestamp int64
	Validators       []Validator

	Lambda          time.Duration
	CommitteeSize   uint64
	MaxSteps        uint64
	PollingInterval time.Duration

	DagQueueLimit      int
	DagVerifierWorkers int
	MaxLevelsPerPeriod uint64
	ProposerInterval   time.Duration
	MaxTxsPerBlock     int
	ProposeDagBlocks   bool

	Sortition SortitionConfig

	DBBackend              string
	CheckpointInterval     uint64
	CheckpointDataShards   int
	CheckpointParityShards int
	ReplayRange            uint64

	MetricsAddr string
}

var (
	ErrMissingKey       = errors.New("missing key")
	ErrInvalidBootNode  = errors.New("invalid boot node")
	ErrInvalidWorkers   = errors.New("thread and worker counts must be positive")
	ErrNoValidators     = errors.New("validator set is empty")
	ErrInvalidSortition = errors.New("invalid sortition parameters")
)

// DefaultSortition mirrors the production defaults.
func DefaultSortition() SortitionConfig {
	return SortitionConfig{
		TargetLow:              4800,
		TargetHigh:             5200,
		MaxIntervalCorrection:  1000,
		ChangesCountForAverage: 5,
		ComputationInterval:    200,
		VrfThresholdUpper:      0x1770,
		VrfThresholdRange:      3000,
		VdfDifficultyMin:       16,
		VdfDifficultyMax:       18,
		VdfDifficultyStale:     20,
		VdfLambdaBound:         100,
	}
}

// New creates a new variable of type Config for test, with defaults for
// everything except identity and genesis.
func New(name string, nodeKey *secp256k1.PrivateKey, vrfKey *sign.VrfKey, listenAddr string, validators []Validator, logLevel int) *Config {
	return &Config{
		Name:                   name,
		LogLevel:               logLevel,
		NodeKey:                nodeKey,
		VrfKey:                 vrfKey,
		ListenAddr:             listenAddr,
		NetworkID:              1,
		MaxPool:                10,
		SyncLevelSize:          5,
		MaxPeerSyncRequests:    64,
		MaxSyncQueue:           100,
		StatusInterval:         time.Second,
		GossipDirectPeers:      2,
		Validators:             validators,
		Lambda:                 100 * time.Millisecond,
		CommitteeSize:          1000,
		MaxSteps:               20,
		PollingInterval:        20 * time.Millisecond,
		DagQueueLimit:          1000,
		DagVerifierWorkers:     2,
		MaxLevelsPerPeriod:     100,
		ProposerInterval:       500 * time.Millisecond,
		MaxTxsPerBlock:         100,
		Sortition:              DefaultSortition(),
		DBBackend:              "memory",
		CheckpointDataShards:   4,
		CheckpointParityShards: 2,
		ReplayRange:            100,
	}
}

// LoadConfig loads configuration files by package viper.
func LoadConfig(configPrefix, configName string) (*Config, error) {
	viperConfig := viper.New()

	// for environment variables
	viperConfig.SetEnvPrefix(configPrefix)
	viperConfig.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperConfig.SetEnvKeyReplacer(replacer)
	viperConfig.SetConfigName(configName)
	viperConfig.AddConfigPath("./")
	setDefaults(viperConfig)
	err := viperConfig.ReadInConfig()
	if err != nil {
		return nil, err
	}
	return FromViper(viperConfig)
}

// LoadConfigFile loads an explicit config file path.
func LoadConfigFile(path string) (*Config, error) {
	viperConfig := viper.New()
	viperConfig.AutomaticEnv()
	viperConfig.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viperConfig.SetConfigFile(path)
	setDefaults(viperConfig)
	if err := viperConfig.ReadInConfig(); err != nil {
		return nil, err
	}
	return FromViper(viperConfig)
}

func setDefaults(v *viper.Viper) {
	s := DefaultSortition()
	v.SetDefault("log_level", 3)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("network.listen_addr", "127.0.0.1:10002")
	v.SetDefault("network.network_id", 1)
	v.SetDefault("network.max_pool", 10)
	v.SetDefault("network.sync_level_size", 10)
	v.SetDefault("network.max_peer_sync_requests", 64)
	v.SetDefault("network.max_sync_queue", 1000)
	v.SetDefault("network.status_interval_ms", 2000)
	v.SetDefault("network.gossip_direct_peers", 3)
	v.SetDefault("pbft.lambda_ms", 1000)
	v.SetDefault("pbft.committee_size", 1000)
	v.SetDefault("pbft.max_steps", 20)
	v.SetDefault("pbft.polling_interval_ms", 50)
	v.SetDefault("dag.queue_limit", 10000)
	v.SetDefault("dag.verifier_workers", 2)
	v.SetDefault("dag.max_levels_per_period", 100)
	v.SetDefault("dag.proposer_interval_ms", 1000)
	v.SetDefault("dag.max_txs_per_block", 250)
	v.SetDefault("dag.propose", true)
	v.SetDefault("sortition.target_low", s.TargetLow)
	v.SetDefault("sortition.target_high", s.TargetHigh)
	v.SetDefault("sortition.max_interval_correction", s.MaxIntervalCorrection)
	v.SetDefault("sortition.changes_count_for_average", s.ChangesCountForAverage)
	v.SetDefault("sortition.computation_interval", s.ComputationInterval)
	v.SetDefault("sortition.vrf.threshold_upper", s.VrfThresholdUpper)
	v.SetDefault("sortition.vrf.threshold_range", s.VrfThresholdRange)
	v.SetDefault("sortition.vdf.difficulty_min", s.VdfDifficultyMin)
	v.SetDefault("sortition.vdf.difficulty_max", s.VdfDifficultyMax)
	v.SetDefault("sortition.vdf.difficulty_stale", s.VdfDifficultyStale)
	v.SetDefault("sortition.vdf.lambda_bound", s.VdfLambdaBound)
	v.SetDefault("db.backend", "leveldb")
	v.SetDefault("db.checkpoint_interval", 1000)
	v.SetDefault("db.checkpoint_data_shards", 4)
	v.SetDefault("db.checkpoint_parity_shards", 2)
	v.SetDefault("db.replay_range", 100)
}

// FromViper builds the Config from an already loaded viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	nodeKeyHex := v.GetString("node_key")
	if nodeKeyHex == "" {
		return nil, fmt.Errorf("%w: node_key", ErrMissingKey)
	}
	nodeKey, err := sign.KeyFromHex(nodeKeyHex)
	if err != nil {
		return nil, fmt.Errorf("node_key: %w", err)
	}
	vrfKeyHex := v.GetString("vrf_key")
	if vrfKeyHex == "" {
		return nil, fmt.Errorf("%w: vrf_key", ErrMissingKey)
	}
	vrfKey, err := sign.VrfKeyFromHex(vrfKeyHex)
	if err != nil {
		return nil, fmt.Errorf("vrf_key: %w", err)
	}

	conf := &Config{
		Name:                   v.GetString("name"),
		LogLevel:               v.GetInt("log_level"),
		DataDir:                v.GetString("data_dir"),
		NodeKey:                nodeKey,
		VrfKey:                 vrfKey,
		ListenAddr:             v.GetString("network.listen_addr"),
		NetworkID:              v.GetUint64("network.network_id"),
		BootNodes:              v.GetStringSlice("network.boot_nodes"),
		IsBootNode:             v.GetBool("network.is_boot_node"),
		MaxPool:                v.GetInt("network.max_pool"),
		SyncLevelSize:          v.GetUint64("network.sync_level_size"),
		MaxPeerSyncRequests:    v.GetInt("network.max_peer_sync_requests"),
		MaxSyncQueue:           v.GetUint64("network.max_sync_queue"),
		StatusInterval:         time.Duration(v.GetInt64("network.status_interval_ms")) * time.Millisecond,
		GossipDirectPeers:      v.GetInt("network.gossip_direct_peers"),
		GenesisTimestamp:       v.GetInt64("chain.genesis_timestamp"),
		Lambda:                 time.Duration(v.GetInt64("pbft.lambda_ms")) * time.Millisecond,
		CommitteeSize:          v.GetUint64("pbft.committee_size"),
		MaxSteps:               v.GetUint64("pbft.max_steps"),
		PollingInterval:        time.Duration(v.GetInt64("pbft.polling_interval_ms")) * time.Millisecond,
		DagQueueLimit:          v.GetInt("dag.queue_limit"),
		DagVerifierWorkers:     v.GetInt("dag.verifier_workers"),
		MaxLevelsPerPeriod:     v.GetUint64("dag.max_levels_per_period"),
		ProposerInterval:       time.Duration(v.GetInt64("dag.proposer_interval_ms")) * time.Millisecond,
		MaxTxsPerBlock:         v.GetInt("dag.max_txs_per_block"),
		ProposeDagBlocks:       v.GetBool("dag.propose"),
		DBBackend:              v.GetString("db.backend"),
		CheckpointInterval:     v.GetUint64("db.checkpoint_interval"),
		CheckpointDataShards:   v.GetInt("db.checkpoint_data_shards"),
		CheckpointParityShards: v.GetInt("db.checkpoint_parity_shards"),
		ReplayRange:            v.GetUint64("db.replay_range"),
		MetricsAddr:            v.GetString("metrics_addr"),
		Sortition: SortitionConfig{
			TargetLow:              uint16(v.GetUint("sortition.target_low")),
			TargetHigh:             uint16(v.GetUint("sortition.target_high")),
			MaxIntervalCorrection:  uint16(v.GetUint("sortition.max_interval_correction")),
			ChangesCountForAverage: v.GetInt("sortition.changes_count_for_average"),
			ComputationInterval:    v.GetUint64("sortition.computation_interval"),
			VrfThresholdUpper:      uint16(v.GetUint("sortition.vrf.threshold_upper")),
			VrfThresholdRange:      uint16(v.GetUint("sortition.vrf.threshold_range")),
			VdfDifficultyMin:       uint16(v.GetUint("sortition.vdf.difficulty_min")),
			VdfDifficultyMax:       uint16(v.GetUint("sortition.vdf.difficulty_max")),
			VdfDifficultyStale:     uint16(v.GetUint("sortition.vdf.difficulty_stale")),
			VdfLambdaBound:         uint16(v.GetUint("sortition.vdf.lambda_bound")),
		},
	}

	validatorsMap := v.GetStringMap("chain.validators")
	for addrHex, entry := range validatorsMap {
		addr, err := types.AddressFromHex(addrHex)
		if err != nil {
			return nil, fmt.Errorf("validator %s: %w", addrHex, err)
		}
		fields, ok := entry.(map[string]interface{})
		if !ok {
			return nil, errors.New("validator entry in the config file cannot be decoded correctly")
		}
		stake, err := toUint64(fields["stake"])
		if err != nil {
			return nil, fmt.Errorf("validator %s stake: %w", addrHex, err)
		}
		vrfHex, ok := fields["vrf_key"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: validator %s vrf_key", ErrMissingKey, addrHex)
		}
		vrfPub, err := decodeHex(vrfHex)
		if err != nil {
			return nil, fmt.Errorf("validator %s vrf_key: %w", addrHex, err)
		}
		conf.Validators = append(conf.Validators, Validator{Address: addr, Stake: stake, VrfKey: vrfPub})
	}
	sort.Slice(conf.Validators, func(i, j int) bool {
		return conf.Validators[i].Address.Hex() < conf.Validators[j].Address.Hex()
	})

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Validate rejects configurations the node cannot start with.
func (c *Config) Validate() error {
	if c.NodeKey == nil {
		return fmt.Errorf("%w: node_key", ErrMissingKey)
	}
	if c.VrfKey == nil {
		return fmt.Errorf("%w: vrf_key", ErrMissingKey)
	}
	if c.DagVerifierWorkers <= 0 || c.MaxPool <= 0 {
		return ErrInvalidWorkers
	}
	if len(c.Validators) == 0 {
		return ErrNoValidators
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr: %w", err)
	}
	for _, bn := range c.BootNodes {
		host, port, err := net.SplitHostPort(bn)
		if err != nil || host == "" || port == "" {
			return fmt.Errorf("%w: %q", ErrInvalidBootNode, bn)
		}
	}
	s := c.Sortition
	if s.TargetLow > s.TargetHigh || s.VdfDifficultyMin > s.VdfDifficultyMax || s.ChangesCountForAverage <= 0 {
		return ErrInvalidSortition
	}
	if c.Lambda <= 0 || c.PollingInterval <= 0 {
		return errors.New("pbft lambda and polling interval must be positive")
	}
	return nil
}

// NodeAddress is the address derived from the node key.
func (c *Config) NodeAddress() types.Address {
	return types.Address(sign.Address(c.NodeKey))
}

// GenesisDagBlock is the root of the DAG for this chain.
func (c *Config) GenesisDagBlock() *types.DagBlock {
	return types.GenesisDagBlock(c.GenesisTimestamp)
}

// GenesisHash identifies the chain: genesis DAG block, network id and validator set.
func (c *Config) GenesisHash() types.Hash {
	return types.Keccak(types.MustEncode(struct {
		NetworkID  uint64
		Dag        types.Hash
		Validators []Validator
	}{c.NetworkID, c.GenesisDagBlock().Hash(), c.Validators}))
}

func toUint64(v interface{}) (uint64, error) {
	switch n := v.(type) {
	case int:
		return uint64(n), nil
	case int64:
		return uint64(n), nil
	case uint64:
		return n, nil
	case float64:
		return uint64(n), nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}
