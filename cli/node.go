package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/gitzhang10/dagpbft/config"
	"github.com/gitzhang10/dagpbft/node"
)

const (
	ConfigKey         = "config"
	DataDirKey        = "data-dir"
	NetworkIDKey      = "network-id"
	BootNodeKey       = "boot-node"
	DestroyDBKey      = "destroy-db"
	RebuildDBKey      = "rebuild-db"
	RevertToPeriodKey = "revert-to-period"
)

func AddNodeFlags(flags *pflag.FlagSet) {
	flags.String(ConfigKey, "", "Config file; ./config.yaml when empty")
	flags.String(DataDirKey, "", "Directory for the db and checkpoints")
	flags.Uint64(NetworkIDKey, 0, "Network id, overrides the config file")
	flags.StringSlice(BootNodeKey, nil, "Boot node host:port, repeatable")
	flags.Bool(DestroyDBKey, false, "Delete the db and checkpoints before starting")
	flags.Bool(RebuildDBKey, false, "Replay and re-verify every stored period into a fresh db")
	flags.Uint64(RevertToPeriodKey, 0, "Restore the newest checkpoint at or below this period")
}

func nodeCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "node",
		Short: "Runs the full node (default)",
		RunE:  runNode,
	}
	AddNodeFlags(c.Flags())
	return c
}

// LoadNodeConfig reads the config file and applies the flag overrides.
func LoadNodeConfig(flags *pflag.FlagSet) (*config.Config, error) {
	path, err := flags.GetString(ConfigKey)
	if err != nil {
		return nil, err
	}
	var conf *config.Config
	if path != "" {
		conf, err = config.LoadConfigFile(path)
	} else {
		conf, err = config.LoadConfig("dagpbft", "config")
	}
	if err != nil {
		return nil, err
	}
	if flags.Changed(DataDirKey) {
		if conf.DataDir, err = flags.GetString(DataDirKey); err != nil {
			return nil, err
		}
	}
	if flags.Changed(NetworkIDKey) {
		if conf.NetworkID, err = flags.GetUint64(NetworkIDKey); err != nil {
			return nil, err
		}
	}
	if flags.Changed(BootNodeKey) {
		if conf.BootNodes, err = flags.GetStringSlice(BootNodeKey); err != nil {
			return nil, err
		}
	}
	return conf, conf.Validate()
}

func dbOptions(flags *pflag.FlagSet) (node.DBOptions, error) {
	var opts node.DBOptions
	var err error
	if opts.Destroy, err = flags.GetBool(DestroyDBKey); err != nil {
		return opts, err
	}
	if opts.Rebuild, err = flags.GetBool(RebuildDBKey); err != nil {
		return opts, err
	}
	opts.RevertTo, err = flags.GetUint64(RevertToPeriodKey)
	return opts, err
}

func runNode(c *cobra.Command, _ []string) error {
	flags := c.Flags()
	conf, err := LoadNodeConfig(flags)
	if err != nil {
		return err
	}
	opts, err := dbOptions(flags)
	if err != nil {
		return err
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   conf.Name,
		Output: hclog.DefaultOutput,
		Level:  hclog.Level(conf.LogLevel),
	})

	old, cleanup, err := node.PrepareDB(conf, opts, logger)
	if err != nil {
		return err
	}
	n, err := node.New(conf, node.WithLogger(logger))
	if err != nil {
		cleanup()
		return err
	}
	defer n.Close()
	if old != nil {
		size, err := n.Rebuild(old, 0)
		if err != nil {
			cleanup()
			return err
		}
		logger.Info("db rebuilt", "chain_size", size)
		if err := cleanup(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return n.Run(ctx)
}
