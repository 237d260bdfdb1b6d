package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/dagpbft/config"
	"github.com/gitzhang10/dagpbft/storage"
)

var ErrNotPersistent = errors.New("operation needs a persistent db backend")

// DBOptions are the startup maintenance operations on the store.
type DBOptions struct {
	Destroy  bool
	Rebuild  bool
	RevertTo uint64
}

func DBPath(conf *config.Config) string { return filepath.Join(conf.DataDir, "db") }

func checkpointDir(conf *config.Config) string { return filepath.Join(conf.DataDir, "checkpoints") }

func rebuildPath(conf *config.Config) string { return DBPath(conf) + ".rebuild" }

// OpenDB opens the store configured in conf.
func OpenDB(conf *config.Config, logger hclog.Logger) (*storage.DB, error) {
	return openDBAt(conf, DBPath(conf), logger)
}

func openDBAt(conf *config.Config, path string, logger hclog.Logger) (*storage.DB, error) {
	if storage.Backend(conf.DBBackend) == storage.BackendLevelDB {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, err
		}
	}
	kv, err := storage.Open(storage.Backend(conf.DBBackend), path)
	if err != nil {
		return nil, err
	}
	return storage.NewDB(kv, logger)
}

// DestroyDB removes the store and its checkpoints.
func DestroyDB(conf *config.Config) error {
	if err := os.RemoveAll(DBPath(conf)); err != nil {
		return err
	}
	return os.RemoveAll(checkpointDir(conf))
}

// NewCheckpointer is nil when checkpoints are disabled.
func NewCheckpointer(conf *config.Config) *storage.Checkpointer {
	if conf.DataDir == "" || conf.CheckpointInterval == 0 {
		return nil
	}
	return &storage.Checkpointer{
		Dir:          checkpointDir(conf),
		DataShards:   conf.CheckpointDataShards,
		ParityShards: conf.CheckpointParityShards,
	}
}

// PrepareDB runs the requested maintenance before the node opens its store.
// With Rebuild set the current store is moved aside and returned open, the
// caller replays it with FullNode.Rebuild and then calls the cleanup func.
func PrepareDB(conf *config.Config, opts DBOptions, logger hclog.Logger) (*storage.DB, func() error, error) {
	noop := func() error { return nil }
	persistent := storage.Backend(conf.DBBackend) == storage.BackendLevelDB
	if (opts.Rebuild || opts.RevertTo > 0) && !persistent {
		return nil, noop, ErrNotPersistent
	}
	if opts.Destroy {
		logger.Warn("destroying db", "path", DBPath(conf))
		if err := DestroyDB(conf); err != nil {
			return nil, noop, err
		}
	}
	if opts.RevertTo > 0 {
		c := NewCheckpointer(conf)
		if c == nil {
			return nil, noop, fmt.Errorf("%w: checkpoints disabled", storage.ErrNoCheckpoint)
		}
		db, err := OpenDB(conf, logger)
		if err != nil {
			return nil, noop, err
		}
		reverted, err := db.RevertToPeriod(c, opts.RevertTo)
		if cerr := db.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, noop, err
		}
		logger.Info("db reverted", "requested", opts.RevertTo, "period", reverted)
	}
	if !opts.Rebuild {
		return nil, noop, nil
	}
	src := rebuildPath(conf)
	if err := os.RemoveAll(src); err != nil {
		return nil, noop, err
	}
	if err := os.Rename(DBPath(conf), src); err != nil {
		return nil, noop, fmt.Errorf("move db aside: %w", err)
	}
	old, err := openDBAt(conf, src, logger)
	if err != nil {
		return nil, noop, err
	}
	cleanup := func() error {
		if err := old.Close(); err != nil {
			return err
		}
		return os.RemoveAll(src)
	}
	return old, cleanup, nil
}
