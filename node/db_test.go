package node

import (
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/dagpbft/clock"
	"github.com/gitzhang10/dagpbft/config"
	"github.com/gitzhang10/dagpbft/storage"
)

func levelDBConfig(t *testing.T, self account) *config.Config {
	conf := config.New("a", self.key, self.vrfKey, "127.0.0.1:0", []config.Validator{self.validator(t)}, 0)
	conf.DataDir = t.TempDir()
	conf.DBBackend = string(storage.BackendLevelDB)
	return conf
}

// buildChain runs a node on conf until size and closes it.
func buildChain(t *testing.T, conf *config.Config, size uint64) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	n, err := New(conf, WithLogger(hclog.NewNullLogger()), WithClock(clk))
	require.NoError(t, err)
	tickUntil(t, n, clk, size)
	require.NoError(t, n.Close())
}

func TestPrepareDBNeedsPersistentBackend(t *testing.T) {
	a := newAccount(t)
	conf := config.New("a", a.key, a.vrfKey, "127.0.0.1:0", []config.Validator{a.validator(t)}, 0)
	_, _, err := PrepareDB(conf, DBOptions{Rebuild: true}, hclog.NewNullLogger())
	require.ErrorIs(t, err, ErrNotPersistent)
	_, _, err = PrepareDB(conf, DBOptions{RevertTo: 3}, hclog.NewNullLogger())
	require.ErrorIs(t, err, ErrNotPersistent)
}

func TestPrepareDBRebuild(t *testing.T) {
	a := newAccount(t)
	conf := levelDBConfig(t, a)
	buildChain(t, conf, 4)

	old, cleanup, err := PrepareDB(conf, DBOptions{Rebuild: true}, hclog.NewNullLogger())
	require.NoError(t, err)
	require.NotNil(t, old)

	n, err := New(conf, WithLogger(hclog.NewNullLogger()))
	require.NoError(t, err)
	defer n.Close()
	require.Zero(t, n.Chain().GetPbftChainSize())
	size, err := n.Rebuild(old, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(4), size)

	require.NoError(t, cleanup())
	_, err = os.Stat(rebuildPath(conf))
	require.True(t, os.IsNotExist(err))
}

func TestPrepareDBDestroyAndRevert(t *testing.T) {
	a := newAccount(t)
	conf := levelDBConfig(t, a)
	conf.CheckpointInterval = 2
	buildChain(t, conf, 5)

	_, _, err := PrepareDB(conf, DBOptions{RevertTo: 3}, hclog.NewNullLogger())
	require.NoError(t, err)
	n, err := New(conf, WithLogger(hclog.NewNullLogger()))
	require.NoError(t, err)
	require.Equal(t, uint64(2), n.Chain().GetPbftChainSize())
	require.NoError(t, n.Close())

	_, _, err = PrepareDB(conf, DBOptions{Destroy: true}, hclog.NewNullLogger())
	require.NoError(t, err)
	_, err = os.Stat(DBPath(conf))
	require.True(t, os.IsNotExist(err))
	periods, err := NewCheckpointer(conf).Checkpoints()
	require.NoError(t, err)
	require.Empty(t, periods)
}
