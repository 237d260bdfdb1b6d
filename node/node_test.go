package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/dagpbft/clock"
	"github.com/gitzhang10/dagpbft/config"
	"github.com/gitzhang10/dagpbft/sign"
	"github.com/gitzhang10/dagpbft/types"
)

type account struct {
	key    *secp256k1.PrivateKey
	vrfKey *sign.VrfKey
}

func newAccount(t *testing.T) account {
	key, err := sign.GenerateKey()
	require.NoError(t, err)
	return account{key: key, vrfKey: sign.GenVrfKey()}
}

func (a account) validator(t *testing.T) config.Validator {
	pub, err := a.vrfKey.PublicBytes()
	require.NoError(t, err)
	return config.Validator{Address: types.Address(sign.Address(a.key)), Stake: 1, VrfKey: pub}
}

func newNode(t *testing.T, name string, self account, validators []config.Validator, opts ...Option) *FullNode {
	conf := config.New(name, self.key, self.vrfKey, "127.0.0.1:0", validators, 0)
	return newNodeWithConfig(t, conf, opts...)
}

func newNodeWithConfig(t *testing.T, conf *config.Config, opts ...Option) *FullNode {
	opts = append([]Option{WithLogger(hclog.NewNullLogger())}, opts...)
	n, err := New(conf, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

// tickUntil drives a node built on a manual clock until its chain reaches size.
func tickUntil(t *testing.T, n *FullNode, clk *clock.Manual, size uint64) {
	mgr := n.Consensus()
	require.NoError(t, mgr.Start())
	for i := 0; i < 5000 && n.Chain().GetPbftChainSize() < size; i++ {
		if wait := mgr.Tick(); wait > 0 {
			clk.Advance(wait)
		}
	}
	require.Equal(t, size, n.Chain().GetPbftChainSize())
}

func run(t *testing.T, nodes ...*FullNode) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(n *FullNode) {
			defer wg.Done()
			require.NoError(t, n.Run(ctx))
		}(n)
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func TestRebuildFromPeriodData(t *testing.T) {
	a := newAccount(t)
	validators := []config.Validator{a.validator(t)}
	clk := clock.NewManual(time.Unix(1700000000, 0))
	nodeA := newNode(t, "a", a, validators, WithClock(clk))
	tickUntil(t, nodeA, clk, 5)

	nodeB := newNode(t, "b", newAccount(t), validators)
	size, err := nodeB.Rebuild(nodeA.DB(), 3)
	require.NoError(t, err)
	require.Equal(t, uint64(3), size)

	size, err = nodeB.Rebuild(nodeA.DB(), 0)
	require.NoError(t, err)
	require.Equal(t, uint64(5), size)
	require.Equal(t, nodeA.Chain().GetLastPbftBlockHash(), nodeB.Chain().GetLastPbftBlockHash())
	require.Equal(t, nodeA.Registry().Current(), nodeB.Registry().Current())
}

func TestRebuildRejectsOtherGenesis(t *testing.T) {
	a := newAccount(t)
	clk := clock.NewManual(time.Unix(1700000000, 0))
	nodeA := newNode(t, "a", a, []config.Validator{a.validator(t)}, WithClock(clk))
	tickUntil(t, nodeA, clk, 2)

	other := newAccount(t)
	nodeB := newNode(t, "b", other, []config.Validator{other.validator(t)})
	size, err := nodeB.Rebuild(nodeA.DB(), 0)
	require.ErrorIs(t, err, ErrRebuildFailed)
	require.Zero(t, size)
}

// TestSyncFromPeer starts a node three periods in and lets it catch up with a
// validator ten periods in over TCP.
func TestSyncFromPeer(t *testing.T) {
	a := newAccount(t)
	validators := []config.Validator{a.validator(t)}
	clk := clock.NewManual(time.Unix(1700000000, 0))
	nodeA := newNode(t, "a", a, validators, WithClock(clk))
	tickUntil(t, nodeA, clk, 10)

	b := newAccount(t)
	confB := config.New("b", b.key, b.vrfKey, "127.0.0.1:0", validators, 0)
	confB.Lambda = 10 * time.Second
	confB.StatusInterval = time.Hour
	confB.BootNodes = []string{nodeA.ListenAddr()}
	nodeB := newNodeWithConfig(t, confB)
	size, err := nodeB.Rebuild(nodeA.DB(), 3)
	require.NoError(t, err)
	require.Equal(t, uint64(3), size)

	run(t, nodeA, nodeB)

	require.Eventually(t, func() bool {
		if nodeB.Chain().GetPbftChainSize() != 10 {
			return false
		}
		peer, ok := nodeA.Network().Peers().Get(nodeB.Address())
		return ok && peer.Synced()
	}, 10*time.Second, 50*time.Millisecond)
	require.Equal(t, nodeA.Chain().GetLastPbftBlockHash(), nodeB.Chain().GetLastPbftBlockHash())
	require.False(t, nodeB.Network().IsSyncing())
	require.Equal(t, uint64(10), nodeB.Status().ChainSize)
}

func TestCheckpointer(t *testing.T) {
	a := newAccount(t)
	conf := config.New("a", a.key, a.vrfKey, "127.0.0.1:0", []config.Validator{a.validator(t)}, 0)
	require.Nil(t, NewCheckpointer(conf))

	conf.DataDir = t.TempDir()
	conf.CheckpointInterval = 2
	c := NewCheckpointer(conf)
	require.NotNil(t, c)
	require.Equal(t, 4, c.DataShards)
	require.Equal(t, 2, c.ParityShards)
}

func TestCheckpointsAndRevert(t *testing.T) {
	a := newAccount(t)
	conf := config.New("a", a.key, a.vrfKey, "127.0.0.1:0", []config.Validator{a.validator(t)}, 0)
	conf.DataDir = t.TempDir()
	conf.CheckpointInterval = 2
	clk := clock.NewManual(time.Unix(1700000000, 0))
	n := newNodeWithConfig(t, conf, WithClock(clk))
	tickUntil(t, n, clk, 5)

	periods, err := NewCheckpointer(conf).Checkpoints()
	require.NoError(t, err)
	require.Equal(t, []uint64{2, 4}, periods)

	reverted, err := n.DB().RevertToPeriod(NewCheckpointer(conf), 3)
	require.NoError(t, err)
	require.Equal(t, uint64(2), reverted)
	ok, err := n.DB().HasPeriodData(3)
	require.NoError(t, err)
	require.False(t, ok)
}
