package replay

import (
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/dagpbft/sign"
	"github.com/gitzhang10/dagpbft/storage"
	"github.com/gitzhang10/dagpbft/types"
)

func newTx(t *testing.T, priv *secp256k1.PrivateKey, nonce uint64) *types.Transaction {
	tx := &types.Transaction{Nonce: nonce, Gas: 1}
	tx.Sign(priv)
	return tx
}

func newService(t *testing.T, rangeSize uint64) (*Service, *storage.DB) {
	db, err := storage.NewDB(storage.NewMemory(), nil)
	require.NoError(t, err)
	s, err := NewService(rangeSize, db, hclog.NewNullLogger())
	require.NoError(t, err)
	return s, db
}

func TestNonceWatermark(t *testing.T) {
	s, _ := newService(t, 2)
	priv, err := sign.GenerateKey()
	require.NoError(t, err)

	tx1 := newTx(t, priv, 5)
	require.NoError(t, s.Commit(0, []*types.Transaction{tx1}))
	executed, err := s.HasBeenExecuted(tx1)
	require.NoError(t, err)
	require.True(t, executed, "hash is recorded inside the range")

	lower := newTx(t, priv, 3)
	executed, err = s.HasBeenExecuted(lower)
	require.NoError(t, err)
	require.False(t, executed, "no watermark before the period leaves the range")

	require.NoError(t, s.Commit(1, nil))
	require.NoError(t, s.Commit(2, nil))

	// period 0 promoted: watermark W = 5
	for _, nonce := range []uint64{0, 3, 5} {
		executed, err = s.HasBeenExecuted(newTx(t, priv, nonce))
		require.NoError(t, err)
		require.True(t, executed, "nonce %d <= watermark", nonce)
	}
	executed, err = s.HasBeenExecuted(newTx(t, priv, 6))
	require.NoError(t, err)
	require.False(t, executed)
	executed, err = s.HasBeenExecuted(tx1)
	require.NoError(t, err)
	require.True(t, executed)
}

func TestCommitOrderAndDuplicates(t *testing.T) {
	s, db := newService(t, 3)
	priv, err := sign.GenerateKey()
	require.NoError(t, err)
	tx := newTx(t, priv, 1)

	require.NoError(t, s.Commit(1, []*types.Transaction{tx}))
	require.ErrorIs(t, s.Commit(3, nil), ErrPeriodOrder)
	require.ErrorIs(t, s.Commit(2, []*types.Transaction{tx}), ErrAlreadyExists)

	// restart picks up the last period
	restarted, err := NewService(3, db, hclog.NewNullLogger())
	require.NoError(t, err)
	require.ErrorIs(t, restarted.Commit(1, nil), ErrPeriodOrder)
	require.NoError(t, restarted.Commit(2, nil))
}
