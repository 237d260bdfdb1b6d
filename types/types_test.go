package types

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/dagpbft/sign"
)

func TestDagBlockHashSurvivesDecoding(t *testing.T) {
	priv, err := sign.GenerateKey()
	require.NoError(t, err)
	genesis := GenesisDagBlock(1)
	blk := &DagBlock{
		Pivot:        genesis.Hash(),
		Level:        1,
		Transactions: []Hash{Keccak([]byte("tx"))},
		Timestamp:    42,
		Vdf:          VdfSortition{VrfProof: []byte{1, 2}, Difficulty: 16},
	}
	blk.Sign(priv)

	raw, err := Encode(blk)
	require.NoError(t, err)
	var decoded DagBlock
	require.NoError(t, Decode(raw, &decoded))
	require.Equal(t, blk.Hash(), decoded.Hash())

	sender, err := decoded.Sender()
	require.NoError(t, err)
	require.Equal(t, Address(sign.Address(priv)), sender)
	require.Equal(t, []Hash{genesis.Hash()}, decoded.Parents())
}

func TestPbftBlockSignature(t *testing.T) {
	priv, err := sign.GenerateKey()
	require.NoError(t, err)
	blk := &PbftBlock{Period: 3, Timestamp: 7, OrderHash: CalculateOrderHash(nil, nil)}
	blk.Sign(priv)
	require.True(t, blk.VerifySignature())

	hash := blk.BlockHash()
	blk.Period = 4
	require.NotEqual(t, hash, blk.BlockHash())
	require.False(t, blk.VerifySignature())
}

func TestVoteTypeAndVoter(t *testing.T) {
	priv, err := sign.GenerateKey()
	require.NoError(t, err)
	v := &Vote{BlockHash: Keccak([]byte("b")), Period: 2, Round: 1, Step: CertifyStep}
	v.Sign(priv)
	require.Equal(t, CertVote, v.Type())
	voter, err := v.Voter()
	require.NoError(t, err)
	require.Equal(t, Address(sign.Address(priv)), voter)

	require.Equal(t, ProposeVote, StepToVoteType(1))
	require.Equal(t, SoftVote, StepToVoteType(2))
	require.Equal(t, NextVote, StepToVoteType(4))
	require.Equal(t, NextVote, StepToVoteType(9))
}

func TestTransactionSenderAndCost(t *testing.T) {
	priv, err := sign.GenerateKey()
	require.NoError(t, err)
	tx := &Transaction{Nonce: 1, Gas: 21000, Value: *uint256.NewInt(5), GasPrice: *uint256.NewInt(2)}
	tx.Sign(priv)
	sender, err := tx.Sender()
	require.NoError(t, err)
	require.Equal(t, Address(sign.Address(priv)), sender)
	require.Equal(t, uint64(42005), tx.Cost().Uint64())
}

func TestHashHex(t *testing.T) {
	h := Keccak([]byte("x"))
	parsed, err := HashFromHex("0x" + h.Hex())
	require.NoError(t, err)
	require.Equal(t, h, parsed)
	_, err = HashFromHex("00")
	require.ErrorIs(t, err, ErrBadHexLength)
	require.True(t, ZeroHash.IsZero())
	require.True(t, ZeroHash.Less(h) || h == ZeroHash)
}
