package types

import (
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/holiman/uint256"

	"github.com/gitzhang10/dagpbft/sign"
)

type Transaction struct {
	Nonce    uint64
	Value    uint256.Int
	GasPrice uint256.Int
	Gas      uint64
	Receiver Address
	Data     []byte
	Sig      []byte
}

type transactionBody struct {
	Nonce    uint64
	Value    uint256.Int
	GasPrice uint256.Int
	Gas      uint64
	Receiver Address
	Data     []byte
}

func (t *Transaction) body() transactionBody {
	return transactionBody{
		Nonce:    t.Nonce,
		Value:    t.Value,
		GasPrice: t.GasPrice,
		Gas:      t.Gas,
		Receiver: t.Receiver,
		Data:     t.Data,
	}
}

// SigningHash is the digest the sender signs.
func (t *Transaction) SigningHash() Hash {
	return Keccak(MustEncode(t.body()))
}

// Hash identifies the signed transaction.
func (t *Transaction) Hash() Hash {
	return Keccak(MustEncode(t))
}

// Sender recovers the address that signed the transaction.
func (t *Transaction) Sender() (Address, error) {
	addr, err := sign.Recover(t.Sig, t.SigningHash())
	return Address(addr), err
}

// Sign fills Sig using priv.
func (t *Transaction) Sign(priv *secp256k1.PrivateKey) {
	t.Sig = sign.Sign(priv, t.SigningHash())
}

// Cost is value + gas * gas price.
func (t *Transaction) Cost() *uint256.Int {
	cost := new(uint256.Int).Mul(uint256.NewInt(t.Gas), &t.GasPrice)
	return cost.Add(cost, &t.Value)
}

// TxHashes maps transactions to their hashes.
func TxHashes(txs []*Transaction) []Hash {
	hashes := make([]Hash, 0, len(txs))
	for _, tx := range txs {
		hashes = append(hashes, tx.Hash())
	}
	return hashes
}
