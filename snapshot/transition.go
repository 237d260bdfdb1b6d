package snapshot

import (
	"sort"

	"github.com/gitzhang10/dagpbft/types"
)

// StateTransition is the external execution service: apply a period's
// transactions on top of a state root and return the new root.
type StateTransition interface {
	GenesisRoot() (types.Hash, error)
	Apply(prevRoot types.Hash, period uint64, txs []*types.Transaction) (types.Hash, error)
}

// DigestTransition folds transaction hashes into the previous root. It stands
// in for a real execution engine and is deterministic across nodes.
type DigestTransition struct {
	GenesisBalances map[types.Address]uint64
}

type genesisAccount struct {
	Addr    types.Address
	Balance uint64
}

func (d *DigestTransition) GenesisRoot() (types.Hash, error) {
	accounts := make([]genesisAccount, 0, len(d.GenesisBalances))
	for addr, bal := range d.GenesisBalances {
		accounts = append(accounts, genesisAccount{Addr: addr, Balance: bal})
	}
	sort.Slice(accounts, func(i, j int) bool {
		return string(accounts[i].Addr[:]) < string(accounts[j].Addr[:])
	})
	raw, err := types.Encode(accounts)
	if err != nil {
		return types.ZeroHash, err
	}
	return types.Keccak(raw), nil
}

func (d *DigestTransition) Apply(prevRoot types.Hash, period uint64, txs []*types.Transaction) (types.Hash, error) {
	parts := make([][]byte, 0, len(txs)+2)
	parts = append(parts, prevRoot.Bytes(), types.Uint64Bytes(period))
	for _, tx := range txs {
		h := tx.Hash()
		parts = append(parts, h.Bytes())
	}
	return types.Keccak(parts...), nil
}
