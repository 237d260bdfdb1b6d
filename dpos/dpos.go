/*
Package dpos answers eligible-stake questions for votes and DAG blocks. The
validator set is fixed at genesis; lookups for a period the node has not yet
finalized fail with ErrFuturePeriod so callers can retry later.
*/
package dpos

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gitzhang10/dagpbft/config"
	"github.com/gitzhang10/dagpbft/types"
)

var (
	ErrFuturePeriod = errors.New("period not finalized yet")
	ErrUnknownVoter = errors.New("address has no stake")
)

type validator struct {
	stake  uint64
	vrfKey []byte
}

// Dpos is read-only after construction except for the finalized period.
type Dpos struct {
	validators map[types.Address]validator
	total      uint64
	finalized  atomic.Uint64
}

func New(validators []config.Validator) *Dpos {
	d := &Dpos{validators: make(map[types.Address]validator, len(validators))}
	for _, v := range validators {
		d.validators[v.Address] = validator{stake: v.Stake, vrfKey: v.VrfKey}
		d.total += v.Stake
	}
	return d
}

// SetFinalizedPeriod is called after each period is finalized.
func (d *Dpos) SetFinalizedPeriod(period uint64) {
	d.finalized.Store(period)
}

func (d *Dpos) FinalizedPeriod() uint64 {
	return d.finalized.Load()
}

func (d *Dpos) checkPeriod(period uint64) error {
	if last := d.finalized.Load(); period > last {
		return fmt.Errorf("%w: asked %d, finalized %d", ErrFuturePeriod, period, last)
	}
	return nil
}

// VoterWeight is the stake of addr at period.
func (d *Dpos) VoterWeight(period uint64, addr types.Address) (uint64, error) {
	if err := d.checkPeriod(period); err != nil {
		return 0, err
	}
	return d.validators[addr].stake, nil
}

// TotalEligibleWeight is the stake of all validators at period.
func (d *Dpos) TotalEligibleWeight(period uint64) (uint64, error) {
	if err := d.checkPeriod(period); err != nil {
		return 0, err
	}
	return d.total, nil
}

// Stakes lists the stake of every validator at period.
func (d *Dpos) Stakes(period uint64) ([]uint64, error) {
	if err := d.checkPeriod(period); err != nil {
		return nil, err
	}
	out := make([]uint64, 0, len(d.validators))
	for _, v := range d.validators {
		out = append(out, v.stake)
	}
	return out, nil
}

// IsEligible reports whether addr may propose DAG blocks at period.
func (d *Dpos) IsEligible(period uint64, addr types.Address) (bool, error) {
	w, err := d.VoterWeight(period, addr)
	return w > 0, err
}

// VrfKey returns the registered VRF public key of addr.
func (d *Dpos) VrfKey(addr types.Address) ([]byte, error) {
	v, ok := d.validators[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVoter, addr)
	}
	return v.vrfKey, nil
}

// Balances is the genesis stake per validator.
func (d *Dpos) Balances() map[types.Address]uint64 {
	out := make(map[types.Address]uint64, len(d.validators))
	for addr, v := range d.validators {
		out[addr] = v.stake
	}
	return out
}
