package sortition

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gitzhang10/dagpbft/sign"
	"github.com/gitzhang10/dagpbft/types"
)

var (
	ErrInvalidVrf          = errors.New("vrf proof verification failed")
	ErrIncorrectDifficulty = errors.New("incorrect vdf difficulty")
	ErrInvalidVdf          = errors.New("vdf solution verification failed")
)

// VrfInput is what a DAG block proposer proves: the level of the block and
// the proposal period that level belongs to.
func VrfInput(level, proposalPeriod uint64) []byte {
	return append(types.Uint64Bytes(level), types.Uint64Bytes(proposalPeriod)...)
}

// Threshold reads the lottery ticket from a VRF output.
func Threshold(output [32]byte) uint16 {
	return binary.BigEndian.Uint16(output[:2])
}

// Difficulty maps a ticket to a VDF difficulty. Tickets at or over the upper
// threshold are stale and pay the stale difficulty.
func Difficulty(p Params, threshold uint16) uint16 {
	if threshold >= p.Vrf.ThresholdUpper {
		return p.Vdf.DifficultyStale
	}
	buckets := p.Vdf.DifficultyMax - p.Vdf.DifficultyMin + 1
	width := p.Vrf.ThresholdUpper / buckets
	if width == 0 {
		width = 1
	}
	d := p.Vdf.DifficultyMin + threshold/width
	if d > p.Vdf.DifficultyMax {
		d = p.Vdf.DifficultyMax
	}
	return d
}

func IsStale(p Params, s types.VdfSortition) bool {
	return s.Difficulty == p.Vdf.DifficultyStale
}

func vdfInput(vrfOutput [32]byte, pivot types.Hash) []byte {
	return append(vrfOutput[:], pivot[:]...)
}

// solveVdf is a sequential hash chain, difficulty * lambda steps long.
func solveVdf(input []byte, difficulty, lambda uint16) []byte {
	h := sign.Keccak256(input)
	steps := int(difficulty) * int(lambda)
	for i := 0; i < steps; i++ {
		h = sign.Keccak256(h[:])
	}
	return h[:]
}

// NewVdfSortition proves the VRF for (level, proposalPeriod) and solves the
// VDF at the difficulty the ticket selects.
func NewVdfSortition(p Params, key *sign.VrfKey, level, proposalPeriod uint64, pivot types.Hash) (types.VdfSortition, error) {
	proof, err := sign.VrfProve(key, VrfInput(level, proposalPeriod))
	if err != nil {
		return types.VdfSortition{}, err
	}
	output := sign.VrfOutput(proof)
	difficulty := Difficulty(p, Threshold(output))
	return types.VdfSortition{
		VrfProof:    proof,
		VdfSolution: solveVdf(vdfInput(output, pivot), difficulty, p.Vdf.LambdaBound),
		Difficulty:  difficulty,
	}, nil
}

// VerifyVdfSortition checks the VRF proof against the sender's key, the
// difficulty against the ticket and finally the VDF solution.
func VerifyVdfSortition(p Params, vrfPub []byte, s types.VdfSortition, level, proposalPeriod uint64, pivot types.Hash) error {
	output, err := sign.VrfVerify(vrfPub, VrfInput(level, proposalPeriod), s.VrfProof)
	if err != nil {
		return fmt.Errorf("%w: level %d, period %d", ErrInvalidVrf, level, proposalPeriod)
	}
	if want := Difficulty(p, Threshold(output)); want != s.Difficulty {
		return fmt.Errorf("%w: got %d, want %d", ErrIncorrectDifficulty, s.Difficulty, want)
	}
	sol := solveVdf(vdfInput(output, pivot), s.Difficulty, p.Vdf.LambdaBound)
	if string(sol) != string(s.VdfSolution) {
		return ErrInvalidVdf
	}
	return nil
}
