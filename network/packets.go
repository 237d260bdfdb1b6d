package network

import (
	"reflect"

	"github.com/gitzhang10/dagpbft/types"
)

const (
	StatusPacket uint8 = iota
	NewBlockPacket
	NewBlockHashPacket
	GetNewBlockPacket
	GetBlocksPacket
	BlocksPacket
	TransactionsPacket
	PbftVotePacket
	GetPbftNextVotesPacket
	PbftNextVotesPacket
	NewPbftBlockPacket
	GetPbftBlockPacket
	PbftBlockPacket
	SyncedPacket
)

var packetNames = map[uint8]string{
	StatusPacket:           "status",
	NewBlockPacket:         "new_block",
	NewBlockHashPacket:     "new_block_hash",
	GetNewBlockPacket:      "get_new_block",
	GetBlocksPacket:        "get_blocks",
	BlocksPacket:           "blocks",
	TransactionsPacket:     "transactions",
	PbftVotePacket:         "pbft_vote",
	GetPbftNextVotesPacket: "get_pbft_next_votes",
	PbftNextVotesPacket:    "pbft_next_votes",
	NewPbftBlockPacket:     "new_pbft_block",
	GetPbftBlockPacket:     "get_pbft_block",
	PbftBlockPacket:        "pbft_block",
	SyncedPacket:           "synced",
}

// PacketName is used as a log field and metrics label.
func PacketName(t uint8) string {
	if name, ok := packetNames[t]; ok {
		return name
	}
	return "unknown"
}

// Version is the protocol version. Peers must agree on major and minor.
type Version struct {
	Major uint16
	Minor uint16
	Patch uint16
}

var ProtocolVersion = Version{Major: 1, Minor: 0, Patch: 0}

func (v Version) Compatible(o Version) bool {
	return v.Major == o.Major && v.Minor == o.Minor
}

// Status is exchanged on connect (Initial set) and then periodically. The
// identity fields are only filled in the initial form.
type Status struct {
	Initial     bool
	NetworkID   uint64
	GenesisHash types.Hash
	Version     Version
	ListenAddr  string

	DagLevel      uint64
	ChainSize     uint64
	Syncing       bool
	Period        uint64
	Round         uint64
	NextVotesSize uint64
}

type NewBlock struct {
	Block        *types.DagBlock
	Transactions []*types.Transaction
}

type NewBlockHash struct {
	Hash types.Hash
}

type GetNewBlock struct {
	Hash types.Hash
}

const (
	// MissingHashes asks for exactly the listed blocks.
	MissingHashes uint8 = iota
	// KnownHashes asks for every non-finalized block except the listed ones.
	KnownHashes
)

type GetBlocks struct {
	Mode   uint8
	Hashes []types.Hash
}

type Blocks struct {
	Blocks       []*types.DagBlock
	Transactions []*types.Transaction
}

type Transactions struct {
	Transactions []*types.Transaction
}

type PbftVote struct {
	Vote *types.Vote
}

// GetPbftNextVotes carries the requester's position and the size of its
// next vote bundle.
type GetPbftNextVotes struct {
	Period        uint64
	Round         uint64
	NextVotesSize uint64
}

type PbftNextVotes struct {
	Votes []*types.Vote
}

// NewPbftBlock is a proposal; it carries no cert votes.
type NewPbftBlock struct {
	Block *types.PbftBlock
	Round uint64
}

// GetPbftBlock asks for period data starting at From.
type GetPbftBlock struct {
	From uint64
}

// PbftBlock streams one period of data. A nil Data means the server had
// nothing at the requested period.
type PbftBlock struct {
	Data *types.SyncBlock
	Last bool
}

type Synced struct{}

var reflectedTypesMap = map[uint8]reflect.Type{
	StatusPacket:           reflect.TypeOf(Status{}),
	NewBlockPacket:         reflect.TypeOf(NewBlock{}),
	NewBlockHashPacket:     reflect.TypeOf(NewBlockHash{}),
	GetNewBlockPacket:      reflect.TypeOf(GetNewBlock{}),
	GetBlocksPacket:        reflect.TypeOf(GetBlocks{}),
	BlocksPacket:           reflect.TypeOf(Blocks{}),
	TransactionsPacket:     reflect.TypeOf(Transactions{}),
	PbftVotePacket:         reflect.TypeOf(PbftVote{}),
	GetPbftNextVotesPacket: reflect.TypeOf(GetPbftNextVotes{}),
	PbftNextVotesPacket:    reflect.TypeOf(PbftNextVotes{}),
	NewPbftBlockPacket:     reflect.TypeOf(NewPbftBlock{}),
	GetPbftBlockPacket:     reflect.TypeOf(GetPbftBlock{}),
	PbftBlockPacket:        reflect.TypeOf(PbftBlock{}),
	SyncedPacket:           reflect.TypeOf(Synced{}),
}
