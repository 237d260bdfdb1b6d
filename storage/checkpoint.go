package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/klauspost/reedsolomon"

	"github.com/gitzhang10/dagpbft/types"
)

const checkpointMetaFile = "meta"

var ErrNoCheckpoint = errors.New("no checkpoint at or below period")

type kvPair struct {
	K []byte
	V []byte
}

type checkpointMeta struct {
	Period       uint64
	Size         int
	DataShards   int
	ParityShards int
}

// Checkpointer writes erasure coded dumps of the whole store. A checkpoint
// survives the loss of up to ParityShards shard files.
type Checkpointer struct {
	Dir          string
	DataShards   int
	ParityShards int
}

func (c *Checkpointer) dir(period uint64) string {
	return filepath.Join(c.Dir, strconv.FormatUint(period, 10))
}

func shardFile(dir string, i int) string {
	return filepath.Join(dir, fmt.Sprintf("shard-%02d", i))
}

// CreateCheckpoint dumps every key of the store taken at period.
func (d *DB) CreateCheckpoint(c *Checkpointer, period uint64) error {
	var pairs []kvPair
	if err := d.kv.Iterate(nil, func(k, v []byte) bool {
		pairs = append(pairs, kvPair{K: k, V: v})
		return true
	}); err != nil {
		return err
	}
	raw, err := types.Encode(pairs)
	if err != nil {
		return err
	}
	data := d.comp.compress(raw)

	rs, err := reedsolomon.New(c.DataShards, c.ParityShards)
	if err != nil {
		return err
	}
	shards, err := rs.Split(data)
	if err != nil {
		return fmt.Errorf("split checkpoint: %w", err)
	}
	if err := rs.Encode(shards); err != nil {
		return fmt.Errorf("encode checkpoint parity: %w", err)
	}

	dir := c.dir(period)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for i, shard := range shards {
		if err := os.WriteFile(shardFile(dir, i), shard, 0o644); err != nil {
			return err
		}
	}
	meta, err := types.Encode(checkpointMeta{
		Period:       period,
		Size:         len(data),
		DataShards:   c.DataShards,
		ParityShards: c.ParityShards,
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, checkpointMetaFile), meta, 0o644); err != nil {
		return err
	}
	d.logger.Info("checkpoint created", "period", period, "keys", len(pairs), "bytes", len(data))
	return nil
}

// Checkpoints lists the checkpointed periods in ascending order.
func (c *Checkpointer) Checkpoints() ([]uint64, error) {
	entries, err := os.ReadDir(c.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var periods []uint64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		periods = append(periods, p)
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i] < periods[j] })
	return periods, nil
}

// RestoreCheckpoint replaces the store content with the checkpoint at period.
func (d *DB) RestoreCheckpoint(c *Checkpointer, period uint64) error {
	dir := c.dir(period)
	rawMeta, err := os.ReadFile(filepath.Join(dir, checkpointMetaFile))
	if err != nil {
		return err
	}
	var meta checkpointMeta
	if err := types.Decode(rawMeta, &meta); err != nil {
		return err
	}
	rs, err := reedsolomon.New(meta.DataShards, meta.ParityShards)
	if err != nil {
		return err
	}
	shards := make([][]byte, meta.DataShards+meta.ParityShards)
	missing := 0
	for i := range shards {
		shard, err := os.ReadFile(shardFile(dir, i))
		if err != nil {
			missing++
			continue
		}
		shards[i] = shard
	}
	if missing > 0 {
		d.logger.Warn("checkpoint shards missing, reconstructing", "period", period, "missing", missing)
		if err := rs.Reconstruct(shards); err != nil {
			return fmt.Errorf("reconstruct checkpoint %d: %w", period, err)
		}
	}
	var buf bytes.Buffer
	if err := rs.Join(&buf, shards, meta.Size); err != nil {
		return err
	}
	raw, err := d.comp.decompress(buf.Bytes())
	if err != nil {
		return err
	}
	var pairs []kvPair
	if err := types.Decode(raw, &pairs); err != nil {
		return err
	}

	batch := d.kv.NewBatch()
	if err := d.kv.Iterate(nil, func(k, _ []byte) bool {
		batch.Delete(k)
		return true
	}); err != nil {
		return err
	}
	for _, p := range pairs {
		batch.Put(p.K, p.V)
	}
	if err := batch.Commit(); err != nil {
		return err
	}
	d.logger.Info("checkpoint restored", "period", period, "keys", len(pairs))
	return nil
}

// RevertToPeriod restores the newest checkpoint at or below period and returns its period.
func (d *DB) RevertToPeriod(c *Checkpointer, period uint64) (uint64, error) {
	periods, err := c.Checkpoints()
	if err != nil {
		return 0, err
	}
	for i := len(periods) - 1; i >= 0; i-- {
		if periods[i] <= period {
			return periods[i], d.RestoreCheckpoint(c, periods[i])
		}
	}
	return 0, fmt.Errorf("%w %d", ErrNoCheckpoint, period)
}
