package storage

import (
	"github.com/klauspost/compress/zstd"
)

// compressor wraps a shared zstd encoder/decoder pair; EncodeAll and
// DecodeAll are safe for concurrent use.
type compressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newCompressor() (*compressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &compressor{enc: enc, dec: dec}, nil
}

func (c *compressor) compress(data []byte) []byte {
	return c.enc.EncodeAll(data, nil)
}

func (c *compressor) decompress(data []byte) ([]byte, error) {
	return c.dec.DecodeAll(data, nil)
}
