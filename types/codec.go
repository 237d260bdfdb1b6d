package types

import (
	"github.com/hashicorp/go-msgpack/codec"
)

var msgpackHandle = newHandle()

func newHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.Canonical = true
	return h
}

// Handle returns the msgpack handle shared by storage and the wire.
func Handle() *codec.MsgpackHandle {
	return msgpackHandle
}

// Encode encodes the data into bytes.
// Data can be of any type; maps are written in canonical order so the result
// is suitable for hashing.
func Encode(data interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, msgpackHandle)
	if err := enc.Encode(data); err != nil {
		return nil, err
	}
	return buf, nil
}

// Decode decodes bytes into the data.
// Data should be passed in the format of a pointer to a type.
func Decode(b []byte, data interface{}) error {
	dec := codec.NewDecoderBytes(b, msgpackHandle)
	return dec.Decode(data)
}

// MustEncode panics on encoding errors. Only for types that cannot fail.
func MustEncode(data interface{}) []byte {
	b, err := Encode(data)
	if err != nil {
		panic(err)
	}
	return b
}
