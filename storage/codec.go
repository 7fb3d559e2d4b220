package storage

import (
	"sync"

	"github.com/ugorji/go/codec"
)

// resolver holds the JSON encoder and decoder of a store.
// Both reuse their buffers, so every use is serialized.
type resolver struct {
	handle codec.JsonHandle

	encoder *codec.Encoder
	decoder *codec.Decoder
	buf     []byte

	mu sync.Mutex
}

func newResolver() *resolver {
	r := &resolver{}

	r.handle.Indent = 2
	r.handle.HTMLCharsAsIs = true
	r.handle.TypeInfos = codec.NewTypeInfos([]string{"codec"})

	r.buf = make([]byte, 0, 4096)
	r.encoder = codec.NewEncoderBytes(&r.buf, &r.handle)
	r.decoder = codec.NewDecoderBytes(nil, &r.handle)

	return r
}

// marshal encodes v and returns a copy of the encoded bytes.
func (r *resolver) marshal(v any) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = r.buf[:0]
	r.encoder.ResetBytes(&r.buf)

	if err := r.encoder.Encode(v); err != nil {
		return nil, err
	}

	return append([]byte(nil), r.buf...), nil
}

func (r *resolver) unmarshal(data []byte, v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.decoder.ResetBytes(data)

	return r.decoder.Decode(v)
}
