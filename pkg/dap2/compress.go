package dap2

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedFastest),
			zstd.WithEncoderConcurrency(1),
		)
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(0),
			zstd.WithDecoderMaxMemory(MaxPayloadLimit),
		)
	})
	return zstdEnc, zstdDec, zstdErr
}

// Pack compresses payload when it is at least threshold bytes long and the
// compressed form is smaller. It returns the payload to send and the flags to
// add to the frame. A threshold <= 0 disables compression.
func Pack(payload []byte, threshold int) ([]byte, Flags) {
	if threshold <= 0 || len(payload) < threshold {
		return payload, 0
	}
	enc, _, err := zstdCodecs()
	if err != nil {
		return payload, 0
	}
	out := enc.EncodeAll(payload, make([]byte, 0, len(payload)/2))
	if len(out) >= len(payload) {
		return payload, 0
	}
	return out, FlagCompressed
}

// Unpack returns the interpreted payload of f, decompressing it when
// [FlagCompressed] is set. The decompressed size is bounded by maxPayload.
func Unpack(f Frame, maxPayload int) ([]byte, error) {
	if !f.Flags.Has(FlagCompressed) {
		return f.Payload, nil
	}
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	_, dec, err := zstdCodecs()
	if err != nil {
		return nil, fmt.Errorf("dap2: zstd init: %w", err)
	}
	out, err := dec.DecodeAll(f.Payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: decompress: %v", ErrInvalidPayload, f.Type, err)
	}
	if len(out) > maxPayload {
		return nil, fmt.Errorf("%w: %s: decompressed size %d exceeds %d", ErrInvalidPayload, f.Type, len(out), maxPayload)
	}
	return out, nil
}
