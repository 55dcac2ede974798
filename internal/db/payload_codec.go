package db

import (
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// compressedPrefix tags raw payloads stored zstd-compressed and base64
// encoded. Rows without the prefix are returned unchanged.
const compressedPrefix = "zstd:"

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder

	decoderPool = sync.Pool{
		New: func() any {
			d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
			if err != nil {
				return nil
			}
			return d
		},
	}
)

func payloadEncoder() *zstd.Encoder {
	encoderOnce.Do(func() {
		// NewWriter only fails on invalid options.
		encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return encoder
}

// encodePayload compresses raw when it is at least threshold bytes.
// A threshold of zero or less stores everything verbatim.
func encodePayload(raw string, threshold int) string {
	if threshold <= 0 || len(raw) < threshold {
		return raw
	}
	compressed := payloadEncoder().EncodeAll([]byte(raw), nil)
	encoded := compressedPrefix + base64.StdEncoding.EncodeToString(compressed)
	if len(encoded) >= len(raw) {
		return raw
	}
	return encoded
}

// decodePayload reverses encodePayload.
func decodePayload(stored string) (string, error) {
	if !strings.HasPrefix(stored, compressedPrefix) {
		return stored, nil
	}
	compressed, err := base64.StdEncoding.DecodeString(stored[len(compressedPrefix):])
	if err != nil {
		return "", fmt.Errorf("decoding payload: %w", err)
	}

	d, ok := decoderPool.Get().(*zstd.Decoder)
	if !ok || d == nil {
		return "", fmt.Errorf("zstd decoder unavailable")
	}
	defer decoderPool.Put(d)

	raw, err := d.DecodeAll(compressed, nil)
	if err != nil {
		return "", fmt.Errorf("decompressing payload: %w", err)
	}
	return string(raw), nil
}
