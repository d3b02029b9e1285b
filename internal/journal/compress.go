package journal

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// compressionMagic prefixes compressed values. Values without it are stored
// as serialized records directly.
const compressionMagic = "EJZ1"

var (
	zstdEncoderOnce sync.Once
	zstdDecoderOnce sync.Once
	zstdEncoder     *zstd.Encoder
	zstdDecoder     *zstd.Decoder
	zstdEncoderErr  error
	zstdDecoderErr  error
)

func getZstdEncoder() (*zstd.Encoder, error) {
	zstdEncoderOnce.Do(func() {
		zstdEncoder, zstdEncoderErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return zstdEncoder, zstdEncoderErr
}

func getZstdDecoder() (*zstd.Decoder, error) {
	zstdDecoderOnce.Do(func() {
		zstdDecoder, zstdDecoderErr = zstd.NewReader(nil)
	})
	return zstdDecoder, zstdDecoderErr
}

func compressForStorage(data []byte) ([]byte, error) {
	enc, err := getZstdEncoder()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(data, []byte(compressionMagic)), nil
}

// decompressFromStorage returns a copy of the stored record bytes, which
// pebble only lends until the iterator moves.
func decompressFromStorage(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, []byte(compressionMagic)) {
		return bytes.Clone(data), nil
	}
	dec, err := getZstdDecoder()
	if err != nil {
		return nil, err
	}
	return dec.DecodeAll(data[len(compressionMagic):], nil)
}
