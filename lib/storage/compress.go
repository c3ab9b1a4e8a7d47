// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression names how stored data is compressed. The empty value in
// a FileHandle asks the service to choose.
type Compression string

const (
	CompressionAuto Compression = ""
	CompressionNone Compression = "none"
	CompressionLZ4  Compression = "lz4"
	CompressionZstd Compression = "zstd"
)

// Valid reports whether c names a known compression.
func (c Compression) Valid() bool {
	switch c {
	case CompressionAuto, CompressionNone, CompressionLZ4, CompressionZstd:
		return true
	}
	return false
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("storage: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("storage: zstd decoder initialization failed: " + err.Error())
	}
}

// errIncompressible means the compressed form was no smaller.
var errIncompressible = errors.New("storage: data is incompressible")

// choose picks a compression by probing data with zstd: a ratio of at
// least 1.5 selects zstd, at least 1.1 selects lz4, anything less is
// stored as is.
func choose(data []byte) Compression {
	if len(data) == 0 {
		return CompressionNone
	}
	ratio := float64(len(data)) / float64(len(zstdEncoder.EncodeAll(data, nil)))
	switch {
	case ratio >= 1.5:
		return CompressionZstd
	case ratio >= 1.1:
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

// compress returns data compressed with c (choosing one for
// CompressionAuto) and the compression actually used. Data that does
// not shrink is stored uncompressed.
func compress(data []byte, c Compression) ([]byte, Compression, error) {
	if c == CompressionAuto {
		c = choose(data)
	}
	var compressed []byte
	var err error
	switch c {
	case CompressionNone:
		return data, CompressionNone, nil
	case CompressionLZ4:
		compressed, err = compressLZ4(data)
	case CompressionZstd:
		compressed = zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			err = errIncompressible
		}
	default:
		return nil, "", fmt.Errorf("%w: unknown compression %q", ErrFileHandle, c)
	}
	if errors.Is(err, errIncompressible) {
		return data, CompressionNone, nil
	}
	if err != nil {
		return nil, "", err
	}
	return compressed, c, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: lz4 compress: %w", err)
	}
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

// decompress reverses compress. size is the uncompressed length and
// is checked.
func decompress(data []byte, c Compression, size int) ([]byte, error) {
	var result []byte
	switch c {
	case CompressionNone, CompressionAuto:
		result = data
	case CompressionLZ4:
		result = make([]byte, size)
		read, err := lz4.UncompressBlock(data, result)
		if err != nil {
			return nil, fmt.Errorf("storage: lz4 decompress: %w", err)
		}
		result = result[:read]
	case CompressionZstd:
		var err error
		result, err = zstdDecoder.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("storage: zstd decompress: %w", err)
		}
	default:
		return nil, fmt.Errorf("storage: unknown compression %q", c)
	}
	if len(result) != size {
		return nil, fmt.Errorf("%w: decompressed %d bytes, expected %d", ErrChecksumMismatch, len(result), size)
	}
	return result, nil
}
