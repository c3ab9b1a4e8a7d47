// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestCompressionRoundTrip(t *testing.T) {
	random := make([]byte, 4096)
	rand.Read(random)
	text := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 100)

	tests := []struct {
		name string
		data []byte
		in   Compression
		want Compression
	}{
		{"auto picks zstd for text", text, CompressionAuto, CompressionZstd},
		{"auto stores random data", random, CompressionAuto, CompressionNone},
		{"lz4", text, CompressionLZ4, CompressionLZ4},
		{"zstd on random data falls back", random, CompressionZstd, CompressionNone},
		{"none", text, CompressionNone, CompressionNone},
		{"empty", nil, CompressionAuto, CompressionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stored, used, err := compress(tt.data, tt.in)
			if err != nil {
				t.Fatalf("compress: %v", err)
			}
			if used != tt.want {
				t.Fatalf("compression = %q, want %q", used, tt.want)
			}
			got, err := decompress(stored, used, len(tt.data))
			if err != nil {
				t.Fatalf("decompress: %v", err)
			}
			if !bytes.Equal(got, tt.data) {
				t.Fatal("round trip changed the data")
			}
		})
	}
}

func TestDecompressChecksSize(t *testing.T) {
	stored, used, err := compress(bytes.Repeat([]byte("ab"), 500), CompressionZstd)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if _, err := decompress(stored, used, 999); err == nil {
		t.Fatal("decompress accepted the wrong size")
	}
}
