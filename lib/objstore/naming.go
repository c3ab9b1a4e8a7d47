// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package objstore

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// MaxKeyLength is the longest key, in characters, a Store accepts.
const MaxKeyLength = 1024

// maxBucketName is the longest bucket name most backends accept.
const maxBucketName = 63

// TimeFormat is the layout of every timestamp embedded in a key.
// Lexicographic order of formatted times matches chronological order.
const TimeFormat = "2006-01-02T15:04:05.000000"

// FormatTime renders t in UTC with TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a TimeFormat timestamp as UTC.
func ParseTime(s string) (time.Time, error) {
	return time.ParseInLocation(TimeFormat, s, time.UTC)
}

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	bucketInvalid = regexp.MustCompile(`[^a-z0-9\-_.]`)
)

// SanitiseBucketName lowercases name, turns whitespace runs into a
// single hyphen, drops characters outside [a-z0-9-_.] and clamps the
// result to 63 characters.
func SanitiseBucketName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = whitespaceRun.ReplaceAllString(name, "-")
	name = bucketInvalid.ReplaceAllString(name, "")
	if len(name) > maxBucketName {
		name = name[:maxBucketName]
	}
	return name
}

// NormaliseKey strips leading and repeated slashes.
func NormaliseKey(key string) (string, error) {
	parts := strings.Split(key, "/")
	kept := parts[:0]
	for _, part := range parts {
		if part != "" {
			kept = append(kept, part)
		}
	}
	normalised := strings.Join(kept, "/")
	if strings.HasSuffix(key, "/") && normalised != "" {
		normalised += "/"
	}
	if len(normalised) > MaxKeyLength {
		return "", fmt.Errorf("%w: %d characters", ErrKeyTooLong, len(normalised))
	}
	return normalised, nil
}

// EncodeKey encodes an arbitrary string (a URL, a filename, a drive
// name) as a single key segment.
func EncodeKey(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

// DecodeKey reverses EncodeKey.
func DecodeKey(segment string) (string, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return "", fmt.Errorf("objstore: decoding key segment %q: %w", segment, err)
	}
	return string(decoded), nil
}

// Join joins key segments with "/".
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}
