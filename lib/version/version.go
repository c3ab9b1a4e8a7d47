// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
)

// Set via -ldflags at build time.
var (
	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"

	// GitDirty is "true" when the tree had uncommitted changes.
	GitDirty = "false"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"

	// Version is the semantic version, set manually for releases.
	Version = "0.1.0-dev"
)

// Info returns the version string printed by --version.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}

// LogAttrs returns the build as slog key/value pairs, for the first
// line a service logs.
func LogAttrs() []any {
	return []any{
		"version", Version,
		"commit", GitCommit,
		"built", BuildTime,
		"go", runtime.Version(),
		"platform", runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Agent identifies a binary, e.g. "acquire-storage/0.1.0-dev".
func Agent(binary string) string {
	return binary + "/" + Version
}
