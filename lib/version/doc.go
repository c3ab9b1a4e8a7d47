// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for the Acquire binaries.
//
// [GitCommit], [GitDirty], [BuildTime] and [Version] are injected at
// build time via -ldflags -X and default to "unknown" and "0.1.0-dev"
// in development builds and tests:
//
//	go build -ldflags "-X github.com/acquire-foundation/acquire/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// [Info] formats them for --version, [LogAttrs] adds the Go version and
// platform for start-up logging, and [Agent] is the User-Agent clients
// send.
package version
