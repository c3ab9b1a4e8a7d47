// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint helpers shared by the Acquire
// binaries: reporting a fatal error before the structured logger
// exists, and building the signal-aware root context.
package process
