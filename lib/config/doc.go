// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the configuration of an Acquire service process.
//
// Configuration comes from one file named by the --config flag (via
// [LoadFile]) or the ACQUIRE_CONFIG environment variable (via [Load]).
// Files ending in .jsonc are JSON with comments; everything else is
// YAML. There is no search path and no fallback file.
//
// A file may carry development, staging and production sections whose
// non-empty fields override the base values when [Config].Environment
// matches. Path fields expand ${VAR} and ${VAR:-default}.
package config
