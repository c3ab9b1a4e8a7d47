// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Command acquire-registry runs the registry service, which assigns
// service UIDs and publishes the signed descriptors of every service in
// the federation.
//
// The registry is the one service with no registry of its own: it
// bootstraps its UID locally on first start and saves it, sealed under
// the skeleton key passphrase, in the object store.
//
// Usage:
//
//	acquire-registry --config acquire.yaml --passphrase-file /run/secrets/registry
package main
