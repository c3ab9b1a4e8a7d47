// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the identity and RPC scaffolding shared by
// every Acquire service.
//
// A service is a standalone binary with a canonical URL, a UID minted
// by the registry, and two rotating key pairs. This package provides:
//
//   - Service: the descriptor, its private keys, rotation, and the
//     signatures that let peers check a rotated descriptor follows
//     from the one they cached.
//   - Persistence: SaveUnlocked and LoadUnlocked keep the private
//     state in the object store, encrypted to a skeleton key that is
//     itself protected by the operator passphrase.
//   - Dispatcher: routes envelopes to registered functions, encrypting
//     and signing replies as the caller asked.
//   - Client: calls functions on peers over HTTPS, or in process for
//     peers registered with RegisterLoopback.
//   - NewRouter and HTTPServer: the echo front door and its listener
//     lifecycle.
//
// Services compose these in their own main() rather than subclassing a
// framework; lib/servicehost wires the common case.
package service
