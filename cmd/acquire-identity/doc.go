// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Command acquire-identity runs the identity service: user
// registration with password and TOTP, login sessions and the session
// checks other services make when verifying authorisations.
package main
