// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Command acquire-cluster runs the daemon that sits beside a compute
// cluster. It polls the access service at compute.access_url for
// pending jobs, authenticating with the shared secret in
// compute.secret_file, and walks each job through submission.
//
// The daemon has no service identity: it trusts the access service
// through the registry and needs no skeleton key passphrase.
package main
