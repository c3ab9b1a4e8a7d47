// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package compute

import (
	"errors"

	"github.com/acquire-foundation/acquire/lib/envelope"
)

var (
	// ErrNoCluster is returned before an administrator has set the
	// cluster.
	ErrNoCluster = errors.New("compute: no cluster has been set")

	// ErrJobNotFound is returned for unknown job uids.
	ErrJobNotFound = errors.New("compute: job not found")

	// ErrJobState is returned for state changes the job state machine
	// does not allow.
	ErrJobState = errors.New("compute: invalid job state change")

	// ErrPassphrase is returned when the cluster passphrase is wrong.
	ErrPassphrase = errors.New("compute: invalid cluster passphrase")

	// ErrRunRequest is returned for malformed run requests.
	ErrRunRequest = errors.New("compute: invalid run request")
)

func init() {
	envelope.RegisterError("compute", "NoClusterError", ErrNoCluster)
	envelope.RegisterError("compute", "JobNotFoundError", ErrJobNotFound)
	envelope.RegisterError("compute", "JobStateError", ErrJobState)
	envelope.RegisterError("compute", "PassphraseError", ErrPassphrase)
	envelope.RegisterError("compute", "RunRequestError", ErrRunRequest)
}
