// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Command acquire-access runs the access service, which sells compute
// time. Users pay for a job with a cheque; the access service cashes
// it, opens an upload PAR for the job input and queues the job for the
// cluster once the input is in place.
package main
