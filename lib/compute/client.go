// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package compute

import (
	"context"

	"github.com/acquire-foundation/acquire/lib/trust"
)

// Client is the cluster daemon's view of an access service. It derives
// each call's passphrase from the shared cluster secret.
type Client struct {
	trust  *trust.Store
	caller trust.Caller
	uid    string
	secret string
}

// NewClient returns a client for the trusted access service with uid.
func NewClient(store *trust.Store, caller trust.Caller, uid, secret string) *Client {
	return &Client{trust: store, caller: caller, uid: uid, secret: secret}
}

// PendingJobUIDs lists queued jobs.
func (c *Client) PendingJobUIDs(ctx context.Context) ([]string, error) {
	var reply pendingReply
	args := pendingArgs{Passphrase: Passphrase(c.secret, FunctionGetPendingJobUIDs)}
	if err := c.trust.Call(ctx, c.caller, c.uid, FunctionGetPendingJobUIDs, args, &reply); err != nil {
		return nil, err
	}
	return reply.JobUIDs, nil
}

// Job fetches a job.
func (c *Client) Job(ctx context.Context, uid string) (*ComputeJob, error) {
	var reply jobReply
	args := jobArgs{UID: uid, Passphrase: Passphrase(c.secret, uid)}
	if err := c.trust.Call(ctx, c.caller, c.uid, FunctionGetJob, args, &reply); err != nil {
		return nil, err
	}
	return reply.Job, nil
}

// Update moves a job to state.
func (c *Client) Update(ctx context.Context, uid string, state State, message string) (*ComputeJob, error) {
	var reply jobReply
	args := jobArgs{
		UID:        uid,
		State:      state,
		Message:    message,
		Passphrase: Passphrase(c.secret, "update_job "+uid),
	}
	if err := c.trust.Call(ctx, c.caller, c.uid, FunctionUpdateJob, args, &reply); err != nil {
		return nil, err
	}
	return reply.Job, nil
}
