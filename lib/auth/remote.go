// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"fmt"

	"github.com/acquire-foundation/acquire/lib/service"
	"github.com/acquire-foundation/acquire/lib/trust"
)

// FunctionGetSessionInfo is the identity service function that
// reports on a login session.
const FunctionGetSessionInfo = "get_session_info"

// RemoteSessions fetches sessions from trusted identity services.
type RemoteSessions struct {
	trust  *trust.Store
	client trust.Caller
}

// NewRemoteSessions returns a SessionFetcher that calls identity
// services through client.
func NewRemoteSessions(store *trust.Store, client trust.Caller) *RemoteSessions {
	return &RemoteSessions{trust: store, client: client}
}

// FetchSession implements SessionFetcher.
func (r *RemoteSessions) FetchSession(ctx context.Context, identityUID, sessionUID string) (SessionInfo, error) {
	identity, err := r.trust.Get(ctx, identityUID)
	if err != nil {
		return SessionInfo{}, err
	}
	if identity.Type != service.TypeIdentity {
		return SessionInfo{}, fmt.Errorf("%w: %s is not an identity service", ErrInvalidAuthorisation, identity)
	}
	var info SessionInfo
	args := map[string]string{"session_uid": sessionUID}
	if err := r.trust.Call(ctx, r.client, identityUID, FunctionGetSessionInfo, args, &info); err != nil {
		return SessionInfo{}, err
	}
	if info.SessionUID != sessionUID {
		return SessionInfo{}, fmt.Errorf("%w: identity service answered for session %s", ErrInvalidAuthorisation, info.SessionUID)
	}
	return info, nil
}
