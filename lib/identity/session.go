// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/acquire-foundation/acquire/lib/auth"
	"github.com/acquire-foundation/acquire/lib/keys"
	"github.com/acquire-foundation/acquire/lib/objstore"
)

const (
	sessionsPrefix    = "identity/sessions/"
	sessionUIDsPrefix = "identity/session_uids/"

	shortUIDLength = 8
)

// LoginSession is a request by a client key pair to act for a user.
type LoginSession struct {
	UID               string          `json:"uid"`
	ShortUID          string          `json:"short_uid"`
	Username          string          `json:"username"`
	UserUID           string          `json:"user_uid,omitempty"`
	PublicKey         *keys.PublicKey `json:"public_key"`
	PublicCertificate *keys.PublicKey `json:"public_certificate"`
	RequestTime       time.Time       `json:"request_datetime"`
	LoginTime         time.Time       `json:"login_datetime,omitzero"`
	LogoutTime        time.Time       `json:"logout_datetime,omitzero"`
	IPAddr            string          `json:"ipaddr,omitempty"`
	Hostname          string          `json:"hostname,omitempty"`
	Scope             string          `json:"scope,omitempty"`
	Permissions       []string        `json:"permissions,omitempty"`
	Status            string          `json:"status"`
}

var sessionTransitions = map[string][]string{
	auth.SessionPending:  {auth.SessionApproved, auth.SessionDenied, auth.SessionSuspicious},
	auth.SessionApproved: {auth.SessionLoggedOut, auth.SessionSuspicious},
}

func canTransition(from, to string) bool {
	for _, allowed := range sessionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s *LoginSession) key() string {
	return sessionsPrefix + objstore.Join(s.Status, s.ShortUID, s.UID)
}

// Info returns the view of the session that peers verify
// authorisations against.
func (s *LoginSession) Info() auth.SessionInfo {
	return auth.SessionInfo{
		SessionUID:        s.UID,
		UserUID:           s.UserUID,
		Username:          s.Username,
		Status:            s.Status,
		PublicKey:         s.PublicKey,
		PublicCertificate: s.PublicCertificate,
		LoginTime:         s.LoginTime,
		LogoutTime:        s.LogoutTime,
	}
}

// sessions persists login sessions under their status.
type sessions struct {
	bucket *objstore.Bucket
}

func (s sessions) save(ctx context.Context, session *LoginSession) error {
	if err := s.bucket.SetJSON(ctx, session.key(), session); err != nil {
		return err
	}
	return s.bucket.SetString(ctx, sessionUIDsPrefix+session.UID, session.key())
}

func (s sessions) load(ctx context.Context, uid string) (*LoginSession, error) {
	key, err := s.bucket.GetString(ctx, sessionUIDsPrefix+uid)
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, uid)
	}
	if err != nil {
		return nil, err
	}
	var session LoginSession
	if err := s.bucket.GetJSON(ctx, key, &session); err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, uid)
		}
		return nil, err
	}
	return &session, nil
}

// transition moves a session to status, running update on it first.
// The session is written under its new key before the old one goes.
func (s sessions) transition(ctx context.Context, session *LoginSession, status string, update func(*LoginSession)) error {
	if !canTransition(session.Status, status) {
		return fmt.Errorf("%w: %s cannot move from %s to %s", ErrSessionState, session.UID, session.Status, status)
	}
	oldKey := session.key()
	session.Status = status
	if update != nil {
		update(session)
	}
	if err := s.save(ctx, session); err != nil {
		return err
	}
	if err := s.bucket.Delete(ctx, oldKey); err != nil && !errors.Is(err, objstore.ErrNotFound) {
		return err
	}
	return nil
}

// pending returns the pending sessions with shortUID for username.
func (s sessions) pending(ctx context.Context, shortUID, username string) ([]*LoginSession, error) {
	prefix := sessionsPrefix + objstore.Join(auth.SessionPending, shortUID) + "/"
	keys, err := s.bucket.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	sanitised := SanitiseUsername(username)
	var found []*LoginSession
	for _, key := range keys {
		var session LoginSession
		if err := s.bucket.GetJSON(ctx, key, &session); err != nil {
			if errors.Is(err, objstore.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if SanitiseUsername(session.Username) == sanitised {
			found = append(found, &session)
		}
	}
	return found, nil
}
