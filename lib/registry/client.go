// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/acquire-foundation/acquire/lib/service"
	"github.com/acquire-foundation/acquire/lib/trust"
)

// Client talks to a registry. It resolves peers for a trust.Store and
// drives registration for the local service.
//
// The registry's own descriptor is fetched directly from its URL and
// checked by the trust store against the pinned or previously trusted
// copy. Every other lookup is an encrypted get_service call.
type Client struct {
	client *service.Client
	url    string
	logger *slog.Logger

	mu          sync.RWMutex
	trust       *trust.Store
	registryUID string
}

// NewClient creates a client for the registry at url. UseTrust must
// be called before the client resolves anything but the registry.
func NewClient(client *service.Client, url string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{client: client, url: url, logger: logger}
}

// UseTrust sets the trust store that holds the registry's descriptor.
// The store normally has this client as its resolver.
func (c *Client) UseTrust(store *trust.Store) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trust = store
}

// URL returns the registry's URL.
func (c *Client) URL() string { return c.url }

func (c *Client) trustStore() (*trust.Store, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.trust == nil {
		return nil, fmt.Errorf("%w: registry client has no trust store", trust.ErrNotTrusted)
	}
	return c.trust, nil
}

// Registry returns the trusted registry descriptor.
func (c *Client) Registry(ctx context.Context) (*service.Service, error) {
	store, err := c.trustStore()
	if err != nil {
		return nil, err
	}
	return store.GetByURL(ctx, c.url)
}

func (c *Client) fetchRegistry(ctx context.Context) (*service.Service, error) {
	descriptor, err := c.client.FetchDescriptor(ctx, c.url)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.registryUID = descriptor.UID
	c.mu.Unlock()
	return descriptor, nil
}

func (c *Client) isRegistry(uid string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uid != "" && uid == c.registryUID
}

// call calls function on the registry.
func (c *Client) call(ctx context.Context, function string, args, result any) error {
	store, err := c.trustStore()
	if err != nil {
		return err
	}
	registry, err := store.GetByURL(ctx, c.url)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.registryUID = registry.UID
	c.mu.Unlock()
	return store.Call(ctx, c.client, registry.UID, function, args, result)
}

// ResolveUID implements trust.Resolver.
func (c *Client) ResolveUID(ctx context.Context, uid string) (*service.Service, error) {
	if c.isRegistry(uid) {
		return c.fetchRegistry(ctx)
	}
	var reply serviceReply
	if err := c.call(ctx, FunctionGetService, getArgs{ServiceUID: uid}, &reply); err != nil {
		return nil, err
	}
	return c.checkReply(reply, uid, "")
}

// ResolveURL implements trust.Resolver.
func (c *Client) ResolveURL(ctx context.Context, url string) (*service.Service, error) {
	if url == c.url {
		return c.fetchRegistry(ctx)
	}
	var reply serviceReply
	if err := c.call(ctx, FunctionGetService, getArgs{ServiceURL: url}, &reply); err != nil {
		return nil, err
	}
	return c.checkReply(reply, "", url)
}

func (c *Client) checkReply(reply serviceReply, uid, url string) (*service.Service, error) {
	svc := reply.Service
	if svc == nil {
		return nil, fmt.Errorf("%w: empty reply", ErrServiceNotFound)
	}
	if (uid != "" && svc.UID != uid) || (url != "" && svc.CanonicalURL != url) {
		return nil, fmt.Errorf("%w: asked for %s%s, got %s", ErrServiceNotFound, uid, url, svc)
	}
	return svc, nil
}

// Register runs both phases of registration for svc, which must be an
// unlocked STAGE1 service. On success svc carries its minted UID.
func (c *Client) Register(ctx context.Context, svc *service.Service, forceNewUID bool) error {
	registry, err := c.Registry(ctx)
	if err != nil {
		return err
	}

	first, err := c.phase(ctx, registry, svc, forceNewUID)
	if err != nil {
		return fmt.Errorf("registering %s: %w", svc.CanonicalURL, err)
	}
	if err := svc.Transition(first.UID); err != nil {
		return err
	}
	second, err := c.phase(ctx, registry, svc, false)
	if err != nil {
		return fmt.Errorf("completing registration of %s: %w", svc.CanonicalURL, err)
	}
	if second.UID != first.UID {
		return fmt.Errorf("%w: registry changed uid from %s to %s", ErrRegistration, first.UID, second.UID)
	}
	c.logger.Info("registered with registry", "service_uid", svc.UID, "registry_uid", registry.UID)
	return nil
}

func (c *Client) phase(ctx context.Context, registry, svc *service.Service, forceNewUID bool) (RegisterResult, error) {
	challenge := newChallenge()
	signature, err := svc.Sign([]byte(challenge))
	if err != nil {
		return RegisterResult{}, err
	}
	args := registerArgs{
		Service:            svc.Lock(),
		Challenge:          challenge,
		ChallengeSignature: signature,
		ForceNewUID:        forceNewUID,
	}
	var result RegisterResult
	if err := c.client.Call(ctx, registry, FunctionRegisterService, args, &result); err != nil {
		return RegisterResult{}, err
	}
	if !ValidUID(result.UID) {
		return RegisterResult{}, fmt.Errorf("%w: malformed uid %q", ErrRegistration, result.UID)
	}
	if err := registry.PublicCertificate.Verify(challengeResponse(challenge, result.UID), result.Response); err != nil {
		return RegisterResult{}, fmt.Errorf("%w: challenge response: %w", ErrRegistration, err)
	}
	return result, nil
}

// Update publishes a rotated descriptor of svc.
func (c *Client) Update(ctx context.Context, svc *service.Service) error {
	return c.call(ctx, FunctionUpdateService, updateArgs{Service: svc.Lock()}, nil)
}
