// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/acquire-foundation/acquire/lib/clock"
	"github.com/acquire-foundation/acquire/lib/envelope"
	"github.com/acquire-foundation/acquire/lib/keys"
)

// DefaultCallTimeout bounds a single call when the context has no
// earlier deadline.
const DefaultCallTimeout = 15 * time.Second

// maxReplySize bounds the reply bodies a Client reads.
const maxReplySize = 64 << 20

// ClientConfig configures a Client.
type ClientConfig struct {
	// HTTPClient defaults to a client with no timeout of its own;
	// calls are bounded by Timeout.
	HTTPClient *http.Client

	// Timeout defaults to DefaultCallTimeout.
	Timeout time.Duration

	// UserAgent is sent with every HTTP request when set.
	UserAgent string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Client calls functions on other services. Calls to URLs registered
// with RegisterLoopback are served in process without HTTP.
type Client struct {
	http      *http.Client
	timeout   time.Duration
	userAgent string
	clock     clock.Clock
	logger    *slog.Logger

	mu       sync.RWMutex
	loopback map[string]*Dispatcher
}

// NewClient creates a client.
func NewClient(cfg ClientConfig) *Client {
	c := &Client{
		http:      cfg.HTTPClient,
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		loopback:  make(map[string]*Dispatcher),
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = DefaultCallTimeout
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// RegisterLoopback routes calls for url to d.
func (c *Client) RegisterLoopback(url string, d *Dispatcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loopback[url] = d
}

func (c *Client) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	c.mu.RLock()
	local := c.loopback[url]
	c.mu.RUnlock()
	if local != nil {
		return local.Serve(ctx, body), nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", envelope.ErrRemoteFunctionCall, err)
	}
	request.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		request.Header.Set("User-Agent", c.userAgent)
	}
	response, err := c.http.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", envelope.ErrRemoteFunctionCall, err)
	}
	defer response.Body.Close()
	reply, err := io.ReadAll(io.LimitReader(response.Body, maxReplySize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading reply from %s: %v", envelope.ErrRemoteFunctionCall, url, err)
	}
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned HTTP %d", envelope.ErrRemoteFunctionCall, url, response.StatusCode)
	}
	return reply, nil
}

func withFunction(function string, args any) (map[string]json.RawMessage, error) {
	fields := make(map[string]json.RawMessage)
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", envelope.ErrPacking, err)
		}
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("%w: arguments are not a JSON object", envelope.ErrPacking)
		}
	}
	if function != "" {
		name, _ := json.Marshal(function)
		fields[envelope.FieldFunction] = name
	}
	return fields, nil
}

// Call invokes function on peer with args, decoding the reply into
// result (which may be nil). Arguments are encrypted to the peer's
// key; the reply is encrypted to a key generated for this call and
// must be signed by the peer's current or previous certificate.
func (c *Client) Call(ctx context.Context, peer *Service, function string, args, result any) error {
	responseKey, err := keys.Generate()
	if err != nil {
		return err
	}
	payload, err := withFunction(function, args)
	if err != nil {
		return err
	}
	body, err := envelope.Pack(payload, envelope.PackOptions{
		RecipientKey:    peer.PublicKey,
		ResponseKey:     responseKey.PublicKey(),
		SignFingerprint: peer.PublicCertificate.Fingerprint(),
		Now:             c.clock.Now(),
	})
	if err != nil {
		return err
	}
	reply, err := c.post(ctx, peer.CanonicalURL, body)
	if err != nil {
		return err
	}
	fields, err := envelope.Unpack(reply, envelope.UnpackOptions{
		KeyFunc:         envelope.KeyFor(responseKey),
		ExpectedSigners: peer.Signers(),
		IsReturnValue:   true,
		Function:        function,
		Service:         peer.CanonicalURL,
	})
	if err != nil {
		c.logger.Debug("call failed", "function", function, "service", peer.UID, "error", err)
		return err
	}
	return envelope.Decode(fields, result)
}

// CallUnencrypted invokes function at url in the clear. It serves
// bootstrapping, before the peer's keys are known.
func (c *Client) CallUnencrypted(ctx context.Context, url, function string, args, result any) error {
	payload, err := withFunction(function, args)
	if err != nil {
		return err
	}
	body, err := envelope.Pack(payload, envelope.PackOptions{Now: c.clock.Now()})
	if err != nil {
		return err
	}
	reply, err := c.post(ctx, url, body)
	if err != nil {
		return err
	}
	fields, err := envelope.Unpack(reply, envelope.UnpackOptions{
		IsReturnValue: true,
		Function:      function,
		Service:       url,
	})
	if err != nil {
		return err
	}
	return envelope.Decode(fields, result)
}

// FetchDescriptor asks the service at url for its public descriptor
// and verifies it.
func (c *Client) FetchDescriptor(ctx context.Context, url string) (*Service, error) {
	var descriptor Service
	if err := c.CallUnencrypted(ctx, url, "", nil, &descriptor); err != nil {
		return nil, err
	}
	if err := descriptor.Verify(); err != nil {
		return nil, err
	}
	if descriptor.CanonicalURL != url {
		return nil, fmt.Errorf("%w: %s answered for %s", ErrInvalidDescriptor, url, descriptor.CanonicalURL)
	}
	return &descriptor, nil
}
