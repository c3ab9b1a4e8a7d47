// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/acquire-foundation/acquire/lib/clock"
	"github.com/acquire-foundation/acquire/lib/envelope"
	"github.com/acquire-foundation/acquire/lib/keys"
)

// Request is a decoded call to a service function.
type Request struct {
	Function string

	// Args holds every payload field, including the reserved ones.
	Args map[string]json.RawMessage

	// ResponseKey is the key the reply is encrypted to, if the caller
	// supplied one.
	ResponseKey *keys.PublicKey

	// SignFingerprint names the certificate the caller asked the reply
	// to be signed with.
	SignFingerprint string
}

// Decode unmarshals the arguments into v.
func (r *Request) Decode(v any) error {
	if err := envelope.Decode(r.Args, v); err != nil {
		return fmt.Errorf("decoding arguments of %s: %w", r.Function, err)
	}
	return nil
}

// Has reports whether the caller passed argument name.
func (r *Request) Has(name string) bool {
	_, ok := r.Args[name]
	return ok
}

// FunctionFunc handles one function. The returned value is merged into
// the reply; a returned error becomes a failure status.
type FunctionFunc func(ctx context.Context, req *Request) (any, error)

// DefaultMaxConcurrent bounds concurrently running handlers.
const DefaultMaxConcurrent = 64

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// Service returns the current unlocked service. It is called once
	// per request so that rotations take effect immediately.
	Service func() *Service

	// MaxConcurrent defaults to DefaultMaxConcurrent.
	MaxConcurrent int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Dispatcher routes envelopes to registered functions and packs their
// replies. Functions are registered with Handle before serving.
type Dispatcher struct {
	service  func() *Service
	clock    clock.Clock
	logger   *slog.Logger
	slots    chan struct{}
	mu       sync.RWMutex
	handlers map[string]FunctionFunc
}

// NewDispatcher creates a dispatcher with no functions.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Service == nil {
		panic("service.Dispatcher: Service is required")
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	d := &Dispatcher{
		service:  cfg.Service,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		slots:    make(chan struct{}, maxConcurrent),
		handlers: make(map[string]FunctionFunc),
	}
	if d.clock == nil {
		d.clock = clock.Real()
	}
	if d.logger == nil {
		d.logger = slog.New(slog.DiscardHandler)
	}
	return d
}

// Handle registers handler for function. Panics if function is
// already registered.
func (d *Dispatcher) Handle(function string, handler FunctionFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[function]; exists {
		panic(fmt.Sprintf("service.Dispatcher: duplicate handler for function %q", function))
	}
	d.handlers[function] = handler
}

// Functions lists the registered function names.
func (d *Dispatcher) Functions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	return names
}

// Descriptor returns the public descriptor of the served service.
func (d *Dispatcher) Descriptor() *Service {
	return d.service().Lock()
}

// Serve handles one request body and returns the reply body. It never
// fails: errors are packed into the reply.
func (d *Dispatcher) Serve(ctx context.Context, body []byte) []byte {
	svc := d.service()
	fields, err := envelope.Unpack(body, envelope.UnpackOptions{KeyFunc: svc.DecryptionKey})
	if err != nil {
		d.logger.Debug("unpacking request failed", "error", err)
		return d.plainReply(envelope.FromError(err))
	}

	var function string
	if raw, ok := fields[envelope.FieldFunction]; ok {
		if err := json.Unmarshal(raw, &function); err != nil {
			return d.plainReply(envelope.FromError(fmt.Errorf("%w: function is not a string", envelope.ErrUnpacking)))
		}
	}
	if function == "" {
		return d.plainReply(envelope.Success(svc.Lock()))
	}

	req := &Request{Function: function, Args: fields}
	if raw, ok := fields[envelope.FieldResponseKey]; ok {
		req.ResponseKey, err = decodeResponseKey(raw)
		if err != nil {
			return d.plainReply(envelope.FromError(err))
		}
	}
	if raw, ok := fields[envelope.FieldSignWith]; ok {
		if err := json.Unmarshal(raw, &req.SignFingerprint); err != nil {
			return d.plainReply(envelope.FromError(fmt.Errorf("%w: %s is not a fingerprint", envelope.ErrUnpacking, envelope.FieldSignWith)))
		}
	}

	result := d.call(ctx, req)
	reply, err := d.pack(svc, req, result)
	if err != nil {
		d.logger.Error("packing reply failed", "function", function, "error", err)
		return d.plainReply(envelope.FromError(err))
	}
	return reply
}

func decodeResponseKey(raw json.RawMessage) (*keys.PublicKey, error) {
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("%w: response key is not a string", envelope.ErrUnpacking)
	}
	pemBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: response key is not base64", envelope.ErrUnpacking)
	}
	return keys.ReadPublicKey(pemBytes)
}

func (d *Dispatcher) call(ctx context.Context, req *Request) (result envelope.ReturnValue) {
	d.mu.RLock()
	handler, exists := d.handlers[req.Function]
	d.mu.RUnlock()
	if !exists {
		return envelope.FromError(fmt.Errorf("%w: %q", ErrUnknownFunction, req.Function))
	}

	select {
	case d.slots <- struct{}{}:
		defer func() { <-d.slots }()
	case <-ctx.Done():
		return envelope.FromError(ctx.Err())
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.Error("function panicked", "function", req.Function, "panic", recovered)
			result = envelope.FromPanic(recovered, debug.Stack())
		}
	}()
	data, err := handler(ctx, req)
	if err != nil {
		d.logger.Debug("function failed", "function", req.Function, "error", err)
		return envelope.FromError(err)
	}
	return envelope.Success(data)
}

func (d *Dispatcher) pack(svc *Service, req *Request, result envelope.ReturnValue) ([]byte, error) {
	opts := envelope.PackOptions{RecipientKey: req.ResponseKey, Now: d.clock.Now()}
	if req.SignFingerprint != "" {
		certificate, err := svc.Certificate(req.SignFingerprint)
		if err != nil {
			return nil, err
		}
		opts.SignWith = certificate
	}
	return envelope.Pack(result, opts)
}

func (d *Dispatcher) plainReply(result envelope.ReturnValue) []byte {
	reply, err := envelope.Pack(result, envelope.PackOptions{Now: d.clock.Now()})
	if err != nil {
		// A ReturnValue always marshals to an object.
		panic(err)
	}
	return reply
}
