// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"fmt"

	"github.com/acquire-foundation/acquire/lib/service"
)

// RPC function names.
const (
	FunctionRegisterService = "register_service"
	FunctionGetService      = "get_service"
	FunctionUpdateService   = "update_service"
)

type registerArgs struct {
	Service            *service.Service `json:"service"`
	Challenge          string           `json:"challenge"`
	ChallengeSignature []byte           `json:"challenge_signature"`
	ForceNewUID        bool             `json:"force_new_uid,omitempty"`
}

type getArgs struct {
	ServiceUID string `json:"service_uid,omitempty"`
	ServiceURL string `json:"service_url,omitempty"`
}

type serviceReply struct {
	Service *service.Service `json:"service"`
}

type updateArgs struct {
	Service *service.Service `json:"service"`
}

// Register adds the registry functions to d.
func (r *Registry) Register(d *service.Dispatcher) {
	d.Handle(FunctionRegisterService, r.handleRegister)
	d.Handle(FunctionGetService, r.handleGet)
	d.Handle(FunctionUpdateService, r.handleUpdate)
}

func (r *Registry) handleRegister(ctx context.Context, req *service.Request) (any, error) {
	var args registerArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	if args.Service == nil {
		return nil, fmt.Errorf("%w: no service supplied", ErrRegistration)
	}
	return r.RegisterService(ctx, args.Service, args.Challenge, args.ChallengeSignature, args.ForceNewUID)
}

func (r *Registry) handleGet(ctx context.Context, req *service.Request) (any, error) {
	var args getArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	var svc *service.Service
	var err error
	switch {
	case args.ServiceUID != "":
		svc, err = r.GetService(ctx, args.ServiceUID)
	case args.ServiceURL != "":
		svc, err = r.GetServiceByURL(ctx, args.ServiceURL)
	default:
		return nil, fmt.Errorf("%w: service_uid or service_url is required", ErrServiceNotFound)
	}
	if err != nil {
		return nil, err
	}
	return serviceReply{Service: svc}, nil
}

func (r *Registry) handleUpdate(ctx context.Context, req *service.Request) (any, error) {
	var args updateArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	if args.Service == nil {
		return nil, fmt.Errorf("%w: no service supplied", ErrRegistration)
	}
	return nil, r.UpdateService(ctx, args.Service)
}
