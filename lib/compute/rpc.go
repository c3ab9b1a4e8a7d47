// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package compute

import (
	"context"

	"github.com/acquire-foundation/acquire/lib/auth"
	"github.com/acquire-foundation/acquire/lib/cheque"
	"github.com/acquire-foundation/acquire/lib/keys"
	"github.com/acquire-foundation/acquire/lib/service"
)

// RPC function names.
const (
	FunctionRequest        = "request"
	FunctionRunCalculation = "run_calculation"
	FunctionGetJob         = "get_job"
	FunctionUpdateJob      = "update_job"
	FunctionSetCluster     = "set_cluster"
	FunctionGetCluster     = "get_cluster"
)

type requestArgs struct {
	Authorisation *auth.Authorisation `json:"authorisation"`
	Request       RunRequest          `json:"request"`
	Cheque        *cheque.Cheque      `json:"cheque"`
	EncryptKey    *keys.PublicKey     `json:"encryption_key"`
}

type jobArgs struct {
	Authorisation *auth.Authorisation `json:"authorisation,omitempty"`
	UID           string              `json:"uid"`
	State         State               `json:"state,omitempty"`
	Message       string              `json:"message,omitempty"`
	Passphrase    string              `json:"passphrase,omitempty"`
}

type jobReply struct {
	Job *ComputeJob `json:"job"`
}

type pendingArgs struct {
	Passphrase string `json:"passphrase"`
}

type pendingReply struct {
	JobUIDs []string `json:"job_uids"`
}

type clusterArgs struct {
	Authorisation *auth.Authorisation `json:"authorisation"`
	Cluster       Cluster             `json:"cluster"`
	Secret        string              `json:"secret"`
}

type clusterReply struct {
	Cluster *Cluster `json:"cluster"`
}

// Register adds the access and compute functions to d.
func (s *Service) Register(d *service.Dispatcher) {
	d.Handle(FunctionRequest, func(ctx context.Context, req *service.Request) (any, error) {
		var args requestArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		return s.Request(ctx, args.Authorisation, args.Request, args.Cheque, args.EncryptKey)
	})
	d.Handle(FunctionRunCalculation, func(ctx context.Context, req *service.Request) (any, error) {
		var args jobArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		job, err := s.RunCalculation(ctx, args.Authorisation, args.UID)
		if err != nil {
			return nil, err
		}
		return jobReply{Job: job}, nil
	})
	d.Handle(FunctionGetJob, func(ctx context.Context, req *service.Request) (any, error) {
		var args jobArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		job, err := s.GetJob(ctx, args.UID, args.Passphrase)
		if err != nil {
			return nil, err
		}
		return jobReply{Job: job}, nil
	})
	d.Handle(FunctionGetPendingJobUIDs, func(ctx context.Context, req *service.Request) (any, error) {
		var args pendingArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		uids, err := s.GetPendingJobUIDs(ctx, args.Passphrase)
		if err != nil {
			return nil, err
		}
		return pendingReply{JobUIDs: uids}, nil
	})
	d.Handle(FunctionUpdateJob, func(ctx context.Context, req *service.Request) (any, error) {
		var args jobArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		job, err := s.UpdateJob(ctx, args.UID, args.State, args.Message, args.Passphrase)
		if err != nil {
			return nil, err
		}
		return jobReply{Job: job}, nil
	})
	d.Handle(FunctionSetCluster, func(ctx context.Context, req *service.Request) (any, error) {
		var args clusterArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		cluster, err := s.SetCluster(ctx, args.Authorisation, args.Cluster, args.Secret)
		if err != nil {
			return nil, err
		}
		return clusterReply{Cluster: cluster}, nil
	})
	d.Handle(FunctionGetCluster, func(ctx context.Context, req *service.Request) (any, error) {
		cluster, err := s.GetCluster(ctx)
		if err != nil {
			return nil, err
		}
		return clusterReply{Cluster: cluster}, nil
	})
}
