// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"fmt"

	"github.com/acquire-foundation/acquire/lib/auth"
	"github.com/acquire-foundation/acquire/lib/service"
)

// RPC function names.
const (
	FunctionRegister       = "register"
	FunctionRequestLogin   = "request_login"
	FunctionLogin          = "login"
	FunctionLogout         = "logout"
	FunctionGetKeys        = "get_keys"
	FunctionGetSessionInfo = auth.FunctionGetSessionInfo
	FunctionWhois          = "whois"
	FunctionLoginDevices   = "login_devices"
	FunctionRecoverOTP     = "recover_otp"
)

type credentialArgs struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type sessionArgs struct {
	SessionUID string `json:"session_uid"`
	Signature  []byte `json:"signature,omitempty"`
}

type whoisArgs struct {
	UserUID  string `json:"user_uid,omitempty"`
	Username string `json:"username,omitempty"`
}

type authorisedArgs struct {
	Authorisation *auth.Authorisation `json:"authorisation"`
}

// Register adds the identity functions to d.
func (s *Service) Register(d *service.Dispatcher) {
	d.Handle(FunctionRegister, func(ctx context.Context, req *service.Request) (any, error) {
		var args credentialArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		return s.RegisterUser(ctx, args.Username, args.Password)
	})
	d.Handle(FunctionRequestLogin, func(ctx context.Context, req *service.Request) (any, error) {
		var args LoginRequest
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		return s.RequestLogin(ctx, args)
	})
	d.Handle(FunctionLogin, func(ctx context.Context, req *service.Request) (any, error) {
		var args LoginArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		return s.Login(ctx, args)
	})
	d.Handle(FunctionLogout, func(ctx context.Context, req *service.Request) (any, error) {
		var args sessionArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		return nil, s.Logout(ctx, args.SessionUID, args.Signature)
	})
	d.Handle(FunctionGetKeys, func(ctx context.Context, req *service.Request) (any, error) {
		var args sessionArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		return s.GetKeys(ctx, args.SessionUID)
	})
	d.Handle(FunctionGetSessionInfo, func(ctx context.Context, req *service.Request) (any, error) {
		var args sessionArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		return s.GetSessionInfo(ctx, args.SessionUID)
	})
	d.Handle(FunctionWhois, func(ctx context.Context, req *service.Request) (any, error) {
		var args whoisArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		if args.UserUID == "" && args.Username == "" {
			return nil, fmt.Errorf("%w: user_uid or username is required", ErrUserNotFound)
		}
		return s.Whois(ctx, args.UserUID, args.Username)
	})
	d.Handle(FunctionLoginDevices, func(ctx context.Context, req *service.Request) (any, error) {
		var args authorisedArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		devices, err := s.LoginDevices(ctx, args.Authorisation)
		if err != nil {
			return nil, err
		}
		return map[string][]string{"devices": devices}, nil
	})
	d.Handle(FunctionRecoverOTP, func(ctx context.Context, req *service.Request) (any, error) {
		var args credentialArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		secret, err := s.RecoverOTP(ctx, args.Username, args.Password)
		if err != nil {
			return nil, err
		}
		return map[string]string{"otpsecret": secret}, nil
	})
}
