// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"
)

func TestHTTPServerServesEnvelopes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := New(TypeRegistry, "http://placeholder", time.Now())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	current := svc
	d := newEchoDispatcher(t, func() *Service { return current })

	server := NewHTTPServer(HTTPServerConfig{
		Address:         "127.0.0.1:0",
		Handler:         NewRouter(d),
		ShutdownTimeout: 2 * time.Second,
		Logger:          logger,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveDone := make(chan error, 1)
	go func() { serveDone <- server.Serve(ctx) }()

	select {
	case <-server.Ready():
	case <-t.Context().Done():
		t.Fatal("server did not become ready before test deadline")
	}

	// GET / returns the locked descriptor.
	address := "http://" + server.Addr().String()
	response, err := http.Get(address + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	var descriptor Service
	json.NewDecoder(response.Body).Decode(&descriptor)
	response.Body.Close()
	if !descriptor.PublicKey.Equal(svc.PublicKey) {
		t.Fatal("GET / returned a different descriptor")
	}

	// A full encrypted call over HTTP. The peer's canonical URL is the
	// test listener.
	peer := svc.Lock()
	peer.CanonicalURL = address
	client := NewClient(ClientConfig{Timeout: 5 * time.Second})
	var result echoResult
	if err := client.Call(ctx, peer, "echo", echoArgs{Message: "over http"}, &result); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.Echo != "over http" {
		t.Fatalf("Echo = %q", result.Echo)
	}

	cancel()
	select {
	case err := <-serveDone:
		if err != nil {
			t.Errorf("Serve() = %v, want nil", err)
		}
	case <-t.Context().Done():
		t.Fatal("server did not shut down before test deadline")
	}
}

func TestHTTPServerPanicsOnMissingConfig(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	tests := []struct {
		name   string
		config HTTPServerConfig
	}{
		{name: "missing_address", config: HTTPServerConfig{Handler: handler, Logger: logger}},
		{name: "missing_handler", config: HTTPServerConfig{Address: ":0", Logger: logger}},
		{name: "missing_logger", config: HTTPServerConfig{Address: ":0", Handler: handler}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if r := recover(); r == nil {
					t.Error("NewHTTPServer did not panic")
				}
			}()
			NewHTTPServer(tt.config)
		})
	}
}
