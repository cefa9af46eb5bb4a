/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package api serves the daemon's local control API on a unix socket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/marcus-qen/portalkombat/internal/controller"
	"github.com/marcus-qen/portalkombat/internal/credentials"
	"github.com/marcus-qen/portalkombat/internal/daemon"
	"github.com/marcus-qen/portalkombat/internal/metrics"
	"github.com/marcus-qen/portalkombat/internal/portal"
	"github.com/marcus-qen/portalkombat/internal/status"
)

const maxBodyBytes = 64 << 10

// Backend is the daemon surface the API exposes.
type Backend interface {
	Status() portal.ConnectionStatus
	History() []portal.LoginAttempt
	Subscribe(fn func(portal.ConnectionStatus)) *status.Subscription
	Credentials(ctx context.Context) ([]credentials.Summary, error)
	Dispatch(ctx context.Context, cmd daemon.Command) error
}

// ServerConfig configures the local API server.
type ServerConfig struct {
	// SocketPath is the unix socket to listen on.
	SocketPath string

	// RateLimit throttles mutating routes.
	RateLimit RateLimitConfig
}

// Server is the local control API.
type Server struct {
	config  ServerConfig
	backend Backend
	logger  *zap.Logger
	mux     *http.ServeMux
	limiter *rateLimiter

	closing   chan struct{}
	closeOnce sync.Once
	streams   sync.WaitGroup
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig, backend Backend, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		config:  cfg,
		backend: backend,
		logger:  logger.Named("api"),
		mux:     http.NewServeMux(),
		limiter: newRateLimiter(cfg.RateLimit),
		closing: make(chan struct{}),
	}
	s.registerRoutes()
	return s
}

// Handler returns the HTTP handler with rate limiting applied.
func (s *Server) Handler() http.Handler {
	return s.limiter.middleware(s.mux)
}

// Start listens on the unix socket and serves until ctx is cancelled.
// A stale socket file from a previous run is removed first.
func (s *Server) Start(ctx context.Context) error {
	ln, err := listenUnix(s.config.SocketPath)
	if err != nil {
		return err
	}
	defer os.Remove(s.config.SocketPath)

	s.logger.Info("starting local api", zap.String("socket", s.config.SocketPath))
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		s.closeOnce.Do(func() { close(s.closing) })
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api shutdown failed: %w", err)
		}
		s.streams.Wait()
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server error after shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	}
}

func listenUnix(path string) (net.Listener, error) {
	if path == "" {
		return nil, errors.New("socket path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0700); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	s.mux.HandleFunc("GET /v1/status", s.handleStatus)
	s.mux.HandleFunc("GET /v1/history", s.handleHistory)
	s.mux.HandleFunc("GET /v1/status/stream", s.handleStream)
	s.mux.HandleFunc("POST /v1/login", s.handleLogin)
	s.mux.HandleFunc("GET /v1/credentials", s.handleListCredentials)
	s.mux.HandleFunc("PUT /v1/credentials", s.handleSetCredentials)
	s.mux.HandleFunc("DELETE /v1/credentials", s.handleRemoveCredentials)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"attempts": s.backend.History()})
}

// LoginRequest is the body of POST /v1/login. Both fields are optional.
type LoginRequest struct {
	SSID  string `json:"ssid,omitempty"`
	BSSID string `json:"bssid,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cmd := daemon.Command{
		Op:      daemon.OpTriggerLogin,
		Network: portal.NetworkIdentity{SSID: req.SSID, BSSID: req.BSSID},
	}
	if err := s.backend.Dispatch(r.Context(), cmd); err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	list, err := s.backend.Credentials(r.Context())
	if err != nil {
		s.logger.Error("list credentials", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list credentials")
		return
	}
	if list == nil {
		list = []credentials.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": list})
}

// CredentialsRequest is the body of PUT /v1/credentials.
type CredentialsRequest struct {
	SSID      string            `json:"ssid"`
	BSSID     string            `json:"bssid,omitempty"`
	Username  string            `json:"username"`
	Secret    string            `json:"secret"`
	FormHints map[string]string `json:"form_hints,omitempty"`
}

func (s *Server) handleSetCredentials(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cmd := daemon.Command{
		Op:        daemon.OpSetCredentials,
		Network:   portal.NetworkIdentity{SSID: req.SSID, BSSID: req.BSSID},
		Username:  req.Username,
		Secret:    credentials.NewSecret(req.Secret),
		FormHints: req.FormHints,
	}
	if err := s.backend.Dispatch(r.Context(), cmd); err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

func (s *Server) handleRemoveCredentials(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cmd := daemon.Command{
		Op:      daemon.OpRemoveCredentials,
		Network: portal.NetworkIdentity{SSID: q.Get("ssid"), BSSID: q.Get("bssid")},
	}
	if err := s.backend.Dispatch(r.Context(), cmd); err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.logger.Error("command failed", zap.Error(err))
	}
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, daemon.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, credentials.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, controller.ErrBusy), errors.Is(err, controller.ErrNetworkMismatch):
		return http.StatusConflict
	case errors.Is(err, controller.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
