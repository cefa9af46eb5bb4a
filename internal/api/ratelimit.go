/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package api

import (
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/marcus-qen/portalkombat/internal/metrics"
)

// RateLimitConfig throttles mutating requests per client surface.
type RateLimitConfig struct {
	Disabled bool

	RequestsPerSecond float64
	Burst             int

	// SurfaceHeader identifies the calling surface (cli|ui). Empty
	// defaults to X-Portalkombat-Surface.
	SurfaceHeader string

	// EntryTTL controls idle limiter eviction.
	EntryTTL time.Duration
}

func defaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 5,
		Burst:             10,
		SurfaceHeader:     "X-Portalkombat-Surface",
		EntryTTL:          30 * time.Minute,
	}
}

func normalizeRateLimitConfig(cfg RateLimitConfig) RateLimitConfig {
	d := defaultRateLimitConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = d.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = d.Burst
	}
	if cfg.SurfaceHeader == "" {
		cfg.SurfaceHeader = d.SurfaceHeader
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = d.EntryTTL
	}
	return cfg
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type rateLimiter struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	return &rateLimiter{
		cfg:     normalizeRateLimitConfig(cfg),
		entries: map[string]*limiterEntry{},
	}
}

func (l *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.cfg.Disabled || !isMutating(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		surface := normalizeSurface(r.Header.Get(l.cfg.SurfaceHeader))
		if l.allow(surface) {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := int(math.Ceil(1 / l.cfg.RequestsPerSecond))
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		metrics.RecordAPIRateLimitBlock(surface)
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":             "rate_limited",
			"surface":           surface,
			"retryAfterSeconds": retryAfter,
		})
	})
}

func (l *rateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.prune(now)

	entry, ok := l.entries[key]
	if !ok {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst),
		}
		l.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

func (l *rateLimiter) prune(now time.Time) {
	for k, v := range l.entries {
		if now.Sub(v.lastSeen) > l.cfg.EntryTTL {
			delete(l.entries, k)
		}
	}
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func normalizeSurface(raw string) string {
	switch s := strings.ToLower(strings.TrimSpace(raw)); s {
	case "cli", "ui":
		return s
	default:
		return "api"
	}
}
