// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianCortex/services/coordinator/store"
	"github.com/awnumar/memguard"
)

// -----------------------------------------------------------------------------
// Deployment Mode
// -----------------------------------------------------------------------------

// DeploymentMode selects which structured store backends the pool dials.
type DeploymentMode string

const (
	// ModeInMemory dials the process-local memory store.
	ModeInMemory DeploymentMode = "in_memory"
	// ModeEmbedded dials a local sqlite file.
	ModeEmbedded DeploymentMode = "embedded"
	// ModeRemote dials one or more postgres endpoints.
	ModeRemote DeploymentMode = "remote"
	// ModeHybrid dials an embedded primary plus remote endpoints.
	ModeHybrid DeploymentMode = "hybrid"
)

// allowedDrivers lists the endpoint drivers each mode accepts.
var allowedDrivers = map[DeploymentMode][]string{
	ModeInMemory: {"memory"},
	ModeEmbedded: {"sqlite3"},
	ModeRemote:   {"postgres"},
	ModeHybrid:   {"sqlite3", "postgres"},
}

// BalanceStrategy selects the endpoint for a new connection.
type BalanceStrategy string

const (
	// BalanceRoundRobin cycles through endpoints.
	BalanceRoundRobin BalanceStrategy = "round_robin"
	// BalanceLeastConnections picks the endpoint with the fewest open handles.
	BalanceLeastConnections BalanceStrategy = "least_connections"
	// BalanceRandom picks an endpoint at random, biased by Endpoint.Weight.
	BalanceRandom BalanceStrategy = "random"
	// BalanceHealthBased prefers healthy endpoints, then lowest latency.
	BalanceHealthBased BalanceStrategy = "health_based"
)

// -----------------------------------------------------------------------------
// Credentials
// -----------------------------------------------------------------------------

// Credentials authenticate against remote endpoints. The password lives in
// a memguard enclave and is only decrypted for the duration of a dial.
type Credentials struct {
	Username string
	password *memguard.Enclave
}

// NewCredentials seals password into an enclave. The password slice is
// wiped by memguard.
func NewCredentials(username string, password []byte) Credentials {
	c := Credentials{Username: username}
	if len(password) > 0 {
		c.password = memguard.NewEnclave(password)
	}
	return c
}

// HasPassword reports whether a password was sealed.
func (c Credentials) HasPassword() bool {
	return c.password != nil
}

// open returns the decrypted auth and a function that destroys the
// plaintext copy.
func (c Credentials) open() (store.Auth, func(), error) {
	auth := store.Auth{Username: c.Username}
	if c.password == nil {
		return auth, func() {}, nil
	}
	buf, err := c.password.Open()
	if err != nil {
		return store.Auth{}, nil, fmt.Errorf("open credentials: %w", err)
	}
	auth.Password = buf.Bytes()
	return auth, buf.Destroy, nil
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// RetryPolicy configures retries inside Execute.
type RetryPolicy struct {
	// MaxAttempts includes the first attempt. Default: 3
	MaxAttempts int `yaml:"max_attempts" validate:"gte=0"`

	// InitialBackoff is the first retry delay. Default: 50ms
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the delay. Default: 2s
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// Multiplier grows the delay per attempt. Default: 2.0
	Multiplier float64 `yaml:"multiplier"`

	// Jitter randomizes each delay by ±Jitter (0.0-1.0). Default: 0.25
	Jitter float64 `yaml:"jitter" validate:"gte=0,lte=1"`
}

// Config configures the connection pool. It is immutable once the pool
// is created.
type Config struct {
	// Mode selects the deployment mode. Default: ModeInMemory
	Mode DeploymentMode `yaml:"mode" validate:"omitempty,oneof=in_memory embedded remote hybrid"`

	// Endpoints to dial. At least one is required.
	Endpoints []store.Endpoint `yaml:"endpoints" validate:"dive"`

	// Balance selects an endpoint per new connection. Default: BalanceRoundRobin
	Balance BalanceStrategy `yaml:"balance" validate:"omitempty,oneof=round_robin least_connections random health_based"`

	// Credentials for remote endpoints.
	Credentials Credentials `yaml:"-"`

	// MinConnections is kept open by the health loop. Default: 1
	MinConnections int `yaml:"min_connections" validate:"gte=0"`

	// MaxConnections bounds open handles. Default: 16
	MaxConnections int `yaml:"max_connections" validate:"gte=0"`

	// AcquireTimeout applies when Acquire is called with a zero timeout.
	// Default: 5s
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// IdleTimeout evicts handles unused for this long. Default: 5m
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MaxLifetime evicts handles older than this. Default: 30m
	MaxLifetime time.Duration `yaml:"max_lifetime"`

	// RecycleAfterUses evicts a handle after this many checkouts. 0 disables.
	RecycleAfterUses int `yaml:"recycle_after_uses" validate:"gte=0"`

	// ValidateOnCheckout pings idle handles before lending them.
	ValidateOnCheckout bool `yaml:"validate_on_checkout"`

	// WarmConnections are dialed when the pool is created. Default: MinConnections
	WarmConnections int `yaml:"warm_connections" validate:"gte=0"`

	// HealthCheckInterval is the health loop period. Default: 10s
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// HealthCheckTimeout bounds one ping. Default: 2s
	HealthCheckTimeout time.Duration `yaml:"health_check_timeout"`

	// Retry configures Execute.
	Retry RetryPolicy `yaml:"retry"`

	// CircuitThreshold is the number of consecutive failures that opens
	// the circuit. Default: 5
	CircuitThreshold int `yaml:"circuit_threshold" validate:"gte=0"`

	// CircuitCooldown is how long the circuit stays open before a probe is
	// admitted. Default: 30s
	CircuitCooldown time.Duration `yaml:"circuit_cooldown"`

	// Logger for pool operations. Default: slog.Default()
	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns the production defaults for an in-memory pool.
func DefaultConfig() Config {
	return Config{
		Mode:                ModeInMemory,
		Endpoints:           []store.Endpoint{{Name: "local", Driver: "memory"}},
		Balance:             BalanceRoundRobin,
		MinConnections:      1,
		MaxConnections:      16,
		AcquireTimeout:      5 * time.Second,
		IdleTimeout:         5 * time.Minute,
		MaxLifetime:         30 * time.Minute,
		HealthCheckInterval: 10 * time.Second,
		HealthCheckTimeout:  2 * time.Second,
		Retry: RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: 50 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			Multiplier:     2.0,
			Jitter:         0.25,
		},
		CircuitThreshold: 5,
		CircuitCooldown:  30 * time.Second,
		Logger:           slog.Default(),
	}
}

// applyDefaults fills in zero values with defaults.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if len(c.Endpoints) == 0 && c.Mode == ModeInMemory {
		c.Endpoints = d.Endpoints
	}
	if c.Balance == "" {
		c.Balance = d.Balance
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = d.AcquireTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = d.MaxLifetime
	}
	if c.WarmConnections == 0 {
		c.WarmConnections = c.MinConnections
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.HealthCheckTimeout == 0 {
		c.HealthCheckTimeout = d.HealthCheckTimeout
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if c.Retry.InitialBackoff == 0 {
		c.Retry.InitialBackoff = d.Retry.InitialBackoff
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = d.Retry.MaxBackoff
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = d.Retry.Multiplier
	}
	if c.CircuitThreshold == 0 {
		c.CircuitThreshold = d.CircuitThreshold
	}
	if c.CircuitCooldown == 0 {
		c.CircuitCooldown = d.CircuitCooldown
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return errors.New("at least one endpoint is required")
	}
	allowed, ok := allowedDrivers[c.Mode]
	if !ok {
		return fmt.Errorf("unknown deployment mode %q", c.Mode)
	}
	seen := make(map[string]bool, len(allowed))
	for _, ep := range c.Endpoints {
		if ep.Name == "" {
			return errors.New("endpoint name must not be empty")
		}
		if !contains(allowed, ep.Driver) {
			return fmt.Errorf("endpoint %s: driver %q not allowed in %s mode", ep.Name, ep.Driver, c.Mode)
		}
		seen[ep.Driver] = true
	}
	if c.Mode == ModeHybrid && (!seen["sqlite3"] || !seen["postgres"]) {
		return errors.New("hybrid mode needs a sqlite3 and a postgres endpoint")
	}
	if c.MaxConnections < 1 {
		return errors.New("max_connections must be at least 1")
	}
	if c.MinConnections < 0 || c.MinConnections > c.MaxConnections {
		return errors.New("min_connections must be between 0 and max_connections")
	}
	if c.WarmConnections > c.MaxConnections {
		return errors.New("warm_connections must not exceed max_connections")
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return errors.New("retry.jitter must be between 0 and 1")
	}
	if c.Retry.Multiplier < 1 {
		return errors.New("retry.multiplier must be at least 1")
	}
	if c.CircuitThreshold < 1 {
		return errors.New("circuit_threshold must be at least 1")
	}
	if c.HealthCheckTimeout <= 0 {
		return errors.New("health_check_timeout must be positive")
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
