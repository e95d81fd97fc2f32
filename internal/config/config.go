// Package config loads the gateway's process configuration from a single
// JSON file, mirroring the teacher's flat Config struct convention.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the top-level process configuration.
type Config struct {
	Server      ServerConfig      `json:"server"`
	RateLimit   RateLimitConfig   `json:"rateLimit"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Tools       ToolsConfig       `json:"tools"`
	Nodes       NodesConfig       `json:"nodes"`
}

// ServerConfig configures the Gateway's listener and accepted auth tokens.
type ServerConfig struct {
	BindAddr string `json:"bindAddr"`
	// AuthTokenHashes holds SHA-256 hex digests of accepted bearer tokens.
	// Authentication is disabled when this list is empty.
	AuthTokenHashes []string `json:"authTokenHashes"`
	DataDir         string   `json:"dataDir"`
	LogLevel        string   `json:"logLevel"`
}

// RateLimitConfig configures the dual-axis sliding-window limiter.
type RateLimitConfig struct {
	WindowMs    int64 `json:"windowMs"`
	MaxAttempts int   `json:"maxAttempts"`
}

func (c RateLimitConfig) Window() time.Duration { return time.Duration(c.WindowMs) * time.Millisecond }

// OrchestratorConfig configures task scheduling defaults.
type OrchestratorConfig struct {
	MaxQueueSize         int   `json:"maxQueueSize"`
	TaskTimeoutMs        int64 `json:"taskTimeoutMs"`
	ApprovalTTLMs        int64 `json:"approvalTtlMs"`
	SessionMappingTTLMs  int64 `json:"sessionMappingTtlMs"`
	CleanupHorizonMs     int64 `json:"cleanupHorizonMs"`
	SweepIntervalMs      int64 `json:"sweepIntervalMs"`
}

func (c OrchestratorConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutMs) * time.Millisecond
}
func (c OrchestratorConfig) ApprovalTTL() time.Duration {
	return time.Duration(c.ApprovalTTLMs) * time.Millisecond
}
func (c OrchestratorConfig) SessionMappingTTL() time.Duration {
	return time.Duration(c.SessionMappingTTLMs) * time.Millisecond
}
func (c OrchestratorConfig) CleanupHorizon() time.Duration {
	return time.Duration(c.CleanupHorizonMs) * time.Millisecond
}

// ToolsConfig points at the tool-spec directory and per-step execution
// bounds honored by the Executor and Replanner.
type ToolsConfig struct {
	SpecDir          string `json:"specDir"`
	MaxRetries       int    `json:"maxRetries"`
	MaxAlternatives  int    `json:"maxAlternatives"`
	DefaultTimeoutMs int64  `json:"defaultTimeoutMs"`
	MaxParallel      int    `json:"maxParallel"`
	// Alternatives is the per-toolId priority list consulted by the
	// Replanner when a tool keeps failing.
	Alternatives map[string][]string `json:"alternatives,omitempty"`
}

func (c ToolsConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMs) * time.Millisecond
}

// NodesConfig configures the node-companion subsystem.
type NodesConfig struct {
	MaxNodesPerUser     int    `json:"maxNodesPerUser"`
	PairingCodeTTLMs    int64  `json:"pairingCodeTtlMs"`
	RequestTimeoutMs    int64  `json:"requestTimeoutMs"`
	SweepTTLMs          int64  `json:"sweepTtlMs"`
	MaxArgvLength       int    `json:"maxArgvLength"`
	JWTSecret           string `json:"jwtSecret"`
	CommandPolicyFile   string `json:"commandPolicyFile"`
}

func (c NodesConfig) PairingCodeTTL() time.Duration {
	return time.Duration(c.PairingCodeTTLMs) * time.Millisecond
}
func (c NodesConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}
func (c NodesConfig) SweepTTL() time.Duration {
	return time.Duration(c.SweepTTLMs) * time.Millisecond
}

// Default returns the configuration matching the wire-protocol defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			BindAddr: "127.0.0.1:18789",
			DataDir:  "~/.moonbot",
			LogLevel: "info",
		},
		RateLimit: RateLimitConfig{
			WindowMs:    60_000,
			MaxAttempts: 10,
		},
		Orchestrator: OrchestratorConfig{
			MaxQueueSize:        100,
			TaskTimeoutMs:       600_000,
			ApprovalTTLMs:       3_600_000,
			SessionMappingTTLMs: 3_600_000,
			CleanupHorizonMs:    3_600_000,
			SweepIntervalMs:     60_000,
		},
		Tools: ToolsConfig{
			SpecDir:          "~/.moonbot/tools",
			MaxRetries:       3,
			MaxAlternatives:  2,
			DefaultTimeoutMs: 30_000,
			MaxParallel:      4,
		},
		Nodes: NodesConfig{
			MaxNodesPerUser:  5,
			PairingCodeTTLMs: 300_000,
			RequestTimeoutMs: 30_000,
			SweepTTLMs:       600_000,
			MaxArgvLength:    10_000,
		},
	}
}

// Load reads a JSON config file, applying Default() for any zero-valued
// field the file omits.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
