// Package config loads speckit.yaml: agent commands, stage and gate
// rosters, pipeline tuning and storage locations. A Config is read once
// and not mutated afterwards.
package config

import (
	"time"

	"github.com/roach88/speckit/internal/domain"
)

// DefaultFile is the config file looked up in the working directory.
const DefaultFile = "speckit.yaml"

// Config is the parsed configuration.
type Config struct {
	// DB is the SQLite path, or a postgres:// URL.
	DB         string              `yaml:"db"`
	Artifacts  Artifacts           `yaml:"artifacts"`
	Pipeline   Pipeline            `yaml:"pipeline"`
	Retry      Retry               `yaml:"retry"`
	Agents     map[string]Agent    `yaml:"agents"`
	Rosters    map[string][]string `yaml:"rosters"`
	Gates      map[string][]string `yaml:"gates"`
	RateLimits RateLimits          `yaml:"rate_limits"`
	Server     Server              `yaml:"server"`
}

// Artifacts configures where synthesized documents and evidence go.
type Artifacts struct {
	Dir         string       `yaml:"dir"`
	ObjectStore *ObjectStore `yaml:"object_store,omitempty"`
}

// ObjectStore is an optional S3-compatible mirror for artifacts.
type ObjectStore struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Pipeline tunes the coordinator.
type Pipeline struct {
	// Stages is the subset of stages to run, in pipeline order.
	Stages []string `yaml:"stages"`
	// Mode is "parallel" or "sequential".
	Mode         string        `yaml:"mode"`
	StageTimeout time.Duration `yaml:"stage_timeout"`
	// Threshold is the fraction of a roster that must succeed.
	Threshold float64 `yaml:"threshold"`
	// GateMinParticipants is the floor for quality gates.
	GateMinParticipants int `yaml:"gate_min_participants"`
	Parallelism         int `yaml:"parallelism"`
	// PromptTemplate is a path to a text/template file. Empty uses the
	// built-in prompt.
	PromptTemplate string `yaml:"prompt_template"`
}

// Retry is the per-agent retry policy.
type Retry struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Jitter         float64       `yaml:"jitter"`
}

// Agent is one CLI backend.
type Agent struct {
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env,omitempty"`
	Dir         string            `yaml:"dir,omitempty"`
	Format      string            `yaml:"format"`
	PromptMode  string            `yaml:"prompt_mode"`
	Timeout     time.Duration     `yaml:"timeout"`
	Provider    string            `yaml:"provider"`
	InstallHint string            `yaml:"install_hint,omitempty"`
	AuthCommand string            `yaml:"auth_command,omitempty"`
}

// RateLimit caps spawns per provider.
type RateLimit struct {
	PerMinute float64 `yaml:"per_minute"`
	Burst     int     `yaml:"burst"`
}

// RateLimits holds the default and per-provider spawn limits.
type RateLimits struct {
	Default   RateLimit            `yaml:"default"`
	Providers map[string]RateLimit `yaml:"providers"`
}

// Server configures the read-only HTTP surface.
type Server struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	regular := []string{"gemini", "claude", "gpt_pro"}
	rosters := make(map[string][]string)
	for _, s := range domain.Stages() {
		rosters[string(s)] = append([]string(nil), regular...)
	}
	rosters[string(domain.StageImplement)] = []string{"gemini", "claude", "gpt_codex", "gpt_pro"}

	return &Config{
		DB: ".speckit/speckit.db",
		Artifacts: Artifacts{
			Dir: "docs/evidence",
		},
		Pipeline: Pipeline{
			Stages:              stageNames(domain.Stages()),
			Mode:                "parallel",
			StageTimeout:        30 * time.Minute,
			Threshold:           2.0 / 3.0,
			GateMinParticipants: 2,
			Parallelism:         4,
		},
		Retry: Retry{
			MaxAttempts:    3,
			InitialBackoff: 100 * time.Millisecond,
			Multiplier:     2,
			MaxBackoff:     10 * time.Second,
			Jitter:         0.5,
		},
		Agents: map[string]Agent{
			"claude": {
				Command:     "claude",
				Args:        []string{"-p", "--output-format", "stream-json", "--verbose"},
				Format:      "stream-json",
				PromptMode:  "stdin",
				Timeout:     20 * time.Minute,
				Provider:    "anthropic",
				InstallHint: "npm install -g @anthropic-ai/claude-code",
				AuthCommand: "claude login",
			},
			"gemini": {
				Command:     "gemini",
				Args:        []string{"-m", "gemini-2.5-pro", "--output-format", "json", "-p"},
				Format:      "gemini-json",
				PromptMode:  "arg",
				Timeout:     20 * time.Minute,
				Provider:    "google",
				InstallHint: "npm install -g @google/gemini-cli",
				AuthCommand: "gemini auth login",
			},
			"code": {
				Command:     "code",
				Args:        []string{"exec", "-"},
				Format:      "text",
				PromptMode:  "stdin",
				Timeout:     20 * time.Minute,
				Provider:    "openai",
				InstallHint: "npm install -g @just-every/code",
				AuthCommand: "code login",
			},
			"gpt_pro": {
				Command:     "code",
				Args:        []string{"exec", "--model", "gpt-5", "-c", "model_reasoning_effort=high", "-"},
				Format:      "text",
				PromptMode:  "stdin",
				Timeout:     30 * time.Minute,
				Provider:    "openai",
				InstallHint: "npm install -g @just-every/code",
				AuthCommand: "code login",
			},
			"gpt_codex": {
				Command:     "code",
				Args:        []string{"exec", "--model", "gpt-5-codex", "-"},
				Format:      "text",
				PromptMode:  "stdin",
				Timeout:     30 * time.Minute,
				Provider:    "openai",
				InstallHint: "npm install -g @just-every/code",
				AuthCommand: "code login",
			},
		},
		Rosters: rosters,
		Gates: map[string][]string{
			"clarify":   {"gemini", "claude", "code"},
			"checklist": {"claude", "code"},
			"analyze":   {"gemini", "claude", "code"},
		},
		Server: Server{Addr: ":8080"},
	}
}

func stageNames(stages []domain.Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = string(s)
	}
	return out
}
