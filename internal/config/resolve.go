package config

import (
	"fmt"
	"os"

	"golang.org/x/time/rate"

	"github.com/roach88/speckit/internal/artifact"
	"github.com/roach88/speckit/internal/cliexec"
	"github.com/roach88/speckit/internal/domain"
	"github.com/roach88/speckit/internal/orchestrator"
	"github.com/roach88/speckit/internal/retry"
)

// Command implements orchestrator.CommandResolver.
func (c *Config) Command(agent string) (cliexec.Command, error) {
	a, ok := c.Agents[agent]
	if !ok {
		return cliexec.Command{}, &Error{Code: ErrCodeReference, Field: "agents", Message: fmt.Sprintf("unknown agent %q", agent)}
	}
	env := make(map[string]string, len(a.Env))
	for k, v := range a.Env {
		env[k] = os.ExpandEnv(v)
	}
	return cliexec.Command{
		Name:        a.Command,
		Args:        append([]string(nil), a.Args...),
		Env:         env,
		Dir:         a.Dir,
		Format:      cliexec.Format(a.Format),
		PromptMode:  cliexec.PromptMode(a.PromptMode),
		Timeout:     a.Timeout,
		InstallHint: a.InstallHint,
		AuthCommand: a.AuthCommand,
	}, nil
}

// Stages returns the configured stages in pipeline order.
func (c *Config) Stages() []domain.Stage {
	out := make([]domain.Stage, 0, len(c.Pipeline.Stages))
	for _, name := range c.Pipeline.Stages {
		if st, err := domain.ParseStage(name); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// Roster returns the agents that run stage.
func (c *Config) Roster(stage domain.Stage) []orchestrator.AgentSpec {
	return c.specs(c.Rosters[string(stage)])
}

// GateRoster returns the agents that run the gate of checkpoint.
func (c *Config) GateRoster(cp domain.Checkpoint) []orchestrator.AgentSpec {
	return c.specs(c.Gates[cp.Gate()])
}

func (c *Config) specs(names []string) []orchestrator.AgentSpec {
	out := make([]orchestrator.AgentSpec, 0, len(names))
	for _, n := range names {
		out = append(out, orchestrator.AgentSpec{Name: n, Provider: c.Agents[n].Provider})
	}
	return out
}

// Mode returns the orchestration mode.
func (c *Config) Mode() (orchestrator.Mode, error) {
	return orchestrator.ParseMode(c.Pipeline.Mode)
}

// Policy returns the per-agent retry policy.
func (c *Config) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:       c.Retry.MaxAttempts,
		InitialBackoff:    c.Retry.InitialBackoff,
		BackoffMultiplier: c.Retry.Multiplier,
		MaxBackoff:        c.Retry.MaxBackoff,
		JitterFactor:      c.Retry.Jitter,
	}
}

// Limits returns the default spawn limit and per-provider overrides.
func (c *Config) Limits() (orchestrator.RateLimit, map[string]orchestrator.RateLimit) {
	overrides := make(map[string]orchestrator.RateLimit, len(c.RateLimits.Providers))
	for p, l := range c.RateLimits.Providers {
		overrides[p] = toLimit(l)
	}
	return toLimit(c.RateLimits.Default), overrides
}

func toLimit(l RateLimit) orchestrator.RateLimit {
	if l.PerMinute <= 0 {
		return orchestrator.RateLimit{Limit: rate.Inf, Burst: l.Burst}
	}
	return orchestrator.RateLimit{Limit: rate.Limit(l.PerMinute / 60), Burst: l.Burst}
}

// Prompts returns the prompt builder, reading the template file if one is
// configured.
func (c *Config) Prompts() (*orchestrator.TemplatePrompts, error) {
	var text string
	if c.Pipeline.PromptTemplate != "" {
		data, err := os.ReadFile(c.Pipeline.PromptTemplate)
		if err != nil {
			return nil, &Error{Code: ErrCodeTemplate, Field: "pipeline.prompt_template", Message: err.Error()}
		}
		text = string(data)
	}
	return orchestrator.NewTemplatePrompts(text)
}

// ObjectConfig returns the object store settings, or false when none are
// configured.
func (c *Config) ObjectConfig() (artifact.ObjectConfig, bool) {
	o := c.Artifacts.ObjectStore
	if o == nil {
		return artifact.ObjectConfig{}, false
	}
	return artifact.ObjectConfig{
		Endpoint:  o.Endpoint,
		AccessKey: os.ExpandEnv(o.AccessKey),
		SecretKey: os.ExpandEnv(o.SecretKey),
		Region:    o.Region,
		Bucket:    o.Bucket,
		Prefix:    o.Prefix,
		UseSSL:    o.UseSSL,
	}, true
}
