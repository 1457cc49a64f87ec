package orchestrator

import (
	"context"

	"github.com/rancher/branchflow/internal/policy"
)

// Config captures the runtime controls the orchestrator needs. It is loaded
// afresh at the start of every submission.
type Config struct {
	Policy policy.Policy
	// DryRun skips the push; the forge client decides what remote calls mean.
	DryRun bool
}

// ConfigSource supplies the Config for one submission.
type ConfigSource interface {
	Load(ctx context.Context) (Config, error)
}

// StaticConfig is a ConfigSource that always returns the same Config.
type StaticConfig Config

// Load implements ConfigSource.
func (c StaticConfig) Load(context.Context) (Config, error) {
	return Config(c), nil
}
