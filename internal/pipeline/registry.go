package pipeline

import (
	"fmt"
	"log/slog"
	"slices"

	"dial-proxy-go/internal/config"
	"dial-proxy-go/internal/tokens"
)

// Builder creates a step factory for one deployment.
type Builder func(d config.DeploymentConfig) Factory

// Registry maps configured step names to builders.
type Registry struct {
	builders map[string]Builder
}

// NewRegistry creates a registry holding the built-in steps.
func NewRegistry(counter *tokens.Counter) *Registry {
	r := &Registry{builders: make(map[string]Builder)}

	r.Register(StepCollectRequestData, func(config.DeploymentConfig) Factory {
		return CollectRequestData
	})
	r.Register(StepValidateMessages, func(config.DeploymentConfig) Factory {
		return ValidateMessages
	})
	r.Register(StepApplyDefaultSettings, func(d config.DeploymentConfig) Factory {
		return ApplyDefaultSettings(d.Defaults)
	})
	r.Register(StepOverrideModel, func(d config.DeploymentConfig) Factory {
		return OverrideModel(d.UpstreamModel)
	})
	r.Register(StepLimitPromptTokens, func(d config.DeploymentConfig) Factory {
		return LimitPromptTokens(counter, d.UpstreamModel, d.MaxInputTokens)
	})

	return r
}

// Register adds or replaces a builder. It must not be called once chains
// are being built concurrently.
func (r *Registry) Register(name string, b Builder) {
	r.builders[name] = b
}

// Names returns the registered step names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Build creates a chain running the named steps in order for a deployment.
func (r *Registry) Build(names []string, d config.DeploymentConfig) (*Chain, error) {
	stages := make([]Stage, 0, len(names))
	for _, name := range names {
		b, ok := r.builders[name]
		if !ok {
			return nil, fmt.Errorf("unknown pipeline step %q (known: %v)", name, r.Names())
		}
		stages = append(stages, Stage{Name: name, Factory: b(d)})
	}
	return NewChain(stages...), nil
}

// Chains holds the chain of every configured deployment, keyed by name.
type Chains map[string]*Chain

// NewChains builds one chain per configured deployment.
func NewChains(cfg *config.Config, r *Registry, logger *slog.Logger) (Chains, error) {
	chains := make(Chains, len(cfg.Deployments))
	for _, name := range cfg.DeploymentNames() {
		steps := cfg.StepsFor(name)
		chain, err := r.Build(steps, cfg.Deployments[name])
		if err != nil {
			return nil, fmt.Errorf("deployment %s: %w", name, err)
		}
		chains[name] = chain
		logger.Info("pipeline configured", "deployment", name, "steps", steps)
	}
	return chains, nil
}
