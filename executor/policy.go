package executor

import (
	"fmt"
)

// Policy maps (model, version) pairs to execution pools by a configured
// "model:version" key, falling back to a named default pool.
type Policy struct {
	pools       map[string]*Pool
	targets     map[string]string
	defaultPool string
}

// NewPolicy creates a policy over the supplied pools. The default pool
// must exist; configured targets are validated lazily at dispatch time.
func NewPolicy(pools map[string]*Pool, targets map[string]string, defaultPool string) (*Policy, error) {
	if _, ok := pools[defaultPool]; !ok {
		return nil, fmt.Errorf("%w %q configured as default", ErrPoolUnknown, defaultPool)
	}

	if targets == nil {
		targets = map[string]string{}
	}
	return &Policy{pools: pools, targets: targets, defaultPool: defaultPool}, nil
}

// Resolve returns the pool for the supplied model version. A configured
// target naming a pool that does not exist fails fast.
func (p *Policy) Resolve(model, version string) (*Pool, error) {
	target, ok := p.targets[model+":"+version]
	if !ok {
		target = p.defaultPool
	}

	pool, ok := p.pools[target]
	if !ok {
		return nil, fmt.Errorf("%w %q for %s:%s", ErrPoolUnknown, target, model, version)
	}
	return pool, nil
}

// Shutdown releases every pool exactly once.
func (p *Policy) Shutdown() {
	released := map[*Pool]bool{}
	for _, pool := range p.pools {
		if released[pool] {
			continue
		}
		released[pool] = true
		pool.Shutdown()
	}
}
