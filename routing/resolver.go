package routing

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"math/rand/v2"
)

var (
	// ErrUnknownRoute indicates a model with no routing configuration.
	ErrUnknownRoute = errors.New("no routing configuration for model")
	// ErrIdentityRequired indicates an A/B route resolved without an identity key.
	ErrIdentityRequired = errors.New("a/b routing requires an identity key")
	// ErrInvalidStrategy indicates a route with an unrecognised strategy.
	ErrInvalidStrategy = errors.New("invalid routing strategy")
)

const bucketCount = 100

// Resolver picks the version to execute for a model.
type Resolver struct {
	routes map[string]Route
	draw   func() int
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithDraw overrides the canary random draw, [0, 100). Used by tests
// to make distribution assertions deterministic.
func WithDraw(draw func() int) Option {
	return func(r *Resolver) {
		r.draw = draw
	}
}

// NewResolver creates a resolver over the supplied route table.
func NewResolver(routes map[string]Route, opts ...Option) *Resolver {
	r := &Resolver{
		routes: routes,
		draw:   func() int { return rand.IntN(bucketCount) },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the (model, version) to execute.
//
// An explicitly requested version always wins and is returned without
// validation; the registry rejects unknown versions at dispatch time.
// A/B bucketing is deterministic for a given identity key across
// process restarts.
func (r *Resolver) Resolve(model, requestedVersion, identityKey string) (string, string, error) {
	if requestedVersion != "" {
		return model, requestedVersion, nil
	}

	route, ok := r.routes[model]
	if !ok {
		return "", "", fmt.Errorf("%w '%s'", ErrUnknownRoute, model)
	}

	switch route.Strategy {
	case StrategyStatic:
		return model, route.Version, nil

	case StrategyCanary:
		if r.draw() < route.CanaryPercent {
			return model, route.Canary, nil
		}
		return model, route.Primary, nil

	case StrategyAB:
		if identityKey == "" {
			return "", "", fmt.Errorf("%w (model '%s')", ErrIdentityRequired, model)
		}

		bucket := bucketFor(identityKey)
		acc := 0
		for i, variant := range route.Variants {
			acc += variant.Weight
			// Short weight sums are tolerated: the last variant
			// absorbs the remainder.
			if bucket < acc || i == len(route.Variants)-1 {
				return model, variant.Version, nil
			}
		}
	}

	return "", "", fmt.Errorf("%w for model '%s'", ErrInvalidStrategy, model)
}

// bucketFor reduces a stable 256 bit hash of the key modulo 100.
func bucketFor(identityKey string) int {
	sum := sha256.Sum256([]byte(identityKey))
	h := new(big.Int).SetBytes(sum[:])
	return int(h.Mod(h, big.NewInt(bucketCount)).Int64())
}
