// Package registry resolves (model name, version) pairs to inference
// pipelines, building them lazily and caching the result.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pitabwire/inference/pipeline"
)

// ErrModelNotFound indicates an unknown (name, version) pair.
var ErrModelNotFound = errors.New("model not found")

// Builder constructs a fully loaded pipeline. It runs at most once per
// (name, version); the result is cached for the life of the registry.
type Builder func(ctx context.Context) (pipeline.Pipeline, error)

// ModelVersion identifies one registered pipeline definition.
type ModelVersion struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type key struct {
	name    string
	version string
}

// Registry holds pipeline definitions and lazily built instances.
type Registry struct {
	mu        sync.Mutex
	builders  map[key]Builder
	pipelines map[key]pipeline.Pipeline
	order     []ModelVersion
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		builders:  make(map[key]Builder),
		pipelines: make(map[key]pipeline.Pipeline),
	}
}

// NewWithDefaults creates a registry preloaded with the built in echo
// model definitions.
func NewWithDefaults() *Registry {
	r := New()
	r.Register("echo", "v1", pipeline.BuildEcho)
	r.Register("echo", "v2", pipeline.BuildEcho)
	return r
}

// Register adds a pipeline definition. Re-registering a pair replaces
// the builder and drops any cached instance.
func (r *Registry) Register(name, version string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{name: name, version: version}
	if _, exists := r.builders[k]; !exists {
		r.order = append(r.order, ModelVersion{Name: name, Version: version})
	}
	r.builders[k] = builder
	delete(r.pipelines, k)
}

// Get returns the pipeline for the supplied pair, building it on first
// use. First load is serialised under the registry lock.
func (r *Registry) Get(ctx context.Context, name, version string) (pipeline.Pipeline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{name: name, version: version}
	if pl, ok := r.pipelines[k]; ok {
		return pl, nil
	}

	builder, ok := r.builders[k]
	if !ok {
		return nil, fmt.Errorf("model '%s' with version '%s': %w", name, version, ErrModelNotFound)
	}

	pl, err := builder(ctx)
	if err != nil {
		return nil, fmt.Errorf("building pipeline for '%s:%s': %w", name, version, err)
	}

	r.pipelines[k] = pl
	return pl, nil
}

// List returns all registered (name, version) pairs in registration order.
func (r *Registry) List() []ModelVersion {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ModelVersion, len(r.order))
	copy(out, r.order)
	return out
}

// Loaded returns the pairs whose pipelines have been built already.
func (r *Registry) Loaded() []ModelVersion {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []ModelVersion
	for _, mv := range r.order {
		if _, ok := r.pipelines[key{name: mv.Name, version: mv.Version}]; ok {
			out = append(out, mv)
		}
	}
	return out
}
