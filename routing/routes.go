// Package routing selects a concrete model version for each request via
// static, canary or A/B strategies.
package routing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Strategy names supported by the route table.
const (
	StrategyStatic = "static"
	StrategyCanary = "canary"
	StrategyAB     = "ab"
)

// Variant is one arm of an A/B route. Variants are declared as a list
// so their order survives parsing; the bucketing walk depends on it.
type Variant struct {
	Version string `yaml:"version" json:"version"`
	Weight  int    `yaml:"weight"  json:"weight"`
}

// Route maps a model name to a version selection strategy.
type Route struct {
	Strategy string `yaml:"strategy" json:"strategy"`

	// static
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// canary
	Primary       string `yaml:"primary,omitempty"        json:"primary,omitempty"`
	Canary        string `yaml:"canary,omitempty"         json:"canary,omitempty"`
	CanaryPercent int    `yaml:"canary_percent,omitempty" json:"canary_percent,omitempty"`

	// ab
	Variants []Variant `yaml:"variants,omitempty" json:"variants,omitempty"`
}

type routeFile struct {
	Routes map[string]Route `yaml:"routes"`
}

// LoadRoutes reads a YAML route table from disk.
func LoadRoutes(path string) (map[string]Route, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading route table: %w", err)
	}

	var rf routeFile
	if err = yaml.Unmarshal(raw, &rf); err != nil {
		return nil, fmt.Errorf("parsing route table: %w", err)
	}
	if len(rf.Routes) == 0 {
		return nil, fmt.Errorf("route table %s declares no routes", path)
	}

	for model, route := range rf.Routes {
		if err = validateRoute(model, route); err != nil {
			return nil, err
		}
	}
	return rf.Routes, nil
}

// DefaultRoutes returns the built in route table used when no
// ROUTING_CONFIG_PATH is supplied.
func DefaultRoutes() map[string]Route {
	return map[string]Route{
		"echo": {
			Strategy:      StrategyCanary,
			Primary:       "v1",
			Canary:        "v2",
			CanaryPercent: 50,
		},
		"classifier": {
			Strategy: StrategyAB,
			Variants: []Variant{
				{Version: "v1", Weight: 50},
				{Version: "v2", Weight: 50},
			},
		},
		"stable_model": {
			Strategy: StrategyStatic,
			Version:  "v3",
		},
	}
}

func validateRoute(model string, route Route) error {
	switch route.Strategy {
	case StrategyStatic:
		if route.Version == "" {
			return fmt.Errorf("static route for %q requires a version", model)
		}
	case StrategyCanary:
		if route.Primary == "" || route.Canary == "" {
			return fmt.Errorf("canary route for %q requires primary and canary versions", model)
		}
		if route.CanaryPercent < 0 || route.CanaryPercent > 100 {
			return fmt.Errorf("canary route for %q has canary_percent outside [0,100]", model)
		}
	case StrategyAB:
		if len(route.Variants) == 0 {
			return fmt.Errorf("ab route for %q requires variants", model)
		}
	default:
		return fmt.Errorf("route for %q has unknown strategy %q", model, route.Strategy)
	}
	return nil
}
