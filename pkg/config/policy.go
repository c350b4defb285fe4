package config

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/MaulRai/vessel/pkg/consent"
	"github.com/MaulRai/vessel/pkg/tranche"
)

// Policy is the investment policy profile: limit banding and consent rules.
type Policy struct {
	Name    string
	Limits  tranche.Policy
	Consent consent.Policy
}

type policyFile struct {
	Name   string `yaml:"name"`
	Limits struct {
		FloorRatio   string `yaml:"floor_ratio"`
		CeilingRatio string `yaml:"ceiling_ratio"`
	} `yaml:"limits"`
	Consent consent.Policy `yaml:"consent"`
}

// DefaultPolicy is the built-in profile: 10%/90% banding, catalyst consent required.
func DefaultPolicy() *Policy {
	return &Policy{
		Name:    "default",
		Limits:  tranche.DefaultPolicy(),
		Consent: consent.DefaultPolicy(),
	}
}

// LoadPolicy reads a YAML policy profile. Omitted sections keep the defaults.
// An empty path returns DefaultPolicy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a YAML policy profile.
func ParsePolicy(data []byte) (*Policy, error) {
	var raw policyFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}

	p := DefaultPolicy()
	if raw.Name != "" {
		p.Name = raw.Name
	}
	if raw.Limits.FloorRatio != "" {
		v, err := decimal.NewFromString(raw.Limits.FloorRatio)
		if err != nil {
			return nil, fmt.Errorf("parse policy floor_ratio: %w", err)
		}
		p.Limits.FloorRatio = v
	}
	if raw.Limits.CeilingRatio != "" {
		v, err := decimal.NewFromString(raw.Limits.CeilingRatio)
		if err != nil {
			return nil, fmt.Errorf("parse policy ceiling_ratio: %w", err)
		}
		p.Limits.CeilingRatio = v
	}
	if err := p.Limits.Validate(); err != nil {
		return nil, fmt.Errorf("policy limits: %w", err)
	}
	if len(raw.Consent) > 0 {
		p.Consent = raw.Consent
	}
	if _, err := consent.NewGate(p.Consent); err != nil {
		return nil, err
	}
	return p, nil
}
