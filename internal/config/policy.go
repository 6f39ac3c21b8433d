package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Behavior of the engine when a backing store cannot be reached.
type FailurePolicy string

const (
	// Admit the request and flag the verdict as degraded
	FailOpen FailurePolicy = "open"

	// Reject the request as retryable
	FailClosed FailurePolicy = "closed"
)

func (p FailurePolicy) Valid() bool {
	return p == FailOpen || p == FailClosed
}

func (p *FailurePolicy) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}

	policy := FailurePolicy(raw)
	if !policy.Valid() {
		return fmt.Errorf("invalid failure policy %q (want %q or %q)", raw, FailOpen, FailClosed)
	}

	*p = policy
	return nil
}

// One policy per store the decision path depends on.
type FailurePolicies struct {
	Counter FailurePolicy `yaml:"counter"`
	Config  FailurePolicy `yaml:"config"`
	Block   FailurePolicy `yaml:"block"`
}

// Limits fail open, blocks fail closed.
func DefaultFailurePolicies() FailurePolicies {
	return FailurePolicies{
		Counter: FailOpen,
		Config:  FailOpen,
		Block:   FailClosed,
	}
}
