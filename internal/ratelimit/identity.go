package ratelimit

import (
	"fmt"
	"strings"
)

// Dimension an override or block is bound to.
type TargetType string

const (
	TargetAPIKey   TargetType = "api_key"
	TargetTenant   TargetType = "tenant"
	TargetRegion   TargetType = "region"
	TargetIP       TargetType = "ip"
	TargetEndpoint TargetType = "endpoint"
)

var targetTypes = map[TargetType]struct{}{
	TargetAPIKey:   {},
	TargetTenant:   {},
	TargetRegion:   {},
	TargetIP:       {},
	TargetEndpoint: {},
}

func (t TargetType) Valid() bool {
	_, ok := targetTypes[t]
	return ok
}

// Lowest to highest. A field set by a later layer wins.
var OverridePrecedence = []TargetType{
	TargetRegion,
	TargetIP,
	TargetEndpoint,
	TargetTenant,
	TargetAPIKey,
}

// Order in which blocks are checked; the first hit wins.
var BlockPriority = []TargetType{
	TargetAPIKey,
	TargetTenant,
	TargetIP,
}

// Who is making a request and what it targets.
type Identity struct {
	APIKeyID string `json:"api_key_id"`
	TenantID string `json:"tenant_id"`
	Endpoint string `json:"endpoint,omitempty"`
	IP       string `json:"ip,omitempty"`
	Region   string `json:"region,omitempty"`
}

// Returns the identity value for a target dimension, empty when absent.
func (i Identity) Target(t TargetType) string {
	switch t {
	case TargetAPIKey:
		return i.APIKeyID
	case TargetTenant:
		return i.TenantID
	case TargetRegion:
		return i.Region
	case TargetIP:
		return i.IP
	case TargetEndpoint:
		return i.Endpoint
	default:
		return ""
	}
}

func (i Identity) Validate() error {
	if err := ValidateAPIKeyID(i.APIKeyID); err != nil {
		return err
	}
	if strings.TrimSpace(i.TenantID) == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidIdentity)
	}
	return nil
}

// The api key id is embedded in counter key names and scan patterns, so
// braces and glob characters are rejected.
func ValidateAPIKeyID(apiKeyID string) error {
	if strings.TrimSpace(apiKeyID) == "" {
		return fmt.Errorf("%w: api_key_id is required", ErrInvalidIdentity)
	}
	if strings.ContainsAny(apiKeyID, "{}*?[] ") {
		return fmt.Errorf("%w: api_key_id contains reserved characters", ErrInvalidIdentity)
	}
	return nil
}
