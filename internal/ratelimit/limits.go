package ratelimit

// Base limit configuration of a plan, and the result of resolving one.
// A quota of zero or less means the period is not capped.
type LimitConfig struct {
	RatePerSecond float64 `json:"rate_per_second"`
	BurstCapacity int64   `json:"burst_capacity"`
	DailyQuota    int64   `json:"daily_quota"`
	MonthlyQuota  int64   `json:"monthly_quota"`
}

// A partial configuration. Nil fields leave the underlying value alone.
type Patch struct {
	RatePerSecond *float64 `json:"rate_per_second,omitempty"`
	BurstCapacity *int64   `json:"burst_capacity,omitempty"`
	DailyQuota    *int64   `json:"daily_quota,omitempty"`
	MonthlyQuota  *int64   `json:"monthly_quota,omitempty"`
}

func (p Patch) IsEmpty() bool {
	return p.RatePerSecond == nil && p.BurstCapacity == nil && p.DailyQuota == nil && p.MonthlyQuota == nil
}

func (p Patch) Apply(c LimitConfig) LimitConfig {
	if p.RatePerSecond != nil {
		c.RatePerSecond = *p.RatePerSecond
	}
	if p.BurstCapacity != nil {
		c.BurstCapacity = *p.BurstCapacity
	}
	if p.DailyQuota != nil {
		c.DailyQuota = *p.DailyQuota
	}
	if p.MonthlyQuota != nil {
		c.MonthlyQuota = *p.MonthlyQuota
	}
	return c
}

// Applies patches in order over base.
func Merge(base LimitConfig, patches ...Patch) LimitConfig {
	for _, p := range patches {
		base = p.Apply(base)
	}
	return base
}

// Hard-coded minimal limits used while the config store is unreachable.
var FallbackLimits = LimitConfig{
	RatePerSecond: 1,
	BurstCapacity: 10,
	DailyQuota:    1000,
	MonthlyQuota:  10000,
}

// The configuration enforced for one identity.
type EffectiveConfig struct {
	LimitConfig
	Plan string `json:"plan"`

	// Names of the layers that contributed, lowest first
	Layers []string `json:"layers,omitempty"`

	// The bucket is kept per endpoint when an endpoint layer shaped the limits
	EndpointScoped bool `json:"endpoint_scoped,omitempty"`

	Degraded bool `json:"degraded,omitempty"`
}

func FallbackConfig() EffectiveConfig {
	return EffectiveConfig{
		LimitConfig: FallbackLimits,
		Plan:        "fallback",
		Layers:      []string{"fallback"},
		Degraded:    true,
	}
}

func Float(v float64) *float64 { return &v }

func Int(v int64) *int64 { return &v }
