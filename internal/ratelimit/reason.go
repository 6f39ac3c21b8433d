package ratelimit

import "strings"

// Why a request was denied, or how it was admitted.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonRateLimit          Reason = "rate_limit"
	ReasonDailyQuota         Reason = "daily_quota"
	ReasonMonthlyQuota       Reason = "monthly_quota"
	ReasonIdempotent         Reason = "idempotent"
	ReasonServiceUnavailable Reason = "service_unavailable"

	blockedPrefix = "blocked:"
)

func BlockedReason(blockReason string) Reason {
	return Reason(blockedPrefix + blockReason)
}

func (r Reason) IsBlocked() bool {
	return strings.HasPrefix(string(r), blockedPrefix)
}

func (r Reason) IsQuota() bool {
	return r == ReasonDailyQuota || r == ReasonMonthlyQuota
}
