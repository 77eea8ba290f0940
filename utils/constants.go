package utils

import (
	"time"
)

// Request context keys
type contextKey string

const (
	RequestIDKey contextKey = "request_id"
	UserAgentKey contextKey = "user_agent"
	IPAddressKey contextKey = "ip_address"
	EndpointKey  contextKey = "endpoint"
	TimeoutKey   contextKey = "timeout"
)

// CORS and security constants
const (
	// CORSMaxAge is the maximum age for CORS preflight requests (24 hours)
	CORSMaxAge = 86400
)

// Pacing constants
const (
	// MinutesPerDay bounds minute-of-day values used by send windows
	MinutesPerDay = 24 * 60

	// DayKeyLayout formats the local calendar day a daily counter belongs to
	DayKeyLayout = "2006-01-02"

	// DefaultRuleTimezone is used when a rule does not name one
	DefaultRuleTimezone = "UTC"
)

// Reporting constants
const (
	DefaultRecentAttempts = 10
	MaxPageSize           = 100

	// AnalyticsCacheTTL bounds how stale a cached global rollup may be
	AnalyticsCacheTTL = 30 * time.Second

	GlobalStatsCacheKey = "analytics:global"
)
