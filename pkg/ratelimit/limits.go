// Package ratelimit implements a database-backed rate limiter with sliding
// hourly and calendar-daily windows, shared by all workers.
package ratelimit

// Limit caps requests per sliding hour and per UTC calendar day.
type Limit struct {
	Hourly int
	Daily  int
}

// Limits maps action types to their caps. The "default" entry is the
// fallback for unknown actions.
type Limits map[string]Limit

// DefaultAction is the fallback key consulted for unlisted actions.
const DefaultAction = "default"

// DefaultLimits are the built-in caps by action type.
func DefaultLimits() Limits {
	return Limits{
		// LinkedIn
		"profile_visit":      {Hourly: 30, Daily: 150},
		"search":             {Hourly: 20, Daily: 100},
		"connection_request": {Hourly: 10, Daily: 50},
		"message":            {Hourly: 15, Daily: 75},
		// Kaspr
		"kaspr_lookup": {Hourly: 50, Daily: 500},

		DefaultAction: {Hourly: 60, Daily: 300},
	}
}

// For returns the limit for an action, falling back to the default entry.
func (l Limits) For(action string) Limit {
	if limit, ok := l[action]; ok {
		return limit
	}
	return l[DefaultAction]
}
