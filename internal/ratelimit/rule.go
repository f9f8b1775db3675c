// Package ratelimit throttles sensitive endpoints per authenticated identity
// or, for anonymous callers, per client address.
package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Rule allows Limit requests per Window for a named group.
type Rule struct {
	Group  string
	Limit  int
	Window time.Duration
}

// String renders the rule as "<limit>/<window>".
func (r Rule) String() string {
	return fmt.Sprintf("%d/%s", r.Limit, r.Window)
}

var units = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "second": time.Second,
	"m": time.Minute, "min": time.Minute, "minute": time.Minute,
	"h": time.Hour, "hour": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour,
}

// ParseRule parses rate strings such as "10/m" or "100/h".
func ParseRule(group, s string) (Rule, error) {
	countStr, unit, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Rule{}, fmt.Errorf("invalid rate %q: expected <count>/<unit>", s)
	}
	n, err := strconv.Atoi(strings.TrimSpace(countStr))
	if err != nil || n <= 0 {
		return Rule{}, fmt.Errorf("invalid rate %q: count must be a positive integer", s)
	}
	window, ok := units[strings.ToLower(strings.TrimSpace(unit))]
	if !ok {
		return Rule{}, fmt.Errorf("invalid rate %q: unknown unit %q", s, unit)
	}
	return Rule{Group: group, Limit: n, Window: window}, nil
}
