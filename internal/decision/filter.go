package decision

import (
	"net/netip"
	"strings"

	"github.com/crowdsecurity/crowdsec/pkg/models"
	"github.com/developingchet/ip-tracker/internal/metrics"
	"github.com/rs/zerolog"
)

// FilterConfig holds the parameters for the CrowdSec decision pipeline that
// feeds the denylist.
type FilterConfig struct {
	// Stage 1: allowed action types
	AllowedActions []string // default: ["ban"]

	// Stage 2: scenario substrings to skip
	BlockScenarioExclude []string

	// Stage 3: allowed origins (empty = all)
	AllowedOrigins []string

	// Stage 6: never import these
	Whitelist []netip.Prefix
}

// NewFilterConfig returns a FilterConfig with sensible defaults.
func NewFilterConfig() FilterConfig {
	return FilterConfig{
		AllowedActions: []string{"ban"},
	}
}

// FilterResult holds the decision after pipeline processing.
type FilterResult struct {
	Passed bool
	Value  string // canonical address
	Origin string
}

const (
	stageAction    = "1_action"
	stageScenario  = "2_scenario_exclude"
	stageOrigin    = "3_origin"
	stageScope     = "4_scope"
	stageParse     = "5_parse"
	stageWhitelist = "6_whitelist"
	stagePrivate   = "7_private"
)

// Filter runs a CrowdSec decision through the pipeline. Only single-address
// decisions survive: the denylist is an exact-match set.
func Filter(d *models.Decision, cfg FilterConfig, log zerolog.Logger) FilterResult {
	action := strings.ToLower(deref(d.Type))
	scope := strings.ToLower(deref(d.Scope))
	value := deref(d.Value)
	origin := deref(d.Origin)
	scenario := deref(d.Scenario)

	if !containsCI(cfg.AllowedActions, action) {
		metrics.DecisionsFiltered.WithLabelValues(stageAction, "unsupported_action").Inc()
		log.Trace().Str("action", action).Msg("filtered: unsupported action")
		return FilterResult{}
	}

	for _, exc := range cfg.BlockScenarioExclude {
		if exc != "" && strings.Contains(scenario, exc) {
			metrics.DecisionsFiltered.WithLabelValues(stageScenario, "excluded_scenario").Inc()
			log.Trace().Str("scenario", scenario).Str("exclude", exc).Msg("filtered: excluded scenario")
			return FilterResult{}
		}
	}

	if len(cfg.AllowedOrigins) > 0 && !containsCI(cfg.AllowedOrigins, origin) {
		metrics.DecisionsFiltered.WithLabelValues(stageOrigin, "origin_not_allowed").Inc()
		log.Trace().Str("origin", origin).Msg("filtered: origin not allowed")
		return FilterResult{}
	}

	if scope != "ip" {
		metrics.DecisionsFiltered.WithLabelValues(stageScope, "unsupported_scope").Inc()
		log.Trace().Str("scope", scope).Msg("filtered: unsupported scope")
		return FilterResult{}
	}

	addr, err := ParseAddress(value)
	if err != nil {
		metrics.DecisionsFiltered.WithLabelValues(stageParse, "parse_error").Inc()
		log.Warn().Str("value", value).Err(err).Msg("filtered: parse error")
		return FilterResult{}
	}

	if IsWhitelisted(addr, cfg.Whitelist) {
		metrics.DecisionsFiltered.WithLabelValues(stageWhitelist, "whitelisted").Inc()
		log.Trace().Str("ip", addr).Msg("filtered: whitelisted IP")
		return FilterResult{}
	}

	// Private ranges usually belong to our own proxies; blocking them would
	// block every forwarded client.
	if IsPrivate(addr) {
		metrics.DecisionsFiltered.WithLabelValues(stagePrivate, "private_ip").Inc()
		log.Trace().Str("ip", addr).Msg("filtered: private/loopback/link-local IP")
		return FilterResult{}
	}

	return FilterResult{Passed: true, Value: addr, Origin: origin}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func containsCI(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}
