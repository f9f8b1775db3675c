package decision

import (
	"testing"

	"github.com/crowdsecurity/crowdsec/pkg/models"
	"github.com/rs/zerolog"
)

func strPtr(s string) *string { return &s }

func makeDecision(action, scope, value, scenario, origin string) *models.Decision {
	return &models.Decision{
		Type:     strPtr(action),
		Scope:    strPtr(scope),
		Value:    strPtr(value),
		Scenario: strPtr(scenario),
		Origin:   strPtr(origin),
		Duration: strPtr("4h"),
	}
}

func TestFilter_BanPasses(t *testing.T) {
	r := Filter(makeDecision("ban", "Ip", "1.2.3.4", "ssh-bf", "crowdsec"), NewFilterConfig(), zerolog.Nop())
	if !r.Passed {
		t.Fatal("ban on a public ip should pass")
	}
	if r.Value != "1.2.3.4" || r.Origin != "crowdsec" {
		t.Errorf("unexpected result %+v", r)
	}
}

func TestFilter_UnsupportedAction(t *testing.T) {
	r := Filter(makeDecision("captcha", "ip", "1.2.3.4", "test", "crowdsec"), NewFilterConfig(), zerolog.Nop())
	if r.Passed {
		t.Error("captcha action should be filtered")
	}
}

func TestFilter_ScenarioExclude(t *testing.T) {
	cfg := NewFilterConfig()
	cfg.BlockScenarioExclude = []string{"impossible-travel"}

	if Filter(makeDecision("ban", "ip", "1.2.3.4", "crowdsecurity/impossible-travel", "crowdsec"), cfg, zerolog.Nop()).Passed {
		t.Error("excluded scenario should be filtered")
	}
	if !Filter(makeDecision("ban", "ip", "1.2.3.4", "ssh-brute-force", "crowdsec"), cfg, zerolog.Nop()).Passed {
		t.Error("non-excluded scenario should pass")
	}
}

func TestFilter_OriginAllowList(t *testing.T) {
	cfg := NewFilterConfig()
	cfg.AllowedOrigins = []string{"crowdsec", "lists"}

	if Filter(makeDecision("ban", "ip", "1.2.3.4", "ssh-bf", "cscli"), cfg, zerolog.Nop()).Passed {
		t.Error("cscli origin should be filtered when not in allowed list")
	}
	if !Filter(makeDecision("ban", "ip", "1.2.3.4", "ssh-bf", "CrowdSec"), cfg, zerolog.Nop()).Passed {
		t.Error("origin match should be case-insensitive")
	}
}

func TestFilter_RangeScopeRejected(t *testing.T) {
	r := Filter(makeDecision("ban", "range", "1.2.3.0/24", "ssh-bf", "crowdsec"), NewFilterConfig(), zerolog.Nop())
	if r.Passed {
		t.Error("range decisions cannot be represented in the denylist")
	}
}

func TestFilter_InvalidValue(t *testing.T) {
	r := Filter(makeDecision("ban", "ip", "999.1.1.1", "ssh-bf", "crowdsec"), NewFilterConfig(), zerolog.Nop())
	if r.Passed {
		t.Error("invalid address should be filtered")
	}
}

func TestFilter_IPv4MappedNormalized(t *testing.T) {
	r := Filter(makeDecision("ban", "ip", "::ffff:8.8.4.4", "ssh-bf", "crowdsec"), NewFilterConfig(), zerolog.Nop())
	if !r.Passed || r.Value != "8.8.4.4" {
		t.Errorf("expected normalized 8.8.4.4, got %+v", r)
	}
}

func TestFilter_Whitelist(t *testing.T) {
	cfg := NewFilterConfig()
	wl, err := ParseWhitelist([]string{"203.0.113.0/24"})
	if err != nil {
		t.Fatal(err)
	}
	cfg.Whitelist = wl
	if Filter(makeDecision("ban", "ip", "203.0.113.9", "ssh-bf", "crowdsec"), cfg, zerolog.Nop()).Passed {
		t.Error("whitelisted ip should be filtered")
	}
}

func TestFilter_PrivateRejected(t *testing.T) {
	if Filter(makeDecision("ban", "ip", "192.168.1.10", "ssh-bf", "crowdsec"), NewFilterConfig(), zerolog.Nop()).Passed {
		t.Error("private ip should be filtered")
	}
}

func TestFilter_NilFieldsDoNotPanic(t *testing.T) {
	d := &models.Decision{Type: strPtr("ban"), Scope: strPtr("ip"), Value: strPtr("1.2.3.4")}
	if !Filter(d, NewFilterConfig(), zerolog.Nop()).Passed {
		t.Error("decision with nil origin/scenario should pass")
	}
}
