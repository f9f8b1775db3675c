package decision

import (
	"testing"
)

func TestParseAndSanitize(t *testing.T) {
	cases := []struct {
		input   string
		want    string
		cidr    bool
		wantErr bool
	}{
		{"1.2.3.4", "1.2.3.4", false, false},
		{" 1.2.3.4 ", "1.2.3.4", false, false},
		{"::ffff:1.2.3.4", "1.2.3.4", false, false}, // IPv4-mapped IPv6 normalized
		{"2001:db8::1", "2001:db8::1", false, false},
		{"2001:DB8:0:0::1", "2001:db8::1", false, false},
		{"192.168.1.7/24", "192.168.1.0/24", true, false},
		{"not-an-ip", "", false, true},
		{"300.1.1.1", "", false, true},
		{"fe80::1%eth0", "", false, true},
	}
	for _, c := range cases {
		got, cidr, err := ParseAndSanitize(c.input)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseAndSanitize(%q): expected error", c.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAndSanitize(%q): unexpected error: %v", c.input, err)
			continue
		}
		if got != c.want || cidr != c.cidr {
			t.Errorf("ParseAndSanitize(%q): got (%q, %v), want (%q, %v)", c.input, got, cidr, c.want, c.cidr)
		}
	}
}

func TestParseAddress(t *testing.T) {
	valid := map[string]string{
		"10.0.0.5":       "10.0.0.5",
		"::1":            "::1",
		"::ffff:8.8.8.8": "8.8.8.8",
	}
	for in, want := range valid {
		got, err := ParseAddress(in)
		if err != nil {
			t.Errorf("ParseAddress(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseAddress(%q): got %q, want %q", in, got, want)
		}
	}

	for _, in := range []string{"999.999.999.999", "", "10.0.0.0/8", "abc", "1.2.3"} {
		if _, err := ParseAddress(in); err == nil {
			t.Errorf("ParseAddress(%q): expected error", in)
		}
	}
}

func TestIsPrivate(t *testing.T) {
	privates := []string{
		"10.0.0.1", "172.16.0.1", "192.168.1.1",
		"127.0.0.1", "169.254.0.1", "100.64.0.1",
		"::1", "fe80::1", "fd00::1", "::ffff:10.1.1.1",
	}
	for _, ip := range privates {
		if !IsPrivate(ip) {
			t.Errorf("IsPrivate(%q) should be true", ip)
		}
	}

	publics := []string{"1.2.3.4", "8.8.8.8", "2001:db8::1", "203.0.113.1", "192.0.2.1", "224.0.0.1", "garbage"}
	for _, ip := range publics {
		if IsPrivate(ip) {
			t.Errorf("IsPrivate(%q) should be false", ip)
		}
	}
}

func TestIsWhitelisted(t *testing.T) {
	wl, err := ParseWhitelist([]string{"10.0.0.0/8", "203.0.113.0/24", "2001:db8::/32", "1.2.3.4"})
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string]bool{
		"10.1.2.3":     true,
		"203.0.113.50": true,
		"2001:db8::1":  true,
		"1.2.3.4":      true,
		"1.2.3.5":      false,
		"8.8.8.8":      false,
	}
	for ip, want := range cases {
		if got := IsWhitelisted(ip, wl); got != want {
			t.Errorf("IsWhitelisted(%q) = %v, want %v", ip, got, want)
		}
	}
}

func TestParseWhitelistInvalid(t *testing.T) {
	for _, in := range []string{"not-a-cidr", "10.0.0.0/99"} {
		if _, err := ParseWhitelist([]string{in}); err == nil {
			t.Errorf("expected error for invalid whitelist entry %q", in)
		}
	}
}

func TestParseWhitelistSkipsBlank(t *testing.T) {
	wl, err := ParseWhitelist([]string{"", "  "})
	if err != nil {
		t.Fatal(err)
	}
	if len(wl) != 0 {
		t.Errorf("expected empty whitelist, got %v", wl)
	}
}

func TestCanonical(t *testing.T) {
	cases := map[string]string{
		"::ffff:1.2.3.4": "1.2.3.4",
		" 2001:DB8::1 ":  "2001:db8::1",
		"10.0.0.0/8":     "10.0.0.0/8",
		"not-an-address": "not-an-address",
		"198.51.100.1":   "198.51.100.1",
	}
	for in, want := range cases {
		if got := Canonical(in); got != want {
			t.Errorf("Canonical(%q) = %q, want %q", in, got, want)
		}
	}
}
