package decision

import (
	"fmt"
	"net/netip"
	"strings"
)

// ParseAndSanitize parses an IP or CIDR string and returns the canonical form.
// isCIDR reports whether the input was a prefix. IPv4-mapped IPv6 addresses
// (e.g. ::ffff:1.2.3.4) are normalized to IPv4.
func ParseAndSanitize(value string) (canonical string, isCIDR bool, err error) {
	value = strings.TrimSpace(value)

	if strings.Contains(value, "/") {
		prefix, perr := netip.ParsePrefix(value)
		if perr != nil {
			return "", false, fmt.Errorf("invalid CIDR %q: %w", value, perr)
		}
		return prefix.Masked().String(), true, nil
	}

	addr, perr := netip.ParseAddr(value)
	if perr != nil || addr.Zone() != "" {
		return "", false, fmt.Errorf("invalid IP address %q", value)
	}
	return addr.Unmap().String(), false, nil
}

// ParseAddress validates a single IPv4 or IPv6 address (no CIDR) and
// returns its canonical form.
func ParseAddress(value string) (string, error) {
	canonical, isCIDR, err := ParseAndSanitize(value)
	if err != nil {
		return "", err
	}
	if isCIDR {
		return "", fmt.Errorf("invalid IP address %q: ranges are not accepted", strings.TrimSpace(value))
	}
	return canonical, nil
}

// Canonical returns the canonical form of a single address, or value
// unchanged when it does not parse as one.
func Canonical(value string) string {
	if c, err := ParseAddress(value); err == nil {
		return c
	}
	return value
}

// privatePrefixes covers RFC1918, loopback, link-local, CGNAT, ULA and Teredo.
var privatePrefixes = func() []netip.Prefix {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"100.64.0.0/10", // CGNAT (RFC 6598)
		"::1/128",
		"fe80::/10",
		"fc00::/7",
		"100::/64",
	}
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		out = append(out, netip.MustParsePrefix(c))
	}
	return out
}()

// IsPrivate returns true if the address is in a private, loopback, link-local
// or ULA range. Unparseable input is not private.
func IsPrivate(value string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(value))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range privatePrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsWhitelisted checks if addr is covered by any whitelist prefix.
func IsWhitelisted(value string, whitelist []netip.Prefix) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(value))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range whitelist {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ParseWhitelist parses IP or CIDR strings into prefixes. A bare address
// becomes a /32 or /128.
func ParseWhitelist(entries []string) ([]netip.Prefix, error) {
	result := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			addr, err := netip.ParseAddr(e)
			if err != nil {
				return nil, fmt.Errorf("invalid whitelist entry %q", e)
			}
			addr = addr.Unmap()
			result = append(result, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(e)
		if err != nil {
			return nil, fmt.Errorf("invalid whitelist CIDR %q: %w", e, err)
		}
		result = append(result, p.Masked())
	}
	return result, nil
}
