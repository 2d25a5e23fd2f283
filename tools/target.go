package tools

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"unicode"
)

var (
	hostnameRE     = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9-]{0,61}[A-Za-z0-9])?(?:\.[A-Za-z0-9](?:[A-Za-z0-9-]{0,61}[A-Za-z0-9])?)*$`)
	digitsAndDotRE = regexp.MustCompile(`^[0-9.]+$`)
)

const maxHostnameLen = 253

// ValidateTarget accepts IPv4 literals, IPv6 literals and hostnames made of dotted RFC-1123 labels.
// Single-label hostnames are allowed for local resolution.
func ValidateTarget(target string) error {
	if target == "" {
		return &Error{Kind: ErrInvalidTarget, Msg: "Target must be a non-empty string"}
	}
	if IsIP(target) || IsHostname(target) {
		return nil
	}
	return &Error{Kind: ErrInvalidTarget, Msg: fmt.Sprintf("Invalid target: '%s'", target)}
}

// IsIP reports whether s is an IPv4 or IPv6 literal.
func IsIP(s string) bool {
	if strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return false
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}

func IsHostname(s string) bool {
	if len(s) > maxHostnameLen || strings.Contains(s, "://") || strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return false
	}
	// looks like an IPv4 address, and it isn't a valid one, so don't let it through as a hostname
	if digitsAndDotRE.MatchString(s) {
		return false
	}
	return hostnameRE.MatchString(s)
}
