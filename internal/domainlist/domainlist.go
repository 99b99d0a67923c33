package domainlist

import (
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
)

// Matcher checks hosts against a domain list. A host matches when it equals
// a listed domain or is a subdomain of one.
type Matcher struct {
	domains map[string]struct{}
	logger  *zap.Logger
}

// NewMatcher creates a new domain matcher
func NewMatcher(domains []string, logger *zap.Logger) *Matcher {
	// Normalize domains (lowercase, no leading or trailing dots)
	normalized := make(map[string]struct{}, len(domains))
	for _, domain := range domains {
		d := Normalize(domain)
		if d != "" {
			normalized[d] = struct{}{}
		}
	}

	if len(normalized) > 0 && logger != nil {
		logger.Debug("Initialized domain matcher", zap.Int("domains", len(normalized)))
	}

	return &Matcher{
		domains: normalized,
		logger:  logger,
	}
}

// Len returns the number of listed domains
func (m *Matcher) Len() int {
	return len(m.domains)
}

// Match returns the listed domain covering host, if any
func (m *Matcher) Match(host string) (string, bool) {
	if len(m.domains) == 0 {
		return "", false
	}

	candidate := Normalize(host)
	for candidate != "" {
		if _, ok := m.domains[candidate]; ok {
			if m.logger != nil {
				m.logger.Debug("Domain matched list",
					zap.String("host", host),
					zap.String("domain", candidate))
			}
			return candidate, true
		}
		dot := strings.IndexByte(candidate, '.')
		if dot < 0 {
			break
		}
		candidate = candidate[dot+1:]
	}

	return "", false
}

// MatchAddress checks the domain part of an email address
func (m *Matcher) MatchAddress(address string) (string, bool) {
	parts := strings.Split(address, "@")
	if len(parts) != 2 {
		return "", false
	}
	return m.Match(parts[1])
}

// Normalize lower-cases a domain and strips surrounding dots and whitespace
func Normalize(domain string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// Registrable returns the registrable domain (eTLD+1) of host, falling back
// to the host itself when the public suffix list cannot place it
func Registrable(host string) string {
	host = Normalize(host)
	if host == "" {
		return ""
	}
	if d, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return d
	}
	return host
}

// SameOrganization reports whether two hosts share a registrable domain
func SameOrganization(a, b string) bool {
	ra, rb := Registrable(a), Registrable(b)
	return ra != "" && ra == rb
}
