package detect

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/domainlist"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"golang.org/x/net/idna"
)

// Link indicators
const (
	IndicatorMaliciousDomain     = "malicious_domain"
	IndicatorIPLiteralHost       = "ip_literal_host"
	IndicatorUserinfoInURL       = "userinfo_in_url"
	IndicatorHomographHost       = "homograph_host"
	IndicatorDisplayTextMismatch = "display_text_mismatch"
	IndicatorSuspiciousTLD       = "suspicious_tld"
	IndicatorExcessiveSubdomains = "excessive_subdomains"
	IndicatorDeceptiveHostToken  = "deceptive_host_token"
	IndicatorURLShortener        = "url_shortener"
	IndicatorCredentialPath      = "credential_path"
	IndicatorRedirectParameter   = "redirect_parameter"
	IndicatorNonStandardPort     = "non_standard_port"
	IndicatorUnresolvedHost      = "unresolved_host"
)

// Link weights
const (
	WeightMaliciousDomain     = 1.00
	WeightIPLiteralHost       = 0.90
	WeightUserinfoInURL       = 0.60
	WeightHomographHost       = 0.60
	WeightDisplayTextMismatch = 0.60
	WeightSuspiciousTLD       = 0.40
	WeightExcessiveSubdomains = 0.30
	WeightDeceptiveHostToken  = 0.30
	WeightURLShortener        = 0.30
	WeightCredentialPath      = 0.20
	WeightRedirectParameter   = 0.20
	WeightNonStandardPort     = 0.20
	WeightUnresolvedHost      = 0.20
)

var displayDomain = regexp.MustCompile(`^(?i)[a-z0-9-]+(\.[a-z0-9-]+)*\.[a-z]{2,}(/\S*)?$`)

// LinkAnalyzer classifies every extracted URL against the denylist and a set
// of host and path heuristics
type LinkAnalyzer struct {
	weights    map[string]float64
	denylist   *domainlist.Matcher
	shorteners *domainlist.Matcher
	tlds       map[string]struct{}
	deceptive  []string
	credPath   []string
	redirect   []string
	maxDepth   int
	opts       Options
	resolver   Resolver
	logger     *zap.Logger
}

// NewLinkAnalyzer creates a link analyzer; resolver is only used when
// opts.ResolveDomains is set
func NewLinkAnalyzer(rules *Rules, opts Options, resolver Resolver, logger *zap.Logger) *LinkAnalyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ResolveConcurrency <= 0 {
		opts.ResolveConcurrency = 1
	}
	return &LinkAnalyzer{
		weights:    copyWeights(rules.Link.Weights),
		denylist:   domainlist.NewMatcher(rules.Link.Denylist, logger),
		shorteners: domainlist.NewMatcher(rules.Link.Shorteners, nil),
		tlds:       lowerSet(rules.Link.SuspiciousTLDs),
		deceptive:  lowerList(rules.Link.DeceptiveHostTokens),
		credPath:   lowerList(rules.Link.CredentialPathTokens),
		redirect:   lowerList(rules.Link.RedirectTokens),
		maxDepth:   rules.Link.MaxSubdomainDepth,
		opts:       opts,
		resolver:   resolver,
		logger:     logger,
	}
}

// Category implements core.Detector
func (a *LinkAnalyzer) Category() core.Category {
	return core.CategoryLink
}

// Detect implements core.Detector
func (a *LinkAnalyzer) Detect(ctx context.Context, email *core.Email) ([]core.Finding, error) {
	set := newFindingSet(core.CategoryLink, a.weights)
	seenHosts := make(map[string]struct{})
	var lookups []string

	for _, link := range email.Links {
		if err := ctx.Err(); err != nil {
			return set.findings(), err
		}
		u, err := NormalizeURL(link.URL)
		if err != nil || u.Hostname() == "" {
			continue
		}
		host := u.Hostname()
		a.inspect(set, link, u, host)

		if _, ok := seenHosts[host]; !ok {
			seenHosts[host] = struct{}{}
			if !isIPLiteral(host) {
				lookups = append(lookups, host)
			}
		}
	}

	if a.opts.ResolveDomains && a.resolver != nil && len(lookups) > 0 {
		a.resolveAll(ctx, set, lookups)
	}
	return set.findings(), nil
}

func (a *LinkAnalyzer) inspect(set *findingSet, link core.Link, u *url.URL, host string) {
	shown := u.Redacted()

	if d, ok := a.denylist.Match(host); ok {
		set.add(IndicatorMaliciousDomain, host, fmt.Sprintf("host %s is on the denylist (%s)", host, d))
	}

	if isIPLiteral(host) {
		set.add(IndicatorIPLiteralHost, shown, fmt.Sprintf("%s points at a raw IP address", shown))
	} else {
		a.inspectHostname(set, host, shown)
	}

	if u.User != nil {
		set.add(IndicatorUserinfoInURL, shown, fmt.Sprintf("%s hides its real host behind user info", shown))
	}
	if link.FromHTML {
		if shownHost := displayHost(link.DisplayText); shownHost != "" && shownHost != host &&
			!domainlist.SameOrganization(shownHost, host) {
			set.add(IndicatorDisplayTextMismatch, shown,
				fmt.Sprintf("link text shows %s but points to %s", shownHost, host))
		}
	}
	if u.Port() != "" {
		set.add(IndicatorNonStandardPort, shown, fmt.Sprintf("%s uses port %s", shown, u.Port()))
	}

	path := strings.ToLower(u.EscapedPath())
	for _, token := range a.credPath {
		if strings.Contains(path, token) {
			set.add(IndicatorCredentialPath, shown, fmt.Sprintf("path of %s mentions %q", shown, token))
			break
		}
	}
	target := path + "?" + strings.ToLower(u.RawQuery)
	for _, token := range a.redirect {
		if strings.Contains(target, token) {
			set.add(IndicatorRedirectParameter, shown, fmt.Sprintf("%s looks like a redirector (%q)", shown, token))
			break
		}
	}
}

func (a *LinkAnalyzer) inspectHostname(set *findingSet, host, shown string) {
	if isHomograph(host) {
		unicodeHost, err := idna.ToUnicode(host)
		if err != nil {
			unicodeHost = host
		}
		set.add(IndicatorHomographHost, host, fmt.Sprintf("host %s renders as %q", host, unicodeHost))
	}

	if dot := strings.LastIndexByte(host, '.'); dot >= 0 {
		if _, ok := a.tlds[host[dot+1:]]; ok {
			set.add(IndicatorSuspiciousTLD, host, fmt.Sprintf("host %s uses a high-abuse TLD", host))
		}
	}

	registrable := domainlist.Registrable(host)
	if sub := strings.TrimSuffix(host, registrable); sub != host && sub != "" {
		if depth := strings.Count(sub, "."); depth > a.maxDepth {
			set.add(IndicatorExcessiveSubdomains, host,
				fmt.Sprintf("host %s has %d subdomain levels", host, depth))
		}
	}

	for _, token := range a.deceptive {
		if strings.Contains(host, token) {
			set.add(IndicatorDeceptiveHostToken, host, fmt.Sprintf("host %s contains %q", host, token))
			break
		}
	}

	if d, ok := a.shorteners.Match(host); ok {
		set.add(IndicatorURLShortener, shown, fmt.Sprintf("%s uses the shortener %s", shown, d))
	}
}

func (a *LinkAnalyzer) resolveAll(ctx context.Context, set *findingSet, hosts []string) {
	failed := make([]error, len(hosts))
	p := pool.New().WithMaxGoroutines(a.opts.ResolveConcurrency)
	for i, host := range hosts {
		p.Go(func() {
			failed[i] = a.lookup(ctx, host)
		})
	}
	p.Wait()

	for i, host := range hosts {
		if failed[i] == nil {
			continue
		}
		a.logger.Debug("Host did not resolve", zap.String("host", host), zap.Error(failed[i]))
		set.add(IndicatorUnresolvedHost, host, fmt.Sprintf("host %s did not resolve: %v", host, failed[i]))
	}
}

// lookup bounds a single resolution by the configured timeout even when the
// resolver ignores its context
func (a *LinkAnalyzer) lookup(ctx context.Context, host string) error {
	lctx, cancel := context.WithTimeout(ctx, a.opts.ResolveTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := a.resolver.LookupHost(lctx, host)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-lctx.Done():
		return lctx.Err()
	}
}

// NormalizeURL lower-cases the scheme and host, drops default ports and the
// trailing root dot, and assumes http for bare www. links
func NormalizeURL(raw string) (*url.URL, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(strings.ToLower(s), "www.") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("failed to parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}
	return u, nil
}

func isIPLiteral(host string) bool {
	if net.ParseIP(host) != nil {
		return true
	}
	// Dotless decimal hosts such as http://3232235777/ resolve to an IPv4 address.
	if host == "" {
		return false
	}
	for _, r := range host {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isHomograph(host string) bool {
	for _, label := range strings.Split(host, ".") {
		if strings.HasPrefix(label, "xn--") {
			return true
		}
	}
	for _, r := range host {
		if r > unicode.MaxASCII {
			return true
		}
	}
	return false
}

// displayHost returns the host named by anchor text when the text looks
// like a URL or a bare domain
func displayHost(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if !strings.Contains(text, "://") {
		if !displayDomain.MatchString(text) {
			return ""
		}
		text = "http://" + text
	}
	u, err := NormalizeURL(text)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
