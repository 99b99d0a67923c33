package detect

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/domainlist"
)

// Header indicators
const (
	IndicatorReplyToMismatch     = "reply_to_mismatch"
	IndicatorReturnPathMismatch  = "return_path_mismatch"
	IndicatorDisplayNameSpoofing = "display_name_spoofing"
	IndicatorSPFFail             = "spf_fail"
	IndicatorDKIMFail            = "dkim_fail"
	IndicatorDMARCFail           = "dmarc_fail"
	IndicatorSPFMissing          = "spf_missing"
	IndicatorDKIMMissing         = "dkim_missing"
	IndicatorDMARCMissing        = "dmarc_missing"
	IndicatorMissingDate         = "missing_date"
	IndicatorMissingMessageID    = "missing_message_id"
	IndicatorMalformedMessageID  = "malformed_message_id"
	IndicatorMessageIDMismatch   = "message_id_domain_mismatch"
	IndicatorReceivedMismatch    = "received_chain_mismatch"
	IndicatorExcessiveHops       = "excessive_received_hops"
)

// Header weights
const (
	WeightReplyToMismatch     = 0.40
	WeightReturnPathMismatch  = 0.20
	WeightDisplayNameSpoofing = 0.35
	WeightAuthFail            = 0.35
	WeightAuthMissing         = 0.20
	WeightMissingDate         = 0.10
	WeightMissingMessageID    = 0.10
	WeightMalformedMessageID  = 0.20
	WeightMessageIDMismatch   = 0.05
	WeightReceivedMismatch    = 0.20
	WeightExcessiveHops       = 0.10
)

var (
	addressPattern   = regexp.MustCompile(`<([^<>\s]+@[^<>\s]+)>|([^\s<>,;"']+@[^\s<>,;"']+)`)
	authPattern      = regexp.MustCompile(`(?i)\b(spf|dkim|dmarc)\s*=\s*([a-z]+)`)
	messageIDPattern = regexp.MustCompile(`^<[^<>@\s]+@([^<>@\s]+)>$`)
	receivedIP       = regexp.MustCompile(`\[(\d{1,3}(?:\.\d{1,3}){3})\]`)
	plainIP          = regexp.MustCompile(`\b(\d{1,3}(?:\.\d{1,3}){3})\b`)
)

var authMechanisms = []struct {
	name    string
	fail    string
	missing string
}{
	{"spf", IndicatorSPFFail, IndicatorSPFMissing},
	{"dkim", IndicatorDKIMFail, IndicatorDKIMMissing},
	{"dmarc", IndicatorDMARCFail, IndicatorDMARCMissing},
}

// HeaderAnalyzer checks sender consistency, authentication results and
// structural header anomalies. It never performs network calls.
type HeaderAnalyzer struct {
	weights    map[string]float64
	brandNames []string
	brands     map[string]*domainlist.Matcher
	maxHops    int
}

// NewHeaderAnalyzer creates a header analyzer from the rule pack
func NewHeaderAnalyzer(rules *Rules) *HeaderAnalyzer {
	a := &HeaderAnalyzer{
		weights: copyWeights(rules.Header.Weights),
		brands:  make(map[string]*domainlist.Matcher, len(rules.Header.Brands)),
		maxHops: rules.Header.MaxReceivedHops,
	}
	for brand, domains := range rules.Header.Brands {
		name := strings.ToLower(strings.TrimSpace(brand))
		if name == "" {
			continue
		}
		a.brandNames = append(a.brandNames, name)
		a.brands[name] = domainlist.NewMatcher(domains, nil)
	}
	sort.Strings(a.brandNames)
	return a
}

// Category implements core.Detector
func (a *HeaderAnalyzer) Category() core.Category {
	return core.CategoryHeader
}

// Detect implements core.Detector
func (a *HeaderAnalyzer) Detect(ctx context.Context, email *core.Email) ([]core.Finding, error) {
	set := newFindingSet(core.CategoryHeader, a.weights)
	h := email.Headers
	sender := email.SenderDomain()

	a.checkReplyTo(set, h, sender)
	a.checkReturnPath(set, h, sender)
	a.checkDisplayName(set, email.SenderName, sender)
	a.checkAuthentication(set, h)
	a.checkDate(set, h)
	a.checkMessageID(set, h, sender)
	a.checkReceived(set, h, sender)

	return set.findings(), nil
}

func (a *HeaderAnalyzer) checkReplyTo(set *findingSet, h core.Header, sender string) {
	replyTo := core.DomainOf(extractAddress(h.Get("Reply-To")))
	if sender == "" || replyTo == "" || domainlist.SameOrganization(sender, replyTo) {
		return
	}
	set.add(IndicatorReplyToMismatch, replyTo,
		fmt.Sprintf("Reply-To domain %s differs from sender domain %s", replyTo, sender))
}

func (a *HeaderAnalyzer) checkReturnPath(set *findingSet, h core.Header, sender string) {
	returnPath := core.DomainOf(extractAddress(h.Get("Return-Path")))
	if sender == "" || returnPath == "" || domainlist.SameOrganization(sender, returnPath) {
		return
	}
	set.add(IndicatorReturnPathMismatch, returnPath,
		fmt.Sprintf("Return-Path domain %s differs from sender domain %s", returnPath, sender))
}

func (a *HeaderAnalyzer) checkDisplayName(set *findingSet, displayName, sender string) {
	name := strings.ToLower(displayName)
	if name == "" {
		return
	}
	for _, brand := range a.brandNames {
		if !strings.Contains(name, brand) {
			continue
		}
		if _, ok := a.brands[brand].Match(sender); ok {
			continue
		}
		set.add(IndicatorDisplayNameSpoofing, brand,
			fmt.Sprintf("display name %q names %s but the sender domain is %q", displayName, brand, sender))
	}
}

func (a *HeaderAnalyzer) checkAuthentication(set *findingSet, h core.Header) {
	results := make(map[string][]string)
	for _, v := range h.Values("Authentication-Results") {
		for _, m := range authPattern.FindAllStringSubmatch(v, -1) {
			mech := strings.ToLower(m[1])
			results[mech] = append(results[mech], strings.ToLower(m[2]))
		}
	}
	for _, v := range h.Values("Received-SPF") {
		if fields := strings.Fields(v); len(fields) > 0 {
			results["spf"] = append(results["spf"], strings.ToLower(fields[0]))
		}
	}

	for _, mech := range authMechanisms {
		values := results[mech.name]
		if len(values) == 0 {
			set.add(mech.missing, mech.name, fmt.Sprintf("no %s result present", strings.ToUpper(mech.name)))
			continue
		}
		if containsString(values, "pass") {
			continue
		}
		set.add(mech.fail, mech.name, fmt.Sprintf("%s=%s", mech.name, values[0]))
	}
}

func (a *HeaderAnalyzer) checkDate(set *findingSet, h core.Header) {
	if strings.TrimSpace(h.Get("Date")) == "" {
		set.add(IndicatorMissingDate, "", "Date header is missing")
	}
}

func (a *HeaderAnalyzer) checkMessageID(set *findingSet, h core.Header, sender string) {
	id := strings.TrimSpace(h.Get("Message-ID"))
	if id == "" {
		set.add(IndicatorMissingMessageID, "", "Message-ID header is missing")
		return
	}
	m := messageIDPattern.FindStringSubmatch(id)
	if m == nil {
		set.add(IndicatorMalformedMessageID, "", fmt.Sprintf("Message-ID %q is malformed", id))
		return
	}
	if sender != "" && !domainlist.SameOrganization(m[1], sender) {
		set.add(IndicatorMessageIDMismatch, "",
			fmt.Sprintf("Message-ID domain %s does not match sender domain %s", strings.ToLower(m[1]), sender))
	}
}

func (a *HeaderAnalyzer) checkReceived(set *findingSet, h core.Header, sender string) {
	received := h.Values("Received")
	if len(received) > a.maxHops {
		set.add(IndicatorExcessiveHops, "",
			fmt.Sprintf("%d Received headers exceed the limit of %d", len(received), a.maxHops))
	}
	if len(received) == 0 || sender == "" {
		return
	}

	org := domainlist.Registrable(sender)
	for _, r := range received {
		if mentionsDomain(strings.ToLower(r), org) {
			return
		}
	}

	evidence := fmt.Sprintf("none of %d Received headers mention sender domain %s", len(received), org)
	if ips := originIPs(h); len(ips) > 0 {
		evidence += "; relay IPs: " + strings.Join(ips, ", ")
	}
	set.add(IndicatorReceivedMismatch, "", evidence)
}

// originIPs collects relay addresses from Received and X-Originating-IP
func originIPs(h core.Header) []string {
	seen := make(map[string]struct{})
	var ips []string
	add := func(ip string) {
		if _, ok := seen[ip]; !ok {
			seen[ip] = struct{}{}
			ips = append(ips, ip)
		}
	}
	for _, r := range h.Values("Received") {
		for _, m := range receivedIP.FindAllStringSubmatch(r, -1) {
			add(m[1])
		}
	}
	for _, v := range h.Values("X-Originating-IP") {
		if m := plainIP.FindStringSubmatch(v); m != nil {
			add(m[1])
		}
	}
	return ips
}

// extractAddress pulls the first address out of a header value
func extractAddress(value string) string {
	m := addressPattern.FindStringSubmatch(value)
	if m == nil {
		return ""
	}
	if m[1] != "" {
		return m[1]
	}
	return m[2]
}

// mentionsDomain reports whether text names domain or one of its subdomains
func mentionsDomain(text, domain string) bool {
	for offset := 0; offset < len(text); {
		idx := strings.Index(text[offset:], domain)
		if idx < 0 {
			return false
		}
		start := offset + idx
		end := start + len(domain)
		if (start == 0 || !isHostByte(text[start-1])) && (end == len(text) || !isHostByte(text[end])) {
			return true
		}
		offset = start + 1
	}
	return false
}

func isHostByte(b byte) bool {
	return b == '-' || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
