package detect

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// KeywordSet is a weighted list of phrases and regular expressions
type KeywordSet struct {
	Weight   float64  `yaml:"weight"`
	Keywords []string `yaml:"keywords"`
	Patterns []string `yaml:"patterns"`
}

// HeaderRules tunes the header analyzer
type HeaderRules struct {
	Weights         map[string]float64  `yaml:"weights"`
	Brands          map[string][]string `yaml:"brands"`
	MaxReceivedHops int                 `yaml:"max_received_hops"`
}

// ContentRules tunes the content analyzer; keys are content categories
type ContentRules struct {
	Sets map[string]KeywordSet `yaml:"sets"`
}

// LinkRules tunes the link analyzer
type LinkRules struct {
	Weights              map[string]float64 `yaml:"weights"`
	Denylist             []string           `yaml:"denylist"`
	SuspiciousTLDs       []string           `yaml:"suspicious_tlds"`
	Shorteners           []string           `yaml:"shorteners"`
	DeceptiveHostTokens  []string           `yaml:"deceptive_host_tokens"`
	CredentialPathTokens []string           `yaml:"credential_path_tokens"`
	RedirectTokens       []string           `yaml:"redirect_tokens"`
	MaxSubdomainDepth    int                `yaml:"max_subdomain_depth"`
}

// AttachmentRules tunes the attachment analyzer
type AttachmentRules struct {
	Weights              map[string]float64 `yaml:"weights"`
	DangerousExtensions  []string           `yaml:"dangerous_extensions"`
	DecoyExtensions      []string           `yaml:"decoy_extensions"`
	MacroExtensions      []string           `yaml:"macro_extensions"`
	LargeAttachmentBytes int64              `yaml:"large_attachment_bytes"`
}

// Rules is the immutable rule pack handed to every detector at construction.
// Detectors copy what they need, so a Rules value can be shared freely.
type Rules struct {
	Header     HeaderRules     `yaml:"header"`
	Content    ContentRules    `yaml:"content"`
	Link       LinkRules       `yaml:"link"`
	Attachment AttachmentRules `yaml:"attachment"`
}

// Content categories
const (
	ContentUrgency    = "urgency"
	ContentCredential = "credential"
	ContentFinancial  = "financial"
	ContentSuspicious = "suspicious"
)

// Content category weights
const (
	WeightUrgency    = 0.30
	WeightCredential = 0.45
	WeightFinancial  = 0.35
	WeightSuspicious = 0.20
)

// Limits
const (
	DefaultMaxReceivedHops      = 15
	DefaultMaxSubdomainDepth    = 4
	DefaultLargeAttachmentBytes = 10 * 1024 * 1024
)

// DefaultRules returns a fresh copy of the built-in rule pack
func DefaultRules() *Rules {
	return &Rules{
		Header: HeaderRules{
			Weights: map[string]float64{
				IndicatorReplyToMismatch:     WeightReplyToMismatch,
				IndicatorReturnPathMismatch:  WeightReturnPathMismatch,
				IndicatorDisplayNameSpoofing: WeightDisplayNameSpoofing,
				IndicatorSPFFail:             WeightAuthFail,
				IndicatorDKIMFail:            WeightAuthFail,
				IndicatorDMARCFail:           WeightAuthFail,
				IndicatorSPFMissing:          WeightAuthMissing,
				IndicatorDKIMMissing:         WeightAuthMissing,
				IndicatorDMARCMissing:        WeightAuthMissing,
				IndicatorMissingDate:         WeightMissingDate,
				IndicatorMissingMessageID:    WeightMissingMessageID,
				IndicatorMalformedMessageID:  WeightMalformedMessageID,
				IndicatorMessageIDMismatch:   WeightMessageIDMismatch,
				IndicatorReceivedMismatch:    WeightReceivedMismatch,
				IndicatorExcessiveHops:       WeightExcessiveHops,
			},
			Brands: map[string][]string{
				"paypal":    {"paypal.com", "paypal.me"},
				"amazon":    {"amazon.com", "amazon.co.uk", "amazon.de", "amazonses.com"},
				"microsoft": {"microsoft.com", "outlook.com", "office.com", "live.com"},
				"google":    {"google.com", "gmail.com", "googlemail.com"},
				"apple":     {"apple.com", "icloud.com"},
				"netflix":   {"netflix.com"},
				"dhl":       {"dhl.com", "dhl.de"},
				"fedex":     {"fedex.com"},
			},
			MaxReceivedHops: DefaultMaxReceivedHops,
		},
		Content: ContentRules{
			Sets: map[string]KeywordSet{
				ContentUrgency: {
					Weight: WeightUrgency,
					Keywords: []string{
						"urgent", "act now", "immediately", "expires today",
						"final notice", "last chance", "as soon as possible",
					},
					Patterns: []string{
						`immediate action required`,
						`account.{0,40}suspend`,
						`within \d+ hours?`,
						`expires? (today|soon)`,
					},
				},
				ContentCredential: {
					Weight: WeightCredential,
					Keywords: []string{
						"verify your account", "confirm your password", "login credentials",
						"update your password", "confirm your identity", "enter your password",
						"validate your account", "social security number",
					},
				},
				ContentFinancial: {
					Weight: WeightFinancial,
					Keywords: []string{
						"wire transfer", "gift card", "bank account", "payment overdue",
						"refund", "credit card", "bitcoin", "outstanding invoice",
					},
				},
				ContentSuspicious: {
					Weight: WeightSuspicious,
					Keywords: []string{
						"urgent", "account suspended", "verify your account", "click here",
						"update your information", "password expired", "security alert",
						"unusual activity", "limited time", "act now",
					},
				},
			},
		},
		Link: LinkRules{
			Weights: map[string]float64{
				IndicatorMaliciousDomain:     WeightMaliciousDomain,
				IndicatorIPLiteralHost:       WeightIPLiteralHost,
				IndicatorUserinfoInURL:       WeightUserinfoInURL,
				IndicatorHomographHost:       WeightHomographHost,
				IndicatorDisplayTextMismatch: WeightDisplayTextMismatch,
				IndicatorSuspiciousTLD:       WeightSuspiciousTLD,
				IndicatorExcessiveSubdomains: WeightExcessiveSubdomains,
				IndicatorDeceptiveHostToken:  WeightDeceptiveHostToken,
				IndicatorURLShortener:        WeightURLShortener,
				IndicatorCredentialPath:      WeightCredentialPath,
				IndicatorRedirectParameter:   WeightRedirectParameter,
				IndicatorNonStandardPort:     WeightNonStandardPort,
				IndicatorUnresolvedHost:      WeightUnresolvedHost,
			},
			Denylist:             []string{},
			SuspiciousTLDs:       []string{"tk", "ml", "ga", "cf", "gq"},
			Shorteners:           []string{"bit.ly", "tinyurl.com", "goo.gl", "t.co", "ow.ly", "is.gd"},
			DeceptiveHostTokens:  []string{"secure-", "verify-", "account-", "update-", "login-"},
			CredentialPathTokens: []string{"login", "signin", "verify", "account", "password", "confirm"},
			RedirectTokens:       []string{"redirect", "redir", "goto", "r.php", "link.php", "url="},
			MaxSubdomainDepth:    DefaultMaxSubdomainDepth,
		},
		Attachment: AttachmentRules{
			Weights: map[string]float64{
				IndicatorDisguisedExecutable: WeightDisguisedExecutable,
				IndicatorDangerousExtension:  WeightDangerousExtension,
				IndicatorDoubleExtension:     WeightDoubleExtension,
				IndicatorEncryptedArchive:    WeightEncryptedArchive,
				IndicatorMacroDocument:       WeightMacroDocument,
				IndicatorTypeMismatch:        WeightTypeMismatch,
				IndicatorEmptyAttachment:     WeightEmptyAttachment,
				IndicatorOversizedAttachment: WeightOversizedAttachment,
			},
			DangerousExtensions: []string{
				"exe", "bat", "cmd", "scr", "js", "vbs", "ps1", "wsf",
				"msi", "jar", "reg", "com", "pif", "hta", "lnk",
			},
			DecoyExtensions:      []string{"pdf", "doc", "docx", "xls", "xlsx", "ppt", "txt", "jpg", "jpeg", "png", "zip", "rtf"},
			MacroExtensions:      []string{"docm", "xlsm", "pptm", "dotm", "xltm"},
			LargeAttachmentBytes: DefaultLargeAttachmentBytes,
		},
	}
}

// LoadRules reads a YAML rule pack and overlays it onto the defaults.
// Maps are merged key by key; lists replace the default list.
func LoadRules(path string) (*Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	if err := yaml.Unmarshal(data, rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rules file %s: %w", path, err)
	}
	return rules, nil
}

// Validate checks weights and compiles every pattern once
func (r *Rules) Validate() error {
	for _, weights := range []map[string]float64{r.Header.Weights, r.Link.Weights, r.Attachment.Weights} {
		for name, w := range weights {
			if w < 0 || w > 1 {
				return fmt.Errorf("weight for %s out of range [0,1]: %v", name, w)
			}
		}
	}
	for name, set := range r.Content.Sets {
		if set.Weight < 0 || set.Weight > 1 {
			return fmt.Errorf("weight for content set %s out of range [0,1]: %v", name, set.Weight)
		}
		for _, p := range set.Patterns {
			if _, err := regexp.Compile("(?i)" + p); err != nil {
				return fmt.Errorf("invalid pattern in content set %s: %w", name, err)
			}
		}
	}
	if r.Header.MaxReceivedHops <= 0 || r.Link.MaxSubdomainDepth <= 0 {
		return fmt.Errorf("hop and subdomain limits must be positive")
	}
	return nil
}

func lowerSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			set[strings.TrimPrefix(v, ".")] = struct{}{}
		}
	}
	return set
}

func lowerList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func copyWeights(src map[string]float64) map[string]float64 {
	dst := make(map[string]float64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
