// Package classify maps outgoing requests to cache policies.
//
// A Classifier holds an ordered list of matchers. Classification picks the
// most specific matcher for a request: longest literal prefix first, then
// fewest wildcards. Among matchers of equal specificity the earliest
// registered wins, which keeps classification deterministic regardless of
// how rules are assembled.
package classify

import (
	"strings"

	"github.com/c360/syncengine/errors"
	"github.com/c360/syncengine/types"
)

// Policy governs whether a request is served from cache, network, or both.
type Policy string

const (
	// CacheFirst serves from cache when a fresh entry exists, otherwise
	// fetches and stores.
	CacheFirst Policy = "cache-first"
	// NetworkFirst tries the network and falls back to cache on failure.
	NetworkFirst Policy = "network-first"
	// StaleWhileRevalidate serves stale cache immediately while refreshing
	// in the background.
	StaleWhileRevalidate Policy = "stale-while-revalidate"
	// CacheOnly never contacts the network.
	CacheOnly Policy = "cache-only"
	// NetworkOnly never touches the cache store.
	NetworkOnly Policy = "network-only"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	switch p {
	case CacheFirst, NetworkFirst, StaleWhileRevalidate, CacheOnly, NetworkOnly:
		return true
	}
	return false
}

// Matcher pairs a URL pattern with the policy applied to matching requests.
// Patterns match normalized URLs and support '*' as a multi-segment
// wildcard, e.g. "https://api.example.com/orders/*".
type Matcher struct {
	Pattern    string `json:"pattern"`
	Method     string `json:"method,omitempty"` // empty matches any method
	Policy     Policy `json:"policy"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
	MaxEntries int    `json:"max_entries,omitempty"`
	PolicyTag  string `json:"policy_tag,omitempty"`
}

// Rule is a classification result: policy plus cache parameters.
type Rule struct {
	Policy     Policy
	TTLSeconds int
	MaxEntries int
	PolicyTag  string
}

type compiledMatcher struct {
	matcher       Matcher
	literalPrefix int // length of the pattern before the first wildcard
	wildcards     int
	order         int
}

// Classifier matches requests against an ordered matcher list.
type Classifier struct {
	matchers []compiledMatcher
	fallback Rule
}

// New builds a classifier from matchers. Unmatched requests fall back to
// NetworkOnly, so a request left unclassified never touches the cache store.
func New(matchers []Matcher) (*Classifier, error) {
	c := &Classifier{
		fallback: Rule{Policy: NetworkOnly},
	}

	for i, m := range matchers {
		if !m.Policy.Valid() {
			return nil, errors.WrapPermanent(errors.ErrInvalidConfig,
				"classify", "New", "unknown policy "+string(m.Policy))
		}
		if m.Pattern == "" {
			return nil, errors.WrapPermanent(errors.ErrInvalidConfig,
				"classify", "New", "matcher pattern cannot be empty")
		}
		c.matchers = append(c.matchers, compile(m, i))
	}
	return c, nil
}

func compile(m Matcher, order int) compiledMatcher {
	wildcards := strings.Count(m.Pattern, "*")
	prefix := len(m.Pattern)
	if idx := strings.IndexByte(m.Pattern, '*'); idx >= 0 {
		prefix = idx
	}
	return compiledMatcher{
		matcher:       m,
		literalPrefix: prefix,
		wildcards:     wildcards,
		order:         order,
	}
}

// Classify returns the rule for a request. Most-specific match wins:
// longest literal prefix, then fewest wildcards, then registration order.
func (c *Classifier) Classify(req *types.Request) Rule {
	normalized := types.NormalizeURL(req.URL)
	method := strings.ToUpper(req.Method)

	best := -1
	for i, cm := range c.matchers {
		if cm.matcher.Method != "" && strings.ToUpper(cm.matcher.Method) != method {
			continue
		}
		if !patternMatches(cm.matcher.Pattern, normalized) {
			continue
		}
		if best == -1 || moreSpecific(cm, c.matchers[best]) {
			best = i
		}
	}

	if best == -1 {
		return c.fallback
	}

	m := c.matchers[best].matcher
	tag := m.PolicyTag
	if tag == "" {
		tag = m.Pattern
	}
	return Rule{
		Policy:     m.Policy,
		TTLSeconds: m.TTLSeconds,
		MaxEntries: m.MaxEntries,
		PolicyTag:  tag,
	}
}

// moreSpecific reports whether a should win over b.
func moreSpecific(a, b compiledMatcher) bool {
	if a.literalPrefix != b.literalPrefix {
		return a.literalPrefix > b.literalPrefix
	}
	if a.wildcards != b.wildcards {
		return a.wildcards < b.wildcards
	}
	return a.order < b.order
}

// patternMatches matches a URL against a pattern where '*' spans any run of
// characters, including none.
func patternMatches(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}

	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]

	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(s, parts[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(parts[i]):]
	}

	return strings.HasSuffix(s, parts[len(parts)-1])
}
