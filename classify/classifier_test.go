package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/syncengine/types"
)

func newTestClassifier(t *testing.T, matchers []Matcher) *Classifier {
	t.Helper()
	c, err := New(matchers)
	require.NoError(t, err)
	return c
}

func TestClassify_MostSpecificWins(t *testing.T) {
	c := newTestClassifier(t, []Matcher{
		{Pattern: "https://api.example.com/*", Policy: NetworkFirst},
		{Pattern: "https://api.example.com/orders/*", Policy: CacheFirst, TTLSeconds: 60},
	})

	rule := c.Classify(&types.Request{Method: "GET", URL: "https://api.example.com/orders/42"})
	assert.Equal(t, CacheFirst, rule.Policy)
	assert.Equal(t, 60, rule.TTLSeconds)

	rule = c.Classify(&types.Request{Method: "GET", URL: "https://api.example.com/users/7"})
	assert.Equal(t, NetworkFirst, rule.Policy)
}

func TestClassify_SpecificityNotRegistrationOrder(t *testing.T) {
	// Less specific matcher registered first must still lose
	c := newTestClassifier(t, []Matcher{
		{Pattern: "https://cdn.example.com/*", Policy: NetworkOnly},
		{Pattern: "https://cdn.example.com/assets/*", Policy: StaleWhileRevalidate},
	})

	rule := c.Classify(&types.Request{Method: "GET", URL: "https://cdn.example.com/assets/app.css"})
	assert.Equal(t, StaleWhileRevalidate, rule.Policy)
}

func TestClassify_EqualSpecificityUsesRegistrationOrder(t *testing.T) {
	c := newTestClassifier(t, []Matcher{
		{Pattern: "https://example.com/a/*", Policy: CacheFirst},
		{Pattern: "https://example.com/a/*", Policy: NetworkFirst},
	})

	rule := c.Classify(&types.Request{Method: "GET", URL: "https://example.com/a/x"})
	assert.Equal(t, CacheFirst, rule.Policy)
}

func TestClassify_MethodFilter(t *testing.T) {
	c := newTestClassifier(t, []Matcher{
		{Pattern: "https://api.example.com/*", Method: "GET", Policy: CacheFirst},
	})

	get := c.Classify(&types.Request{Method: "GET", URL: "https://api.example.com/items"})
	post := c.Classify(&types.Request{Method: "POST", URL: "https://api.example.com/items"})

	assert.Equal(t, CacheFirst, get.Policy)
	assert.Equal(t, NetworkOnly, post.Policy)
}

func TestClassify_UnmatchedFallsBackToNetworkOnly(t *testing.T) {
	c := newTestClassifier(t, []Matcher{
		{Pattern: "https://api.example.com/*", Policy: CacheFirst},
	})

	rule := c.Classify(&types.Request{Method: "GET", URL: "https://other.example.com/x"})
	assert.Equal(t, NetworkOnly, rule.Policy)
}

func TestClassify_NormalizedURLMatching(t *testing.T) {
	c := newTestClassifier(t, []Matcher{
		{Pattern: "https://api.example.com/*", Policy: CacheFirst},
	})

	// Host casing and fragments are normalized away before matching
	rule := c.Classify(&types.Request{Method: "GET", URL: "https://API.Example.com/items#top"})
	assert.Equal(t, CacheFirst, rule.Policy)
}

func TestClassify_ExactPattern(t *testing.T) {
	c := newTestClassifier(t, []Matcher{
		{Pattern: "https://example.com/manifest.json", Policy: CacheOnly},
	})

	exact := c.Classify(&types.Request{Method: "GET", URL: "https://example.com/manifest.json"})
	other := c.Classify(&types.Request{Method: "GET", URL: "https://example.com/manifest.json.bak"})

	assert.Equal(t, CacheOnly, exact.Policy)
	assert.Equal(t, NetworkOnly, other.Policy)
}

func TestClassify_PolicyTagDefaultsToPattern(t *testing.T) {
	c := newTestClassifier(t, []Matcher{
		{Pattern: "https://example.com/a/*", Policy: CacheFirst},
		{Pattern: "https://example.com/b/*", Policy: CacheFirst, PolicyTag: "b-assets"},
	})

	a := c.Classify(&types.Request{Method: "GET", URL: "https://example.com/a/1"})
	b := c.Classify(&types.Request{Method: "GET", URL: "https://example.com/b/1"})

	assert.Equal(t, "https://example.com/a/*", a.PolicyTag)
	assert.Equal(t, "b-assets", b.PolicyTag)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New([]Matcher{{Pattern: "https://x/*", Policy: "bogus"}})
	assert.Error(t, err)

	_, err = New([]Matcher{{Pattern: "", Policy: CacheFirst}})
	assert.Error(t, err)
}
