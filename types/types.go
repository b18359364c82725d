// Package types holds the request, response, and version types shared across
// the engine's components.
package types

import (
	"net/url"
	"sort"
	"strings"
	"time"
)

// Request is the engine's view of an intercepted application request.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Clone returns a deep copy safe to use from another goroutine.
func (r *Request) Clone() *Request {
	headers := make(map[string]string, len(r.Headers))
	for k, v := range r.Headers {
		headers[k] = v
	}
	body := make([]byte, len(r.Body))
	copy(body, r.Body)
	return &Request{Method: r.Method, URL: r.URL, Headers: headers, Body: body}
}

// Response is the engine's view of a cached or fetched response.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte

	// FromCache reports whether this response was served from the cache
	// store rather than the network.
	FromCache bool

	// StoredAt is the time the backing cache entry was written, zero for
	// network responses.
	StoredAt time.Time
}

// VaryHeaders are the request headers that participate in the cache key.
// Everything else (auth tokens, tracing headers) is deliberately excluded.
var VaryHeaders = []string{"Accept", "Accept-Language", "Content-Type"}

// Fingerprint derives the cache key for a request: method plus normalized
// URL plus the vary headers. Two requests with equal fingerprints are
// interchangeable for caching purposes.
func Fingerprint(req *Request) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(req.Method))
	b.WriteByte(' ')
	b.WriteString(NormalizeURL(req.URL))

	for _, h := range VaryHeaders {
		if v, ok := req.Headers[h]; ok && v != "" {
			b.WriteByte(' ')
			b.WriteString(h)
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
	return b.String()
}

// NormalizeURL lowercases scheme and host, strips fragments and default
// ports, and sorts query parameters so equivalent URLs produce equal keys.
func NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Host[:strings.LastIndex(u.Host, ":")]
	}

	if u.RawQuery != "" {
		values, err := url.ParseQuery(u.RawQuery)
		if err == nil {
			keys := make([]string, 0, len(values))
			for k := range values {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			var q strings.Builder
			for _, k := range keys {
				vs := values[k]
				sort.Strings(vs)
				for _, v := range vs {
					if q.Len() > 0 {
						q.WriteByte('&')
					}
					q.WriteString(url.QueryEscape(k))
					q.WriteByte('=')
					q.WriteString(url.QueryEscape(v))
				}
			}
			u.RawQuery = q.String()
		}
	}

	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}
