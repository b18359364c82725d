package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/c360/syncengine/errors"
	"github.com/c360/syncengine/queue"
	"github.com/c360/syncengine/resolver"
	"github.com/c360/syncengine/scheduler"
	"github.com/c360/syncengine/types"
)

// maxResponseBody bounds how much of a remote response is read into the
// cache.
const maxResponseBody = 8 << 20

// httpFetcher serves the router's outbound reads over plain HTTP.
type httpFetcher struct {
	client *http.Client
}

func newHTTPFetcher(client *http.Client) *httpFetcher {
	return &httpFetcher{client: client}
}

func (f *httpFetcher) Do(ctx context.Context, req *types.Request) (*types.Response, error) {
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, errors.WrapPermanent(err, "fetcher", "Do", "build request")
	}
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}

	hresp, err := f.client.Do(hreq)
	if err != nil {
		return nil, errors.WrapTransient(errors.ErrNetworkUnavailable, "fetcher", "Do", err.Error())
	}
	defer func() { _ = hresp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(hresp.Body, maxResponseBody))
	if err != nil {
		return nil, errors.WrapTransient(err, "fetcher", "Do", "read response body")
	}

	headers := make(map[string]string, len(hresp.Header))
	for k := range hresp.Header {
		headers[k] = hresp.Header.Get(k)
	}
	return &types.Response{
		Status:  hresp.StatusCode,
		Headers: headers,
		Body:    body,
	}, nil
}

// syncResponse is the remote endpoint's reply to an applied mutation. When
// the endpoint returns authoritative entity state, the scheduler reconciles
// it into the local cache.
type syncResponse struct {
	CacheKey   string            `json:"cache_key,omitempty"`
	EntityType string            `json:"entity_type,omitempty"`
	Remote     resolver.Document `json:"remote,omitempty"`
}

// httpTransport delivers queued mutations by POSTing them to the configured
// sync endpoint. The idempotency key travels in a header so the endpoint can
// deduplicate redeliveries after a timeout.
type httpTransport struct {
	client *http.Client
	url    string
}

func newHTTPTransport(client *http.Client, url string) *httpTransport {
	return &httpTransport{client: client, url: url}
}

func (t *httpTransport) Deliver(ctx context.Context, item *queue.Item) (*scheduler.Delivery, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(item.Payload))
	if err != nil {
		return nil, errors.WrapPermanent(err, "transport", "Deliver", "build request")
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Idempotency-Key", item.IdempotencyKey)
	hreq.Header.Set("X-Sync-Tag", item.Tag)

	hresp, err := t.client.Do(hreq)
	if err != nil {
		return nil, errors.WrapTransient(errors.ErrNetworkUnavailable, "transport", "Deliver", err.Error())
	}
	defer func() { _ = hresp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(hresp.Body, maxResponseBody))
	if err != nil {
		return nil, errors.WrapTransient(err, "transport", "Deliver", "read response body")
	}

	switch {
	case hresp.StatusCode == http.StatusNoContent:
		return &scheduler.Delivery{}, nil
	case hresp.StatusCode >= 200 && hresp.StatusCode < 300:
		var sr syncResponse
		if len(body) > 0 {
			if err := json.Unmarshal(body, &sr); err != nil {
				return nil, errors.WrapSerialization(err, "transport", "Deliver", "decode sync response")
			}
		}
		return &scheduler.Delivery{
			CacheKey:   sr.CacheKey,
			EntityType: sr.EntityType,
			Remote:     sr.Remote,
		}, nil
	case hresp.StatusCode >= 400 && hresp.StatusCode < 500:
		return nil, errors.WrapPermanent(errors.ErrRemoteRejected, "transport", "Deliver",
			fmt.Sprintf("status %d: %s", hresp.StatusCode, truncate(body, 256)))
	default:
		return nil, errors.WrapTransient(errors.ErrNetworkUnavailable, "transport", "Deliver",
			fmt.Sprintf("status %d", hresp.StatusCode))
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
