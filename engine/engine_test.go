package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/syncengine/classify"
	"github.com/c360/syncengine/config"
	"github.com/c360/syncengine/errors"
	"github.com/c360/syncengine/queue"
	"github.com/c360/syncengine/scheduler"
	"github.com/c360/syncengine/storage/memstore"
	"github.com/c360/syncengine/types"
)

const catalogURL = "https://api.example.com/catalog"

// orderedTransport records delivery order and can fail specific payloads a
// fixed number of times.
type orderedTransport struct {
	mu        sync.Mutex
	delivered []string
	failLeft  map[string]int
	failWith  map[string]error
}

func newOrderedTransport() *orderedTransport {
	return &orderedTransport{
		failLeft: make(map[string]int),
		failWith: make(map[string]error),
	}
}

func (t *orderedTransport) failOnce(payload string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failLeft[payload] = 1
	t.failWith[payload] = err
}

func (t *orderedTransport) Deliver(_ context.Context, item *queue.Item) (*scheduler.Delivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	payload := string(item.Payload)
	if t.failLeft[payload] > 0 {
		t.failLeft[payload]--
		return nil, t.failWith[payload]
	}
	t.delivered = append(t.delivered, payload)
	return &scheduler.Delivery{}, nil
}

func (t *orderedTransport) order() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.delivered...)
}

// countingFetcher returns a distinct body per fetch so tests can tell which
// fetch populated which generation's cache.
type countingFetcher struct {
	mu    sync.Mutex
	calls int
}

func (f *countingFetcher) Do(_ context.Context, _ *types.Request) (*types.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &types.Response{
		Status: 200,
		Body:   []byte(fmt.Sprintf("fetch-%d", f.calls)),
	}, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.NodeID = "node-test"
	cfg.Matchers = []classify.Matcher{{
		Pattern:    "https://api.example.com/*",
		Policy:     classify.CacheFirst,
		TTLSeconds: 3600,
		PolicyTag:  "catalog",
	}}
	cfg.Tags = map[string]config.TagConfig{
		"orders": {
			MaxAttempts: 3,
			BaseDelay:   config.Duration(time.Millisecond),
			MaxDelay:    config.Duration(5 * time.Millisecond),
		},
	}
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config) (*Engine, *orderedTransport, *countingFetcher) {
	t.Helper()
	transport := newOrderedTransport()
	fetcher := &countingFetcher{}
	eng, err := New(Options{
		Config:    cfg,
		Store:     memstore.New(),
		Fetcher:   fetcher,
		Transport: transport,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return eng, transport, fetcher
}

func flush(t *testing.T, eng *Engine, tag string) map[string]any {
	t.Helper()
	raw, err := eng.Message(context.Background(), MsgFlushQueueNow,
		json.RawMessage(`{"tag":"`+tag+`"}`))
	require.NoError(t, err)
	var res map[string]any
	require.NoError(t, json.Unmarshal(raw, &res))
	return res
}

func TestNew_RejectsMissingCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))

	_, err = New(Options{Config: testConfig()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
}

func TestOfflineMutations_DrainInOrderWhenConnectivityReturns(t *testing.T) {
	ctx := context.Background()
	eng, transport, _ := newTestEngine(t, testConfig())
	require.NoError(t, eng.Start(ctx))
	defer eng.Stop(ctx, time.Second)

	// Offline period: three writes land in the durable queue, nothing is
	// delivered.
	for _, p := range []string{"m1", "m2", "m3"} {
		_, err := eng.EnqueueMutation(ctx, "orders", []byte(p))
		require.NoError(t, err)
	}
	assert.Empty(t, transport.order())

	res := flush(t, eng, "orders")
	assert.Equal(t, "success", res["outcome"])
	assert.EqualValues(t, 3, res["delivered"])
	assert.Equal(t, []string{"m1", "m2", "m3"}, transport.order())

	depth, err := eng.Queue().Depth(ctx, "orders")
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestMidDrainFailure_BlocksSuccessorsByDefault(t *testing.T) {
	ctx := context.Background()
	eng, transport, _ := newTestEngine(t, testConfig())
	require.NoError(t, eng.Start(ctx))
	defer eng.Stop(ctx, time.Second)

	for _, p := range []string{"m1", "m2", "m3"} {
		_, err := eng.EnqueueMutation(ctx, "orders", []byte(p))
		require.NoError(t, err)
	}
	transport.failOnce("m2", errors.WrapTransient(errors.ErrNetworkUnavailable,
		"transport", "Deliver", "connection reset"))

	res := flush(t, eng, "orders")
	assert.Equal(t, "partial-failure", res["outcome"])
	assert.Equal(t, []string{"m1"}, transport.order())

	// After the backoff window the failed item retries and its successors
	// follow, still in order.
	time.Sleep(20 * time.Millisecond)
	res = flush(t, eng, "orders")
	assert.Equal(t, "success", res["outcome"])
	assert.Equal(t, []string{"m1", "m2", "m3"}, transport.order())
}

func TestMidDrainFailure_SkipFailedDeliversSuccessors(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	tc := cfg.Tags["orders"]
	tc.SkipFailed = true
	cfg.Tags["orders"] = tc

	eng, transport, _ := newTestEngine(t, cfg)
	require.NoError(t, eng.Start(ctx))
	defer eng.Stop(ctx, time.Second)

	for _, p := range []string{"m1", "m2", "m3"} {
		_, err := eng.EnqueueMutation(ctx, "orders", []byte(p))
		require.NoError(t, err)
	}
	transport.failOnce("m2", errors.WrapTransient(errors.ErrNetworkUnavailable,
		"transport", "Deliver", "connection reset"))

	res := flush(t, eng, "orders")
	assert.Equal(t, "partial-failure", res["outcome"])
	assert.Equal(t, []string{"m1", "m3"}, transport.order())

	time.Sleep(20 * time.Millisecond)
	flush(t, eng, "orders")
	assert.Equal(t, []string{"m1", "m3", "m2"}, transport.order())
}

func TestIntercept_ServedByActiveGenerationOnly(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Precache = []string{catalogURL}
	cfg.Lifecycle.UpdatePolicy = "conservative"

	eng, _, _ := newTestEngine(t, cfg)
	require.NoError(t, eng.Start(ctx))
	defer eng.Stop(ctx, time.Second)

	// A pinned client keeps generation 1 active under the conservative
	// policy. Its precached entry serves cache-first intercepts.
	gen, err := eng.AttachClient()
	require.NoError(t, err)
	assert.EqualValues(t, 1, gen)

	req := &types.Request{Method: "GET", URL: catalogURL}
	resp, err := eng.Intercept(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "fetch-1", string(resp.Body))
	assert.True(t, resp.FromCache)

	// Generation 2 installs and precaches, but waits; intercepts still
	// come from generation 1's cache.
	g2, err := eng.InstallGeneration(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, g2.Number)

	resp, err = eng.Intercept(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "fetch-1", string(resp.Body))

	// Forced activation retires generation 1; generation 2's cache takes
	// over exclusively.
	_, err = eng.Message(ctx, MsgForceActivate, nil)
	require.NoError(t, err)

	resp, err = eng.Intercept(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "fetch-2", string(resp.Body))
}

func TestMessage_ReportStatus(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t, testConfig())
	require.NoError(t, eng.Start(ctx))
	defer eng.Stop(ctx, time.Second)

	_, err := eng.EnqueueMutation(ctx, "orders", []byte("m1"))
	require.NoError(t, err)
	_, err = eng.EnqueueMutation(ctx, "orders", []byte("m2"))
	require.NoError(t, err)

	raw, err := eng.Message(ctx, MsgReportStatus, nil)
	require.NoError(t, err)

	var st Status
	require.NoError(t, json.Unmarshal(raw, &st))
	assert.EqualValues(t, 1, st.ActiveGeneration)
	assert.Equal(t, 2, st.QueueDepth)
	require.Contains(t, st.Tags, "orders")
	assert.Equal(t, 2, st.Tags["orders"].QueueDepth)
	assert.Equal(t, "idle", st.Tags["orders"].State)
}

func TestMessage_ReplayDeadLetter(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	tc := cfg.Tags["orders"]
	tc.MaxAttempts = 1
	cfg.Tags["orders"] = tc

	eng, transport, _ := newTestEngine(t, cfg)
	require.NoError(t, eng.Start(ctx))
	defer eng.Stop(ctx, time.Second)

	_, err := eng.EnqueueMutation(ctx, "orders", []byte("m1"))
	require.NoError(t, err)
	transport.failOnce("m1", errors.WrapTransient(errors.ErrNetworkUnavailable,
		"transport", "Deliver", "connection reset"))

	flush(t, eng, "orders")
	dead, err := eng.Queue().DeadLetters(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, dead, 1)

	raw, err := eng.Message(ctx, MsgReplayDeadLetter, json.RawMessage(`{"tag":"orders"}`))
	require.NoError(t, err)
	var res struct {
		Replayed []string `json:"replayed"`
	}
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Len(t, res.Replayed, 1)

	flush(t, eng, "orders")
	assert.Equal(t, []string{"m1"}, transport.order())
}

func TestMessage_UnknownType(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t, testConfig())
	require.NoError(t, eng.Start(ctx))
	defer eng.Stop(ctx, time.Second)

	_, err := eng.Message(ctx, "selfDestruct", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownMessage))
}

func TestStart_SecondStartFails(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t, testConfig())
	require.NoError(t, eng.Start(ctx))
	defer eng.Stop(ctx, time.Second)

	assert.True(t, errors.Is(eng.Start(ctx), errors.ErrAlreadyStarted))
}
