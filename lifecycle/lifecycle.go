// Package lifecycle manages engine generations: versioned router/cache
// pairs that install, precache, activate and retire as new code rolls out.
//
// Exactly one generation is active per scope. Promotion follows the
// configured update policy: an aggressive update activates a new generation
// as soon as it is installed, a conservative one waits until no client still
// references the previous generation. Takeover mode decides what happens to
// clients the previous generation was serving: eager takeover reassigns them
// immediately, lazy takeover lets them finish on the old generation while
// fresh sessions get the new one.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/syncengine/errors"
	"github.com/c360/syncengine/metric"
	"github.com/c360/syncengine/storage"
)

// State is a generation's position in its lifecycle.
type State string

const (
	// StateInstalling means precache is in progress.
	StateInstalling State = "installing"
	// StateInstalled means precache finished; promotion is pending.
	StateInstalled State = "installed"
	// StateWaiting means a conservative update is waiting for the previous
	// generation's clients to detach.
	StateWaiting State = "waiting"
	// StateActivating means activation is in progress.
	StateActivating State = "activating"
	// StateActive means this generation serves intercepted requests.
	StateActive State = "active"
	// StateRedundant means the generation is retired.
	StateRedundant State = "redundant"
)

// UpdatePolicy decides when an installed generation is promoted.
type UpdatePolicy string

const (
	// UpdateAggressive promotes immediately after install.
	UpdateAggressive UpdatePolicy = "aggressive"
	// UpdateConservative promotes only once the previous generation has no
	// attached clients.
	UpdateConservative UpdatePolicy = "conservative"
)

// TakeoverMode decides what happens to the previous generation's clients at
// activation.
type TakeoverMode string

const (
	// TakeoverEager reassigns open sessions to the new generation at once.
	TakeoverEager TakeoverMode = "eager"
	// TakeoverLazy leaves open sessions on the old generation; only fresh
	// sessions see the new one.
	TakeoverLazy TakeoverMode = "lazy"
)

// Runtime is what a generation controls, typically a request router over a
// generation-scoped cache store. Activate and Deactivate gate interception;
// Close releases the generation's resources.
type Runtime interface {
	Activate() error
	Deactivate() error
	Close() error
}

// BuildFunc constructs the runtime for a new generation number.
type BuildFunc func(ctx context.Context, generation uint64) (Runtime, error)

// PrecacheFunc warms the new generation's resources before it is installed.
type PrecacheFunc func(ctx context.Context) error

// Generation is one installed engine version.
type Generation struct {
	Number      uint64    `json:"number"`
	State       State     `json:"state"`
	InstalledAt time.Time `json:"installed_at"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`

	runtime Runtime
	clients int
}

// Runtime returns the generation's runtime.
func (g *Generation) Runtime() Runtime { return g.runtime }

// Config configures the lifecycle controller.
type Config struct {
	UpdatePolicy UpdatePolicy
	TakeoverMode TakeoverMode

	// OnActivated is notified after a generation becomes active. May be nil.
	OnActivated func(generation uint64)
}

// Controller owns the generation state machine.
type Controller struct {
	store   storage.Store
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics

	mu     sync.Mutex
	gens   map[uint64]*Generation
	active uint64 // zero means none
	next   uint64
}

// NewController creates a controller over the durable store. The logger and
// metrics may be nil.
func NewController(store storage.Store, cfg Config, logger *slog.Logger, metrics *metric.Metrics) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UpdatePolicy == "" {
		cfg.UpdatePolicy = UpdateConservative
	}
	if cfg.TakeoverMode == "" {
		cfg.TakeoverMode = TakeoverLazy
	}
	return &Controller{
		store:   store,
		cfg:     cfg,
		logger:  logger.With("component", "lifecycle"),
		metrics: metrics,
		gens:    make(map[uint64]*Generation),
		next:    1,
	}
}

func recordKey(number uint64) string {
	return fmt.Sprintf("generation/%020d", number)
}

// Load restores the generation counter from the durable store. Runtimes do
// not survive a restart, so every recorded generation is marked redundant;
// the host installs a fresh one on startup.
func (c *Controller) Load(ctx context.Context) error {
	keys, err := c.store.ListKeys(ctx, storage.NamespaceLifecycle)
	if err != nil {
		return errors.Wrap(err, "lifecycle", "Load", "list records")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		stored, err := c.store.Get(ctx, storage.NamespaceLifecycle, key)
		if err != nil {
			continue
		}
		var g Generation
		if err := json.Unmarshal(stored.Value, &g); err != nil {
			c.logger.Warn("dropping corrupt generation record", "key", key, "error", err)
			_ = c.store.Delete(ctx, storage.NamespaceLifecycle, key)
			continue
		}
		if g.Number >= c.next {
			c.next = g.Number + 1
		}
		if g.State != StateRedundant {
			g.State = StateRedundant
			c.persistLocked(ctx, &g)
		}
	}
	return nil
}

func (c *Controller) persistLocked(ctx context.Context, g *Generation) {
	data, err := json.Marshal(g)
	if err != nil {
		return
	}
	key := recordKey(g.Number)
	stored, getErr := c.store.Get(ctx, storage.NamespaceLifecycle, key)
	if getErr != nil {
		_, err = c.store.Put(ctx, storage.NamespaceLifecycle, key, data)
	} else {
		_, err = c.store.Update(ctx, storage.NamespaceLifecycle, key, data, stored.Revision)
	}
	if err != nil {
		c.logger.Warn("persisting generation record failed",
			"generation", g.Number, "state", g.State, "error", err)
	}
}

func (c *Controller) setStateLocked(ctx context.Context, g *Generation, s State) {
	g.State = s
	c.logger.Info("generation state change", "generation", g.Number, "state", s)
	c.persistLocked(ctx, g)
}

// InstallNew builds a new generation, runs its precache, and promotes it per
// the configured update policy. A precache failure aborts the install and
// returns errors.ErrPrecacheFailed; the current active generation is
// untouched.
func (c *Controller) InstallNew(ctx context.Context, build BuildFunc, precache PrecacheFunc) (*Generation, error) {
	c.mu.Lock()
	number := c.next
	c.next++
	g := &Generation{Number: number, State: StateInstalling, InstalledAt: time.Now()}
	c.gens[number] = g
	c.persistLocked(ctx, g)
	c.mu.Unlock()

	runtime, err := build(ctx, number)
	if err != nil {
		c.discard(ctx, g)
		return nil, errors.Wrap(err, "lifecycle", "InstallNew", "build runtime")
	}
	g.runtime = runtime

	if precache != nil {
		if err := precache(ctx); err != nil {
			_ = runtime.Close()
			c.discard(ctx, g)
			return nil, errors.WrapPermanent(errors.ErrPrecacheFailed,
				"lifecycle", "InstallNew", err.Error())
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(ctx, g, StateInstalled)

	prev := c.gens[c.active]
	if c.cfg.UpdatePolicy == UpdateConservative && prev != nil && prev.clients > 0 {
		c.setStateLocked(ctx, g, StateWaiting)
		return g, nil
	}
	if err := c.activateLocked(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

func (c *Controller) discard(ctx context.Context, g *Generation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(ctx, g, StateRedundant)
	delete(c.gens, g.Number)
}

// activateLocked retires the current active generation and promotes g.
// Caller holds the mutex.
func (c *Controller) activateLocked(ctx context.Context, g *Generation) error {
	if c.active == g.Number {
		return errors.ErrAlreadyActive
	}
	c.setStateLocked(ctx, g, StateActivating)

	prev := c.gens[c.active]
	if prev != nil {
		if err := prev.runtime.Deactivate(); err != nil {
			c.logger.Warn("deactivating previous generation failed",
				"generation", prev.Number, "error", err)
		}
		if c.cfg.TakeoverMode == TakeoverEager {
			// Open sessions move to the new generation at once.
			g.clients += prev.clients
			prev.clients = 0
		}
		c.retireLocked(ctx, prev)
	}

	if err := g.runtime.Activate(); err != nil {
		c.setStateLocked(ctx, g, StateInstalled)
		return errors.Wrap(err, "lifecycle", "activate", "runtime activation")
	}
	g.ActivatedAt = time.Now()
	c.active = g.Number
	c.setStateLocked(ctx, g, StateActive)
	if c.metrics != nil {
		c.metrics.ActiveGeneration.Set(float64(g.Number))
	}
	if c.cfg.OnActivated != nil {
		c.cfg.OnActivated(g.Number)
	}
	return nil
}

// retireLocked marks a generation redundant and closes its runtime once no
// client still references it. Caller holds the mutex.
func (c *Controller) retireLocked(ctx context.Context, g *Generation) {
	c.setStateLocked(ctx, g, StateRedundant)
	if g.clients == 0 {
		if err := g.runtime.Close(); err != nil {
			c.logger.Warn("closing redundant generation failed",
				"generation", g.Number, "error", err)
		}
		delete(c.gens, g.Number)
	}
}

// Active returns the active generation, or nil when none is.
func (c *Controller) Active() *Generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[c.active]
}

// ActiveRuntime returns the active generation's runtime, or
// errors.ErrNoGeneration when none is active.
func (c *Controller) ActiveRuntime() (Runtime, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.gens[c.active]
	if g == nil {
		return nil, errors.ErrNoGeneration
	}
	return g.runtime, nil
}

// AttachClient records a new client session on the active generation and
// returns the generation number the session is pinned to.
func (c *Controller) AttachClient() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.gens[c.active]
	if g == nil {
		return 0, errors.ErrNoGeneration
	}
	g.clients++
	return g.Number, nil
}

// DetachClient releases a client session. When the last client of a retired
// generation detaches its resources are released, and a generation waiting
// on a conservative update is promoted.
func (c *Controller) DetachClient(ctx context.Context, generation uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.gens[generation]
	if g == nil {
		return errors.ErrNoGeneration
	}
	if g.clients > 0 {
		g.clients--
	}
	if g.State == StateRedundant && g.clients == 0 {
		c.retireLocked(ctx, g)
	}
	if g.Number == c.active && g.clients == 0 {
		c.promoteWaitingLocked(ctx)
	}
	return nil
}

// promoteWaitingLocked activates the newest waiting generation, if any.
// Caller holds the mutex.
func (c *Controller) promoteWaitingLocked(ctx context.Context) {
	var waiting *Generation
	for _, g := range c.gens {
		if g.State != StateWaiting {
			continue
		}
		if waiting == nil || g.Number > waiting.Number {
			waiting = g
		}
	}
	if waiting == nil {
		return
	}
	if err := c.activateLocked(ctx, waiting); err != nil {
		c.logger.Error("promoting waiting generation failed",
			"generation", waiting.Number, "error", err)
	}
}

// ForceActivate immediately promotes the newest installed or waiting
// generation, ignoring the update policy. Open sessions are taken over
// eagerly.
func (c *Controller) ForceActivate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var candidate *Generation
	for _, g := range c.gens {
		if g.State != StateWaiting && g.State != StateInstalled {
			continue
		}
		if candidate == nil || g.Number > candidate.Number {
			candidate = g
		}
	}
	if candidate == nil {
		return errors.ErrNoGeneration
	}

	mode := c.cfg.TakeoverMode
	c.cfg.TakeoverMode = TakeoverEager
	err := c.activateLocked(ctx, candidate)
	c.cfg.TakeoverMode = mode
	return err
}

// Generations returns a snapshot of every tracked generation in number
// order.
func (c *Controller) Generations() []Generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Generation, 0, len(c.gens))
	for _, g := range c.gens {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Close retires every generation and releases its resources.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, g := range c.gens {
		if g.runtime != nil {
			_ = g.runtime.Deactivate()
			_ = g.runtime.Close()
		}
		c.setStateLocked(ctx, g, StateRedundant)
	}
	c.gens = make(map[uint64]*Generation)
	c.active = 0
	return nil
}
