// Package resolver reconciles divergent local and remote copies of an
// entity. Strategies are registered per entity type; inputs a strategy
// cannot reconcile are escalated to the application instead of guessed at.
package resolver

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/syncengine/errors"
	"github.com/c360/syncengine/metric"
)

// Document is one side of a conflict: the entity payload plus the version
// metadata a strategy needs to order it against the other side.
type Document struct {
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	NodeID    string          `json:"node_id"`

	// Clock carries causal history when the writer maintains one. Strategies
	// prefer causal comparison over timestamps when both sides have a clock.
	Clock VectorClock `json:"clock,omitempty"`
}

// Resolution is the outcome of resolving one conflict. Discarded holds the
// values the merge dropped so the application can audit or recover them.
type Resolution struct {
	Merged    json.RawMessage
	Discarded []json.RawMessage
}

// Strategy resolves a single local/remote divergence.
type Strategy interface {
	Name() string
	Resolve(local, remote Document) (*Resolution, error)
}

// EscalateFunc is called when a strategy reports its inputs unresolvable.
type EscalateFunc func(entityType string, local, remote Document, cause error)

// Registry selects a strategy per entity type.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	fallback   Strategy

	onEscalate EscalateFunc
	logger     *slog.Logger
	metrics    *metric.Metrics
}

// NewRegistry creates a registry. Entity types without a registered strategy
// use fallback; a nil fallback defaults to LastWriteWins. The escalation
// callback, logger and metrics may be nil.
func NewRegistry(fallback Strategy, onEscalate EscalateFunc, logger *slog.Logger, metrics *metric.Metrics) *Registry {
	if fallback == nil {
		fallback = LastWriteWins{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		strategies: make(map[string]Strategy),
		fallback:   fallback,
		onEscalate: onEscalate,
		logger:     logger.With("component", "resolver"),
		metrics:    metrics,
	}
}

// Register binds a strategy to an entity type, replacing any previous one.
func (r *Registry) Register(entityType string, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[entityType] = s
}

func (r *Registry) strategyFor(entityType string) Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.strategies[entityType]; ok {
		return s
	}
	return r.fallback
}

// Resolve reconciles local against remote using the entity type's strategy.
// Unresolvable inputs invoke the escalation callback and return the cause.
func (r *Registry) Resolve(entityType string, local, remote Document) (*Resolution, error) {
	s := r.strategyFor(entityType)
	res, err := s.Resolve(local, remote)
	if err != nil {
		if errors.IsUnresolvable(err) {
			r.logger.Warn("conflict escalated",
				"entity_type", entityType, "strategy", s.Name(), "error", err)
			if r.metrics != nil {
				r.metrics.ConflictsEscalated.Inc()
			}
			if r.onEscalate != nil {
				r.onEscalate(entityType, local, remote, err)
			}
		}
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.ConflictsResolved.WithLabelValues(s.Name()).Inc()
	}
	return res, nil
}
