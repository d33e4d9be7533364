package insights

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pipewatch/pipewatch/pkg/types"
	"github.com/pipewatch/pipewatch/server/internal/compute"
	"github.com/pipewatch/pipewatch/server/internal/telemetry"
)

// ErrNotFound is returned by Dismiss for an id that is not active.
var ErrNotFound = errors.New("insights: insight not found")

// Notifier receives insights the moment they are first raised.
type Notifier interface {
	Notify(in types.Insight)
}

// Generator owns the active insight set. It is safe for concurrent use.
type Generator struct {
	store    DismissalStore
	notifier Notifier
	metrics  *telemetry.Metrics

	mu          sync.Mutex
	policy      Policy
	active      map[string]*types.Insight // key: Insight.Key()
	generatedAt time.Time
}

// Option configures a Generator.
type Option func(*Generator)

// WithNotifier delivers newly raised insights to n.
func WithNotifier(n Notifier) Option { return func(g *Generator) { g.notifier = n } }

// WithMetrics records active insight gauges on m.
func WithMetrics(m *telemetry.Metrics) Option { return func(g *Generator) { g.metrics = m } }

// New creates a Generator. A nil store keeps dismissals in memory.
func New(p Policy, store DismissalStore, opts ...Option) *Generator {
	if store == nil {
		store = NewMemoryStore()
	}
	g := &Generator{
		store:  store,
		policy: p,
		active: make(map[string]*types.Insight),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// SetPolicy swaps the rule thresholds. It takes effect on the next Generate.
func (g *Generator) SetPolicy(p Policy) {
	g.mu.Lock()
	g.policy = p
	g.mu.Unlock()
}

// Policy returns the current policy.
func (g *Generator) Policy() Policy {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.policy
}

// Generate evaluates all rules and replaces the active set. Identities that
// are still triggered keep their id and timestamp; identities no longer
// triggered disappear; dismissed identities within their cool-down are
// skipped. It returns the new active set, most severe first.
func (g *Generator) Generate(profiles map[string]types.RiskProfile, overview compute.Overview, now time.Time) []types.Insight {
	g.mu.Lock()
	candidates := evaluate(g.policy, profiles, overview)

	next := make(map[string]*types.Insight, len(candidates))
	var raised []types.Insight
	for _, c := range candidates {
		key := c.Key()
		if _, dup := next[key]; dup {
			continue
		}
		if g.suppressedLocked(key, now) {
			continue
		}
		if cur, ok := g.active[key]; ok {
			c.ID, c.CreatedAt = cur.ID, cur.CreatedAt
		} else {
			c.ID = uuid.NewString()
			c.CreatedAt = now
			raised = append(raised, c)
		}
		in := c
		next[key] = &in
	}
	g.active = next
	g.generatedAt = now
	out := g.listLocked()
	g.mu.Unlock()

	g.recordMetrics(out)
	for _, in := range raised {
		slog.Info("insights: raised", "type", in.Type, "severity", in.Severity, "pipeline", pipelineOf(in), "signature", in.Signature)
		if g.notifier != nil {
			g.notifier.Notify(in)
		}
	}
	return out
}

// Dismiss removes the active insight id and suppresses its identity for the
// policy cool-down, starting at now. It returns the removed insight with
// Dismissed set.
func (g *Generator) Dismiss(id string, now time.Time) (types.Insight, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, in := range g.active {
		if in.ID != id {
			continue
		}
		if err := g.store.Put(key, now); err != nil {
			return types.Insight{}, err
		}
		delete(g.active, key)
		in.Dismissed = true
		slog.Info("insights: dismissed", "id", id, "type", in.Type, "pipeline", pipelineOf(*in))
		return *in, nil
	}
	return types.Insight{}, ErrNotFound
}

// Active returns the current insights, most severe first.
func (g *Generator) Active() []types.Insight {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.listLocked()
}

// GeneratedAt is the time of the last Generate call.
func (g *Generator) GeneratedAt() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generatedAt
}

// suppressedLocked reports whether key was dismissed within the cool-down.
// Expired dismissals are removed. A zero cool-down never expires.
func (g *Generator) suppressedLocked(key string, now time.Time) bool {
	at, ok, err := g.store.Get(key)
	if err != nil {
		slog.Error("insights: dismissal lookup failed", "key", key, "err", err)
		return false
	}
	if !ok {
		return false
	}
	if g.policy.DismissCooldown <= 0 || now.Sub(at) < g.policy.DismissCooldown {
		return true
	}
	if err := g.store.Delete(key); err != nil {
		slog.Warn("insights: could not clear expired dismissal", "key", key, "err", err)
	}
	return false
}

func (g *Generator) listLocked() []types.Insight {
	out := make([]types.Insight, 0, len(g.active))
	for _, in := range g.active {
		out = append(out, *in)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ra, rb := a.Severity.Rank(), b.Severity.Rank(); ra != rb {
			return ra > rb
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.Key() < b.Key()
	})
	return out
}

func (g *Generator) recordMetrics(active []types.Insight) {
	if g.metrics == nil {
		return
	}
	byType := make(map[string]int)
	for _, in := range active {
		byType[string(in.Type)]++
	}
	g.metrics.ActiveInsights(byType)
}

func pipelineOf(in types.Insight) string {
	if in.PipelineID == nil {
		return ""
	}
	return *in.PipelineID
}
