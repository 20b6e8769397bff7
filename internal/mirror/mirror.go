// Package mirror maintains the near-real-time replica of the smart home's
// entity table.
//
// One writer (the subscription loop in [Mirror.Run]) applies state-change
// events in arrival order; any number of readers query the in-memory view.
// Entities are replaced wholesale per event, so a reader sees the pre-event
// or post-event state of an entity, never a blend. Each applied event also
// invalidates the entity's description cache entry, persists a shallow
// snapshot row, and fans out on the session-store channel.
package mirror

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/barnabee-home/barnabee/internal/observe"
	"github.com/barnabee-home/barnabee/pkg/homeauto"
)

// descCacheSize bounds the rendered-description cache. Large enough for every
// entity of a big household installation.
const descCacheSize = 2048

// Entity is one mirrored smart-home object with resolution enrichment.
type Entity struct {
	ID           string
	Domain       string
	State        string
	Attributes   map[string]any
	FriendlyName string
	DeviceClass  string
	Area         string
	Keywords     []string
	Aliases      []string
	ChangedAt    time.Time
	UpdatedAt    time.Time
}

// IsAvailable reports whether the upstream system can currently act on the
// entity.
func (e *Entity) IsAvailable() bool {
	return e.State != "unavailable"
}

// Persister stores shallow snapshot rows so a restart can answer queries
// before the first bulk fetch lands.
type Persister interface {
	PersistEntity(ctx context.Context, e Entity) error
	LoadEntities(ctx context.Context) ([]Entity, error)
}

// Publisher fans applied changes out to other workers.
type Publisher interface {
	PublishEntityEvent(ctx context.Context, payload any) error
}

// Mirror is the entity replica. Safe for concurrent use.
type Mirror struct {
	mu       sync.RWMutex
	entities map[string]Entity

	// extraAliases holds learned aliases (improvement pipeline, voice teach)
	// keyed by entity ID. Enrichment-derived aliases are recomputed per event;
	// learned ones survive.
	extraAliases map[string][]string

	descCache *lru.Cache[string, string]

	persister Persister
	publisher Publisher
	metrics   *observe.Metrics

	healthMu    sync.Mutex
	connected   bool
	failStreak  int
	lastRefresh time.Time
}

// Option is a functional option for New.
type Option func(*Mirror)

// WithPersister attaches the snapshot store.
func WithPersister(p Persister) Option {
	return func(m *Mirror) { m.persister = p }
}

// WithPublisher attaches the fan-out channel.
func WithPublisher(p Publisher) Option {
	return func(m *Mirror) { m.publisher = p }
}

// WithMetrics overrides the metrics instance. Default [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Mirror) { m.metrics = met }
}

// New creates an empty mirror.
func New(opts ...Option) *Mirror {
	cache, _ := lru.New[string, string](descCacheSize)
	m := &Mirror{
		entities:     make(map[string]Entity),
		extraAliases: make(map[string][]string),
		descCache:    cache,
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// LoadSnapshot fills the mirror from persisted rows. Called at startup so
// queries work while the first connection attempt is still in flight.
func (m *Mirror) LoadSnapshot(ctx context.Context) error {
	if m.persister == nil {
		return nil
	}
	rows, err := m.persister.LoadEntities(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	for _, e := range rows {
		m.entities[e.ID] = e
	}
	m.mu.Unlock()
	return nil
}

// Replace installs the result of a bulk fetch, dropping entities that no
// longer exist upstream.
func (m *Mirror) Replace(ctx context.Context, states []homeauto.EntityState) {
	fresh := make(map[string]Entity, len(states))
	m.mu.Lock()
	for _, st := range states {
		fresh[st.EntityID] = m.enrichLocked(st)
	}
	m.entities = fresh
	m.mu.Unlock()

	m.descCache.Purge()
	m.healthMu.Lock()
	m.lastRefresh = time.Now()
	m.healthMu.Unlock()

	if m.persister != nil {
		for _, e := range fresh {
			if err := m.persister.PersistEntity(ctx, e); err != nil {
				observe.Logger(ctx).Warn("entity snapshot persist failed", "entity_id", e.ID, "error", err)
			}
		}
	}
}

// Apply folds one state-change event into the mirror.
func (m *Mirror) Apply(ctx context.Context, change homeauto.StateChange) {
	if change.NewState == nil {
		// Entity removed upstream.
		m.mu.Lock()
		delete(m.entities, change.EntityID)
		m.mu.Unlock()
		m.descCache.Remove(change.EntityID)
		return
	}

	m.mu.Lock()
	e := m.enrichLocked(*change.NewState)
	m.entities[change.EntityID] = e
	m.mu.Unlock()

	m.descCache.Remove(change.EntityID)
	m.metrics.MirrorEvents.Add(ctx, 1)

	if m.persister != nil {
		if err := m.persister.PersistEntity(ctx, e); err != nil {
			observe.Logger(ctx).Warn("entity persist failed", "entity_id", e.ID, "error", err)
		}
	}
	if m.publisher != nil {
		if err := m.publisher.PublishEntityEvent(ctx, map[string]string{
			"entity_id": e.ID,
			"state":     e.State,
		}); err != nil {
			observe.Logger(ctx).Warn("entity event publish failed", "entity_id", e.ID, "error", err)
		}
	}
}

// AddAlias records a learned alias for an entity and reapplies it to the
// live view. Aliases are additive only.
func (m *Mirror) AddAlias(entityID, alias string) {
	alias = strings.ToLower(strings.TrimSpace(alias))
	if alias == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.extraAliases[entityID] {
		if existing == alias {
			return
		}
	}
	m.extraAliases[entityID] = append(m.extraAliases[entityID], alias)
	if e, ok := m.entities[entityID]; ok {
		e.Aliases = appendUnique(e.Aliases, alias)
		m.entities[entityID] = e
	}
}

// RemoveAlias drops a learned alias, used when an alias improvement is rolled
// back. Enrichment-derived aliases are untouched.
func (m *Mirror) RemoveAlias(entityID, alias string) {
	alias = strings.ToLower(strings.TrimSpace(alias))
	m.mu.Lock()
	defer m.mu.Unlock()
	learned := m.extraAliases[entityID]
	for i, existing := range learned {
		if existing == alias {
			m.extraAliases[entityID] = append(learned[:i], learned[i+1:]...)
			break
		}
	}
	if e, ok := m.entities[entityID]; ok {
		for i, existing := range e.Aliases {
			if existing == alias {
				e.Aliases = append(append([]string(nil), e.Aliases[:i]...), e.Aliases[i+1:]...)
				m.entities[entityID] = e
				break
			}
		}
	}
}

// GetByID returns one entity.
func (m *Mirror) GetByID(id string) (Entity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	return e, ok
}

// GetByDomain returns every entity in a domain, sorted by ID.
func (m *Mirror) GetByDomain(domain string) []Entity {
	return m.filter(func(e Entity) bool { return e.Domain == domain })
}

// GetByArea returns every entity in an area, sorted by ID.
func (m *Mirror) GetByArea(area string) []Entity {
	area = strings.ToLower(area)
	return m.filter(func(e Entity) bool { return strings.ToLower(e.Area) == area })
}

// GetByDomainAndArea intersects the two filters, sorted by ID.
func (m *Mirror) GetByDomainAndArea(domain, area string) []Entity {
	area = strings.ToLower(area)
	return m.filter(func(e Entity) bool {
		return e.Domain == domain && strings.ToLower(e.Area) == area
	})
}

// All returns every mirrored entity, sorted by ID.
func (m *Mirror) All() []Entity {
	return m.filter(func(Entity) bool { return true })
}

// Len returns the number of mirrored entities.
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entities)
}

// Search returns entities whose name, alias, or keywords contain text,
// optionally restricted to a domain and area. Exact name/alias matches rank
// before keyword hits; ties sort by ID.
func (m *Mirror) Search(text, domain, area string, limit int) []Entity {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return nil
	}
	area = strings.ToLower(area)

	type scored struct {
		e     Entity
		score int
	}
	var hits []scored

	m.mu.RLock()
	for _, e := range m.entities {
		if domain != "" && e.Domain != domain {
			continue
		}
		if area != "" && strings.ToLower(e.Area) != area {
			continue
		}
		if s := matchScore(e, text); s > 0 {
			hits = append(hits, scored{e, s})
		}
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].e.ID < hits[j].e.ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Entity, len(hits))
	for i, h := range hits {
		out[i] = h.e
	}
	return out
}

// matchScore ranks exact name/alias hits above substring and keyword hits.
func matchScore(e Entity, text string) int {
	name := strings.ToLower(e.FriendlyName)
	if name == text {
		return 100
	}
	for _, a := range e.Aliases {
		if a == text {
			return 90
		}
	}
	if strings.Contains(name, text) {
		return 50
	}
	for _, a := range e.Aliases {
		if strings.Contains(a, text) {
			return 40
		}
	}
	score := 0
	for _, w := range strings.Fields(text) {
		for _, k := range e.Keywords {
			if k == w {
				score += 10
			}
		}
	}
	return score
}

// Description returns (building on first use) the spoken-form state summary
// for one entity. Cached until the entity next changes.
func (m *Mirror) Description(id string) (string, bool) {
	if desc, ok := m.descCache.Get(id); ok {
		return desc, true
	}
	e, ok := m.GetByID(id)
	if !ok {
		return "", false
	}
	desc := describe(e)
	m.descCache.Add(id, desc)
	return desc, true
}

func (m *Mirror) filter(keep func(Entity) bool) []Entity {
	m.mu.RLock()
	var out []Entity
	for _, e := range m.entities {
		if keep(e) {
			out = append(out, e)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
