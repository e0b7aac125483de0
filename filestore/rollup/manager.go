package rollup

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/corestratum/dataplatform/filestore/types"
	"github.com/corestratum/dataplatform/internal/dbtx"
	"github.com/corestratum/dataplatform/internal/lru"
	"github.com/corestratum/dataplatform/internal/sync2"
)

// Enqueuer is the narrow slice of queue.Queue the rollup manager needs to
// schedule background recalculation jobs. Declaring it here (rather than
// importing the queue package) keeps rollup free of a dependency on the
// queue runtime's wire format.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, jobID string, payload []byte) error
}

// Repository is the subset of metastore.Store the rollup manager needs,
// expressed as an interface so this package doesn't import metastore
// directly and can be unit tested against a fake.
type Repository interface {
	EnsureRollup(ctx context.Context, tx *dbtx.Tx, nodeID int64) (*types.Rollup, error)
	GetRollup(ctx context.Context, tx *dbtx.Tx, nodeID int64, forUpdate bool) (*types.Rollup, error)
	ApplyDelta(ctx context.Context, tx *dbtx.Tx, d types.Delta) (*types.Rollup, error)
	SetState(ctx context.Context, tx *dbtx.Tx, nodeID int64, state types.RollupState) (*types.Rollup, error)
	RecalculateRollup(ctx context.Context, tx *dbtx.Tx, nodeID int64) (*types.Rollup, *int64, error)
}

// Config holds the thresholds and cache sizing named in spec.md §6.
type Config struct {
	DepthThreshold      int
	ChildThreshold       int64
	CacheTTL            time.Duration
	CacheMaxEntries     int
	MaxCascadeDepth     int
	QueueName           string
}

// DefaultConfig matches the defaults spec.md §4.4/§6 names.
func DefaultConfig() Config {
	return Config{
		DepthThreshold:  0,
		ChildThreshold:  0,
		CacheTTL:        300 * time.Second,
		CacheMaxEntries: 1024,
		MaxCascadeDepth: 64,
		QueueName:       "rollup-recalculate",
	}
}

// Manager owns the rollup cache and the recalculation queue/worker
// (spec.md §4.4).
type Manager struct {
	repo  Repository
	db    withTransactioner
	cache *lru.Cache[int64, types.Rollup]
	queue Enqueuer
	cfg   Config
	log   *zap.Logger
	cycle *sync2.Cycle
}

type withTransactioner interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *dbtx.Tx) error) error
}

// New builds a rollup Manager. q is the queue recalculation jobs are
// enqueued onto; callers are expected to register a handler for
// cfg.QueueName that calls RecalculateAndCascade.
func New(repo Repository, db withTransactioner, q Enqueuer, cfg Config, log *zap.Logger) *Manager {
	return &Manager{
		repo:  repo,
		db:    db,
		cache: lru.New[int64, types.Rollup](cfg.CacheMaxEntries, cfg.CacheTTL),
		queue: q,
		cfg:   cfg,
		log:   log,
	}
}

// ApplyPlan executes ensure -> increment -> invalidate in deterministic
// node-id order to avoid lock-ordering deadlocks across concurrent plans
// touching overlapping ancestor chains (spec.md §4.4).
func (m *Manager) ApplyPlan(ctx context.Context, tx *dbtx.Tx, plan *Plan) (map[int64]*types.Rollup, error) {
	updated := make(map[int64]*types.Rollup)

	ensureIDs := append([]int64(nil), plan.Ensure...)
	sort.Slice(ensureIDs, func(i, j int) bool { return ensureIDs[i] < ensureIDs[j] })
	for _, id := range ensureIDs {
		if _, err := m.repo.EnsureRollup(ctx, tx, id); err != nil {
			return nil, err
		}
	}

	increments := append([]types.Delta(nil), plan.Increments...)
	sort.Slice(increments, func(i, j int) bool { return increments[i].NodeID < increments[j].NodeID })
	for _, d := range increments {
		r, err := m.repo.ApplyDelta(ctx, tx, d)
		if err != nil {
			return nil, err
		}
		updated[r.NodeID] = r
	}

	invalidations := append([]Invalidation(nil), plan.Invalidate...)
	sort.Slice(invalidations, func(i, j int) bool { return invalidations[i].NodeID < invalidations[j].NodeID })
	for _, inv := range invalidations {
		r, err := m.repo.SetState(ctx, tx, inv.NodeID, inv.State)
		if err != nil {
			return nil, err
		}
		updated[r.NodeID] = r
	}

	return updated, nil
}

// AfterCommit runs once the transaction that built plan has committed: it
// refreshes the cache for nodes ApplyPlan updated, invalidates any other
// touched node so a stale cache entry is never served, and enqueues
// recalculation jobs for candidates crossing the configured thresholds.
func (m *Manager) AfterCommit(ctx context.Context, plan *Plan, updated map[int64]*types.Rollup) {
	for nodeID, r := range updated {
		m.cache.Set(nodeID, *r)
	}
	for _, nodeID := range plan.TouchedNodeIDs {
		if _, ok := updated[nodeID]; !ok {
			m.cache.Invalidate(nodeID)
		}
	}

	for _, c := range plan.ScheduleCandidates {
		if c.Depth < m.cfg.DepthThreshold && abs64(c.ChildCountDelta) < m.cfg.ChildThreshold {
			continue
		}
		payload := recalcPayload{NodeID: c.NodeID, BackendMountID: c.BackendMountID, Reason: c.Reason}
		if err := m.queue.Enqueue(ctx, m.cfg.QueueName, payload.jobID(), payload.marshal()); err != nil {
			m.log.Error("rollup: failed to enqueue recalculation", zap.Error(err), zap.Int64("nodeId", c.NodeID))
		}
	}
}

// CachedSummary returns a cached rollup summary for nodeID, if present.
func (m *Manager) CachedSummary(nodeID int64) (types.Rollup, bool) {
	return m.cache.Get(nodeID)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
