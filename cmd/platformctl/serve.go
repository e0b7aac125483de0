package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/corestratum/dataplatform/config"
	"github.com/corestratum/dataplatform/eventbus"
	"github.com/corestratum/dataplatform/filestore/backend"
	"github.com/corestratum/dataplatform/filestore/metastore"
	"github.com/corestratum/dataplatform/filestore/reconcile"
	"github.com/corestratum/dataplatform/filestore/rollup"
	"github.com/corestratum/dataplatform/internal/dbtx"
	"github.com/corestratum/dataplatform/queue"
)

// shutdownGrace is the window serve gives in-flight queue jobs to drain
// once a termination signal arrives before the process gives up and
// exits anyway (spec.md §9).
const shutdownGrace = 30 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the reconciliation and rollup recalculation workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// peer holds the process's wired-up components, in the order they were
// started, so Close can tear them down in reverse.
type peer struct {
	log       *zap.Logger
	db        *dbtx.DB
	bus       eventbus.Bus
	q         queue.Queue
	rollups   *rollup.Manager
	reconcile *reconcile.Manager
	cancel    context.CancelFunc
	runDone   chan struct{}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("platformctl: %w", err)
	}

	p, err := newPeer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("platformctl: serve: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	p.log.Info("serve: ready")
	select {
	case sig := <-sigCh:
		p.log.Info("serve: received signal, shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	return p.shutdown()
}

// newPeer builds every long-lived component in dependency order: the
// database, the backend registry (bootstrapped from the backend_mounts
// table), the event bus, the queue runtime, the rollup manager (whose
// recalculation handler registerRollupHandler registers on the queue),
// and the reconciliation manager (which registers its own job handler
// internally).
func newPeer(ctx context.Context, cfg config.Config) (*peer, error) {
	log := newLogger()

	db, err := dbtx.Open(log, cfg.Database.URL, cfg.Database.PoolMax)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	store := metastore.New(db, log)

	registry, err := bootstrapBackends(ctx, store)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrapping backends: %w", err)
	}

	bus, err := newEventBus(ctx, cfg, log)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening event bus: %w", err)
	}

	q, err := newQueue(ctx, cfg, log)
	if err != nil {
		_ = bus.Close()
		_ = db.Close()
		return nil, fmt.Errorf("opening queue: %w", err)
	}

	rollups := rollup.New(store, store, q, rollup.Config{
		DepthThreshold:  cfg.Rollup.DepthThreshold,
		ChildThreshold:  cfg.Rollup.ChildThreshold,
		CacheTTL:        cfg.Rollup.CacheTTL,
		CacheMaxEntries: cfg.Rollup.CacheMaxEntries,
		MaxCascadeDepth: cfg.Rollup.MaxCascadeDepth,
		QueueName:       cfg.Rollup.QueueName,
	}, log)
	registerRollupHandler(q, cfg.Rollup.QueueName, rollups, log)

	reconciler := reconcile.New(store, registry, rollups, bus, q, reconcile.Config{
		AuditInterval:  cfg.Reconciliation.AuditInterval,
		AuditBatchSize: cfg.Reconciliation.AuditBatch,
		QueueName:      cfg.Reconciliation.QueueName,
	}, log, time.Now)

	runCtx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := q.Start(runCtx); err != nil {
			log.Error("serve: queue runtime stopped with error", zap.Error(err))
		}
	}()
	reconciler.StartAuditSweep(runCtx)

	return &peer{
		log: log, db: db, bus: bus, q: q,
		rollups: rollups, reconcile: reconciler,
		cancel: cancel, runDone: runDone,
	}, nil
}

// shutdown stops background work in the reverse of its startup order,
// giving it shutdownGrace to finish before returning regardless.
func (p *peer) shutdown() error {
	p.reconcile.StopAuditSweep()
	p.q.Stop()
	p.cancel()

	select {
	case <-p.runDone:
	case <-time.After(shutdownGrace):
		p.log.Warn("serve: shutdown grace period elapsed before queue runtime drained")
	}

	if err := p.bus.Close(); err != nil {
		p.log.Error("serve: closing event bus", zap.Error(err))
	}
	if err := p.db.Close(); err != nil {
		p.log.Error("serve: closing database", zap.Error(err))
	}
	return nil
}

// recalcJobPayload mirrors the wire shape rollup.Manager's AfterCommit
// enqueues (its recalcPayload type is unexported); only the field this
// handler needs is declared.
type recalcJobPayload struct {
	NodeID int64 `json:"nodeId"`
}

// registerRollupHandler bridges queue.Queue's push-based RegisterHandler
// model to rollup.Manager.RecalculateAndCascade, since the manager's own
// StartWorker expects a pull function rather than a queue.Handler.
func registerRollupHandler(q queue.Queue, queueName string, rollups *rollup.Manager, log *zap.Logger) {
	q.RegisterHandler(queueName, func(ctx context.Context, job queue.Job) error {
		var payload recalcJobPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			log.Error("rollup: malformed recalculation payload", zap.Error(err))
			return nil
		}
		return rollups.RecalculateAndCascade(ctx, payload.NodeID)
	})
}

// bootstrapBackends reads every row from backend_mounts and constructs
// the matching backend.Backend for each, so the registry reflects
// whatever mounts `migrate` (and any operator tooling built on top of
// metastore.Store) has provisioned.
func bootstrapBackends(ctx context.Context, store *metastore.Store) (*backend.Registry, error) {
	registry := backend.NewRegistry()
	err := store.WithTransaction(ctx, func(ctx context.Context, tx *dbtx.Tx) error {
		mounts, err := store.ListBackendMounts(ctx, tx)
		if err != nil {
			return err
		}
		for _, m := range mounts {
			b, err := backend.FromMount(m)
			if err != nil {
				return err
			}
			registry.Register(m.ID, b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return registry, nil
}

func newEventBus(ctx context.Context, cfg config.Config, log *zap.Logger) (eventbus.Bus, error) {
	switch cfg.Events.Mode {
	case "redis":
		return eventbus.NewRedisBus(ctx, cfg.Events.RedisAddr, cfg.Events.RedisPassword, cfg.Events.Channel, log)
	default:
		return eventbus.NewInlineBus(), nil
	}
}

func newQueue(ctx context.Context, cfg config.Config, log *zap.Logger) (queue.Queue, error) {
	switch cfg.Queue.Backend {
	case "redis":
		return queue.NewRedisQueue(ctx, cfg.Queue.RedisAddr, cfg.Queue.RedisPassword, cfg.Queue.WorkersPerQueue, log)
	case "inline":
		return queue.NewInlineQueue(), nil
	default:
		return queue.NewMemoryQueue(cfg.Queue.WorkersPerQueue, log), nil
	}
}
