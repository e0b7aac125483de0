package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/corestratum/dataplatform/config"
	"github.com/corestratum/dataplatform/eventbus"
	"github.com/corestratum/dataplatform/filestore/metastore"
	"github.com/corestratum/dataplatform/filestore/reconcile"
	"github.com/corestratum/dataplatform/filestore/rollup"
	"github.com/corestratum/dataplatform/internal/dbtx"
	"github.com/corestratum/dataplatform/queue"
)

func newTriggerReconcileCommand() *cobra.Command {
	var mountID int64
	var path string
	var detectChildren bool

	cmd := &cobra.Command{
		Use:   "trigger-reconcile",
		Short: "Enqueue a manual reconciliation job for one node (spec.md §4.5 \"Manual\")",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTriggerReconcile(cmd.Context(), mountID, path, detectChildren)
		},
	}
	cmd.Flags().Int64Var(&mountID, "backend-mount-id", 0, "backend mount id to reconcile under")
	cmd.Flags().StringVar(&path, "path", "/", "node path to reconcile")
	cmd.Flags().BoolVar(&detectChildren, "detect-children", false, "also enqueue children discovered during reconciliation")
	_ = cmd.MarkFlagRequired("backend-mount-id")
	return cmd
}

// runTriggerReconcile wires only what TriggerManual needs: no audit
// sweep and no background workers. An inline queue runs the one job this
// command enqueues, and any rollup recalculation that job schedules,
// synchronously, so the command can exit once it's done rather than
// leaving a daemon behind.
func runTriggerReconcile(ctx context.Context, mountID int64, path string, detectChildren bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("platformctl: %w", err)
	}
	log := newLogger()

	db, err := dbtx.Open(log, cfg.Database.URL, cfg.Database.PoolMax)
	if err != nil {
		return fmt.Errorf("platformctl: trigger-reconcile: %w", err)
	}
	defer func() { _ = db.Close() }()

	store := metastore.New(db, log)
	registry, err := bootstrapBackends(ctx, store)
	if err != nil {
		return fmt.Errorf("platformctl: trigger-reconcile: %w", err)
	}

	bus := eventbus.NewInlineBus()
	defer func() { _ = bus.Close() }()

	q := queue.NewInlineQueue()
	rollups := rollup.New(store, store, q, rollup.Config{
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

	if err := reconciler.TriggerManual(ctx, mountID, path, detectChildren); err != nil {
		return fmt.Errorf("platformctl: trigger-reconcile: %w", err)
	}
	log.Info("trigger-reconcile: job completed", zap.Int64("backendMountId", mountID), zap.String("path", path))
	return nil
}
