package task

import (
	"context"
	"time"

	"github.com/blockserved/notice-service/internal/config"
	"github.com/blockserved/notice-service/internal/logger"
	"github.com/blockserved/notice-service/internal/reconcile"
	"github.com/go-co-op/gocron/v2"
)

// ReconcileJob periodically repairs off-chain records against the
// ledger.
type ReconcileJob struct {
	reconciler *reconcile.Reconciler
	config     *config.Config
	log        *logger.Logger
}

func NewReconcileJob(reconciler *reconcile.Reconciler, cfg *config.Config, log *logger.Logger) *ReconcileJob {
	return &ReconcileJob{
		reconciler: reconciler,
		config:     cfg,
		log:        log,
	}
}

func (j *ReconcileJob) GetName() string {
	return "record_reconciler"
}

func (j *ReconcileJob) GetSchedule() gocron.JobDefinition {
	return gocron.DurationJob(time.Duration(j.config.Task.ReconcileInterval) * time.Second)
}

func (j *ReconcileJob) Execute() {
	j.log.Info("Starting reconciliation pass")

	report, err := j.reconciler.Run(context.Background())
	if err != nil {
		j.log.Error("Reconciliation pass failed: %v", err)
		return
	}
	if report.Created > 0 || report.Updated > 0 {
		j.log.Warn("Reconciliation corrected drift: created=%d updated=%d",
			report.Created, report.Updated)
	}
}
