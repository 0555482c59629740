package task

import (
	"context"
	"time"

	"github.com/blockserved/notice-service/internal/config"
	"github.com/blockserved/notice-service/internal/logger"
	"github.com/blockserved/notice-service/internal/notice"
	"github.com/go-co-op/gocron/v2"
)

// PendingRetryJob sweeps mints stuck in prepared or submitted state
// and resolves them against the chain.
type PendingRetryJob struct {
	workflow *notice.Workflow
	config   *config.Config
	log      *logger.Logger
}

func NewPendingRetryJob(workflow *notice.Workflow, cfg *config.Config, log *logger.Logger) *PendingRetryJob {
	return &PendingRetryJob{
		workflow: workflow,
		config:   cfg,
		log:      log,
	}
}

func (j *PendingRetryJob) GetName() string {
	return "pending_mint_retrier"
}

func (j *PendingRetryJob) GetSchedule() gocron.JobDefinition {
	return gocron.DurationJob(time.Duration(j.config.Task.PendingRetryInterval) * time.Second)
}

func (j *PendingRetryJob) Execute() {
	resolved, failed := j.workflow.RetryStale(context.Background())
	if resolved > 0 || failed > 0 {
		j.log.Info("Pending mint sweep: resolved=%d failed=%d", resolved, failed)
	}
}
