package task

import (
	"github.com/blockserved/notice-service/internal/config"
	"github.com/blockserved/notice-service/internal/logger"
	"github.com/blockserved/notice-service/internal/notice"
	"github.com/blockserved/notice-service/internal/reconcile"
	"github.com/go-co-op/gocron/v2"
)

// Manager owns the background scheduler.
type Manager struct {
	scheduler  gocron.Scheduler
	workflow   *notice.Workflow
	reconciler *reconcile.Reconciler
	config     *config.Config
	log        *logger.Logger
}

func NewManager(workflow *notice.Workflow, reconciler *reconcile.Reconciler, cfg *config.Config, log *logger.Logger) (*Manager, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	return &Manager{
		scheduler:  s,
		workflow:   workflow,
		reconciler: reconciler,
		config:     cfg,
		log:        log,
	}, nil
}

// Start registers every job and starts the scheduler.
func (m *Manager) Start() {
	m.registerReconcileJob()
	m.registerPendingRetryJob()
	m.scheduler.Start()
	m.log.Info("Task manager started")
}

func (m *Manager) registerReconcileJob() {
	job := NewReconcileJob(m.reconciler, m.config, m.log)

	_, err := m.scheduler.NewJob(
		job.GetSchedule(),
		gocron.NewTask(job.Execute),
		gocron.WithName(job.GetName()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		m.log.Error("Failed to register job %s: %v", job.GetName(), err)
	}
}

func (m *Manager) registerPendingRetryJob() {
	job := NewPendingRetryJob(m.workflow, m.config, m.log)

	_, err := m.scheduler.NewJob(
		job.GetSchedule(),
		gocron.NewTask(job.Execute),
		gocron.WithName(job.GetName()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		m.log.Error("Failed to register job %s: %v", job.GetName(), err)
	}
}

// Stop shuts the scheduler down, waiting for running jobs.
func (m *Manager) Stop() {
	if err := m.scheduler.Shutdown(); err != nil {
		m.log.Error("Failed to shutdown scheduler: %v", err)
	}
	m.log.Info("Task manager stopped")
}
