package main

import (
	"time"

	"github.com/blockserved/notice-service/internal/config"
	"github.com/blockserved/notice-service/internal/database"
	"github.com/blockserved/notice-service/internal/fees"
	"github.com/blockserved/notice-service/internal/ipfs"
	"github.com/blockserved/notice-service/internal/logger"
	"github.com/blockserved/notice-service/internal/logic"
	"github.com/blockserved/notice-service/internal/notice"
	"github.com/blockserved/notice-service/internal/reconcile"
	"github.com/blockserved/notice-service/internal/router"
	"github.com/blockserved/notice-service/internal/task"
	"github.com/blockserved/notice-service/internal/tron"
	"github.com/gin-gonic/gin"
)

func main() {
	cfg := config.Load()

	log := setupLogger(cfg)
	defer log.Sync()

	db, err := database.Init(cfg.Database)
	if err != nil {
		log.Fatal("Failed to initialize database: %v", err)
	}

	tronClient, err := tron.NewClient(cfg.Chain)
	if err != nil {
		log.Fatal("Failed to initialize tron client: %v", err)
	}
	log.Info("Signing as %s against contract %s",
		tronClient.OwnerAddress(), cfg.Chain.ContractAddress)

	pinner := ipfs.NewClient(cfg.Storage, log)
	calculator := fees.NewCalculator(tronClient, cfg.Chain.DefaultFeeTotal, log)

	workflow := notice.NewWorkflow(
		tronClient,
		pinner,
		calculator,
		logic.NewServiceRecordLogic(db),
		notice.NewPendingStore(db, log),
		notice.Options{
			FeeLimit:        cfg.Chain.FeeLimit,
			EnergyEstimate:  cfg.Chain.EnergyEstimate,
			EnergyPolicy:    cfg.Chain.EnergyPolicy,
			ConfirmTimeout:  time.Duration(cfg.Chain.ConfirmTimeout) * time.Second,
			MetadataBaseURI: cfg.Chain.MetadataBaseURI,
		},
		nil, // energy rental not wired; policy decides require vs burn
		log,
	)

	reconciler := reconcile.New(tronClient, logic.NewServiceRecordLogic(db), reconcile.Options{
		Workers:         cfg.Task.ReconcileWorkers,
		Rate:            cfg.Task.ReconcileRate,
		ServerAddress:   tronClient.OwnerAddress().String(),
		ContractAddress: cfg.Chain.ContractAddress,
	}, log)

	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := router.Setup(db, tronClient, workflow, reconciler, cfg)

	manager, err := task.NewManager(workflow, reconciler, cfg, log)
	if err != nil {
		log.Fatal("Failed to create task manager: %v", err)
	}
	manager.Start()
	defer manager.Stop()

	log.Info("Server starting on port %s", cfg.Server.Port)
	if err := r.Run(":" + cfg.Server.Port); err != nil {
		log.Fatal("Failed to start server: %v", err)
	}
}

func setupLogger(cfg *config.Config) *logger.Logger {
	level := logger.ParseLogLevel(cfg.Log.Level)

	var log *logger.Logger
	var err error
	if cfg.Log.Output == "file" && cfg.Log.File != "" {
		log, err = logger.NewWithFileRotation(level, cfg.Log.File)
	} else {
		log, err = logger.New(level)
	}
	if err != nil {
		logger.Fatal("Failed to initialize logger: %v", err)
	}

	logger.SetDefaultLogger(log)
	return log
}
