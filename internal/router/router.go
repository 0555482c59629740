package router

import (
	"context"
	"time"

	"github.com/blockserved/notice-service/internal/config"
	"github.com/blockserved/notice-service/internal/handler"
	"github.com/blockserved/notice-service/internal/notice"
	"github.com/blockserved/notice-service/internal/reconcile"
	"github.com/blockserved/notice-service/internal/tron"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func Setup(
	db *gorm.DB,
	tronClient *tron.Client,
	workflow *notice.Workflow,
	reconciler *reconcile.Reconciler,
	cfg *config.Config,
) *gin.Engine {
	r := gin.Default()

	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())

	r.GET("/health", healthCheck(db, tronClient))

	v1 := r.Group("/api/v1")
	{
		noticeHandler := handler.NewNoticeHandler(db, workflow, tronClient.OwnerAddress().String())
		notices := v1.Group("/notices")
		{
			notices.POST("", noticeHandler.ServeNotice)
			notices.POST("/pending/:id/retry", noticeHandler.RetryPending)
			notices.POST("/:id/accept", noticeHandler.AcceptNotice)
			notices.GET("/token/:id", noticeHandler.GetNoticeByToken)
			notices.GET("/recipient/:address", noticeHandler.GetNoticesByRecipient)
			notices.GET("/server/:address", noticeHandler.GetNoticesByServer)
		}

		cases := v1.Group("/cases")
		{
			cases.GET("/:number", noticeHandler.GetCase)
		}

		serverHandler := handler.NewProcessServerHandler(db)
		servers := v1.Group("/process-servers")
		{
			servers.POST("", serverHandler.Register)
			servers.GET("", serverHandler.List)
			servers.GET("/:address", serverHandler.Get)
			servers.POST("/:address/approve", serverHandler.Approve)
		}

		reconcileHandler := handler.NewReconcileHandler(reconciler)
		v1.POST("/reconcile", reconcileHandler.Trigger)
	}

	return r
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// healthCheck reports database and chain-node reachability.
func healthCheck(db *gorm.DB, tronClient *tron.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		dbStatus := "up"
		if sqlDB, err := db.DB(); err != nil {
			dbStatus = "down"
		} else if err := sqlDB.PingContext(ctx); err != nil {
			dbStatus = "down"
		}

		chainStatus := "up"
		if _, err := tronClient.TotalNotices(ctx); err != nil {
			chainStatus = "down"
		}

		status, overall := 200, "ok"
		if dbStatus == "down" || chainStatus == "down" {
			status, overall = 503, "degraded"
		}
		c.JSON(status, gin.H{
			"status":   overall,
			"service":  "notice-service",
			"database": dbStatus,
			"chain":    chainStatus,
		})
	}
}
