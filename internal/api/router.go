// Package api exposes the service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CZERTAINLY/proofd/internal/dedup"
	"github.com/CZERTAINLY/proofd/internal/leaderboard"
	"github.com/CZERTAINLY/proofd/internal/model"
	"github.com/CZERTAINLY/proofd/internal/service"
)

// Service is the part of *service.Service the handlers use.
type Service interface {
	Submit(ctx context.Context, req service.SubmitRequest) (service.SubmitResponse, error)
	Status(id string) (model.Job, error)
	ListJobs(f model.Filter, limit int) []model.Job
	Leaderboard(tier, limit int) []leaderboard.Entry
	AllLeaderboards(limit int) []leaderboard.Entry
	Scores() map[int][]leaderboard.Entry
	Players() map[string]leaderboard.PlayerStats
	OpenResult(id string) (io.ReadCloser, model.Job, error)
	PlayerStats(submitterID string) (leaderboard.PlayerStats, error)
	VerifyProof(doc map[string]json.RawMessage) (service.VerifyResponse, error)
	WorkerStatus() service.WorkerStatus
	DedupStatus() dedup.Status
	Health(ctx context.Context) service.HealthStatus
}

// NewRouter wires the handlers. The caller picks the gin mode.
func NewRouter(svc Service) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type"},
		ExposeHeaders:   []string{"Content-Length", "Retry-After"},
		MaxAge:          12 * time.Hour,
	}))
	router.Use(requestLog)

	h := &handler{svc: svc}
	router.GET("/health", h.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.POST("/submit-score", h.submit)
	api.GET("/jobs", h.listJobs)
	api.GET("/jobs/:id", h.job)
	api.GET("/jobs/:id/result", h.result)
	api.GET("/leaderboard", h.leaderboard)
	api.GET("/leaderboard/:tier", h.tierLeaderboard)
	api.GET("/scores", h.scores)
	api.GET("/players", h.players)
	api.GET("/player/:id/stats", h.playerStats)
	api.POST("/verify-proof", h.verifyProof)
	api.GET("/workers", h.workers)
	api.GET("/dedup", h.dedup)
	return router
}

func requestLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	slog.DebugContext(c.Request.Context(), "api request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"duration", time.Since(start).String(),
	)
}
