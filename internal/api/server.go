// Package api は変換ジョブの受付と照会、および外部通知の受け口となる HTTP API を提供します。
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/stereo-forge/internal/auth"
	"github.com/yourusername/stereo-forge/internal/config"
	"github.com/yourusername/stereo-forge/internal/jobs"
	"github.com/yourusername/stereo-forge/internal/logger"
	"github.com/yourusername/stereo-forge/internal/pipeline"
	"github.com/yourusername/stereo-forge/internal/queue"
	"github.com/yourusername/stereo-forge/internal/storage"
)

const (
	serviceName    = "stereo-forge-api"
	serviceVersion = "0.1.0"

	defaultPageSize = 20
	maxPageSize     = 100
)

// Deps は API サーバーが利用するストアとキューです。
type Deps struct {
	Jobs       jobs.JobStore
	Objects    storage.ObjectStore
	Buckets    pipeline.Buckets
	Ingest     queue.Sender
	Deletion   queue.Sender
	Notify     queue.Sender
	Router     *pipeline.Router
	Auth       *auth.Manager
	PresignTTL time.Duration
	Log        *logger.Logger
}

// Server は API ハンドラーをまとめた構造体です。
type Server struct {
	jobs       jobs.JobStore
	objects    storage.ObjectStore
	buckets    pipeline.Buckets
	ingest     queue.Sender
	deletion   queue.Sender
	notify     queue.Sender
	router     *pipeline.Router
	auth       *auth.Manager
	presignTTL time.Duration
	now        func() time.Time
	log        *logger.Logger
}

// New は Server を作成します。
func New(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = logger.NewNop()
	}
	ttl := d.PresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Server{
		jobs:       d.Jobs,
		objects:    d.Objects,
		buckets:    d.Buckets,
		ingest:     d.Ingest,
		deletion:   d.Deletion,
		notify:     d.Notify,
		router:     d.Router,
		auth:       d.Auth,
		presignTTL: ttl,
		now:        time.Now,
		log:        log.With("component", "api"),
	}
}

// NewEngine は設定に従ってミドルウェアを組み込んだ gin.Engine を作成します。
func NewEngine(cfg *config.Config, s *Server) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(s.log))

	if s.auth != nil {
		engine.Use(auth.Sessions(cfg.SessionSecret, cfg.GinMode == gin.ReleaseMode))
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = splitOrigins(cfg.CORSAllowedOrigins)
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-CSRF-Token"}
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token"}
	engine.Use(cors.New(corsConfig))

	s.Register(engine)
	return engine
}

// Register はルーティングを登録します。
func (s *Server) Register(r gin.IRouter) {
	r.GET("/health", handleHealth)

	api := r.Group("/api")
	internal := r.Group("/internal")
	if s.auth != nil {
		authRoutes := api.Group("/auth")
		authRoutes.POST("/login", s.auth.Login)
		authRoutes.POST("/logout", s.auth.RequireLogin(), s.auth.Logout)

		api.Use(s.auth.Authenticate())
		internal.Use(s.auth.RequireToken())
	}

	api.POST("/jobs", s.createJob)
	api.POST("/jobs/ingest", s.ingestJob)
	api.GET("/jobs", s.listCompleted)
	api.GET("/jobs/active", s.listActive)
	api.GET("/jobs/:id", s.getJob)
	api.DELETE("/jobs/:id", s.deleteJob)

	internal.POST("/events/storage", s.storageEvents)
	internal.POST("/inference/notifications", s.inferenceNotification)
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": serviceName,
		"version": serviceVersion,
	})
}

func splitOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		out = []string{"http://localhost:5173"}
	}
	return out
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		fields := []interface{}{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		switch {
		case status >= 500:
			log.Error("HTTP request", fields...)
		case status >= 400:
			log.Warn("HTTP request", fields...)
		default:
			log.Debug("HTTP request", fields...)
		}
	}
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": message})
}
