package api

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jdziat/sniper/pkg/core"
	sctx "github.com/jdziat/sniper/pkg/internal/context"
	"github.com/jdziat/sniper/pkg/internal/handler"
	"github.com/jdziat/sniper/pkg/ledger"
	"github.com/jdziat/sniper/pkg/orchestrator"
	"github.com/jdziat/sniper/pkg/provider"
	"github.com/jdziat/sniper/pkg/security"
	"github.com/jdziat/sniper/pkg/settings"
)

// Identity headers set by the authenticating proxy.
const (
	UserIDHeader      = "X-User-ID"
	WorkspaceIDHeader = "X-Workspace-ID"
)

// Mounter registers extra routes on the router, such as the batch gateway.
type Mounter interface {
	Register(r gin.IRouter)
}

// Config holds the router's collaborators.
type Config struct {
	Queue     *orchestrator.Queue
	Admission orchestrator.Admitter
	Ledger    ledger.Ledger
	Settings  settings.Store
	Providers *provider.Registry
	Auth      core.AuthStore
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Ping reports database health for /healthz when set.
	Ping         func(ctx context.Context) error
	Mounts       []Mounter
	AllowOrigins []string
	Logger       *zap.Logger
	Now          func() time.Time
}

type server struct {
	queue     *orchestrator.Queue
	storage   core.Storage
	admission orchestrator.Admitter
	ledger    ledger.Ledger
	settings  settings.Store
	providers *provider.Registry
	auth      core.AuthStore
	ping      func(ctx context.Context) error
	logger    *zap.Logger
	now       func() time.Time
}

// NewRouter builds the gin engine with every route mounted.
func NewRouter(cfg Config) *gin.Engine {
	s := &server{
		queue:     cfg.Queue,
		admission: cfg.Admission,
		ledger:    cfg.Ledger,
		settings:  cfg.Settings,
		providers: cfg.Providers,
		auth:      cfg.Auth,
		ping:      cfg.Ping,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.With(zap.String("component", "api"))
	if s.now == nil {
		s.now = time.Now
	}
	if cfg.Queue != nil {
		s.storage = cfg.Queue.Storage()
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(s.logger))
	if len(cfg.AllowOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", UserIDHeader, WorkspaceIDHeader, handler.APIKeyHeader},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Public
	router.GET("/healthz", s.healthz)
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}
	for _, m := range cfg.Mounts {
		m.Register(router)
	}

	// Identified
	r := router.Group("/", RequireIdentity())
	r.POST("/targets", s.createTarget)
	r.GET("/targets", s.listTargets)
	r.POST("/targets/:id/pause", s.pauseTarget)
	r.POST("/targets/:id/resume", s.resumeTarget)
	r.POST("/targets/:id/run", s.runTarget)

	r.POST("/jobs", s.createJob)
	r.GET("/jobs", s.listJobs)
	r.GET("/jobs/:id", s.getJob)
	r.GET("/jobs/:id/items", s.listItems)
	r.POST("/jobs/:id/cancel", s.cancelJob)
	r.POST("/jobs/:id/resume", s.resumeJob)

	r.POST("/actions/connect", s.connect)
	r.POST("/actions/message", s.message)
	r.GET("/quota", s.quota)

	r.GET("/settings", s.getSettings)
	r.PUT("/settings", s.putSettings)
	r.GET("/preflight", s.preflight)

	r.POST("/linkedin/auth/start", s.startAuth)
	r.POST("/linkedin/auth/complete", s.completeAuth)
	r.GET("/linkedin/auth", s.getAuth)

	return router
}

// RequireIdentity reads the caller's user and workspace from the identity
// headers into the request context.
func RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := provider.Identity{
			UserID:      c.GetHeader(UserIDHeader),
			WorkspaceID: c.GetHeader(WorkspaceIDHeader),
		}
		if id.UserID == "" || id.WorkspaceID == "" {
			handler.AbortError(c, http.StatusUnauthorized, "unauthorized",
				errors.New("missing identity headers"))
			return
		}
		if err := security.ValidateIdentifier("user_id", id.UserID); err != nil {
			handler.AbortError(c, http.StatusBadRequest, "invalid_input", err)
			return
		}
		if err := security.ValidateIdentifier("workspace_id", id.WorkspaceID); err != nil {
			handler.AbortError(c, http.StatusBadRequest, "invalid_input", err)
			return
		}
		c.Request = c.Request.WithContext(sctx.WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}

func identity(c *gin.Context) provider.Identity {
	id, _ := sctx.GetIdentity(c.Request.Context())
	return id
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("error", c.Errors.String()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Error("request failed", fields...)
			return
		}
		log.Debug("request", fields...)
	}
}

func (s *server) healthz(c *gin.Context) {
	if s.ping != nil {
		if err := s.ping(c.Request.Context()); err != nil {
			handler.RespondError(c, http.StatusServiceUnavailable, "unhealthy", errors.Wrap(err, "database"))
			return
		}
	}
	handler.RespondOK(c, gin.H{"status": "ok"})
}

// bind decodes the JSON body into v, writing a 400 on failure.
func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		handler.RespondError(c, http.StatusBadRequest, "invalid_payload", errors.Wrap(err, "decode body"))
		return false
	}
	return true
}
