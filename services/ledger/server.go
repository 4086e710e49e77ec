package ledger

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"digitalvault/config"
	"digitalvault/middleware"
	api "digitalvault/pkg/ledger"
	"digitalvault/pkg/models"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// ServerOptions configures the HTTP surface.
type ServerOptions struct {
	ServiceName string
	Version     string
	// JWTSecret enables bearer-token authentication on /api/v1 when set.
	JWTSecret string
	Issuer    string
	CORS      config.CORSConfig
	RateLimit config.RateLimitConfig
}

// Server exposes a Service over HTTP/JSON.
type Server struct {
	router  *gin.Engine
	service *Service
	opts    ServerOptions
	limiter *middleware.RateLimiter
}

func NewServer(service *Service, opts ServerOptions) *Server {
	if opts.ServiceName == "" {
		opts.ServiceName = "ledger"
	}
	s := &Server{
		router:  gin.New(),
		service: service,
		opts:    opts,
	}
	if opts.RateLimit.Enabled {
		s.limiter = middleware.NewRateLimiter(opts.RateLimit)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery(), s.requestTelemetry())

	if s.opts.CORS.Enabled {
		s.router.Use(cors.New(cors.Config{
			AllowOrigins:     s.opts.CORS.AllowedOrigins,
			AllowMethods:     s.opts.CORS.AllowedMethods,
			AllowHeaders:     s.opts.CORS.AllowedHeaders,
			ExposeHeaders:    []string{"Content-Length", "Content-Type", "Retry-After"},
			AllowCredentials: s.opts.CORS.AllowCredentials,
			MaxAge:           s.opts.CORS.MaxAge,
		}))
	}
	if s.limiter != nil {
		s.router.Use(s.limiter.Handler())
	}

	s.router.GET(api.HealthPath, s.healthCheck)

	v1 := s.router.Group("/api/v1")
	if s.opts.JWTSecret != "" {
		v1.Use(s.authMiddleware())
	}
	{
		capsules := v1.Group("/capsules")
		capsules.POST("", s.registerCapsule)
		capsules.GET("", s.listCapsules)
		capsules.POST("/:id/eligibility", s.checkEligibility)

		v1.GET("/stats", s.stats)
	}
}

// Handler returns the router for use with http.Server or httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Limiter returns the rate limiter, or nil when rate limiting is off.
func (s *Server) Limiter() *middleware.RateLimiter {
	return s.limiter
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, api.ErrorResponse{Error: "authorization header required"})
			return
		}
		claims, err := api.VerifyToken(s.opts.JWTSecret, s.opts.Issuer, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, api.ErrorResponse{Error: "invalid token", Details: err.Error()})
			return
		}
		c.Set("subject", claims.Subject)
		c.Next()
	}
}

func (s *Server) requestTelemetry() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		recordRequest(c.Request.Context(), route, status, time.Since(start))
		logger.Debug("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, status, time.Since(start))
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.service.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"message": "database connection failed",
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": s.opts.ServiceName,
		"version": s.opts.Version,
		"engine":  s.service.engine.Name(),
	})
}

func (s *Server) registerCapsule(c *gin.Context) {
	var rec api.CapsuleRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "invalid request body", Details: err.Error()})
		return
	}

	resp, err := s.service.Register(c.Request.Context(), &rec)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) checkEligibility(c *gin.Context) {
	var req api.EligibilityRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "invalid request body", Details: err.Error()})
			return
		}
	}

	resp, err := s.service.Eligibility(c.Request.Context(), c.Param("id"), req.Location.Location())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listCapsules(c *gin.Context) {
	records, err := s.service.List(c.Request.Context(), c.Query("owner"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.ListResponse{Capsules: records, Total: len(records)})
}

func (s *Server) stats(c *gin.Context) {
	resp, err := s.service.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// writeError maps a models.Error code onto an HTTP status.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch models.CodeOf(err) {
	case models.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case models.ErrCodeNotFound:
		status = http.StatusNotFound
	case models.ErrCodeLedgerRejected:
		if errors.Is(err, models.ErrCapsuleAlreadyExists) {
			status = http.StatusConflict
		}
	}
	if status >= http.StatusInternalServerError {
		logger.Error("%s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	}

	resp := api.ErrorResponse{Error: err.Error()}
	var me *models.Error
	if errors.As(err, &me) {
		resp.Error = me.Message
		if me.Err != nil {
			resp.Details = me.Err.Error()
		}
	}
	c.JSON(status, resp)
}
