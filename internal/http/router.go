// Package httpapi wires the Gin transport to the chat service: middleware,
// route table, health and metrics endpoints.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/support-chat/internal/config"
	"github.com/tbourn/support-chat/internal/http/handlers"
	"github.com/tbourn/support-chat/internal/http/middleware"
	"github.com/tbourn/support-chat/internal/repo"
	"github.com/tbourn/support-chat/internal/services"
)

const maxBodyBytes = 1 << 20

// RegisterRoutes installs middleware and the API on r.
//
// Global order:
//  1. OpenTelemetry
//  2. RequestID
//  3. AccessLog (redacted)
//  4. Recovery
//  5. body size limit
//  6. Metrics
//  7. gzip
//  8. CORS and security headers
//
// The API group then adds Identity, IdempotencyValidator and the rate
// limiter, in that order, so replays are exempt from limiting and buckets
// are keyed by caller.
func RegisterRoutes(r *gin.Engine, svc *services.ChatService, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBodyBytes))
	r.Use(middleware.Metrics())
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))
	r.Use(cors.New(corsConfig(cfg.CORS)))
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      true,
		EnablePolicy: true,
	}))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByIdentity())
	// Typing heartbeats are exempt.
	rl.Skip = func(c *gin.Context) bool { return strings.HasSuffix(c.FullPath(), "/typing") }

	api := groupWithPrefix(r, cfg.APIBasePath)
	api.Use(
		middleware.Identity(),
		middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, idempotencyLookup(svc)),
		rl.Handler(),
	)

	h := handlers.New(svc)
	rooms := api.Group("/rooms")
	{
		rooms.POST("", h.CreateRoom)
		rooms.GET("", h.ListRooms)
		rooms.GET("/:id", h.GetRoom)
		rooms.POST("/:id/assign", h.AssignAgent)
		rooms.POST("/:id/close", h.CloseRoom)
		rooms.PUT("/:id/tags", h.SetTags)
		rooms.PUT("/:id/priority", h.SetPriority)
		rooms.POST("/:id/read", h.MarkRead)

		rooms.GET("/:id/messages", h.ListMessages)
		rooms.POST("/:id/messages", h.SendMessage)
		rooms.GET("/:id/messages/:mid", h.GetMessage)
		rooms.POST("/:id/system", h.PostSystemMessage)

		rooms.POST("/:id/typing", h.StartTyping)
		rooms.DELETE("/:id/typing", h.StopTyping)
		rooms.GET("/:id/typing", h.ListTyping)
	}
}

// corsConfig allows every origin when no allowlist is configured.
// Credentials stay off in both modes; identity travels in headers.
func corsConfig(c config.CORSConfig) cors.Config {
	cc := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept", "Authorization", "If-None-Match",
			middleware.HeaderUserID, middleware.HeaderUserName, middleware.HeaderUserRole,
			middleware.HeaderIdempotencyKey,
		},
		ExposeHeaders: []string{"X-Request-ID", "ETag", "Location", "Retry-After", "Idempotency-Replayed"},
		MaxAge:        12 * time.Hour,
	}
	if len(c.AllowedOrigins) == 0 {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = c.AllowedOrigins
	}
	return cc
}

// idempotencyLookup reports live keyed sends for the middleware's replay
// flag.
func idempotencyLookup(svc *services.ChatService) middleware.IdempotencyLookup {
	return func(ctx context.Context, userID, roomID, key string, now time.Time) (bool, error) {
		rec, err := repo.GetIdempotency(ctx, svc.DB, userID, roomID, key, now)
		if err != nil || rec == nil {
			return false, nil
		}
		return true, nil
	}
}

// limitBody caps request bodies at maxBytes; reads past it fail.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
