// Package httpapi wires the Gin transport to the event and scope services.
// It owns middleware ordering, CORS posture, the health and metrics
// endpoints, and the optional Swagger UI.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-party-sync/docs"
	"github.com/tbourn/go-party-sync/internal/config"
	"github.com/tbourn/go-party-sync/internal/http/handlers"
	"github.com/tbourn/go-party-sync/internal/http/middleware"
	"github.com/tbourn/go-party-sync/internal/repo"
	"github.com/tbourn/go-party-sync/internal/services"
)

// Deps are the collaborators RegisterRoutes injects into the handlers.
type Deps struct {
	DB *gorm.DB
	// Relay receives accepted events. Nil leaves events pollable only.
	Relay services.Publisher
	// Gate admits events per actor and scope. Nil admits everything.
	Gate handlers.Gate
}

var corsAllowHeaders = []string{
	"Origin", "Content-Type", "Accept", "Authorization", "If-None-Match",
	middleware.HeaderActorID, middleware.HeaderScopeID, middleware.HeaderIdempotencyKey,
}

var corsExposeHeaders = []string{"X-Request-ID", "Content-Length", "ETag", "Retry-After", "Idempotency-Replayed"}

// RegisterRoutes attaches middleware and endpoints to r.
//
// Middleware order matters:
//  1. OpenTelemetry
//  2. RequestID, then Actor so every log line carries both
//  3. AccessLog, then Recovery so panics are logged with context
//  4. Body size limit and gzip
//  5. Metrics
//  6. Idempotency validator (before the limiter so replays bypass it)
//  7. Rate limiter per actor or IP
//  8. CORS and security headers
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Actor())
	r.Use(middleware.AccessLog(middleware.LogOptions{
		MaskHeaders: []string{"X-API-Key"},
	}))
	r.Use(middleware.Recovery())

	// Envelope slack on top of the payload cap.
	r.Use(limitBody(int64(cfg.MaxPayloadBytes) + 16<<10))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	db := deps.DB
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{MaxLen: 200},
		func(ctx context.Context, scopeID, actorID, key string, now time.Time) (bool, error) {
			rec, err := repo.GetIdempotency(ctx, db, scopeID, actorID, key, now)
			if err != nil {
				return false, err
			}
			return rec != nil, nil
		},
	))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, 0, middleware.KeyByActorOrIP())
	r.Use(rl.Handler())

	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowHeaders:     corsAllowHeaders,
			ExposeHeaders:    corsExposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	} else {
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowHeaders:     corsAllowHeaders,
			ExposeHeaders:    corsExposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if cfg.SwaggerEnabled {
		docs.SwaggerInfo.BasePath = cfg.APIBasePath
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	eventSvc := &services.EventService{
		DB:              db,
		Relay:           deps.Relay,
		IdemTTL:         cfg.IdempotencyTTL,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
	}
	scopeSvc := &services.ScopeService{DB: db}
	h := handlers.New(eventSvc, scopeSvc, deps.Gate)

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		api.POST("/events", h.PublishEvent)
		api.GET("/events/poll", h.PollEvents)

		api.GET("/scopes/:id/state", h.GetScopeState)
		api.PUT("/scopes/:id/state", h.PutScopeState)
	}
}

// limitBody caps request bodies at maxBytes; downstream reads fail past it.
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
