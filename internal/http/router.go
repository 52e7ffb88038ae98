// Package httpapi wires the HTTP transport (Gin) to the intake and review
// services. It centralizes cross-cutting concerns: tracing, correlation IDs,
// redacted access logs, panic recovery, metrics, CORS, security headers,
// webhook authentication, idempotency and rate limiting.
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

	"github.com/tbourn/coach-intake/internal/config"
	"github.com/tbourn/coach-intake/internal/http/docs"
	"github.com/tbourn/coach-intake/internal/http/handlers"
	"github.com/tbourn/coach-intake/internal/http/middleware"
	"github.com/tbourn/coach-intake/internal/repo"
)

// HeaderSenderID lets the messaging platform identify the sender for rate
// limiting; the client IP is used when absent.
const HeaderSenderID = "X-Sender-ID"

// Services are the application services behind the routes.
type Services struct {
	Intake   handlers.IntakeService
	Reviews  handlers.ReviewService
	Delivery handlers.DeliveryService
}

// RegisterRoutes attaches all middleware and endpoints to r.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. AccessLog: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. CORS and Security headers
//
// The webhook group adds token auth and a per-sender rate limiter. The review
// group adds the idempotency validator ahead of its rate limiter so replays
// bypass the bucket.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, svc Services, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(middleware.NewRedactor("X-API-Key")))
	r.Use(middleware.Recovery())
	r.Use(limitBody(1 << 20))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS: cfg.Security.EnableHSTS,
		HSTSMaxAge: cfg.Security.HSTSMaxAge,
	}))

	// Fallbacks
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

	h := handlers.New(svc.Intake, svc.Reviews, svc.Delivery)
	api := groupWithPrefix(r, cfg.APIBasePath)

	// Webhook
	webhook := api.Group("/webhook",
		middleware.WebhookToken(cfg.Webhook.Token),
		middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByHeaderOrIP(HeaderSenderID)).Handler(),
	)
	webhook.POST("/messages", h.IngestMessage)

	// Review dashboard
	dash := api.Group("",
		middleware.SecurityHeaders(middleware.SecurityOptions{NoStore: true}),
		middleware.IdempotencyValidator(middleware.IdempotencyOptions{MaxLen: 200}, idempotencyLookup(db)),
		middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByHeaderOrIP()).Handler(),
	)
	{
		zipped := gzip.Gzip(gzip.DefaultCompression)

		dash.GET("/reviews", zipped, h.ListReviews)
		dash.GET("/reviews/:id", h.GetReview)
		dash.POST("/reviews/:id/approve", h.ApproveReview)
		dash.POST("/reviews/:id/reject", h.RejectReview)

		dash.GET("/conversations/:user_id", zipped, h.GetConversation)

		dash.GET("/alerts", h.ListAlerts)
		dash.POST("/alerts/:id/resolve", h.ResolveAlert)
	}
}

// idempotencyLookup reports whether (action, review, key) completed before.
func idempotencyLookup(db *gorm.DB) middleware.IdempotencyLookup {
	return func(ctx context.Context, action, reviewID, key string, now time.Time) (bool, error) {
		rec, err := repo.GetIdempotency(ctx, db, action, reviewID, key, now)
		if err != nil || rec == nil {
			return false, nil
		}
		return true, nil
	}
}

// corsMiddleware allows every origin when none are configured, otherwise
// echoes allowlisted origins.
func corsMiddleware(origins []string) []gin.HandlerFunc {
	base := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderIdempotencyKey},
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag", middleware.HeaderIdempotencyReplayed},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}

	if len(origins) == 0 {
		base.AllowAllOrigins = true
		// Force ACAO: * even without an Origin header (simple health checks).
		return []gin.HandlerFunc{
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(base),
		}
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	base.AllowOrigins = origins
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(base),
	}
}

// limitBody caps the request body size using http.MaxBytesReader.
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
