package api

import (
	"net/http"

	"github.com/brandon/cotex-billing/internal/auth"
	"github.com/brandon/cotex-billing/internal/config"
	"github.com/brandon/cotex-billing/internal/logger"
	"github.com/brandon/cotex-billing/internal/metrics"
	"github.com/brandon/cotex-billing/internal/middleware"
	"github.com/rs/zerolog"
)

// Router handles HTTP routing
type Router struct {
	authenticator *auth.Authenticator
	handler       *Handler
	rateLimiter   *middleware.RateLimiter
	metrics       *metrics.Metrics
	config        *config.Config
	log           zerolog.Logger
}

// NewRouter creates a new router instance. limiter may be nil, in which case
// requests are counted in process memory.
func NewRouter(
	authenticator *auth.Authenticator,
	handler *Handler,
	limiter middleware.Limiter,
	m *metrics.Metrics,
	cfg *config.Config,
) *Router {
	// Providers retry on their own schedule; never throttle their deliveries
	exempt := []string{"/health", "/metrics"}
	for _, name := range handler.ProviderNames() {
		exempt = append(exempt, "/api/"+name+"/webhook")
	}

	return &Router{
		authenticator: authenticator,
		handler:       handler,
		rateLimiter:   middleware.NewRateLimiter(limiter, cfg.RateLimit, exempt...),
		metrics:       m,
		config:        cfg,
		log:           logger.Logger(map[string]interface{}{"component": "router"}),
	}
}

// Setup registers all routes and returns an HTTP handler
func (r *Router) Setup() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints
	mux.HandleFunc("GET /health", r.handler.HealthCheck)
	if r.metrics != nil {
		mux.Handle("GET /metrics", r.metrics.Handler())
	}

	// Provider webhooks authenticate by signature, not by user token
	mux.HandleFunc("POST /api/{provider}/webhook", r.handler.Webhook)

	// Session endpoints accept an optional bearer token; the handler decides
	// whether one is required.
	mux.Handle("POST /api/{provider}/create-checkout-session",
		r.authenticator.OptionalMiddleware(http.HandlerFunc(r.handler.CreateCheckoutSession)))
	mux.Handle("POST /api/{provider}/create-portal-session",
		r.authenticator.OptionalMiddleware(http.HandlerFunc(r.handler.CreatePortalSession)))

	// Authenticated endpoints
	mux.Handle("GET /api/subscription", r.authenticator.Middleware(http.HandlerFunc(r.handler.GetSubscription)))
	mux.Handle("GET /ws", r.authenticator.Middleware(http.HandlerFunc(r.handler.WebSocketHandler)))

	// Wrap the entire mux with common middleware
	var handler http.Handler = mux

	handler = middleware.MetricsMiddleware(r.metrics)(handler)

	// Add CORS middleware for HTTP requests
	handler = middleware.CORSMiddleware(r.config.AllowedOrigins)(handler)

	// Add origin check middleware for WebSocket connections
	handler = middleware.OriginCheckMiddleware(r.config.AllowedOrigins)(handler)

	// Add rate limiting middleware
	handler = r.rateLimiter.Middleware(handler)

	// Add request logging middleware
	handler = middleware.LoggingMiddleware(handler)

	r.log.Info().Strs("providers", r.handler.ProviderNames()).Msg("Routes registered")
	return handler
}
