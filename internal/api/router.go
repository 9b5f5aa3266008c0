package api

import (
	"net/http"

	"github.com/ashureev/fitcoach/internal/auth"
	"github.com/ashureev/fitcoach/internal/chat"
	"github.com/ashureev/fitcoach/internal/identity"
	"github.com/ashureev/fitcoach/internal/middleware"
	"github.com/ashureev/fitcoach/internal/questionnaire"
	"github.com/ashureev/fitcoach/internal/ratelimit"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// RouterDeps are the services behind the HTTP API.
type RouterDeps struct {
	Base          *Handler
	Auth          *auth.Service
	Bootstrap     Resolver
	Questionnaire *questionnaire.Service
	Chat          *chat.Service
	// Limiter throttles auth and chat sends. Nil disables throttling.
	Limiter   ratelimit.Limiter
	Monitor   StatusSource
	AIEnabled bool
	Origins   []string
}

// NewRouter assembles the HTTP routes.
func NewRouter(d RouterDeps) chi.Router {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(d.Origins))
	r.Use(identity.Middleware(d.Auth, d.Base.isDevelopment()))

	var authLimit, sendLimit func(http.Handler) http.Handler
	if d.Limiter != nil {
		authLimit = middleware.RateLimit(d.Limiter, "auth", identity.IPFromRequest)
		sendLimit = middleware.RateLimit(d.Limiter, "chat", func(r *http.Request) string {
			return identity.UserIDFromContext(r.Context())
		})
	}

	NewHealthHandler(d.Base, d.Monitor, d.AIEnabled).RegisterHealth(r)
	NewBootstrapHandler(d.Base, d.Bootstrap).RegisterRoutes(r)
	NewQuestionnaireHandler(d.Base, d.Questionnaire).RegisterRoutes(r)

	authHandler := NewAuthHandler(d.Base, d.Auth, d.Chat)
	if authLimit != nil {
		r.Group(func(r chi.Router) {
			r.Use(authLimit)
			authHandler.RegisterRoutes(r)
		})
	} else {
		authHandler.RegisterRoutes(r)
	}

	NewChatHandler(d.Base, d.Chat).RegisterRoutes(r, sendLimit)
	r.Get("/ws/chat", NewChatSocket(d.Base, d.Chat, frontendOrigin(d.Base)).ServeHTTP)

	return r
}

func frontendOrigin(h *Handler) string {
	if h.cfg == nil || h.cfg.FrontendURL == "" {
		return "*"
	}
	return h.cfg.FrontendURL
}
