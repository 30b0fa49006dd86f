package api

import (
	"net/http"

	"github.com/ashureev/showroom/internal/identity"
	"github.com/ashureev/showroom/internal/middleware"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// RouterConfig collects the handlers and policies mounted by NewRouter.
type RouterConfig struct {
	Chat           *ChatHandler
	Voice          *VoiceHandler
	Callback       *CallbackHandler
	Health         *HealthHandler
	Limiter        *middleware.RateLimiter
	AllowedOrigins []string
	IsDevelopment  bool
}

// NewRouter builds the HTTP routing tree.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(identity.Middleware(cfg.IsDevelopment))

	if cfg.Health != nil {
		cfg.Health.RegisterHealth(r)
	}
	if cfg.Chat != nil {
		cfg.Chat.RegisterSessionRoutes(r)
	}

	r.Group(func(r chi.Router) {
		if cfg.Limiter != nil {
			r.Use(middleware.RateLimit(cfg.Limiter, identity.ClientKey))
		}
		if cfg.Chat != nil {
			cfg.Chat.RegisterRoutes(r)
		}
		if cfg.Voice != nil {
			cfg.Voice.RegisterRoutes(r)
		}
		if cfg.Callback != nil {
			cfg.Callback.RegisterRoutes(r)
		}
	})

	return r
}
