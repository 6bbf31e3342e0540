package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/wesm/stalewatch/internal/email"
	issuesync "github.com/wesm/stalewatch/internal/sync"
)

// Refresher runs a manual repository sync
type Refresher interface {
	RefreshRepository(ctx context.Context, id int64) (*issuesync.SyncResult, error)
}

// DeliveryHandler applies email provider callbacks
type DeliveryHandler interface {
	HandleDeliveryEvent(ctx context.Context, event email.DeliveryEvent) error
}

// Pinger reports whether the store is reachable
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the collaborators the routes call into
type Deps struct {
	Refresher Refresher
	Delivery  DeliveryHandler
	Store     Pinger
	Metrics   http.Handler
	// WebhookSecret is the provider's signing secret; without it every
	// webhook is rejected
	WebhookSecret string
}

func NewRouter(deps Deps, log *zap.Logger) *chi.Mux {
	h := &handlers{deps: deps, log: log}

	router := chi.NewRouter()
	router.Use(Recovery(log))
	router.Use(middleware.RequestID)
	router.Use(Logging(log))

	if deps.Metrics != nil {
		router.Handle("/metrics", deps.Metrics)
	}
	router.Get("/healthz", h.health)
	router.Post("/webhooks/email", h.emailWebhook)
	router.Post("/repositories/{id}/refresh", h.refreshRepository)
	return router
}
