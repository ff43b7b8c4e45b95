// Package api exposes the latchkey REST surface: image decryption for the
// dashboard and temporary password issuance with its history.
package api

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmcleod/latchkey/issuance"
	"github.com/jmcleod/latchkey/media"
	"github.com/jmcleod/latchkey/storage"
)

const sweepInterval = 10 * time.Minute

// PasswordIssuer runs the temporary password issuance flow.
type PasswordIssuer interface {
	Issue(ctx context.Context, req issuance.Request) (*issuance.Result, error)
}

// ImageDecrypter fetches and decrypts an encrypted media container.
type ImageDecrypter interface {
	Decrypt(ctx context.Context, sourceURL, key string) (*media.Image, error)
}

var (
	_ PasswordIssuer = (*issuance.Flow)(nil)
	_ ImageDecrypter = (*media.Proxy)(nil)
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	issuer  PasswordIssuer
	images  ImageDecrypter
	repo    storage.Repository
	limiter *issuanceLimiter
	audit   *auditLogger
	prom    *promMetrics
	logger  *slog.Logger
	now     func() time.Time

	alertFn     AlertFunc
	registerer  prometheus.Registerer
	webhookURL  string
	webhookAuth string

	stop      chan struct{}
	closeOnce sync.Once
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithAlertFunc registers a callback for unwrap and decrypt failure spikes.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithRegisterer exports request metrics to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *API) {
		a.registerer = reg
	}
}

// WithAuditWebhook forwards audit events to url. authHeader, if set, is a
// "Header: Value" pair added to every delivery.
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		a.webhookURL = url
		a.webhookAuth = authHeader
	}
}

// WithClock overrides the time source used for ledger timestamps and backoff.
func WithClock(now func() time.Time) Option {
	return func(a *API) {
		a.now = now
	}
}

// New creates a new API instance. Call Close to stop its background work.
func New(issuer PasswordIssuer, images ImageDecrypter, repo storage.Repository, opts ...Option) *API {
	a := &API{
		issuer:  issuer,
		images:  images,
		repo:    repo,
		limiter: newIssuanceLimiter(),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.limiter.now = a.now
	a.audit = newAuditLogger(a.logger)
	a.audit.metrics = newMetricsCollector(a.alertFn)
	if a.webhookURL != "" {
		a.audit.webhook = newAuditWebhook(a.webhookURL, a.webhookAuth)
	}
	if a.registerer != nil {
		a.prom = newPromMetrics(a.registerer)
	}
	go a.sweepLoop()
	return a
}

// Close stops the backoff sweeper and drains the audit webhook.
func (a *API) Close() {
	a.closeOnce.Do(func() {
		close(a.stop)
		if a.audit != nil && a.audit.webhook != nil {
			a.audit.webhook.close()
		}
	})
}

func (a *API) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.limiter.sweep()
		case <-a.stop:
			return
		}
	}
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Get("/media/image", a.DecryptImage)

	r.Route("/devices/{deviceID}/temporary-passwords", func(r chi.Router) {
		r.Post("/", a.CreateTemporaryPassword)
		r.Get("/history", a.ListIssuanceHistory)
		r.Get("/history/{recordID}", a.GetIssuanceRecord)
	})

	return r
}
