// Package subscription keeps the Strava webhook subscription registered.
// On startup the runner checks for an existing subscription, verifies the
// callback endpoint answers the handshake, and creates the subscription if
// missing. The result is exposed for the status endpoint.
package subscription

import (
	"context"
	"log/slog"
	"sync"
	"time"

	shared "github.com/stravaweather/server/pkg"
	"github.com/stravaweather/server/pkg/strava"
)

// API is the slice of the Strava client the runner needs.
type API interface {
	ViewSubscription(ctx context.Context) (*strava.Subscription, error)
	CreateSubscription(ctx context.Context, callbackURL, verifyToken string) (*strava.Subscription, error)
	DeleteSubscription(ctx context.Context, subscriptionID int64) error
	VerifyEndpoint(ctx context.Context, callbackURL, verifyToken string) (bool, error)
}

// Status values for the runner snapshot.
const (
	StatusPending = "pending"
	StatusOK      = "ok"
	StatusFailed  = "failed"
)

// Snapshot is the externally visible runner state.
type Snapshot struct {
	Status         string    `json:"status"`
	SubscriptionID int64     `json:"subscription_id,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	CheckedAt      time.Time `json:"checked_at,omitempty"`
}

// Runner ensures the subscription exists. It runs once in the background at
// startup; the service stays up even when registration fails so the manual
// processing endpoint keeps working.
type Runner struct {
	api         API
	callbackURL string
	verifyToken string
	clock       shared.Clock
	logger      *slog.Logger

	mu       sync.Mutex
	snapshot Snapshot
}

func NewRunner(api API, callbackURL, verifyToken string, clock shared.Clock, logger *slog.Logger) *Runner {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		api:         api,
		callbackURL: callbackURL,
		verifyToken: verifyToken,
		clock:       clock,
		logger:      logger,
		snapshot:    Snapshot{Status: StatusPending},
	}
}

// Start kicks off registration in the background.
func (r *Runner) Start(ctx context.Context) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("Panic during subscription setup", "panic", rec)
				r.record(Snapshot{Status: StatusFailed, LastError: "panic during setup"})
			}
		}()
		r.Ensure(ctx)
	}()
}

// Ensure performs one registration pass and records the outcome.
func (r *Runner) Ensure(ctx context.Context) {
	existing, err := r.api.ViewSubscription(ctx)
	if err != nil {
		r.logger.Error("Subscription lookup failed", "error", err)
		r.record(Snapshot{Status: StatusFailed, LastError: err.Error()})
		return
	}

	if existing != nil {
		if existing.CallbackURL == r.callbackURL {
			r.logger.Info("Webhook subscription already registered", "id", existing.ID)
			r.record(Snapshot{Status: StatusOK, SubscriptionID: existing.ID})
			return
		}

		// Strava allows one subscription per application, so a stale callback
		// must be removed before the current one can be registered.
		r.logger.Warn("Existing subscription points at a different callback, replacing",
			"id", existing.ID, "callback_url", existing.CallbackURL, "expected", r.callbackURL)
		if err := r.api.DeleteSubscription(ctx, existing.ID); err != nil {
			r.logger.Error("Stale subscription deletion failed", "id", existing.ID, "error", err)
			r.record(Snapshot{Status: StatusFailed, SubscriptionID: existing.ID, LastError: err.Error()})
			return
		}
	}

	ok, err := r.api.VerifyEndpoint(ctx, r.callbackURL, r.verifyToken)
	if err != nil {
		r.record(Snapshot{Status: StatusFailed, LastError: err.Error()})
		return
	}
	if !ok {
		r.logger.Error("Callback endpoint failed verification handshake", "callback_url", r.callbackURL)
		r.record(Snapshot{Status: StatusFailed, LastError: "callback endpoint failed verification handshake"})
		return
	}

	created, err := r.api.CreateSubscription(ctx, r.callbackURL, r.verifyToken)
	if err != nil {
		r.logger.Error("Subscription creation failed", "error", err)
		r.record(Snapshot{Status: StatusFailed, LastError: err.Error()})
		return
	}

	r.logger.Info("Webhook subscription registered", "id", created.ID)
	r.record(Snapshot{Status: StatusOK, SubscriptionID: created.ID})
}

func (r *Runner) record(s Snapshot) {
	s.CheckedAt = r.clock.Now()
	r.mu.Lock()
	r.snapshot = s
	r.mu.Unlock()
}

// Snapshot returns the current registration state.
func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot
}
