package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	shared "github.com/stravaweather/server/pkg"
	"github.com/stravaweather/server/pkg/infrastructure/sentry"
	"github.com/stravaweather/server/pkg/strava"
	"github.com/stravaweather/server/pkg/subscription"
)

// StatusSource reports the webhook subscription registration state.
type StatusSource interface {
	Snapshot() subscription.Snapshot
}

// Event is a Strava webhook delivery payload.
type Event struct {
	ObjectType     string            `json:"object_type"`
	ObjectID       int64             `json:"object_id"`
	AspectType     string            `json:"aspect_type"`
	OwnerID        int64             `json:"owner_id"`
	SubscriptionID int64             `json:"subscription_id"`
	EventTime      int64             `json:"event_time"`
	Updates        map[string]string `json:"updates,omitempty"`
}

// Handler exposes the webhook HTTP surface: the verification handshake, the
// event receiver and a manual processing endpoint.
type Handler struct {
	db          shared.Database
	controller  *Controller
	verifyToken string
	clock       shared.Clock
	logger      *slog.Logger
	subStatus   StatusSource

	received  atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
}

func NewHandler(db shared.Database, controller *Controller, verifyToken string, clock shared.Clock, logger *slog.Logger) *Handler {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		db:          db,
		controller:  controller,
		verifyToken: verifyToken,
		clock:       clock,
		logger:      logger,
	}
}

// Routes mounts the webhook endpoints on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/webhook", h.Verify)
	r.Post("/webhook", h.Receive)
	r.Get("/webhook/status", h.Status)
	r.Post("/activities/{activityID}/process", h.ProcessManually)
}

// Verify answers Strava's subscription handshake by echoing the challenge.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode != "subscribe" || token != h.verifyToken {
		h.logger.Warn("Webhook verification rejected", "mode", mode)
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}

	h.logger.Info("Webhook verification succeeded")
	writeJSON(w, http.StatusOK, map[string]string{"hub.challenge": challenge})
}

// Receive acknowledges every delivery with 200 regardless of outcome so
// Strava never disables the subscription, then processes inline within the
// retry session's deadline.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	h.received.Add(1)

	var event Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		h.logger.Warn("Undecodable webhook payload", "error", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	logger := h.logger.With("object_type", event.ObjectType, "aspect_type", event.AspectType,
		"object_id", event.ObjectID, "owner_id", event.OwnerID)

	if event.ObjectType != "activity" || event.AspectType != "create" {
		logger.Debug("Ignoring webhook event")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	user, err := h.db.FindUserByAthleteID(r.Context(), fmt.Sprint(event.OwnerID))
	if err != nil {
		if errors.Is(err, shared.ErrUserNotFound) {
			logger.Info("Webhook for unknown athlete, ignoring")
		} else {
			logger.Error("Athlete lookup failed", "error", err)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	result := h.controller.ProcessWithRetry(r.Context(), user.ID, fmt.Sprint(event.ObjectID))
	if result.Success {
		h.processed.Add(1)
	} else if !result.Skipped {
		h.failed.Add(1)
		logger.Warn("Webhook processing failed", "error", result.Error)
		sentry.CaptureException(result.Err, map[string]interface{}{
			"activity_id": result.ActivityID,
			"owner_id":    event.OwnerID,
		})
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

// SetSubscriptionStatus attaches the subscription runner so its registration
// state shows up on the status endpoint.
func (h *Handler) SetSubscriptionStatus(src StatusSource) {
	h.subStatus = src
}

// Status reports delivery counters and subscription state for operational
// checks.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"received":  h.received.Load(),
		"processed": h.processed.Load(),
		"failed":    h.failed.Load(),
		"timestamp": h.clock.Now().Format(time.RFC3339),
	}
	if h.subStatus != nil {
		body["subscription"] = h.subStatus.Snapshot()
	}
	writeJSON(w, http.StatusOK, body)
}

// ProcessManually triggers enrichment for one activity outside the webhook
// flow. Unlike Receive it surfaces failures as real HTTP status codes.
func (h *Handler) ProcessManually(w http.ResponseWriter, r *http.Request) {
	activityID := chi.URLParam(r, "activityID")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id query parameter required", http.StatusBadRequest)
		return
	}

	result := h.controller.ProcessWithRetry(r.Context(), userID, activityID)
	if result.Success || result.Skipped {
		writeJSON(w, http.StatusOK, result)
		return
	}

	status := http.StatusBadRequest
	switch {
	case errors.Is(result.Err, strava.ErrNotFound), errors.Is(result.Err, shared.ErrUserNotFound):
		status = http.StatusNotFound
	case errors.Is(result.Err, strava.ErrCredentialInvalid):
		status = http.StatusUnauthorized
	case errors.Is(result.Err, strava.ErrRateLimited):
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, result)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
