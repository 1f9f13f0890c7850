// Package auth implements the Strava OAuth connect flow: redirecting the
// athlete to the authorization page, exchanging the callback code, and
// persisting the encrypted credential pair on the user record.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	shared "github.com/stravaweather/server/pkg"
	"github.com/stravaweather/server/pkg/strava"
	"github.com/stravaweather/server/pkg/tokens"
	"github.com/stravaweather/server/pkg/vault"
)

// OAuthClient is the slice of the Strava client the connect flow needs.
type OAuthClient interface {
	AuthCodeURL(state, redirectURL string) string
	ExchangeCode(ctx context.Context, code, redirectURL string) (*strava.TokenGrant, error)
	RevokeToken(ctx context.Context, encryptedAccessToken string) error
}

// Handler serves the connect and disconnect endpoints.
type Handler struct {
	db          shared.Database
	oauth       OAuthClient
	vault       *vault.Vault
	tokens      *tokens.Manager
	redirectURL string
	clock       shared.Clock
	logger      *slog.Logger
}

func NewHandler(db shared.Database, oauth OAuthClient, v *vault.Vault, tm *tokens.Manager, redirectURL string, clock shared.Clock, logger *slog.Logger) *Handler {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		db:          db,
		oauth:       oauth,
		vault:       v,
		tokens:      tm,
		redirectURL: redirectURL,
		clock:       clock,
		logger:      logger,
	}
}

// Routes mounts the auth endpoints on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/auth/strava", h.Login)
	r.Get("/auth/strava/callback", h.Callback)
	r.Post("/auth/strava/disconnect", h.Disconnect)
}

// Login sends the athlete to Strava's authorization page.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()
	http.Redirect(w, r, h.oauth.AuthCodeURL(state, h.redirectURL), http.StatusTemporaryRedirect)
}

// Callback exchanges the authorization code, encrypts the grant and upserts
// the user record keyed by Strava athlete id.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	if errMsg := r.URL.Query().Get("error"); errMsg != "" {
		h.logger.Warn("Authorization denied", "error", errMsg)
		http.Error(w, "authorization denied", http.StatusForbidden)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	grant, err := h.oauth.ExchangeCode(r.Context(), code, h.redirectURL)
	if err != nil {
		h.logger.Error("Code exchange failed", "error", err)
		http.Error(w, "code exchange failed", http.StatusBadGateway)
		return
	}
	if grant.Athlete == nil {
		http.Error(w, "token response missing athlete", http.StatusBadGateway)
		return
	}

	encAccess, err := h.vault.Encrypt(grant.AccessToken)
	if err != nil {
		h.logger.Error("Access token encryption failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	encRefresh, err := h.vault.Encrypt(grant.RefreshToken)
	if err != nil {
		h.logger.Error("Refresh token encryption failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	athleteID := fmt.Sprint(grant.Athlete.ID)
	now := h.clock.Now()

	user, err := h.db.FindUserByAthleteID(r.Context(), athleteID)
	switch {
	case err == nil:
		// Reconnect: refresh the credentials and profile, keep preferences.
		user.AccessToken = encAccess
		user.RefreshToken = encRefresh
		user.TokenExpiresAt = grant.ExpiresAt
		user.FirstName = grant.Athlete.FirstName
		user.LastName = grant.Athlete.LastName
		user.ProfileImageURL = grant.Athlete.ProfileImageURL
		user.City = grant.Athlete.City
		user.Country = grant.Athlete.Country
		user.UpdatedAt = now
	case errors.Is(err, shared.ErrUserNotFound):
		user = &shared.User{
			ID:              uuid.NewString(),
			StravaAthleteID: athleteID,
			AccessToken:     encAccess,
			RefreshToken:    encRefresh,
			TokenExpiresAt:  grant.ExpiresAt,
			WeatherEnabled:  true,
			FirstName:       grant.Athlete.FirstName,
			LastName:        grant.Athlete.LastName,
			ProfileImageURL: grant.Athlete.ProfileImageURL,
			City:            grant.Athlete.City,
			Country:         grant.Athlete.Country,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
	default:
		h.logger.Error("Athlete lookup failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := h.db.SaveUser(r.Context(), user); err != nil {
		h.logger.Error("User persist failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Athlete connected", "user_id", user.ID, "athlete_id", athleteID)
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"connected","user_id":%q}`, user.ID)
}

// Disconnect revokes the access token upstream (best effort) and disables
// weather updates locally.
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id query parameter required", http.StatusBadRequest)
		return
	}

	user, err := h.db.GetUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, shared.ErrUserNotFound) {
			http.Error(w, "user not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.tokens.Revoke(r.Context(), h.oauth, user.ID, user.AccessToken)

	err = h.db.UpdateUser(r.Context(), user.ID, map[string]interface{}{
		"weather_enabled": false,
		"access_token":    "",
		"refresh_token":   "",
		"updated_at":      h.clock.Now(),
	})
	if err != nil {
		h.logger.Error("Disconnect persist failed", "user_id", user.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Athlete disconnected", "user_id", user.ID)
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"disconnected"}`)
}
