package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	shared "github.com/stravaweather/server/pkg"
	"github.com/stravaweather/server/pkg/strava"
	"github.com/stravaweather/server/pkg/testing/mocks"
	"github.com/stravaweather/server/pkg/tokens"
	"github.com/stravaweather/server/pkg/vault"
)

type stubOAuth struct {
	grant       *strava.TokenGrant
	exchangeErr error
	revokeErr   error
	revokeCalls int
}

func (s *stubOAuth) AuthCodeURL(state, redirectURL string) string {
	return "https://www.strava.com/oauth/authorize?state=" + state
}

func (s *stubOAuth) ExchangeCode(context.Context, string, string) (*strava.TokenGrant, error) {
	if s.exchangeErr != nil {
		return nil, s.exchangeErr
	}
	return s.grant, nil
}

func (s *stubOAuth) RevokeToken(context.Context, string) error {
	s.revokeCalls++
	return s.revokeErr
}

func testGrant() *strava.TokenGrant {
	return &strava.TokenGrant{
		AccessToken:  "plain-access",
		RefreshToken: "plain-refresh",
		ExpiresAt:    time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC),
		Athlete: &strava.Athlete{
			ID:        777,
			FirstName: "Jo",
			LastName:  "Runner",
			City:      "London",
			Country:   "United Kingdom",
		},
	}
}

func newTestHandler(t *testing.T, db shared.Database, oauth OAuthClient) (*Handler, *chi.Mux, *vault.Vault) {
	t.Helper()
	v, err := vault.New("unit-test-encryption-key-32-chars!!")
	require.NoError(t, err)

	clock := &mocks.MockClock{}
	tm := tokens.NewManager(v, nil, clock, nil)
	handler := NewHandler(db, oauth, v, tm, "https://example.com/auth/strava/callback", clock, nil)

	router := chi.NewRouter()
	handler.Routes(router)
	return handler, router, v
}

func TestLogin_RedirectsToStrava(t *testing.T) {
	_, router, _ := newTestHandler(t, &mocks.MockDatabase{}, &stubOAuth{})

	req := httptest.NewRequest(http.MethodGet, "/auth/strava", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "https://www.strava.com/oauth/authorize"))
}

func TestCallback_CreatesNewUser(t *testing.T) {
	var saved *shared.User
	db := &mocks.MockDatabase{
		SaveUserFunc: func(_ context.Context, user *shared.User) error {
			saved = user
			return nil
		},
	}
	_, router, v := newTestHandler(t, db, &stubOAuth{grant: testGrant()})

	req := httptest.NewRequest(http.MethodGet, "/auth/strava/callback?code=abc", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, saved)

	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, "777", saved.StravaAthleteID)
	assert.True(t, saved.WeatherEnabled)
	assert.Equal(t, "Jo", saved.FirstName)

	// Tokens are stored encrypted, never as plaintext.
	assert.NotEqual(t, "plain-access", saved.AccessToken)
	access, err := v.Decrypt(saved.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "plain-access", access)
}

func TestCallback_ReconnectKeepsIdentityAndPreferences(t *testing.T) {
	existing := &shared.User{
		ID:              "user-1",
		StravaAthleteID: "777",
		WeatherEnabled:  false,
		CreatedAt:       time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	var saved *shared.User
	db := &mocks.MockDatabase{
		FindUserByAthleteIDFunc: func(context.Context, string) (*shared.User, error) { return existing, nil },
		SaveUserFunc: func(_ context.Context, user *shared.User) error {
			saved = user
			return nil
		},
	}
	_, router, _ := newTestHandler(t, db, &stubOAuth{grant: testGrant()})

	req := httptest.NewRequest(http.MethodGet, "/auth/strava/callback?code=abc", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, saved)
	assert.Equal(t, "user-1", saved.ID)
	assert.False(t, saved.WeatherEnabled)
	assert.Equal(t, existing.CreatedAt, saved.CreatedAt)
	assert.NotEmpty(t, saved.AccessToken)
}

func TestCallback_DeniedAuthorization(t *testing.T) {
	_, router, _ := newTestHandler(t, &mocks.MockDatabase{}, &stubOAuth{})

	req := httptest.NewRequest(http.MethodGet, "/auth/strava/callback?error=access_denied", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCallback_MissingCode(t *testing.T) {
	_, router, _ := newTestHandler(t, &mocks.MockDatabase{}, &stubOAuth{})

	req := httptest.NewRequest(http.MethodGet, "/auth/strava/callback", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallback_ExchangeFailure(t *testing.T) {
	_, router, _ := newTestHandler(t, &mocks.MockDatabase{}, &stubOAuth{exchangeErr: errors.New("strava down")})

	req := httptest.NewRequest(http.MethodGet, "/auth/strava/callback?code=abc", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestDisconnect_RevokesAndClearsTokens(t *testing.T) {
	var updated map[string]interface{}
	db := &mocks.MockDatabase{
		GetUserFunc: func(context.Context, string) (*shared.User, error) {
			return &shared.User{ID: "user-1", AccessToken: "enc-access"}, nil
		},
		UpdateUserFunc: func(_ context.Context, id string, data map[string]interface{}) error {
			assert.Equal(t, "user-1", id)
			updated = data
			return nil
		},
	}
	oauth := &stubOAuth{}
	_, router, _ := newTestHandler(t, db, oauth)

	req := httptest.NewRequest(http.MethodPost, "/auth/strava/disconnect?user_id=user-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, oauth.revokeCalls)
	require.NotNil(t, updated)
	assert.Equal(t, false, updated["weather_enabled"])
	assert.Equal(t, "", updated["access_token"])
}

func TestDisconnect_RevokeFailureStillDisconnects(t *testing.T) {
	db := &mocks.MockDatabase{
		GetUserFunc: func(context.Context, string) (*shared.User, error) {
			return &shared.User{ID: "user-1", AccessToken: "enc-access"}, nil
		},
	}
	oauth := &stubOAuth{revokeErr: errors.New("upstream down")}
	_, router, _ := newTestHandler(t, db, oauth)

	req := httptest.NewRequest(http.MethodPost, "/auth/strava/disconnect?user_id=user-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDisconnect_UnknownUser(t *testing.T) {
	_, router, _ := newTestHandler(t, &mocks.MockDatabase{}, &stubOAuth{})

	req := httptest.NewRequest(http.MethodPost, "/auth/strava/disconnect?user_id=ghost", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
