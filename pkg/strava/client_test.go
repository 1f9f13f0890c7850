package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stravaweather/server/pkg/vault"
)

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.New("unit-test-encryption-key-32-chars!!")
	require.NoError(t, err)
	return v
}

func newTestClient(t *testing.T, baseURL string, v *vault.Vault) *Client {
	t.Helper()
	return NewClient(Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Vault:        v,
		BaseURL:      baseURL,
		TokenURL:     baseURL + "/oauth/token",
		Retry:        RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond},
	})
}

func encryptToken(t *testing.T, v *vault.Vault, plaintext string) string {
	t.Helper()
	encrypted, err := v.Encrypt(plaintext)
	require.NoError(t, err)
	return encrypted
}

func TestGetActivity_DecryptsTokenAndParses(t *testing.T) {
	v := testVault(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/activities/12345", r.URL.Path)
		assert.Equal(t, "Bearer plain-access-token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(Activity{
			ID:          12345,
			Name:        "Morning Run",
			StartLatLng: []float64{51.509865, -0.118092},
			Description: "Lovely out",
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, v)
	activity, err := client.GetActivity(context.Background(), "12345", encryptToken(t, v, "plain-access-token"))
	require.NoError(t, err)

	assert.Equal(t, int64(12345), activity.ID)
	assert.Equal(t, "Morning Run", activity.Name)
	assert.Equal(t, []float64{51.509865, -0.118092}, activity.StartLatLng)
}

func TestGetActivity_StatusMapping(t *testing.T) {
	v := testVault(t)
	encrypted := encryptToken(t, v, "token")

	tests := []struct {
		status  int
		wantErr error
	}{
		{http.StatusUnauthorized, ErrCredentialInvalid},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusNotFound, ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			client := newTestClient(t, server.URL, v)
			_, err := client.GetActivity(context.Background(), "1", encrypted)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestGetActivity_RetriesTransientThenSucceeds(t *testing.T) {
	v := testVault(t)
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(Activity{ID: 7})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, v)
	activity, err := client.GetActivity(context.Background(), "7", encryptToken(t, v, "token"))
	require.NoError(t, err)

	assert.Equal(t, int64(7), activity.ID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetActivity_RetriesRequestTimeout(t *testing.T) {
	v := testVault(t)
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "timeout", http.StatusRequestTimeout)
			return
		}
		json.NewEncoder(w).Encode(Activity{ID: 8})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, v)
	activity, err := client.GetActivity(context.Background(), "8", encryptToken(t, v, "token"))
	require.NoError(t, err)

	assert.Equal(t, int64(8), activity.ID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetActivity_RateLimitedAfterRetries(t *testing.T) {
	v := testVault(t)
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "limit", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, v)
	_, err := client.GetActivity(context.Background(), "1", encryptToken(t, v, "token"))

	require.ErrorIs(t, err, ErrRateLimited)
	// Initial attempt + 3 retries.
	assert.Equal(t, int32(4), calls.Load())
}

func TestUpdateActivity_SendsPatch(t *testing.T) {
	v := testVault(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/activities/99", r.URL.Path)

		var patch UpdateActivityRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&patch))
		assert.Equal(t, "desc with weather", patch.Description)

		json.NewEncoder(w).Encode(Activity{ID: 99, Description: patch.Description})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, v)
	updated, err := client.UpdateActivity(context.Background(), "99", encryptToken(t, v, "token"),
		UpdateActivityRequest{Description: "desc with weather"})
	require.NoError(t, err)

	assert.Equal(t, "desc with weather", updated.Description)
}

func TestRefreshToken(t *testing.T) {
	v := testVault(t)
	expiresAt := time.Now().Add(6 * time.Hour).Unix()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.Form.Get("refresh_token"))
		assert.Equal(t, "client-id", r.Form.Get("client_id"))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_at":    expiresAt,
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, v)
	client.tokenURL = server.URL

	grant, err := client.RefreshToken(context.Background(), "old-refresh")
	require.NoError(t, err)

	assert.Equal(t, "new-access", grant.AccessToken)
	assert.Equal(t, "new-refresh", grant.RefreshToken)
	assert.Equal(t, time.Unix(expiresAt, 0).UTC(), grant.ExpiresAt)
}

func TestRefreshToken_InvalidGrant(t *testing.T) {
	v := testVault(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Bad Request"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, v)
	client.tokenURL = server.URL

	_, err := client.RefreshToken(context.Background(), "dead-refresh")
	require.ErrorIs(t, err, ErrCredentialInvalid)
}

func TestViewSubscription_None(t *testing.T) {
	v := testVault(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "[]")
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, v)
	client.subscriptionURL = server.URL

	sub, err := client.ViewSubscription(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestDeleteSubscription(t *testing.T) {
	v := testVault(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/7", r.URL.Path)
		assert.Equal(t, "client-id", r.URL.Query().Get("client_id"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, v)
	client.subscriptionURL = server.URL

	require.NoError(t, client.DeleteSubscription(context.Background(), 7))
}

func TestVerifyEndpoint_EchoesChallenge(t *testing.T) {
	v := testVault(t)

	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "subscribe", r.URL.Query().Get("hub.mode"))
		assert.Equal(t, "verify-me", r.URL.Query().Get("hub.verify_token"))
		json.NewEncoder(w).Encode(map[string]string{"hub.challenge": r.URL.Query().Get("hub.challenge")})
	}))
	defer callback.Close()

	client := newTestClient(t, callback.URL, v)
	ok, err := client.VerifyEndpoint(context.Background(), callback.URL, "verify-me")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyEndpoint_WrongChallenge(t *testing.T) {
	v := testVault(t)

	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"hub.challenge": "something-else"})
	}))
	defer callback.Close()

	client := newTestClient(t, callback.URL, v)
	ok, err := client.VerifyEndpoint(context.Background(), callback.URL, "verify-me")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateSubscription_RequiresHTTPS(t *testing.T) {
	v := testVault(t)
	client := newTestClient(t, "http://unused", v)

	_, err := client.CreateSubscription(context.Background(), "http://insecure.example.com/webhook", "tok")
	require.Error(t, err)
}
