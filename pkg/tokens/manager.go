// Package tokens owns the OAuth token lifecycle: deciding when an access
// token needs refreshing, performing the refresh, and re-encrypting the
// resulting credentials before anything else sees them.
package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	shared "github.com/stravaweather/server/pkg"
	"github.com/stravaweather/server/pkg/strava"
	"github.com/stravaweather/server/pkg/vault"
)

// Refresher exchanges a plaintext refresh token for a fresh grant.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*strava.TokenGrant, error)
}

// Revoker deauthorizes an access token upstream.
type Revoker interface {
	RevokeToken(ctx context.Context, encryptedAccessToken string) error
}

// TokenSet is the encrypted credential pair handed back to callers. Both
// tokens are vault envelopes; WasRefreshed tells the caller whether the set
// differs from what it passed in and needs persisting.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	WasRefreshed bool
}

// Manager guards token freshness. Refreshes for the same user are serialized
// so concurrent webhook deliveries cannot race the one-time-use refresh
// token.
type Manager struct {
	vault     *vault.Vault
	refresher Refresher
	clock     shared.Clock
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(v *vault.Vault, refresher Refresher, clock shared.Clock, logger *slog.Logger) *Manager {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		vault:     v,
		refresher: refresher,
		clock:     clock,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (m *Manager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[userID] = lock
	}
	return lock
}

// EnsureValid returns a token set that is valid for at least the refresh
// buffer. When the stored expiry is inside the buffer it refreshes, encrypts
// the new pair and reports WasRefreshed so the caller persists it.
func (m *Manager) EnsureValid(ctx context.Context, userID, encryptedAccess, encryptedRefresh string, expiresAt time.Time) (*TokenSet, error) {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	now := m.clock.Now()
	if expiresAt.After(now.Add(shared.TokenRefreshBuffer)) {
		return &TokenSet{
			AccessToken:  encryptedAccess,
			RefreshToken: encryptedRefresh,
			ExpiresAt:    expiresAt,
		}, nil
	}

	m.logger.Info("Access token near expiry, refreshing", "user_id", userID, "expires_at", expiresAt)

	refreshToken, err := m.vault.Decrypt(encryptedRefresh)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}

	grant, err := m.refresher.RefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("refresh token for user %s: %w", userID, err)
	}

	newAccess, err := m.vault.Encrypt(grant.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	newRefresh, err := m.vault.Encrypt(grant.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt refresh token: %w", err)
	}

	m.logger.Info("Token refreshed", "user_id", userID, "new_expiry", grant.ExpiresAt)

	return &TokenSet{
		AccessToken:  newAccess,
		RefreshToken: newRefresh,
		ExpiresAt:    grant.ExpiresAt,
		WasRefreshed: true,
	}, nil
}

// Revoke deauthorizes the token upstream. Best effort: failures are logged
// and swallowed so account disconnects always complete locally.
func (m *Manager) Revoke(ctx context.Context, revoker Revoker, userID, encryptedAccess string) {
	if err := revoker.RevokeToken(ctx, encryptedAccess); err != nil {
		m.logger.Warn("Token revocation failed, continuing disconnect", "user_id", userID, "error", err)
	}
}
