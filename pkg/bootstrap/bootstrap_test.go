package bootstrap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("GOOGLE_CLOUD_PROJECT", "test-project")
	t.Setenv("APP_URL", "https://example.com")
	t.Setenv("ENCRYPTION_KEY", "unit-test-encryption-key-32-chars!!")
	t.Setenv("OPENWEATHER_API_KEY", "ow-key")
	t.Setenv("STRAVA_CLIENT_ID", "client-id")
	t.Setenv("STRAVA_CLIENT_SECRET", "client-secret")
	t.Setenv("STRAVA_WEBHOOK_VERIFY_TOKEN", "verify")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "")
	t.Setenv("ENVIRONMENT", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "test-project", cfg.ProjectID)
}

func TestLoadConfig_MissingRequired(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ENCRYPTION_KEY", "")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENCRYPTION_KEY")
}
