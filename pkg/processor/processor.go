// Package processor runs the enrichment pipeline for one activity: load the
// owner, ensure credentials, resolve weather and write the description back.
// A single call is one attempt; the webhook retry session decides whether to
// run another.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	shared "github.com/stravaweather/server/pkg"
	"github.com/stravaweather/server/pkg/strava"
	"github.com/stravaweather/server/pkg/tokens"
	"github.com/stravaweather/server/pkg/weather"
)

// weatherMarkers identify a description that already carries weather data.
// Matching any of them makes a second enrichment a no-op.
var weatherMarkers = []string{
	"°C",
	"°F",
	"Feels like",
	"Humidity",
	"m/s from",
	"🌤️ Weather:",
	"Weather:",
}

// ActivityAPI is the slice of the Strava client the processor needs.
type ActivityAPI interface {
	GetActivity(ctx context.Context, activityID string, encryptedAccessToken string) (*strava.Activity, error)
	UpdateActivity(ctx context.Context, activityID string, encryptedAccessToken string, patch strava.UpdateActivityRequest) (*strava.Activity, error)
}

// TokenManager guarantees a usable credential pair.
type TokenManager interface {
	EnsureValid(ctx context.Context, userID, encryptedAccess, encryptedRefresh string, expiresAt time.Time) (*tokens.TokenSet, error)
}

// WeatherResolver looks up conditions for a place and time.
type WeatherResolver interface {
	Resolve(ctx context.Context, lat, lon float64, activityTime time.Time, activityID string) (*weather.Record, error)
}

// Result is the outcome of one processing attempt. Err carries the typed
// failure for retry classification and is excluded from JSON; Error holds
// the display string.
type Result struct {
	Success    bool            `json:"success"`
	ActivityID string          `json:"activity_id"`
	Weather    *weather.Record `json:"weather,omitempty"`
	Error      string          `json:"error,omitempty"`
	Skipped    bool            `json:"skipped,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Degraded   bool            `json:"degraded,omitempty"`

	Err error `json:"-"`
}

// Processor wires the pipeline dependencies.
type Processor struct {
	db       shared.Database
	api      ActivityAPI
	tokens   TokenManager
	resolver WeatherResolver
	clock    shared.Clock
	logger   *slog.Logger
}

func New(db shared.Database, api ActivityAPI, tm TokenManager, resolver WeatherResolver, clock shared.Clock, logger *slog.Logger) *Processor {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{db: db, api: api, tokens: tm, resolver: resolver, clock: clock, logger: logger}
}

// ProcessActivity runs one enrichment attempt. It never returns a Go error;
// every outcome, including panics, lands in the Result so the retry session
// has a single shape to classify.
func (p *Processor) ProcessActivity(ctx context.Context, userID, activityID string) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Panic while processing activity", "activity_id", activityID, "panic", r)
			result = p.fail(activityID, fmt.Errorf("panic: %v", r))
		}
	}()

	logger := p.logger.With("user_id", userID, "activity_id", activityID)

	user, err := p.db.GetUser(ctx, userID)
	if err != nil {
		return p.fail(activityID, fmt.Errorf("load user: %w", err))
	}

	if !user.WeatherEnabled {
		logger.Info("Weather updates disabled, skipping")
		return p.skip(activityID, "weather updates disabled for user")
	}

	set, err := p.tokens.EnsureValid(ctx, user.ID, user.AccessToken, user.RefreshToken, user.TokenExpiresAt)
	if err != nil {
		return p.fail(activityID, fmt.Errorf("ensure tokens: %w", err))
	}

	if set.WasRefreshed {
		err := p.db.UpdateUser(ctx, user.ID, map[string]interface{}{
			"access_token":     set.AccessToken,
			"refresh_token":    set.RefreshToken,
			"token_expires_at": set.ExpiresAt,
			"updated_at":       p.clock.Now(),
		})
		if err != nil {
			// Losing the rotated refresh token strands the account, so a
			// persist failure fails the attempt.
			return p.fail(activityID, fmt.Errorf("persist refreshed tokens: %w", err))
		}
		logger.Info("Refreshed tokens persisted")
	}

	activity, err := p.api.GetActivity(ctx, activityID, set.AccessToken)
	if err != nil {
		return p.fail(activityID, fmt.Errorf("get activity: %w", err))
	}

	if hasWeatherData(activity.Description) {
		logger.Info("Activity already has weather data, skipping")
		return &Result{Success: true, ActivityID: activityID, Skipped: true, Reason: "activity already has weather data"}
	}

	if len(activity.StartLatLng) != 2 {
		logger.Info("Activity has no GPS coordinates, skipping")
		return p.skip(activityID, "activity has no GPS coordinates")
	}

	record, err := p.resolver.Resolve(ctx, activity.StartLatLng[0], activity.StartLatLng[1], activity.StartDate, activityID)
	if err != nil {
		return p.fail(activityID, fmt.Errorf("resolve weather: %w", err))
	}

	description := appendWeather(activity.Description, record)
	if _, err := p.api.UpdateActivity(ctx, activityID, set.AccessToken, strava.UpdateActivityRequest{Description: description}); err != nil {
		return p.fail(activityID, fmt.Errorf("update activity: %w", err))
	}

	logger.Info("Activity enriched", "condition", record.Condition, "source", record.Source)

	return &Result{
		Success:    true,
		ActivityID: activityID,
		Weather:    record,
		Degraded:   record.Degraded(),
	}
}

func (p *Processor) fail(activityID string, err error) *Result {
	return &Result{ActivityID: activityID, Error: err.Error(), Err: err}
}

func (p *Processor) skip(activityID string, reason string) *Result {
	return &Result{ActivityID: activityID, Skipped: true, Reason: reason}
}

// hasWeatherData reports whether the description already carries an
// enrichment line.
func hasWeatherData(description string) bool {
	for _, marker := range weatherMarkers {
		if strings.Contains(description, marker) {
			return true
		}
	}
	return false
}

// appendWeather composes the weather line and appends it to the existing
// description, separated by a blank line. The provider's description text is
// lowercase ("scattered clouds"), so the line leads with it capitalized.
func appendWeather(description string, record *weather.Record) string {
	condition := capitalizeFirst(record.Description)
	if condition == "" {
		condition = record.Condition
	}

	line := fmt.Sprintf("%s, %.0f°C, Feels like %.0f°C, Humidity %d%%, Wind %.1fm/s from %s",
		condition, record.Temperature, record.FeelsLike,
		record.Humidity, record.WindSpeed, record.WindDirection)

	if description == "" {
		return line
	}
	return description + "\n\n" + line
}

func capitalizeFirst(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
