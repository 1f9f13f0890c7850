package shared

import "time"

const (
	CollectionUsers = "users"

	// Weather cache + source selection
	WeatherCacheExpiry           = 30 * time.Minute
	WeatherCoordinatePrecision   = 4
	WeatherTimeBucket            = 15 * time.Minute
	WeatherHistoricalLimitHours  = 120
	WeatherRecentThresholdHours  = 1
	WeatherDefaultVisibilityMtrs = 10000

	// Webhook retry session
	WebhookMaxProcessingTime = 8 * time.Second
	WebhookMaxRetryAttempts  = 3

	// Token refresh happens this long before the stored expiry.
	TokenRefreshBuffer = 5 * time.Minute
)

// WebhookRetryDelays are the waits applied before the second and third attempt.
var WebhookRetryDelays = []time.Duration{1500 * time.Millisecond, 3000 * time.Millisecond}

// CompassDirections are the 16-point compass labels, indexed by
// round(degrees/22.5) mod 16.
var CompassDirections = [16]string{
	"N", "NNE", "NE", "ENE", "E", "ESE", "SE", "SSE",
	"S", "SSW", "SW", "WSW", "W", "WNW", "NW", "NNW",
}
