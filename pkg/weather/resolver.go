// Package weather resolves the conditions at a point in time and place via
// the OpenWeatherMap One Call API. Lookups within the historical window use
// the timemachine endpoint; recent lookups use current conditions. Results
// are cached per location/time bucket so repeated deliveries for the same
// activity cost one upstream call.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	shared "github.com/stravaweather/server/pkg"
	"github.com/stravaweather/server/pkg/infrastructure/httputil"
)

const defaultBaseURL = "https://api.openweathermap.org/data/3.0/onecall"

// Source labels for Record.Source.
const (
	SourceCurrent         = "current"
	SourceHistorical      = "historical"
	SourceCurrentFallback = "current-fallback"
)

var (
	// ErrAuthFailed covers 401 responses, almost always a bad API key.
	ErrAuthFailed = errors.New("weather provider rejected the API key")

	// ErrRateLimited covers 429 responses.
	ErrRateLimited = errors.New("weather provider rate limit exceeded")

	// ErrTimeout covers upstream 408 responses.
	ErrTimeout = errors.New("weather provider timed out")
)

// Record is one resolved weather observation, normalized for display.
type Record struct {
	Temperature   float64   `json:"temperature"`
	FeelsLike     float64   `json:"feels_like"`
	Humidity      int       `json:"humidity"`
	Pressure      int       `json:"pressure"`
	WindSpeed     float64   `json:"wind_speed"`
	WindDegrees   int       `json:"wind_degrees"`
	WindDirection string    `json:"wind_direction"`
	WindGust      float64   `json:"wind_gust,omitempty"`
	CloudCover    int       `json:"cloud_cover"`
	VisibilityKm  int       `json:"visibility_km"`
	Condition     string    `json:"condition"`
	Description   string    `json:"description"`
	Icon          string    `json:"icon"`
	UVIndex       float64   `json:"uv_index"`
	Source        string    `json:"source"`
	Timestamp     time.Time `json:"timestamp"`
}

// Degraded reports whether this record describes conditions from a different
// time than the one requested.
func (r *Record) Degraded() bool { return r.Source == SourceCurrentFallback }

// conditions is the raw shape shared by the One Call current and timemachine
// payloads.
type conditions struct {
	Dt         int64   `json:"dt"`
	Temp       float64 `json:"temp"`
	FeelsLike  float64 `json:"feels_like"`
	Humidity   int     `json:"humidity"`
	Pressure   int     `json:"pressure"`
	WindSpeed  float64 `json:"wind_speed"`
	WindDeg    int     `json:"wind_deg"`
	WindGust   float64 `json:"wind_gust"`
	Clouds     int     `json:"clouds"`
	Visibility *int    `json:"visibility"`
	Uvi        float64 `json:"uvi"`
	Weather    []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
		Icon        string `json:"icon"`
	} `json:"weather"`
}

// Config bundles the resolver dependencies.
type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
	Clock      shared.Clock
}

// Resolver fetches and caches weather observations. Upstream calls go
// through a circuit breaker so a dead provider fails fast instead of
// eating the webhook processing deadline.
type Resolver struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	clock      shared.Clock
	cache      *cache
	breaker    *gobreaker.CircuitBreaker
}

func NewResolver(cfg Config) *Resolver {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = shared.SystemClock{}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "openweathermap",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.Logger.Warn("Weather circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})

	return &Resolver{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
		clock:      cfg.Clock,
		cache:      newCache(shared.WeatherCacheExpiry, cfg.Clock),
		breaker:    breaker,
	}
}

// Resolve returns the conditions at the given coordinates and activity time.
// Activities within the last hour use current conditions; older ones within
// the 120 hour window use the timemachine endpoint; anything older falls
// back to current conditions, marked as degraded.
func (r *Resolver) Resolve(ctx context.Context, lat, lon float64, activityTime time.Time, activityID string) (*Record, error) {
	key := cacheKey(lat, lon, activityTime, activityID)
	if record, ok := r.cache.get(key); ok {
		r.logger.Debug("Weather cache hit", "activity_id", activityID, "source", record.Source)
		return record, nil
	}

	age := r.clock.Now().Sub(activityTime)
	ageHours := age.Hours()

	var (
		raw    *conditions
		source string
		err    error
	)
	switch {
	case ageHours <= shared.WeatherRecentThresholdHours:
		raw, err = r.fetchCurrent(ctx, lat, lon)
		source = SourceCurrent
	case ageHours <= shared.WeatherHistoricalLimitHours:
		raw, err = r.fetchHistorical(ctx, lat, lon, activityTime)
		source = SourceHistorical
	default:
		r.logger.Warn("Activity outside historical window, using current conditions",
			"activity_id", activityID, "age_hours", math.Round(ageHours))
		raw, err = r.fetchCurrent(ctx, lat, lon)
		source = SourceCurrentFallback
	}
	if err != nil {
		return nil, err
	}

	record := normalize(raw, source)
	r.cache.set(key, record)

	r.logger.Info("Weather resolved", "activity_id", activityID,
		"source", source, "condition", record.Condition, "temp_c", record.Temperature)
	return record, nil
}

func (r *Resolver) fetchCurrent(ctx context.Context, lat, lon float64) (*conditions, error) {
	url := fmt.Sprintf("%s?lat=%.6f&lon=%.6f&appid=%s&units=metric&exclude=minutely,hourly,daily,alerts",
		r.baseURL, lat, lon, r.apiKey)

	var payload struct {
		Current conditions `json:"current"`
	}
	if err := r.fetch(ctx, url, &payload); err != nil {
		return nil, err
	}
	return &payload.Current, nil
}

func (r *Resolver) fetchHistorical(ctx context.Context, lat, lon float64, at time.Time) (*conditions, error) {
	url := fmt.Sprintf("%s/timemachine?lat=%.6f&lon=%.6f&dt=%d&appid=%s&units=metric",
		r.baseURL, lat, lon, at.Unix(), r.apiKey)

	var payload struct {
		Data []conditions `json:"data"`
	}
	if err := r.fetch(ctx, url, &payload); err != nil {
		return nil, err
	}
	if len(payload.Data) == 0 {
		return nil, errors.New("timemachine response contained no data points")
	}
	return &payload.Data[0], nil
}

func (r *Resolver) fetch(ctx context.Context, url string, out interface{}) error {
	result, err := r.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}

		resp, err := r.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("weather request: %w", err)
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusUnauthorized:
			return nil, ErrAuthFailed
		case http.StatusTooManyRequests:
			return nil, ErrRateLimited
		case http.StatusRequestTimeout:
			return nil, ErrTimeout
		default:
			return nil, fmt.Errorf("weather lookup: %w", httputil.ErrorFromResponse(resp))
		}

		var body json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("decode weather response: %w", err)
		}
		return body, nil
	})
	if err != nil {
		return err
	}

	return json.Unmarshal(result.(json.RawMessage), out)
}

// normalize rounds the raw observation for display. Temperatures round to
// whole degrees, wind to one decimal, visibility converts to whole kilometers
// with the provider's 10km default when the field is absent. A reported 0m
// stays 0km; only a missing field means "unknown".
func normalize(raw *conditions, source string) *Record {
	record := &Record{
		Temperature:   math.Round(raw.Temp),
		FeelsLike:     math.Round(raw.FeelsLike),
		Humidity:      raw.Humidity,
		Pressure:      raw.Pressure,
		WindSpeed:     math.Round(raw.WindSpeed*10) / 10,
		WindDegrees:   raw.WindDeg,
		WindDirection: compassDirection(float64(raw.WindDeg)),
		WindGust:      math.Round(raw.WindGust*10) / 10,
		CloudCover:    raw.Clouds,
		UVIndex:       raw.Uvi,
		Source:        source,
		Timestamp:     time.Unix(raw.Dt, 0).UTC(),
	}

	visibility := shared.WeatherDefaultVisibilityMtrs
	if raw.Visibility != nil {
		visibility = *raw.Visibility
	}
	record.VisibilityKm = int(math.Round(float64(visibility) / 1000))

	if len(raw.Weather) > 0 {
		record.Condition = raw.Weather[0].Main
		record.Description = raw.Weather[0].Description
		record.Icon = raw.Weather[0].Icon
	}

	return record
}

// compassDirection maps wind degrees onto the 16-point compass.
func compassDirection(degrees float64) string {
	degrees = math.Mod(degrees, 360)
	if degrees < 0 {
		degrees += 360
	}
	idx := int(math.Round(degrees/22.5)) % 16
	return shared.CompassDirections[idx]
}
