// Package bootstrap loads configuration, configures structured logging and
// initializes the shared service dependencies.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"cloud.google.com/go/firestore"
	"github.com/joho/godotenv"

	shared "github.com/stravaweather/server/pkg"
	"github.com/stravaweather/server/pkg/infrastructure/database"
)

// Config holds the service configuration, loaded from the environment.
type Config struct {
	Port               string
	ProjectID          string
	AppURL             string
	EncryptionKey      string
	OpenWeatherAPIKey  string
	StravaClientID     string
	StravaClientSecret string
	WebhookVerifyToken string
	SentryDSN          string
	Environment        string
}

// Service holds initialized dependencies.
type Service struct {
	DB     shared.Database
	Clock  shared.Clock
	Config *Config
	Logger *slog.Logger
}

// LoadConfig reads configuration from the environment. A local .env file is
// loaded first when present; real deployments set variables directly.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               os.Getenv("PORT"),
		ProjectID:          os.Getenv("GOOGLE_CLOUD_PROJECT"),
		AppURL:             os.Getenv("APP_URL"),
		EncryptionKey:      os.Getenv("ENCRYPTION_KEY"),
		OpenWeatherAPIKey:  os.Getenv("OPENWEATHER_API_KEY"),
		StravaClientID:     os.Getenv("STRAVA_CLIENT_ID"),
		StravaClientSecret: os.Getenv("STRAVA_CLIENT_SECRET"),
		WebhookVerifyToken: os.Getenv("STRAVA_WEBHOOK_VERIFY_TOKEN"),
		SentryDSN:          os.Getenv("SENTRY_DSN"),
		Environment:        os.Getenv("ENVIRONMENT"),
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	var missing []string
	for name, value := range map[string]string{
		"GOOGLE_CLOUD_PROJECT":        cfg.ProjectID,
		"APP_URL":                     cfg.AppURL,
		"ENCRYPTION_KEY":              cfg.EncryptionKey,
		"OPENWEATHER_API_KEY":         cfg.OpenWeatherAPIKey,
		"STRAVA_CLIENT_ID":            cfg.StravaClientID,
		"STRAVA_CLIENT_SECRET":        cfg.StravaClientSecret,
		"STRAVA_WEBHOOK_VERIFY_TOKEN": cfg.WebhookVerifyToken,
	} {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	return cfg, nil
}

// GetSlogHandlerOptions returns standard handler options for GCP.
func GetSlogHandlerOptions(level slog.Level) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Map standard keys to Cloud Logging keys
			if a.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: a.Value}
			}
			if a.Key == slog.LevelKey {
				return slog.Attr{Key: "severity", Value: a.Value}
			}
			return a
		},
	}
}

// ComponentHandler wraps a slog.Handler to prepend [component] to the message
type ComponentHandler struct {
	slog.Handler
	component string
}

// WithGroup implements slog.Handler
func (h *ComponentHandler) WithGroup(name string) slog.Handler {
	return &ComponentHandler{
		Handler:   h.Handler.WithGroup(name),
		component: h.component,
	}
}

// WithAttrs implements slog.Handler
func (h *ComponentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newComp := h.component
	for _, a := range attrs {
		if a.Key == "component" {
			newComp = a.Value.String()
		}
	}
	return &ComponentHandler{
		Handler:   h.Handler.WithAttrs(attrs),
		component: newComp,
	}
}

// Handle implements slog.Handler
func (h *ComponentHandler) Handle(ctx context.Context, r slog.Record) error {
	comp := h.component

	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			comp = a.Value.String()
			return false // stop
		}
		return true
	})

	if comp != "" {
		newMsg := fmt.Sprintf("[%s] %s", comp, r.Message)
		newRecord := slog.NewRecord(r.Time, r.Level, newMsg, r.PC)

		// Keep the component attribute in the structured payload.
		r.Attrs(func(a slog.Attr) bool {
			newRecord.AddAttrs(a)
			return true
		})
		r = newRecord
	}

	return h.Handler.Handle(ctx, r)
}

// NewLogger creates a configured logger instance.
func NewLogger(serviceName string) *slog.Logger {
	logLevelStr := os.Getenv("LOG_LEVEL")
	var level slog.Level
	switch strings.ToLower(logLevelStr) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := GetSlogHandlerOptions(level)
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(&ComponentHandler{Handler: handler}).With("service", serviceName)
}

// NewService initializes the shared dependencies.
func NewService(ctx context.Context) (*Service, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	logger := NewLogger("strava-weather")
	slog.SetDefault(logger)

	logger.Info("Initializing service", "project_id", cfg.ProjectID, "environment", cfg.Environment)

	fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		logger.Error("Firestore init failed", "error", err)
		return nil, fmt.Errorf("firestore init: %w", err)
	}

	return &Service{
		DB:     database.NewFirestoreAdapter(fsClient),
		Clock:  shared.SystemClock{},
		Config: cfg,
		Logger: logger,
	}, nil
}
