package shared

import (
	"errors"
	"time"
)

// ErrUserNotFound is returned by Database implementations when no user
// matches the given id or athlete id.
var ErrUserNotFound = errors.New("user not found")

// User is one connected athlete. AccessToken and RefreshToken always hold the
// encrypted envelope representation; plaintext tokens only exist transiently
// inside the vault, the token manager and the Strava client.
type User struct {
	ID              string    `firestore:"id"`
	StravaAthleteID string    `firestore:"strava_athlete_id"`
	AccessToken     string    `firestore:"access_token"`
	RefreshToken    string    `firestore:"refresh_token"`
	TokenExpiresAt  time.Time `firestore:"token_expires_at"`
	WeatherEnabled  bool      `firestore:"weather_enabled"`
	FirstName       string    `firestore:"first_name,omitempty"`
	LastName        string    `firestore:"last_name,omitempty"`
	ProfileImageURL string    `firestore:"profile_image_url,omitempty"`
	City            string    `firestore:"city,omitempty"`
	Country         string    `firestore:"country,omitempty"`
	CreatedAt       time.Time `firestore:"created_at"`
	UpdatedAt       time.Time `firestore:"updated_at"`
}
