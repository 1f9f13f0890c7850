package strava

import "time"

// Activity is the subset of the Strava activity payload this service reads.
type Activity struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	Distance           float64   `json:"distance"`
	MovingTime         int       `json:"moving_time"`
	ElapsedTime        int       `json:"elapsed_time"`
	TotalElevationGain float64   `json:"total_elevation_gain"`
	Type               string    `json:"type"`
	StartDate          time.Time `json:"start_date"`
	Timezone           string    `json:"timezone"`
	StartLatLng        []float64 `json:"start_latlng"`
	EndLatLng          []float64 `json:"end_latlng"`
	Description        string    `json:"description"`
	Private            bool      `json:"private"`
	Visibility         string    `json:"visibility"`
}

// UpdateActivityRequest is the PUT body for activity updates. Empty fields
// are omitted so unrelated attributes stay untouched.
type UpdateActivityRequest struct {
	Name        string `json:"name,omitempty"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	GearID      string `json:"gear_id,omitempty"`
}

// Athlete is the owner summary returned alongside token grants.
type Athlete struct {
	ID              int64  `json:"id"`
	FirstName       string `json:"firstname"`
	LastName        string `json:"lastname"`
	ProfileImageURL string `json:"profile"`
	City            string `json:"city"`
	Country         string `json:"country"`
}

// TokenGrant is a plaintext access/refresh pair from the token endpoint.
// It must be encrypted before it is persisted or handed across component
// boundaries.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Athlete      *Athlete
}

// Subscription is one registered webhook push subscription.
type Subscription struct {
	ID          int64  `json:"id"`
	CallbackURL string `json:"callback_url"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}
