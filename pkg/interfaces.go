package shared

import (
	"context"
	"time"
)

// --- Persistence Interfaces ---

type Database interface {
	GetUser(ctx context.Context, id string) (*User, error)
	FindUserByAthleteID(ctx context.Context, athleteID string) (*User, error)
	SaveUser(ctx context.Context, user *User) error
	UpdateUser(ctx context.Context, id string, data map[string]interface{}) error
}

// --- Time ---

// Clock abstracts "now" so that expiry checks, time bucketing and retry
// deadlines are testable with a fixed time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
