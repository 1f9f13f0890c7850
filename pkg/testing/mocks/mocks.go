package mocks

import (
	"context"
	"time"

	shared "github.com/stravaweather/server/pkg"
)

// --- Mock Database ---
type MockDatabase struct {
	GetUserFunc             func(ctx context.Context, id string) (*shared.User, error)
	FindUserByAthleteIDFunc func(ctx context.Context, athleteID string) (*shared.User, error)
	SaveUserFunc            func(ctx context.Context, user *shared.User) error
	UpdateUserFunc          func(ctx context.Context, id string, data map[string]interface{}) error
}

func (m *MockDatabase) GetUser(ctx context.Context, id string) (*shared.User, error) {
	if m.GetUserFunc != nil {
		return m.GetUserFunc(ctx, id)
	}
	return nil, shared.ErrUserNotFound
}
func (m *MockDatabase) FindUserByAthleteID(ctx context.Context, athleteID string) (*shared.User, error) {
	if m.FindUserByAthleteIDFunc != nil {
		return m.FindUserByAthleteIDFunc(ctx, athleteID)
	}
	return nil, shared.ErrUserNotFound
}
func (m *MockDatabase) SaveUser(ctx context.Context, user *shared.User) error {
	if m.SaveUserFunc != nil {
		return m.SaveUserFunc(ctx, user)
	}
	return nil
}
func (m *MockDatabase) UpdateUser(ctx context.Context, id string, data map[string]interface{}) error {
	if m.UpdateUserFunc != nil {
		return m.UpdateUserFunc(ctx, id, data)
	}
	return nil
}

// --- Mock Clock ---
type MockClock struct {
	NowFunc func() time.Time
}

func (m *MockClock) Now() time.Time {
	if m.NowFunc != nil {
		return m.NowFunc()
	}
	return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
}
