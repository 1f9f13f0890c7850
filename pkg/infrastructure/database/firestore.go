// Package database provides the Firestore-backed user store.
package database

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	shared "github.com/stravaweather/server/pkg"
)

// FirestoreAdapter implements shared.Database on a Firestore client.
type FirestoreAdapter struct {
	client *firestore.Client
}

func NewFirestoreAdapter(client *firestore.Client) *FirestoreAdapter {
	return &FirestoreAdapter{client: client}
}

func (a *FirestoreAdapter) users() *firestore.CollectionRef {
	return a.client.Collection(shared.CollectionUsers)
}

func (a *FirestoreAdapter) GetUser(ctx context.Context, id string) (*shared.User, error) {
	doc, err := a.users().Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, shared.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}

	var user shared.User
	if err := doc.DataTo(&user); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", id, err)
	}
	return &user, nil
}

func (a *FirestoreAdapter) FindUserByAthleteID(ctx context.Context, athleteID string) (*shared.User, error) {
	iter := a.users().Where("strava_athlete_id", "==", athleteID).Limit(1).Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return nil, shared.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user by athlete %s: %w", athleteID, err)
	}

	var user shared.User
	if err := doc.DataTo(&user); err != nil {
		return nil, fmt.Errorf("decode user for athlete %s: %w", athleteID, err)
	}
	return &user, nil
}

func (a *FirestoreAdapter) SaveUser(ctx context.Context, user *shared.User) error {
	if _, err := a.users().Doc(user.ID).Set(ctx, user); err != nil {
		return fmt.Errorf("save user %s: %w", user.ID, err)
	}
	return nil
}

func (a *FirestoreAdapter) UpdateUser(ctx context.Context, id string, data map[string]interface{}) error {
	updates := make([]firestore.Update, 0, len(data))
	for path, value := range data {
		updates = append(updates, firestore.Update{Path: path, Value: value})
	}

	if _, err := a.users().Doc(id).Update(ctx, updates); err != nil {
		if status.Code(err) == codes.NotFound {
			return shared.ErrUserNotFound
		}
		return fmt.Errorf("update user %s: %w", id, err)
	}
	return nil
}
