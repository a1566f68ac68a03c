package store

import (
	"context"
	"errors"

	"SignalDesk/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ChangeType identifies the kind of row change delivered by a subscription.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// SignalChange is a realtime notification for the signals table.
type SignalChange struct {
	Type   ChangeType
	Signal model.Signal
}

// ProfileChange is a realtime notification for the profiles table.
type ProfileChange struct {
	Type    ChangeType
	Profile model.Profile
}

// Subscription is a live change feed. Unsubscribe stops delivery and is safe to call twice.
type Subscription interface {
	Unsubscribe()
}

// SignalStore reads, writes and streams signals.
type SignalStore interface {
	// ListSignals returns every signal, newest first.
	ListSignals(ctx context.Context) ([]model.Signal, error)
	GetSignal(ctx context.Context, id string) (*model.Signal, error)
	// InsertSignals stores the signals and returns them with IDs and timestamps assigned.
	InsertSignals(ctx context.Context, signals []model.Signal) ([]model.Signal, error)
	UpdateSignal(ctx context.Context, id string, patch model.SignalPatch) error
	// SubscribeSignals delivers changes of the given types to fn, in commit order.
	SubscribeSignals(ctx context.Context, types []ChangeType, fn func(SignalChange)) (Subscription, error)
}

// FollowStore persists paper-trade follows.
type FollowStore interface {
	// UpsertFollow inserts or replaces the follow keyed by (UserID, SignalID).
	UpsertFollow(ctx context.Context, f model.Follow) error
	DeleteFollow(ctx context.Context, userID, signalID string) error
	ListFollows(ctx context.Context, userID string) ([]model.Follow, error)
}

// ProfileStore persists user profiles and their access status.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*model.Profile, error)
	// UpsertProfile creates the profile or updates its email. The status of an existing profile is kept.
	UpsertProfile(ctx context.Context, p model.Profile) (*model.Profile, error)
	SetProfileStatus(ctx context.Context, userID string, status model.AccessStatus) error
	// ListProfiles returns profiles with the given status, or all profiles when status is empty.
	ListProfiles(ctx context.Context, status model.AccessStatus) ([]model.Profile, error)
	SubscribeProfile(ctx context.Context, userID string, fn func(ProfileChange)) (Subscription, error)
}

// Store is the full row store consumed by the client core.
type Store interface {
	SignalStore
	FollowStore
	ProfileStore
	Close() error
}

// WantsChange reports whether t is in types. An empty list matches everything.
func WantsChange(types []ChangeType, t ChangeType) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if want == t {
			return true
		}
	}
	return false
}
