package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"SignalDesk/internal/model"
)

// MemoryStore is an in-process Store used for demos and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	signals  map[string]model.Signal
	follows  map[followKey]model.Follow
	profiles map[string]model.Profile

	signalFeed  *Feed[SignalChange]
	profileFeed *Feed[ProfileChange]
}

type followKey struct {
	userID   string
	signalID string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		signals:     make(map[string]model.Signal),
		follows:     make(map[followKey]model.Follow),
		profiles:    make(map[string]model.Profile),
		signalFeed:  NewFeed[SignalChange](),
		profileFeed: NewFeed[ProfileChange](),
	}
}

func (m *MemoryStore) ListSignals(_ context.Context) ([]model.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Signal, 0, len(m.signals))
	for _, s := range m.signals {
		out = append(out, s)
	}
	SortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) GetSignal(_ context.Context, id string) (*model.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.signals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) InsertSignals(_ context.Context, signals []model.Signal) ([]model.Signal, error) {
	out := make([]model.Signal, 0, len(signals))
	m.mu.Lock()
	for _, s := range signals {
		PrepareSignal(&s)
		m.signals[s.ID] = s
		out = append(out, s)
	}
	m.mu.Unlock()

	for _, s := range out {
		m.signalFeed.Publish(SignalChange{Type: ChangeInsert, Signal: s})
	}
	return out, nil
}

func (m *MemoryStore) UpdateSignal(_ context.Context, id string, patch model.SignalPatch) error {
	m.mu.Lock()
	s, ok := m.signals[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	ApplyPatch(&s, patch)
	m.signals[id] = s
	m.mu.Unlock()

	m.signalFeed.Publish(SignalChange{Type: ChangeUpdate, Signal: s})
	return nil
}

func (m *MemoryStore) SubscribeSignals(_ context.Context, types []ChangeType, fn func(SignalChange)) (Subscription, error) {
	return m.signalFeed.Subscribe(func(c SignalChange) bool {
		return WantsChange(types, c.Type)
	}, fn), nil
}

func (m *MemoryStore) UpsertFollow(_ context.Context, f model.Follow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := followKey{userID: f.UserID, signalID: f.SignalID}
	if existing, ok := m.follows[key]; ok {
		f.ID = existing.ID
	}
	PrepareFollow(&f)
	m.follows[key] = f
	return nil
}

func (m *MemoryStore) DeleteFollow(_ context.Context, userID, signalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.follows, followKey{userID: userID, signalID: signalID})
	return nil
}

func (m *MemoryStore) ListFollows(_ context.Context, userID string) ([]model.Follow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Follow
	for k, f := range m.follows {
		if k.userID == userID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FollowedAt.After(out[j].FollowedAt) })
	return out, nil
}

func (m *MemoryStore) GetProfile(_ context.Context, userID string) (*model.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *MemoryStore) UpsertProfile(_ context.Context, p model.Profile) (*model.Profile, error) {
	m.mu.Lock()
	change := ChangeUpdate
	if existing, ok := m.profiles[p.UserID]; ok {
		p.Status = existing.Status
	} else {
		change = ChangeInsert
		if !p.Status.Valid() {
			p.Status = model.AccessPending
		}
	}
	p.UpdatedAt = time.Now().UTC()
	m.profiles[p.UserID] = p
	m.mu.Unlock()

	m.profileFeed.Publish(ProfileChange{Type: change, Profile: p})
	return &p, nil
}

func (m *MemoryStore) SetProfileStatus(_ context.Context, userID string, status model.AccessStatus) error {
	m.mu.Lock()
	p, ok := m.profiles[userID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	m.profiles[userID] = p
	m.mu.Unlock()

	m.profileFeed.Publish(ProfileChange{Type: ChangeUpdate, Profile: p})
	return nil
}

func (m *MemoryStore) ListProfiles(_ context.Context, status model.AccessStatus) ([]model.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Profile
	for _, p := range m.profiles {
		if status == "" || p.Status == status {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *MemoryStore) SubscribeProfile(_ context.Context, userID string, fn func(ProfileChange)) (Subscription, error) {
	return m.profileFeed.Subscribe(func(c ProfileChange) bool {
		return c.Profile.UserID == userID
	}, fn), nil
}

func (m *MemoryStore) Close() error {
	m.signalFeed.Close()
	m.profileFeed.Close()
	return nil
}

// PrepareSignal assigns an ID and creation time when missing.
func PrepareSignal(s *model.Signal) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.Status == "" {
		s.Status = model.StatusActive
	}
}

// PrepareFollow assigns an ID and follow time when missing.
func PrepareFollow(f *model.Follow) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.FollowedAt.IsZero() {
		f.FollowedAt = time.Now().UTC()
	}
}

// ApplyPatch copies the non-nil patch fields onto s.
func ApplyPatch(s *model.Signal, patch model.SignalPatch) {
	if patch.Status != nil {
		s.Status = *patch.Status
	}
	if patch.AIInsight != nil {
		s.AIInsight = *patch.AIInsight
	}
}

// SortNewestFirst orders signals by creation time, newest first.
func SortNewestFirst(signals []model.Signal) {
	sort.SliceStable(signals, func(i, j int) bool {
		return signals[i].CreatedAt.After(signals[j].CreatedAt)
	})
}
