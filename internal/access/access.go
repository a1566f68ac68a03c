package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"SignalDesk/internal/auth"
	"SignalDesk/internal/model"
	"SignalDesk/internal/store"
)

// ErrUnauthorized is returned when a non-admin attempts an admin-only operation.
// No write is attempted.
var ErrUnauthorized = errors.New("unauthorized: admin only")

// Guard tracks whether the current user may see signals and receive notifications.
type Guard struct {
	profiles store.ProfileStore
	identity auth.Identity
	admin    bool
	log      *zap.Logger

	mu        sync.Mutex
	status    model.AccessStatus
	loaded    bool
	sub       store.Subscription
	listeners []func(bool)
}

// NewGuard creates a guard for identity. Emails in adminEmails, and identities
// with the admin role, bypass approval.
func NewGuard(profiles store.ProfileStore, identity auth.Identity, adminEmails []string, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	admin := identity.IsAdmin()
	for _, e := range adminEmails {
		if identity.Email != "" && strings.EqualFold(strings.TrimSpace(e), identity.Email) {
			admin = true
		}
	}
	return &Guard{
		profiles: profiles,
		identity: identity,
		admin:    admin,
		log:      logger.Named("access"),
		status:   model.AccessPending,
	}
}

// Load fetches the user's profile, creating it as pending on first sight, and
// follows later status changes.
func (g *Guard) Load(ctx context.Context) error {
	p, err := g.profiles.UpsertProfile(ctx, model.Profile{UserID: g.identity.UserID, Email: g.identity.Email})
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	sub, err := g.profiles.SubscribeProfile(ctx, g.identity.UserID, g.handleChange)
	if err != nil {
		return fmt.Errorf("subscribe profile: %w", err)
	}

	g.mu.Lock()
	if g.sub != nil {
		g.sub.Unsubscribe()
	}
	g.sub = sub
	g.mu.Unlock()

	g.apply(p.Status)
	g.log.Info("access loaded", zap.String("user", g.identity.UserID), zap.String("status", string(p.Status)), zap.Bool("admin", g.admin))
	return nil
}

func (g *Guard) handleChange(c store.ProfileChange) {
	if c.Type == store.ChangeDelete {
		g.apply(model.AccessPending)
		return
	}
	g.apply(c.Profile.Status)
}

func (g *Guard) apply(status model.AccessStatus) {
	g.mu.Lock()
	before := g.allowedLocked()
	first := !g.loaded
	g.status = status
	g.loaded = true
	after := g.allowedLocked()
	listeners := append([]func(bool){}, g.listeners...)
	g.mu.Unlock()

	if !first && before == after {
		return
	}
	g.log.Info("access changed", zap.String("status", string(status)), zap.Bool("allowed", after))
	for _, fn := range listeners {
		fn(after)
	}
}

func (g *Guard) allowedLocked() bool {
	return g.admin || g.status == model.AccessApproved
}

// Allowed reports whether the user may see signals. Admins always may.
func (g *Guard) Allowed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.allowedLocked()
}

func (g *Guard) IsAdmin() bool { return g.admin }

// Status returns the user's last known access status.
func (g *Guard) Status() model.AccessStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// OnChange registers fn to receive the allowed state whenever it changes.
func (g *Guard) OnChange(fn func(allowed bool)) {
	g.mu.Lock()
	g.listeners = append(g.listeners, fn)
	g.mu.Unlock()
}

// SetStatus changes another user's access status.
func (g *Guard) SetStatus(ctx context.Context, userID string, status model.AccessStatus) error {
	if !g.admin {
		return ErrUnauthorized
	}
	if !status.Valid() {
		return fmt.Errorf("invalid access status %q", status)
	}
	if err := g.profiles.SetProfileStatus(ctx, userID, status); err != nil {
		return fmt.Errorf("set status of %s: %w", userID, err)
	}
	g.log.Info("access status set", zap.String("user", userID), zap.String("status", string(status)), zap.String("by", g.identity.UserID))
	return nil
}

func (g *Guard) Approve(ctx context.Context, userID string) error {
	return g.SetStatus(ctx, userID, model.AccessApproved)
}

func (g *Guard) Block(ctx context.Context, userID string) error {
	return g.SetStatus(ctx, userID, model.AccessBlocked)
}

// ListByStatus lists profiles with status, or all profiles when status is empty.
func (g *Guard) ListByStatus(ctx context.Context, status model.AccessStatus) ([]model.Profile, error) {
	if !g.admin {
		return nil, ErrUnauthorized
	}
	return g.profiles.ListProfiles(ctx, status)
}

// Close stops following the profile.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sub != nil {
		g.sub.Unsubscribe()
		g.sub = nil
	}
}
