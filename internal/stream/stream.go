package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"SignalDesk/internal/model"
	"SignalDesk/internal/notifier"
	"SignalDesk/internal/store"
)

// ErrAccessDenied is returned for user actions while access is not allowed.
var ErrAccessDenied = errors.New("access not approved")

// Store is the part of the row store the stream consumes.
type Store interface {
	store.SignalStore
	store.FollowStore
}

// Enricher returns insight text for a signal, or "" when none could be produced.
type Enricher interface {
	Enrich(ctx context.Context, s model.Signal) string
}

// Options configures a Stream. Every field is optional.
type Options struct {
	UserID   string
	Allowed  func() bool // access gate; nil means always allowed
	Enricher Enricher
	Notifier notifier.Notifier
	Seed     []model.Signal // fallback set, defaults to FallbackSignals
	Logger   *zap.Logger
}

// Stream is the locally materialized, de-duplicated view of the signal table.
type Stream struct {
	store    Store
	userID   string
	allowed  func() bool
	enricher Enricher
	notifier notifier.Notifier
	seed     []model.Signal
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu        sync.Mutex
	signals   []model.Signal
	seen      map[string]struct{}
	requested map[string]struct{}
	following map[string]model.Follow
	unseen    int
	live      bool
	seeded    bool
	started   bool
	closed    bool
	sub       store.Subscription
	listeners []func()
}

// New creates a stream over st. Call Start to load and subscribe.
func New(st Store, opts Options) *Stream {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Allowed == nil {
		opts.Allowed = func() bool { return true }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		store:     st,
		userID:    opts.UserID,
		allowed:   opts.Allowed,
		enricher:  opts.Enricher,
		notifier:  opts.Notifier,
		seed:      opts.Seed,
		log:       opts.Logger.Named("stream"),
		ctx:       ctx,
		cancel:    cancel,
		seen:      make(map[string]struct{}),
		requested: make(map[string]struct{}),
		following: make(map[string]model.Follow),
	}
}

// Start loads the view, seeds an empty store once, starts the enrichment
// backlog and opens the live subscription. Transport failures leave the
// stream on its local view and not live; Start itself only fails when called twice.
func (s *Stream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("stream already started")
	}
	s.started = true
	s.mu.Unlock()

	signals, err := s.store.ListSignals(ctx)
	fetched := err == nil
	if err != nil {
		s.log.Warn("initial fetch failed", zap.Error(err))
	}
	if len(signals) == 0 {
		signals = s.seedOnce(ctx)
	}

	s.mu.Lock()
	s.replaceLocked(signals)
	s.mu.Unlock()

	s.loadFollows(ctx)
	s.EnrichMissing()

	sub, err := s.store.SubscribeSignals(s.ctx, []store.ChangeType{store.ChangeInsert, store.ChangeUpdate}, s.handleChange)
	s.mu.Lock()
	if err != nil {
		s.log.Warn("live subscription failed, staying offline", zap.Error(err))
		s.live = false
	} else {
		s.sub = sub
		s.live = fetched
	}
	live, n := s.live, len(s.signals)
	s.mu.Unlock()

	s.log.Info("stream started", zap.Bool("live", live), zap.Int("signals", n))
	s.changed()
	return nil
}

func (s *Stream) seedOnce(ctx context.Context) []model.Signal {
	s.mu.Lock()
	if s.seeded {
		s.mu.Unlock()
		return nil
	}
	s.seeded = true
	s.mu.Unlock()

	fallback := s.seed
	if fallback == nil {
		fallback = FallbackSignals()
	}
	inserted, err := s.store.InsertSignals(ctx, fallback)
	if err != nil {
		s.log.Warn("seeding failed, using local fallback set", zap.Error(err))
		local := make([]model.Signal, len(fallback))
		copy(local, fallback)
		for i := range local {
			store.PrepareSignal(&local[i])
		}
		store.SortNewestFirst(local)
		return local
	}
	s.log.Info("seeded empty signal table", zap.Int("count", len(inserted)))
	store.SortNewestFirst(inserted)
	return inserted
}

func (s *Stream) loadFollows(ctx context.Context) {
	if s.userID == "" {
		return
	}
	follows, err := s.store.ListFollows(ctx, s.userID)
	if err != nil {
		s.log.Warn("load follows failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	for _, f := range follows {
		s.following[f.SignalID] = f
	}
	s.mu.Unlock()
}

func (s *Stream) replaceLocked(signals []model.Signal) {
	s.signals = append([]model.Signal(nil), signals...)
	for _, sig := range s.signals {
		s.seen[sig.ID] = struct{}{}
	}
}

// Refresh re-fetches the view without seeding and re-attempts enrichment for
// signals still lacking insight.
func (s *Stream) Refresh(ctx context.Context) error {
	signals, err := s.store.ListSignals(ctx)
	if err != nil {
		s.mu.Lock()
		s.live = false
		s.mu.Unlock()
		s.changed()
		return fmt.Errorf("refresh signals: %w", err)
	}

	s.mu.Lock()
	local := make(map[string]string, len(s.signals))
	for _, sig := range s.signals {
		if sig.HasInsight() {
			local[sig.ID] = sig.AIInsight
		}
	}
	s.replaceLocked(signals)
	for i := range s.signals {
		sig := &s.signals[i]
		if !sig.HasInsight() && local[sig.ID] != "" {
			sig.AIInsight = local[sig.ID]
		}
		if !sig.HasInsight() {
			delete(s.requested, sig.ID)
		}
	}
	if s.sub != nil {
		s.live = true
	}
	s.mu.Unlock()

	s.loadFollows(ctx)
	s.EnrichMissing()
	s.changed()
	return nil
}

// EnrichMissing starts a sequential enrichment pass over every signal that
// lacks insight and has not been requested yet. It returns immediately.
func (s *Stream) EnrichMissing() {
	if s.enricher == nil || !s.allowed() {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var backlog []model.Signal
	for _, sig := range s.signals {
		if sig.HasInsight() {
			continue
		}
		if _, ok := s.requested[sig.ID]; ok {
			continue
		}
		s.requested[sig.ID] = struct{}{}
		backlog = append(backlog, sig)
	}
	if len(backlog) == 0 {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.log.Debug("enrichment backlog", zap.Int("count", len(backlog)))
		for i, sig := range backlog {
			if s.ctx.Err() != nil || !s.allowed() {
				s.release(backlog[i:])
				return
			}
			s.enrichOne(sig)
		}
	}()
}

// release forgets requests that were never issued so a later pass picks them up.
func (s *Stream) release(signals []model.Signal) {
	s.mu.Lock()
	for _, sig := range signals {
		delete(s.requested, sig.ID)
	}
	s.mu.Unlock()
}

func (s *Stream) enrichOne(sig model.Signal) {
	text := s.enricher.Enrich(s.ctx, sig)
	if text == "" {
		return
	}

	s.mu.Lock()
	attached := false
	for i := range s.signals {
		if s.signals[i].ID == sig.ID && !s.signals[i].HasInsight() {
			s.signals[i].AIInsight = text
			attached = true
			break
		}
	}
	if attached && !s.closed {
		s.wg.Add(1)
		go s.writeBack(sig.ID, text)
	}
	s.mu.Unlock()

	if attached {
		s.changed()
	}
}

func (s *Stream) writeBack(id, text string) {
	defer s.wg.Done()
	if err := s.store.UpdateSignal(s.ctx, id, model.SignalPatch{AIInsight: &text}); err != nil {
		s.log.Warn("insight write-back failed", zap.String("signal", id), zap.Error(err))
	}
}

func (s *Stream) handleChange(c store.SignalChange) {
	switch c.Type {
	case store.ChangeInsert:
		s.handleInsert(c.Signal)
	case store.ChangeUpdate:
		s.handleUpdate(c.Signal)
	}
}

func (s *Stream) handleInsert(sig model.Signal) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, dup := s.seen[sig.ID]; dup {
		s.mu.Unlock()
		s.log.Debug("duplicate insert discarded", zap.String("signal", sig.ID))
		return
	}
	s.seen[sig.ID] = struct{}{}
	s.signals = append([]model.Signal{sig}, s.signals...)
	s.unseen++

	allowed := s.allowed()
	enrich := allowed && s.enricher != nil && !sig.HasInsight()
	if enrich {
		s.requested[sig.ID] = struct{}{}
		s.wg.Add(1)
	}
	notify := allowed && s.notifier != nil
	if notify {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	s.log.Info("new signal", zap.String("signal", sig.ID), zap.String("symbol", sig.Symbol), zap.String("type", string(sig.Type)))
	if notify {
		go func() {
			defer s.wg.Done()
			if err := s.notifier.Notify(s.ctx, notifier.SignalNotification(sig)); err != nil {
				s.log.Warn("new signal notification failed", zap.String("signal", sig.ID), zap.Error(err))
			}
		}()
	}
	if enrich {
		go func() {
			defer s.wg.Done()
			s.enrichOne(sig)
		}()
	}
	s.changed()
}

func (s *Stream) handleUpdate(sig model.Signal) {
	s.mu.Lock()
	found := false
	for i := range s.signals {
		if s.signals[i].ID != sig.ID {
			continue
		}
		if !sig.HasInsight() && s.signals[i].HasInsight() {
			// Our write-back has not landed yet.
			sig.AIInsight = s.signals[i].AIInsight
		}
		s.signals[i] = sig
		found = true
		break
	}
	s.mu.Unlock()

	if found {
		s.changed()
	}
}

// Follow records a paper trade at entry (the signal entry when zero). Calling
// it again for the same signal updates the existing follow.
func (s *Stream) Follow(ctx context.Context, sig model.Signal, entry decimal.Decimal) error {
	if s.userID == "" {
		return errors.New("follow: no current user")
	}
	if !s.allowed() {
		return ErrAccessDenied
	}
	if entry.IsZero() {
		entry = sig.Entry
	}
	f := model.Follow{UserID: s.userID, SignalID: sig.ID, EntryPrice: entry}
	if err := s.store.UpsertFollow(ctx, f); err != nil {
		return fmt.Errorf("follow %s: %w", sig.Symbol, err)
	}

	s.mu.Lock()
	s.following[sig.ID] = f
	s.mu.Unlock()
	s.changed()
	return nil
}

// Unfollow removes the paper trade for signalID.
func (s *Stream) Unfollow(ctx context.Context, signalID string) error {
	if s.userID == "" {
		return errors.New("unfollow: no current user")
	}
	if !s.allowed() {
		return ErrAccessDenied
	}
	if err := s.store.DeleteFollow(ctx, s.userID, signalID); err != nil {
		return fmt.Errorf("unfollow %s: %w", signalID, err)
	}

	s.mu.Lock()
	delete(s.following, signalID)
	s.mu.Unlock()
	s.changed()
	return nil
}

// Signals returns a copy of the local view, newest first.
func (s *Stream) Signals() []model.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Signal(nil), s.signals...)
}

// Signal returns the local copy of one signal.
func (s *Stream) Signal(id string) (model.Signal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sig := range s.signals {
		if sig.ID == id {
			return sig, true
		}
	}
	return model.Signal{}, false
}

// SeenCount returns the size of the seen-index.
func (s *Stream) SeenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Unseen returns the number of live inserts since the last MarkSeen.
func (s *Stream) Unseen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unseen
}

// MarkSeen resets the unseen counter.
func (s *Stream) MarkSeen() {
	s.mu.Lock()
	s.unseen = 0
	s.mu.Unlock()
	s.changed()
}

// Live reports whether the view is backed by a successful fetch and an open subscription.
func (s *Stream) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// IsFollowing reports whether the current user follows signalID.
func (s *Stream) IsFollowing(signalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.following[signalID]
	return ok
}

// Following returns the current user's follows.
func (s *Stream) Following() []model.Follow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Follow, 0, len(s.following))
	for _, f := range s.following {
		out = append(out, f)
	}
	return out
}

// OnChange registers fn to run after every change to the view. fn must not block.
func (s *Stream) OnChange(fn func()) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Wait blocks until background enrichment, notifications and write-backs finish.
func (s *Stream) Wait() {
	s.wg.Wait()
}

// Close unsubscribes, cancels background work and waits for it.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.live = false
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Stream) changed() {
	s.mu.Lock()
	listeners := append([]func(){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}
