package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"SignalDesk/internal/model"
	"SignalDesk/internal/notifier"
	"SignalDesk/internal/store"
)

type flakyStore struct {
	*store.MemoryStore
	listErr   error
	insertErr error
	subErr    error
	upsertErr error
}

func (f *flakyStore) ListSignals(ctx context.Context) ([]model.Signal, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.MemoryStore.ListSignals(ctx)
}

func (f *flakyStore) InsertSignals(ctx context.Context, s []model.Signal) ([]model.Signal, error) {
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	return f.MemoryStore.InsertSignals(ctx, s)
}

func (f *flakyStore) SubscribeSignals(ctx context.Context, types []store.ChangeType, fn func(store.SignalChange)) (store.Subscription, error) {
	if f.subErr != nil {
		return nil, f.subErr
	}
	return f.MemoryStore.SubscribeSignals(ctx, types, fn)
}

func (f *flakyStore) UpsertFollow(ctx context.Context, fl model.Follow) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	return f.MemoryStore.UpsertFollow(ctx, fl)
}

func newFlaky(t *testing.T) *flakyStore {
	t.Helper()
	m := store.NewMemoryStore()
	t.Cleanup(func() { m.Close() })
	return &flakyStore{MemoryStore: m}
}

// countingEnricher answers "<symbol> insight" unless the symbol is listed in empty.
type countingEnricher struct {
	mu    sync.Mutex
	calls map[string]int
	empty map[string]bool
}

func newEnricher(empty ...string) *countingEnricher {
	e := &countingEnricher{calls: map[string]int{}, empty: map[string]bool{}}
	for _, s := range empty {
		e.empty[s] = true
	}
	return e
}

func (e *countingEnricher) Enrich(_ context.Context, s model.Signal) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls[s.ID]++
	if e.empty[s.Symbol] {
		return ""
	}
	return s.Symbol + " insight"
}

func (e *countingEnricher) count(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[id]
}

func (e *countingEnricher) total() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		n += c
	}
	return n
}

func (e *countingEnricher) setEmpty(symbol string, empty bool) {
	e.mu.Lock()
	e.empty[symbol] = empty
	e.mu.Unlock()
}

type countingNotifier struct {
	mu  sync.Mutex
	ids []string
}

func (n *countingNotifier) Notify(_ context.Context, note notifier.Notification) error {
	n.mu.Lock()
	n.ids = append(n.ids, note.Data["signal_id"])
	n.mu.Unlock()
	return nil
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.ids)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newSignal(symbol string) model.Signal {
	return model.Signal{
		Symbol:     symbol,
		Type:       model.SignalBuy,
		Entry:      decimal.NewFromInt(100),
		StopLoss:   decimal.NewFromInt(95),
		TakeProfit: decimal.NewFromInt(110),
		Confidence: 60,
	}
}

func TestStartSeedsAndEnrichesBacklog(t *testing.T) {
	st := newFlaky(t)
	enr := newEnricher("BTCUSD")
	s := New(st, Options{Enricher: enr})
	defer s.Close()

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Wait()

	view := s.Signals()
	if len(view) != 6 {
		t.Fatalf("expected 6 seeded signals, got %d", len(view))
	}
	if !s.Live() {
		t.Error("stream should be live")
	}
	if s.SeenCount() != 6 {
		t.Errorf("seen index %d", s.SeenCount())
	}
	for _, sig := range view {
		if enr.count(sig.ID) != 1 {
			t.Errorf("%s enriched %d times", sig.Symbol, enr.count(sig.ID))
		}
		wantInsight := sig.Symbol != "BTCUSD"
		if sig.HasInsight() != wantInsight {
			t.Errorf("%s insight = %q", sig.Symbol, sig.AIInsight)
		}
		stored, err := st.GetSignal(context.Background(), sig.ID)
		if err != nil {
			t.Fatal(err)
		}
		if stored.AIInsight != sig.AIInsight {
			t.Errorf("%s write-back: stored %q, local %q", sig.Symbol, stored.AIInsight, sig.AIInsight)
		}
	}
	for i := 1; i < len(view); i++ {
		if view[i].CreatedAt.After(view[i-1].CreatedAt) {
			t.Fatal("view is not newest first")
		}
	}
}

func TestStartUsesExistingSignals(t *testing.T) {
	st := newFlaky(t)
	if _, err := st.InsertSignals(context.Background(), []model.Signal{newSignal("AAA"), newSignal("BBB")}); err != nil {
		t.Fatal(err)
	}
	s := New(st, Options{})
	defer s.Close()
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(s.Signals()) != 2 || s.SeenCount() != 2 {
		t.Errorf("expected the 2 stored signals, got %d", len(s.Signals()))
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
}

func TestStartOfflineFallsBackLocally(t *testing.T) {
	st := newFlaky(t)
	st.listErr = errors.New("connection refused")
	st.insertErr = errors.New("connection refused")
	s := New(st, Options{})
	defer s.Close()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("transport errors must not fail Start: %v", err)
	}
	if s.Live() {
		t.Error("stream should not be live after a failed fetch")
	}
	if n := len(s.Signals()); n != 6 {
		t.Errorf("expected local fallback set, got %d", n)
	}
	for _, sig := range s.Signals() {
		if sig.ID == "" {
			t.Error("fallback signals need local ids")
		}
	}
}

func TestSubscribeFailureIsNotLive(t *testing.T) {
	st := newFlaky(t)
	st.subErr = errors.New("realtime unavailable")
	s := New(st, Options{})
	defer s.Close()
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.Live() {
		t.Error("expected not live")
	}
	if len(s.Signals()) != 6 {
		t.Error("view should still be loaded")
	}
}

func TestDuplicateInsertsAreDiscarded(t *testing.T) {
	st := newFlaky(t)
	n := &countingNotifier{}
	s := New(st, Options{Notifier: n})
	defer s.Close()
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	existing := s.Signals()[0]

	// Redelivery of a row loaded by the initial fetch.
	s.handleChange(store.SignalChange{Type: store.ChangeInsert, Signal: existing})
	if len(s.Signals()) != 6 || s.Unseen() != 0 {
		t.Fatalf("redelivered insert changed the view: %d signals, %d unseen", len(s.Signals()), s.Unseen())
	}

	fresh := newSignal("NZDUSD")
	fresh.ID = "fresh-1"
	for i := 0; i < 3; i++ {
		s.handleChange(store.SignalChange{Type: store.ChangeInsert, Signal: fresh})
	}
	s.Wait()

	if len(s.Signals()) != 7 || s.SeenCount() != 7 {
		t.Errorf("expected 7 distinct signals, got view %d seen %d", len(s.Signals()), s.SeenCount())
	}
	if s.Signals()[0].ID != "fresh-1" {
		t.Error("new insert should be prepended")
	}
	if s.Unseen() != 1 {
		t.Errorf("unseen = %d", s.Unseen())
	}
	if n.count() != 1 {
		t.Errorf("expected one notification, got %d", n.count())
	}
	s.MarkSeen()
	if s.Unseen() != 0 {
		t.Error("MarkSeen should reset the counter")
	}
}

func TestLiveInsertIsEnrichedOnce(t *testing.T) {
	st := newFlaky(t)
	enr := newEnricher()
	s := New(st, Options{Enricher: enr})
	defer s.Close()
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Wait()

	inserted, err := st.InsertSignals(context.Background(), []model.Signal{newSignal("CADJPY")})
	if err != nil {
		t.Fatal(err)
	}
	id := inserted[0].ID
	eventually(t, "live insight", func() bool {
		sig, ok := s.Signal(id)
		return ok && sig.AIInsight == "CADJPY insight"
	})
	s.Wait()
	if enr.count(id) != 1 {
		t.Errorf("enriched %d times", enr.count(id))
	}

	// The write-back comes back as an update and must not add a row.
	eventually(t, "write-back update", func() bool {
		stored, _ := st.GetSignal(context.Background(), id)
		return stored != nil && stored.AIInsight == "CADJPY insight"
	})
	if len(s.Signals()) != 7 {
		t.Errorf("view length %d", len(s.Signals()))
	}

	status := model.StatusHitTP
	if err := st.UpdateSignal(context.Background(), id, model.SignalPatch{Status: &status}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "status update", func() bool {
		sig, _ := s.Signal(id)
		return sig.Status == model.StatusHitTP
	})
	if enr.count(id) != 1 {
		t.Error("update must not trigger enrichment")
	}
}

func TestUpdateKeepsLocalInsight(t *testing.T) {
	st := newFlaky(t)
	s := New(st, Options{Enricher: newEnricher()})
	defer s.Close()
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Wait()

	sig := s.Signals()[0]
	incoming := sig
	incoming.AIInsight = ""
	incoming.Status = model.StatusHitSL
	s.handleChange(store.SignalChange{Type: store.ChangeUpdate, Signal: incoming})

	got, _ := s.Signal(sig.ID)
	if got.Status != model.StatusHitSL || got.AIInsight != sig.AIInsight {
		t.Errorf("got %+v", got)
	}

	unknown := newSignal("ZZZ")
	unknown.ID = "not-in-view"
	s.handleChange(store.SignalChange{Type: store.ChangeUpdate, Signal: unknown})
	if _, ok := s.Signal("not-in-view"); ok {
		t.Error("update for an unknown id must not add it")
	}
}

func TestRefreshRetriesOnlyMissing(t *testing.T) {
	st := newFlaky(t)
	enr := newEnricher("XAUUSD")
	s := New(st, Options{Enricher: enr})
	defer s.Close()
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Wait()
	if enr.total() != 6 {
		t.Fatalf("expected 6 calls, got %d", enr.total())
	}

	// Without a refresh nothing is requested twice.
	s.EnrichMissing()
	s.Wait()
	if enr.total() != 6 {
		t.Fatalf("enrichment repeated without refresh: %d", enr.total())
	}

	enr.setEmpty("XAUUSD", false)
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Wait()
	if enr.total() != 7 {
		t.Errorf("refresh should retry only the missing one, total %d", enr.total())
	}
	for _, sig := range s.Signals() {
		if !sig.HasInsight() {
			t.Errorf("%s still lacks insight", sig.Symbol)
		}
	}

	st.listErr = errors.New("timeout")
	if err := s.Refresh(context.Background()); err == nil {
		t.Error("expected refresh error")
	}
	if s.Live() {
		t.Error("failed refresh should mark the stream offline")
	}
	if len(s.Signals()) != 6 {
		t.Error("failed refresh must keep the local view")
	}
}

func TestAccessGating(t *testing.T) {
	st := newFlaky(t)
	enr := newEnricher()
	n := &countingNotifier{}
	var mu sync.Mutex
	allowed := false
	isAllowed := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return allowed
	}
	s := New(st, Options{UserID: "u1", Allowed: isAllowed, Enricher: enr, Notifier: n})
	defer s.Close()

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Wait()
	if enr.total() != 0 {
		t.Fatalf("enrichment ran while not allowed: %d", enr.total())
	}

	fresh := newSignal("AUDNZD")
	fresh.ID = "gated"
	s.handleChange(store.SignalChange{Type: store.ChangeInsert, Signal: fresh})
	s.Wait()
	if enr.total() != 0 || n.count() != 0 {
		t.Errorf("gated insert enriched=%d notified=%d", enr.total(), n.count())
	}
	if len(s.Signals()) != 7 {
		t.Error("gated insert should still be recorded in the view")
	}
	if err := s.Follow(context.Background(), fresh, decimal.Zero); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("expected ErrAccessDenied, got %v", err)
	}

	mu.Lock()
	allowed = true
	mu.Unlock()
	s.EnrichMissing()
	s.Wait()
	if enr.total() != 7 {
		t.Errorf("expected the whole backlog once allowed, got %d", enr.total())
	}
}

func TestFollowIsIdempotent(t *testing.T) {
	st := newFlaky(t)
	s := New(st, Options{UserID: "u1"})
	defer s.Close()
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	sig := s.Signals()[0]
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := s.Follow(ctx, sig, decimal.NewFromInt(101)); err != nil {
			t.Fatal(err)
		}
	}
	follows, err := st.ListFollows(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(follows) != 1 || !follows[0].EntryPrice.Equal(decimal.NewFromInt(101)) {
		t.Fatalf("expected exactly one follow, got %+v", follows)
	}
	if !s.IsFollowing(sig.ID) || len(s.Following()) != 1 {
		t.Error("local following state not updated")
	}

	if err := s.Unfollow(ctx, sig.ID); err != nil {
		t.Fatal(err)
	}
	follows, _ = st.ListFollows(ctx, "u1")
	if len(follows) != 0 || s.IsFollowing(sig.ID) {
		t.Error("unfollow did not remove the follow")
	}
}

func TestFollowDefaultsToSignalEntry(t *testing.T) {
	st := newFlaky(t)
	s := New(st, Options{UserID: "u1"})
	defer s.Close()
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	sig := s.Signals()[0]
	if err := s.Follow(context.Background(), sig, decimal.Zero); err != nil {
		t.Fatal(err)
	}
	follows, _ := st.ListFollows(context.Background(), "u1")
	if len(follows) != 1 || !follows[0].EntryPrice.Equal(sig.Entry) {
		t.Errorf("got %+v", follows)
	}
}

func TestFollowFailureIsNotOptimistic(t *testing.T) {
	st := newFlaky(t)
	st.upsertErr = errors.New("permission denied")
	s := New(st, Options{UserID: "u1"})
	defer s.Close()
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	sig := s.Signals()[0]
	if err := s.Follow(context.Background(), sig, decimal.Zero); err == nil {
		t.Fatal("expected error")
	}
	if s.IsFollowing(sig.ID) {
		t.Error("failed follow must not change local state")
	}

	anon := New(st, Options{})
	defer anon.Close()
	if err := anon.Follow(context.Background(), sig, decimal.Zero); err == nil {
		t.Error("follow without a user should fail")
	}
}

func TestFollowsLoadedOnStart(t *testing.T) {
	st := newFlaky(t)
	ctx := context.Background()
	inserted, err := st.InsertSignals(ctx, []model.Signal{newSignal("AAA")})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertFollow(ctx, model.Follow{UserID: "u1", SignalID: inserted[0].ID, EntryPrice: decimal.NewFromInt(1)}); err != nil {
		t.Fatal(err)
	}
	s := New(st, Options{UserID: "u1"})
	defer s.Close()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if !s.IsFollowing(inserted[0].ID) {
		t.Error("existing follow not loaded")
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	st := newFlaky(t)
	s := New(st, Options{})
	changes := make(chan struct{}, 64)
	s.OnChange(func() { changes <- struct{}{} })
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Close()
	s.Close()

	if _, err := st.InsertSignals(context.Background(), []model.Signal{newSignal("LATE")}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if len(s.Signals()) != 6 || s.Live() {
		t.Errorf("closed stream changed: %d signals live=%v", len(s.Signals()), s.Live())
	}
}
