package notifier

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"SignalDesk/internal/model"
	"SignalDesk/internal/store"
)

// FanOut delivers a notification and an optional callback for every inserted
// signal. It keeps its own subscription, independent of any stream dedup, and
// only subscribes while access is allowed.
type FanOut struct {
	signals  store.SignalStore
	notifier Notifier
	callback func(model.Signal)
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc

	mu     sync.Mutex
	sub    store.Subscription
	closed bool
}

// NewFanOut creates an inactive FanOut. notifier and callback may be nil.
func NewFanOut(signals store.SignalStore, n Notifier, callback func(model.Signal), logger *zap.Logger) *FanOut {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &FanOut{
		signals:  signals,
		notifier: n,
		callback: callback,
		log:      logger.Named("fanout"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Sync subscribes when allowed and tears the subscription down otherwise.
func (f *FanOut) Sync(ctx context.Context, allowed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}

	switch {
	case allowed && f.sub == nil:
		sub, err := f.signals.SubscribeSignals(ctx, []store.ChangeType{store.ChangeInsert}, f.handle)
		if err != nil {
			return fmt.Errorf("subscribe signal inserts: %w", err)
		}
		f.sub = sub
		f.log.Info("notification fan-out active")
	case !allowed && f.sub != nil:
		f.sub.Unsubscribe()
		f.sub = nil
		f.log.Info("notification fan-out stopped")
	}
	return nil
}

// Active reports whether the subscription is open.
func (f *FanOut) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sub != nil
}

// Close unsubscribes for good.
func (f *FanOut) Close() {
	f.mu.Lock()
	f.closed = true
	if f.sub != nil {
		f.sub.Unsubscribe()
		f.sub = nil
	}
	f.mu.Unlock()
	f.cancel()
}

func (f *FanOut) handle(c store.SignalChange) {
	if c.Type != store.ChangeInsert {
		return
	}
	if f.notifier != nil {
		if err := f.notifier.Notify(f.ctx, SignalNotification(c.Signal)); err != nil {
			f.log.Warn("signal notification failed", zap.String("signal", c.Signal.ID), zap.Error(err))
		}
	}
	if f.callback != nil {
		f.callback(c.Signal)
	}
}
