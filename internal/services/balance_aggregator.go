package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"squirrel/internal/cache"
	"squirrel/internal/core"
	"squirrel/internal/log"
	"squirrel/internal/store"
)

var ErrAggregatorClosed = errors.New("balance aggregator closed")

// coldLoadTimeout bounds the shared first read of a user's balance.
const coldLoadTimeout = 30 * time.Second

// AggregatorConfig holds configuration for the balance aggregator
type AggregatorConfig struct {
	// Capacity is the number of users whose balance is kept live.
	Capacity int
	// TTL drops a tracked user this long after it was last loaded or
	// observed.
	TTL time.Duration
	// Watcher, when set, gives every tracked user its own subscription so
	// the held balance follows the store. Without it the balance is only
	// refreshed through Observe.
	Watcher      store.Watcher
	Subscription SubscriptionPolicy
}

func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		Capacity:     1024,
		TTL:          15 * time.Minute,
		Subscription: DefaultSubscriptionPolicy(),
	}
}

type trackedBalance struct {
	mu   sync.RWMutex
	snap core.BalanceSnapshot
	sub  *Subscription
}

func (t *trackedBalance) get() core.BalanceSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap
}

// advance stores snap unless an equal or newer version is already held.
// Versions only grow, so an older snapshot is a late delivery.
func (t *trackedBalance) advance(snap core.BalanceSnapshot) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if snap.Version < t.snap.Version {
		return false
	}
	t.snap = snap
	return true
}

// BalanceAggregator exposes the authoritative balance per user. It trusts
// the stored aggregate: the balance document is read once per user and
// then refreshed from change notifications, never recomputed from the log.
type BalanceAggregator struct {
	reader store.Reader
	config AggregatorConfig
	logger *log.Logger

	views *cache.LRUCache[*trackedBalance]
	group singleflight.Group

	mu     sync.Mutex
	closed bool
}

func NewBalanceAggregator(reader store.Reader, config AggregatorConfig, logger *log.Logger) *BalanceAggregator {
	if config.Capacity <= 0 {
		config.Capacity = DefaultAggregatorConfig().Capacity
	}
	if config.TTL <= 0 {
		config.TTL = DefaultAggregatorConfig().TTL
	}
	a := &BalanceAggregator{
		reader: reader,
		config: config,
		logger: log.OrNop(logger).WithComponent(log.ComponentAggregator),
		views:  cache.NewLRUCache[*trackedBalance](config.Capacity, config.TTL),
	}
	a.views.OnEvict(func(userID string, t *trackedBalance) {
		if t.sub != nil {
			t.sub.Close()
		}
	})
	return a
}

// CurrentBalance returns the held balance for userID, reading the stored
// document on first use. An absent document reads as zero and is not
// created.
func (a *BalanceAggregator) CurrentBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	snap, err := a.Snapshot(ctx, userID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return snap.Balance, nil
}

// Snapshot is CurrentBalance with the document version attached.
func (a *BalanceAggregator) Snapshot(ctx context.Context, userID string) (core.BalanceSnapshot, error) {
	if a.isClosed() {
		return core.BalanceSnapshot{}, ErrAggregatorClosed
	}
	if t, ok := a.views.Get(userID); ok {
		return t.get(), nil
	}

	// The load is shared by every concurrent caller for userID, so it must
	// not end when the caller that started it goes away.
	ch := a.group.DoChan(userID, func() (any, error) {
		if t, ok := a.views.Get(userID); ok {
			return t, nil
		}
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), coldLoadTimeout)
		defer cancel()
		return a.track(lctx, userID)
	})
	select {
	case <-ctx.Done():
		return core.BalanceSnapshot{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return core.BalanceSnapshot{}, res.Err
		}
		return res.Val.(*trackedBalance).get(), nil
	}
}

func (a *BalanceAggregator) track(ctx context.Context, userID string) (*trackedBalance, error) {
	snap, err := a.reader.Balance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read balance %s: %w", userID, err)
	}
	t := &trackedBalance{snap: snap}

	if a.config.Watcher != nil {
		m := NewSubscriptionManager(userID, a.config.Watcher, a.config.Subscription, a.logger)
		sub, err := m.Subscribe(context.Background(), func(v core.View) {
			t.advance(core.BalanceSnapshot{UserID: v.UserID, Balance: v.Balance, Version: v.Version, Exists: v.Version > 0})
		})
		if err != nil {
			// The read succeeded; serve it but do not hold it.
			a.logger.WarnContext(ctx, "Balance served without live tracking",
				log.FieldUserID, userID, log.FieldError, err.Error())
			return t, nil
		}
		t.sub = sub
	}

	if a.isClosed() {
		if t.sub != nil {
			t.sub.Close()
		}
		return nil, ErrAggregatorClosed
	}
	a.views.Set(userID, t)
	return t, nil
}

// Observe folds a view delivered by a subscription into the held balance.
// Stale views, by version, are ignored. With a Watcher configured, views
// of users not yet held are dropped.
func (a *BalanceAggregator) Observe(v core.View) {
	if a.isClosed() || v.UserID == "" {
		return
	}
	snap := core.BalanceSnapshot{UserID: v.UserID, Balance: v.Balance, Version: v.Version, Exists: v.Version > 0}
	if t, ok := a.views.Get(v.UserID); ok {
		if t.advance(snap) {
			a.views.Set(v.UserID, t)
		}
		return
	}
	if a.config.Watcher != nil {
		// A held user must own a subscription; the next read loads one.
		return
	}
	a.views.Set(v.UserID, &trackedBalance{snap: snap})
}

// Forget drops userID and its live subscription.
func (a *BalanceAggregator) Forget(userID string) {
	a.views.Delete(userID)
}

// Tracked returns the number of users currently held.
func (a *BalanceAggregator) Tracked() int { return a.views.Size() }

// CleanExpired lets a cache.Manager sweep idle users.
func (a *BalanceAggregator) CleanExpired() int { return a.views.CleanExpired() }

// Close drops every held balance and stops the subscriptions.
func (a *BalanceAggregator) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()
	a.views.Purge()
	return nil
}

func (a *BalanceAggregator) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}
