package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"squirrel/internal/core"
	"squirrel/internal/store"
	"squirrel/internal/store/memory"
)

// viewRecorder collects delivered views and lets a test wait for one that
// matches.
type viewRecorder struct {
	mu    sync.Mutex
	views []core.View
	ch    chan struct{}
}

func newViewRecorder() *viewRecorder {
	return &viewRecorder{ch: make(chan struct{}, 1)}
}

func (r *viewRecorder) record(v core.View) {
	r.mu.Lock()
	r.views = append(r.views, v)
	r.mu.Unlock()
	select {
	case r.ch <- struct{}{}:
	default:
	}
}

func (r *viewRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.views)
}

func (r *viewRecorder) last() (core.View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.views) == 0 {
		return core.View{}, false
	}
	return r.views[len(r.views)-1], true
}

func (r *viewRecorder) waitFor(t *testing.T, what string, ok func(core.View) bool) core.View {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if v, has := r.last(); has && ok(v) {
			return v
		}
		select {
		case <-r.ch:
		case <-deadline:
			v, _ := r.last()
			t.Fatalf("timed out waiting for %s, last view %+v", what, v)
		}
	}
}

func fastSubscription() SubscriptionPolicy {
	return SubscriptionPolicy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, LostThreshold: 3}
}

func sameView(a, b core.View) bool {
	if a.UserID != b.UserID || !a.Balance.Equal(b.Balance) || a.Version != b.Version || len(a.Transactions) != len(b.Transactions) {
		return false
	}
	for i := range a.Transactions {
		if a.Transactions[i].ID != b.Transactions[i].ID {
			return false
		}
	}
	return true
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSubscribeDeliversInitialAndChanges(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	c := NewMutationCoordinator("u1", s, fastRetry(), nil)
	if _, err := c.Apply(ctx, entry("credit", "5", "food", "bread")); err != nil {
		t.Fatal(err)
	}

	m := NewSubscriptionManager("u1", s, fastSubscription(), nil)
	rec := newViewRecorder()
	sub, err := m.Subscribe(ctx, rec.record)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Unsubscribe(sub)

	first := rec.waitFor(t, "initial view", func(v core.View) bool { return v.Version == 1 })
	if !first.Balance.Equal(dec("5")) || len(first.Transactions) != 1 {
		t.Fatalf("unexpected initial view %+v", first)
	}

	if _, err := c.Apply(ctx, entry("debit", "2", "food", "milk")); err != nil {
		t.Fatal(err)
	}
	rec.waitFor(t, "view after debit", func(v core.View) bool {
		return v.Version == 2 && v.Balance.Equal(dec("3")) && len(v.Transactions) == 2
	})
}

func TestSubscribeEmptyLedger(t *testing.T) {
	s := memory.New()
	m := NewSubscriptionManager("nobody", s, fastSubscription(), nil)
	rec := newViewRecorder()
	sub, err := m.Subscribe(context.Background(), rec.record)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	v := rec.waitFor(t, "empty view", func(core.View) bool { return true })
	if !v.Balance.IsZero() || v.Version != 0 || len(v.Transactions) != 0 {
		t.Fatalf("expected empty view, got %+v", v)
	}
	if users, _ := s.Users(context.Background()); len(users) != 0 {
		t.Fatalf("subscribing created documents: %v", users)
	}
}

// slowWatcher delays the transactions snapshot so the balance arrives
// first.
type slowWatcher struct {
	*memory.Store
	release chan struct{}
}

func (w *slowWatcher) WatchTransactions(ctx context.Context, userID string, fn func([]core.Transaction)) (store.Watch, error) {
	return w.Store.WatchTransactions(ctx, userID, func(txs []core.Transaction) {
		select {
		case <-w.release:
		case <-ctx.Done():
			return
		}
		fn(txs)
	})
}

func TestFirstDeliveryWaitsForBothSnapshots(t *testing.T) {
	w := &slowWatcher{Store: memory.New(), release: make(chan struct{})}
	m := NewSubscriptionManager("u1", w, fastSubscription(), nil)
	rec := newViewRecorder()
	sub, err := m.Subscribe(context.Background(), rec.record)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	time.Sleep(20 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("delivered %d views before the transactions snapshot", rec.count())
	}
	close(w.release)
	rec.waitFor(t, "first view", func(core.View) bool { return true })
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	m := NewSubscriptionManager("u1", s, fastSubscription(), nil)
	rec := newViewRecorder()
	sub, err := m.Subscribe(ctx, rec.record)
	if err != nil {
		t.Fatal(err)
	}
	rec.waitFor(t, "initial view", func(core.View) bool { return true })

	m.Unsubscribe(sub)
	m.Unsubscribe(sub)
	m.Unsubscribe(nil)

	select {
	case <-sub.Done():
	default:
		t.Fatal("subscription still running after Unsubscribe")
	}
	if !errors.Is(sub.Err(), context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", sub.Err())
	}
	eventually(t, "store watches released", func() bool { return s.Watches() == 0 })

	before := rec.count()
	c := NewMutationCoordinator("u1", s, fastRetry(), nil)
	if _, err := c.Apply(ctx, entry("credit", "1", "food", "x")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if rec.count() != before {
		t.Fatalf("callback fired after Unsubscribe")
	}
}

func TestCloseFromInsideCallback(t *testing.T) {
	s := memory.New()
	m := NewSubscriptionManager("u1", s, fastSubscription(), nil)

	var sub *Subscription
	ready := make(chan struct{})
	var calls atomic.Int32
	closed := make(chan struct{})
	sub, err := m.Subscribe(context.Background(), func(core.View) {
		<-ready
		calls.Add(1)
		sub.Close()
		close(closed)
	})
	if err != nil {
		t.Fatal(err)
	}
	close(ready)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close inside callback blocked")
	}
	<-sub.Done()
	if calls.Load() != 1 {
		t.Fatalf("expected one callback, got %d", calls.Load())
	}
}

func TestParentContextEndsSubscription(t *testing.T) {
	s := memory.New()
	m := NewSubscriptionManager("u1", s, fastSubscription(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := m.Subscribe(ctx, func(core.View) {})
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription outlived its context")
	}
	if !errors.Is(sub.Err(), context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", sub.Err())
	}
	sub.Close()
}

// A session that loses its watches resubscribes and ends up with the same
// full view as one that never disconnected.
func TestResubscribeAfterDisconnect(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	c := NewMutationCoordinator("u1", s, fastRetry(), nil)
	if _, err := c.Apply(ctx, entry("credit", "50.00", "food", "groceries")); err != nil {
		t.Fatal(err)
	}

	m := NewSubscriptionManager("u1", s, fastSubscription(), nil)
	second := newViewRecorder()
	sub, err := m.Subscribe(ctx, second.record)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	second.waitFor(t, "initial view", func(v core.View) bool { return v.Version == 1 })

	s.Disconnect()
	if _, err := c.Apply(ctx, entry("debit", "20.00", "transport", "bus")); err != nil {
		t.Fatal(err)
	}

	first := newViewRecorder()
	ref, err := NewSubscriptionManager("u1", s, fastSubscription(), nil).Subscribe(ctx, first.record)
	if err != nil {
		t.Fatal(err)
	}
	defer ref.Close()
	want := first.waitFor(t, "reference view", func(v core.View) bool { return v.Version == 2 })

	got := second.waitFor(t, "resubscribed view", func(v core.View) bool { return sameView(v, want) })
	if !got.Balance.Equal(dec("30.00")) {
		t.Fatalf("expected 30.00 after resubscribe, got %s", got.Balance)
	}
	if sub.Err() != nil {
		t.Fatalf("subscription reported %v while live", sub.Err())
	}
}

func TestOnLostWhenStoreStaysDown(t *testing.T) {
	s := memory.New()
	var lost atomic.Int32
	lostErr := make(chan error, 4)
	policy := fastSubscription()
	policy.OnLost = func(userID string, err error) {
		if userID == "u1" {
			lost.Add(1)
			lostErr <- err
		}
	}

	m := NewSubscriptionManager("u1", s, policy, nil)
	rec := newViewRecorder()
	sub, err := m.Subscribe(context.Background(), rec.record)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	rec.waitFor(t, "initial view", func(core.View) bool { return true })

	s.SetAvailable(false)
	s.Disconnect()

	select {
	case err := <-lostErr:
		if !errors.Is(err, store.ErrSubscriptionLost) || !errors.Is(err, store.ErrUnavailable) {
			t.Fatalf("unexpected lost error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnLost never called")
	}

	// Reported once per outage, then recovered.
	time.Sleep(30 * time.Millisecond)
	if lost.Load() != 1 {
		t.Fatalf("OnLost called %d times", lost.Load())
	}
	before := rec.count()
	s.SetAvailable(true)
	eventually(t, "fresh snapshot after recovery", func() bool { return rec.count() > before })
}

func TestSubscribeErrors(t *testing.T) {
	s := memory.New()
	if _, err := NewSubscriptionManager("", s, fastSubscription(), nil).Subscribe(context.Background(), func(core.View) {}); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
	if _, err := NewSubscriptionManager("u1", s, fastSubscription(), nil).Subscribe(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil callback")
	}
	s.SetAvailable(false)
	if _, err := NewSubscriptionManager("u1", s, fastSubscription(), nil).Subscribe(context.Background(), func(core.View) {}); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
