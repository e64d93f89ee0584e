// Package feed turns change notifications into full-snapshot push watches.
//
// A Hub keeps the live watches per user. Each watch delivers an initial
// snapshot and then, for every notification about its user, a freshly
// loaded snapshot. Notifications arriving while a snapshot is being loaded
// or delivered are coalesced into one reload.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"squirrel/internal/store"
)

// Loader reads the current full snapshot for a user.
type Loader[T any] func(ctx context.Context, userID string) (T, error)

type Hub[T any] struct {
	load Loader[T]

	mu      sync.Mutex
	watches map[string]map[*Watch[T]]struct{}
	closed  bool
}

func NewHub[T any](load Loader[T]) *Hub[T] {
	return &Hub[T]{
		load:    load,
		watches: make(map[string]map[*Watch[T]]struct{}),
	}
}

// Watch loads the current snapshot and starts delivering it to fn from a
// dedicated goroutine. fn is never called concurrently with itself.
func (h *Hub[T]) Watch(ctx context.Context, userID string, fn func(T)) (*Watch[T], error) {
	if fn == nil {
		return nil, errors.New("feed: nil callback")
	}
	w := &Watch[T]{
		hub:    h,
		userID: userID,
		fn:     fn,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, store.ErrClosed
	}
	set, ok := h.watches[userID]
	if !ok {
		set = make(map[*Watch[T]]struct{})
		h.watches[userID] = set
	}
	set[w] = struct{}{}
	h.mu.Unlock()

	// Registered before loading so a change racing the first read still
	// schedules a reload.
	first, err := h.load(ctx, userID)
	if err != nil {
		h.remove(w)
		return nil, err
	}

	go w.run(ctx, first)
	return w, nil
}

// Notify schedules a reload for every watch of userID.
func (h *Hub[T]) Notify(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.watches[userID] {
		w.poke()
	}
}

// NotifyAll schedules a reload for every live watch.
func (h *Hub[T]) NotifyAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.watches {
		for w := range set {
			w.poke()
		}
	}
}

// DropAll ends every live watch with err. Watchers observe it through
// Done and Err.
func (h *Hub[T]) DropAll(err error) {
	h.mu.Lock()
	var victims []*Watch[T]
	for _, set := range h.watches {
		for w := range set {
			victims = append(victims, w)
		}
	}
	h.watches = make(map[string]map[*Watch[T]]struct{})
	h.mu.Unlock()

	for _, w := range victims {
		w.terminate(err)
	}
}

// Close drops every watch with store.ErrClosed and refuses new ones.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.DropAll(store.ErrClosed)
}

// Len returns the number of live watches.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.watches {
		n += len(set)
	}
	return n
}

func (h *Hub[T]) remove(w *Watch[T]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.watches[w.userID]
	if !ok {
		return
	}
	delete(set, w)
	if len(set) == 0 {
		delete(h.watches, w.userID)
	}
}

// Watch is one live subscription registered on a Hub.
type Watch[T any] struct {
	hub    *Hub[T]
	userID string
	fn     func(T)

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

// Stop ends the watch and waits for its goroutine to exit. It must not be
// called from inside the watch callback.
func (w *Watch[T]) Stop() {
	w.once.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Watch[T]) Done() <-chan struct{} { return w.done }

func (w *Watch[T]) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Watch[T]) poke() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *Watch[T]) terminate(err error) {
	w.once.Do(func() {
		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
		close(w.stop)
	})
}

func (w *Watch[T]) stopped() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

func (w *Watch[T]) run(ctx context.Context, first T) {
	defer close(w.done)
	defer w.hub.remove(w)

	if w.stopped() {
		return
	}
	w.fn(first)

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			w.terminate(ctx.Err())
			return
		case <-w.notify:
			v, err := w.hub.load(ctx, w.userID)
			if err != nil {
				w.terminate(fmt.Errorf("reload %s: %w: %w", w.userID, store.ErrSubscriptionLost, err))
				return
			}
			if w.stopped() {
				return
			}
			w.fn(v)
		}
	}
}
