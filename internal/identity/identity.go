// Package identity reports who is signed in. Establishing identity is the
// job of an external provider; this package only relays its answers.
package identity

import (
	"context"
	"strings"
	"sync"
)

// Listener is told the signed-in user on every change. An empty userID
// means nobody is signed in.
type Listener func(userID string)

// Provider delivers identity changes. OnChange calls fn once with the
// current state and again on every later change, until the returned cancel
// func is called.
type Provider interface {
	OnChange(fn Listener) (cancel func())
}

// Static is a provider whose user never changes, as with a CLI flag.
type Static string

func (s Static) OnChange(fn Listener) func() {
	fn(strings.TrimSpace(string(s)))
	return func() {}
}

// Switch is a provider driven by explicit sign-in and sign-out calls.
type Switch struct {
	mu        sync.Mutex
	current   string
	listeners map[int]Listener
	next      int
}

func NewSwitch() *Switch {
	return &Switch{listeners: make(map[int]Listener)}
}

func (s *Switch) OnChange(fn Listener) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.listeners[id] = fn
	current := s.current
	s.mu.Unlock()

	fn(current)
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// SignIn makes userID the current identity and tells every listener.
func (s *Switch) SignIn(userID string) { s.set(strings.TrimSpace(userID)) }

// SignOut clears the current identity and tells every listener.
func (s *Switch) SignOut() { s.set("") }

// Current returns the signed-in user, or "".
func (s *Switch) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Switch) set(userID string) {
	s.mu.Lock()
	if s.current == userID {
		s.mu.Unlock()
		return
	}
	s.current = userID
	fns := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(userID)
	}
}

type contextKey struct{}

// WithUser returns a copy of ctx carrying userID.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}

// FromContext returns the user carried by ctx, or "".
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(contextKey{}).(string); ok {
		return id
	}
	return ""
}
