package auth

import (
	"context"
	"sync"
)

// Event is a change in the signed-in identity. UserID is empty on sign-out.
type Event struct {
	UserID   string
	SignedIn bool
}

// Source emits authentication transitions in order.
type Source interface {
	Events() <-chan Event
}

// ChannelSource is an in-process Source fed by the session endpoints.
// It emits one event per transition; repeated SignIn for the current user
// and repeated SignOut are dropped.
type ChannelSource struct {
	mu      sync.Mutex
	current string
	signed  bool
	events  chan Event
}

func NewChannelSource(buffer int) *ChannelSource {
	return &ChannelSource{events: make(chan Event, buffer)}
}

func (s *ChannelSource) Events() <-chan Event {
	return s.events
}

// SignIn reports whether an event was emitted.
func (s *ChannelSource) SignIn(ctx context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.signed && s.current == userID {
		return false, nil
	}
	if err := s.send(ctx, Event{UserID: userID, SignedIn: true}); err != nil {
		return false, err
	}
	s.current, s.signed = userID, true
	return true, nil
}

func (s *ChannelSource) SignOut(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.signed {
		return false, nil
	}
	if err := s.send(ctx, Event{}); err != nil {
		return false, err
	}
	s.current, s.signed = "", false
	return true, nil
}

// CurrentUser returns the last signed-in user id, or "" when signed out.
func (s *ChannelSource) CurrentUser() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *ChannelSource) send(ctx context.Context, ev Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
