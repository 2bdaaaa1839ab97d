// Package memorystore provides the in-process eventstore.EventStore used by
// single-node deployments and tests.
package memorystore

import (
	"context"
	"strconv"
	"sync"

	"github.com/relaykit/mcpbridge/eventstore"
)

// Store keeps each session scope as an ordered slice of events plus the set
// of live subscribers waiting on the tail.
type Store struct {
	mu     sync.Mutex
	scopes map[string]*scope
}

type scope struct {
	mu      sync.Mutex
	seq     int64
	events  []event
	subs    map[*subscriber]struct{}
	dropped bool
}

type event struct {
	id   string
	data []byte
}

type subscriber struct {
	// notify has capacity 1: a pending signal is enough, the subscriber
	// drains everything it has not seen on each wakeup.
	notify chan struct{}
	// done is closed when the scope is dropped.
	done chan struct{}
}

func New() *Store {
	return &Store{scopes: make(map[string]*scope)}
}

var _ eventstore.EventStore = (*Store)(nil)

func (s *Store) Append(ctx context.Context, sessionID string, data []byte) (string, error) {
	sc := s.ensureScope(sessionID)

	sc.mu.Lock()
	sc.seq++
	ev := event{id: strconv.FormatInt(sc.seq, 10), data: append([]byte(nil), data...)}
	sc.events = append(sc.events, ev)
	subs := make([]*subscriber, 0, len(sc.subs))
	for sub := range sc.subs {
		subs = append(subs, sub)
	}
	sc.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
	return ev.id, nil
}

func (s *Store) Subscribe(ctx context.Context, sessionID string, lastEventID string, fn eventstore.MessageHandler) error {
	sc := s.ensureScope(sessionID)

	sub := &subscriber{notify: make(chan struct{}, 1), done: make(chan struct{})}

	sc.mu.Lock()
	if sc.dropped {
		sc.mu.Unlock()
		return nil
	}
	next := len(sc.events)
	if lastEventID != "" {
		found := false
		for i := range sc.events {
			if sc.events[i].id == lastEventID {
				next = i + 1
				found = true
				break
			}
		}
		if !found {
			sc.mu.Unlock()
			return eventstore.ErrUnknownEventID
		}
	}
	sc.subs[sub] = struct{}{}
	sc.mu.Unlock()

	defer func() {
		sc.mu.Lock()
		delete(sc.subs, sub)
		sc.mu.Unlock()
	}()

	for {
		// Deliver everything appended since the last wakeup.
		sc.mu.Lock()
		var pending []event
		if next < len(sc.events) {
			pending = make([]event, len(sc.events)-next)
			copy(pending, sc.events[next:])
			next = len(sc.events)
		}
		sc.mu.Unlock()

		for _, ev := range pending {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(ctx, ev.id, ev.data); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.done:
			return nil
		case <-sub.notify:
		}
	}
}

func (s *Store) Drop(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	sc, ok := s.scopes[sessionID]
	if ok {
		delete(s.scopes, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	sc.mu.Lock()
	sc.dropped = true
	subs := make([]*subscriber, 0, len(sc.subs))
	for sub := range sc.subs {
		subs = append(subs, sub)
	}
	sc.subs = make(map[*subscriber]struct{})
	sc.mu.Unlock()

	for _, sub := range subs {
		close(sub.done)
	}
	return nil
}

func (s *Store) ensureScope(sessionID string) *scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scopes[sessionID]
	if !ok {
		sc = &scope{subs: make(map[*subscriber]struct{})}
		s.scopes[sessionID] = sc
	}
	return sc
}
