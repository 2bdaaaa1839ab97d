package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrDuplicateSessionID is returned by Insert when the id is already
// registered. Session ids are service-generated, so a duplicate indicates a
// bug rather than a legitimate race; the first writer wins.
var ErrDuplicateSessionID = errors.New("session id already registered")

// Registry is the single source of truth for which transport serves which
// session. It is constructed once at process start and passed by handle to
// every request handler; all methods are safe for concurrent use.
type Registry struct {
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry builds an empty registry. A nil logger falls back to
// slog.Default().
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// Lookup returns the session registered under id, if any.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Insert registers a new session. The first writer for a given id wins:
// a duplicate insert is logged and rejected without touching the existing
// entry.
func (r *Registry) Insert(sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[sess.ID]; exists {
		r.log.Error("registry.insert.duplicate",
			slog.String("session_id", sess.ID),
			slog.String("family", sess.Family.String()),
		)
		return ErrDuplicateSessionID
	}
	r.sessions[sess.ID] = sess
	return nil
}

// Remove deletes the entry for id. Removing an absent id is a no-op: the
// explicit close path and the shutdown drain may both attempt it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the current sessions as a slice. Iterating the snapshot
// is safe against concurrent Insert/Remove on the registry.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Drain closes every registered transport and empties the registry. Each
// close runs concurrently and is independently failable: a failure is
// logged and never blocks the drain of the remaining sessions. Drain always
// returns nil once every session has been attempted; it exists so process
// shutdown can give in-flight clients a clean termination instead of an
// abrupt socket drop.
func (r *Registry) Drain(ctx context.Context) error {
	snapshot := r.Snapshot()

	var g errgroup.Group
	for _, sess := range snapshot {
		g.Go(func() error {
			if err := sess.Transport.Close(ctx); err != nil {
				r.log.ErrorContext(ctx, "registry.drain.close.fail",
					slog.String("session_id", sess.ID),
					slog.String("family", sess.Family.String()),
					slog.String("err", err.Error()),
				)
			}
			r.Remove(sess.ID)
			return nil
		})
	}
	_ = g.Wait()

	r.log.InfoContext(ctx, "registry.drain.done", slog.Int("sessions", len(snapshot)))
	return nil
}
