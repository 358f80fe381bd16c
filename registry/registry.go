// Package registry holds the authoritative mapping from agent id to live
// session. It is the only mutable process-wide state on the routing path:
// the handshake inserts, sessions delete themselves, and the HTTP ingress
// reads. All access is serialized behind one lock and endpoint strings are
// copied out, so no caller ever holds the lock across I/O.
package registry

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stormgrok/stormgrokd/signal"
)

// Session is the registry's handle to a live agent session. It is used for
// stopping only, never for lifetime management: when a session dies its
// entry goes away and the handle with it.
type Session interface {
	Stop()
}

type entry struct {
	session  Session
	endpoint string
}

type Registry struct {
	log      *zerolog.Logger
	shutdown *signal.Signal

	mu       sync.RWMutex
	sessions map[uuid.UUID]entry
}

func New(shutdown *signal.Signal, log *zerolog.Logger) *Registry {
	return &Registry{
		log:      log,
		shutdown: shutdown,
		sessions: make(map[uuid.UUID]entry),
	}
}

// Connect inserts or replaces the entry for id. Ids are minted fresh per
// handshake, so replacement never happens in practice.
func (r *Registry) Connect(id uuid.UUID, session Session, endpoint string) {
	r.log.Info().Msgf("Adding %s to sessions", id)

	r.mu.Lock()
	r.sessions[id] = entry{session: session, endpoint: endpoint}
	r.mu.Unlock()
}

// Disconnect removes the entry for id. Removing an id that is not present
// means a session double-deleted or was never registered; that is a bug in
// the server, not agent misbehavior, so the whole process is asked to stop
// rather than keep routing against inconsistent state.
func (r *Registry) Disconnect(id uuid.UUID) {
	r.log.Info().Msgf("Removing %s from sessions", id)

	r.mu.Lock()
	_, existed := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !existed {
		r.log.Error().Msgf("Tried to remove non existent session %s", id)
		r.shutdown.Notify()
	}
}

// Resolve returns the loopback endpoint of id's session.
func (r *Registry) Resolve(id uuid.UUID) (string, bool) {
	r.log.Debug().Msgf("Resolving client for %s", id)

	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	return e.endpoint, ok
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// LogAll dumps the ids of every live session.
func (r *Registry) LogAll() {
	r.mu.RLock()
	ids := make([]uuid.UUID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	r.log.Info().Msgf("Serving %d connected clients:", len(ids))
	for _, id := range ids {
		r.log.Info().Msgf("    %s", id)
	}
}
