package peer

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/immxrtalbeast/meshconf/internal/domain"
	"github.com/immxrtalbeast/meshconf/lib/logger/sl"
)

var ErrRegistryClosed = errors.New("peer registry closed")

const eventsBuffer = 64

// NewSessionFunc builds the session for a newly seen remote participant.
// It runs under the registry lock and must not call back into the registry.
type NewSessionFunc func(remoteID, displayName string) (*Session, error)

// Registry holds at most one session per remote participant.
type Registry struct {
	newSession NewSessionFunc
	log        *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	eventsMu     sync.Mutex
	events       chan domain.PeerEvent
	eventsClosed bool
}

func NewRegistry(newSession NewSessionFunc, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		newSession: newSession,
		log:        log,
		sessions:   make(map[string]*Session),
		events:     make(chan domain.PeerEvent, eventsBuffer),
	}
}

// GetOrCreate returns the session for remoteID, creating it when absent.
// The second result reports whether the session was created by this call.
func (r *Registry) GetOrCreate(remoteID, displayName string) (*Session, bool, error) {
	const op = "peer.registry.getOrCreate"

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, false, ErrRegistryClosed
	}
	if s, ok := r.sessions[remoteID]; ok {
		r.mu.Unlock()
		s.SetDisplayName(displayName)
		return s, false, nil
	}

	s, err := r.newSession(remoteID, displayName)
	if err != nil {
		r.mu.Unlock()
		return nil, false, err
	}
	s.setOnChange(r.sessionChanged)
	r.sessions[remoteID] = s
	r.mu.Unlock()

	r.log.Info("peer added", slog.String("op", op), slog.String("peer", remoteID))
	r.emit(domain.PeerEvent{Type: domain.PeerAdded, Peer: s.Snapshot()})
	return s, true, nil
}

func (r *Registry) Get(remoteID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[remoteID]
	return s, ok
}

// Remove closes and forgets the session. Unknown ids are ignored.
func (r *Registry) Remove(remoteID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[remoteID]
	if ok {
		delete(r.sessions, remoteID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	s.setOnChange(nil)
	if err := s.Close(); err != nil {
		r.log.Warn("failed to close peer connection", slog.String("peer", remoteID), sl.Err(err))
	}
	r.log.Info("peer removed", slog.String("peer", remoteID))
	r.emit(domain.PeerEvent{Type: domain.PeerRemoved, Peer: s.Snapshot()})
	return true
}

// ForEach calls fn for every session. fn runs outside the registry lock.
func (r *Registry) ForEach(fn func(*Session)) {
	for _, s := range r.Sessions() {
		fn(s)
	}
}

// Sessions returns the current sessions ordered by remote id.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].ID() < list[j].ID() })
	return list
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Peers() []domain.Peer {
	sessions := r.Sessions()
	peers := make([]domain.Peer, 0, len(sessions))
	for _, s := range sessions {
		peers = append(peers, s.Snapshot())
	}
	return peers
}

// Events delivers membership and state changes. Events are dropped when the
// consumer falls behind. The channel is closed by Close.
func (r *Registry) Events() <-chan domain.PeerEvent {
	return r.events
}

// Close removes every session and stops event delivery.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Remove(id)
	}

	r.eventsMu.Lock()
	r.eventsClosed = true
	close(r.events)
	r.eventsMu.Unlock()
}

func (r *Registry) sessionChanged(s *Session) {
	r.emit(domain.PeerEvent{Type: domain.PeerUpdated, Peer: s.Snapshot()})
}

func (r *Registry) emit(ev domain.PeerEvent) {
	r.eventsMu.Lock()
	defer r.eventsMu.Unlock()

	if r.eventsClosed {
		return
	}
	select {
	case r.events <- ev:
	default:
		r.log.Warn("peer event dropped", slog.String("type", string(ev.Type)), slog.String("peer", ev.Peer.ID))
	}
}
