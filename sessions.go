package moquette

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/IceFoxs/moquette/packets"
	"github.com/IceFoxs/moquette/store"
)

// Creation modes of a session bind.
const (
	CreateNew          byte = iota // no prior session existed.
	ReopenExisting                 // a stored persistent session was reopened.
	DropExistingReopen             // a prior session existed but was discarded for a clean connect.
)

var (
	// ErrSessionCorrupted indicates the registry could not reconcile a
	// session during a bind, e.g. it was claimed mid-takeover.
	ErrSessionCorrupted = errors.New("session corrupted")
)

// SessionCreation is the result of binding a CONNECT to a session.
type SessionCreation struct {
	Session       *Session
	AlreadyStored bool
	Mode          byte
}

// SessionRegistry is the authoritative mapping of client id to session. It
// arbitrates session creation, reopening, and takeover of live bindings.
type SessionRegistry struct {
	sync.RWMutex
	sessions map[string]*Session
	store    store.Store
	log      *slog.Logger

	// onSessionDropped is invoked after a session is destroyed, so the
	// routing fabric can discard its subscriptions.
	onSessionDropped func(clientID string)
}

// NewSessionRegistry returns an empty session registry.
func NewSessionRegistry(log *slog.Logger) *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		log:      log,
	}
}

// CreateOrReopen binds a CONNECT packet to a session: creating one, reopening
// a stored persistent one, or discarding prior state per the clean session
// flag. A client id bound to a live connection is taken over: the prior
// connection is torn down to completion before the bind proceeds.
func (r *SessionRegistry) CreateOrReopen(pk packets.Packet, clientID, username string) (SessionCreation, error) {
	for {
		r.Lock()
		existing, ok := r.sessions[clientID]
		if !ok {
			s := newSession(clientID, pk.CleanSession, r.store, r.log)
			r.sessions[clientID] = s
			r.Unlock()
			return SessionCreation{Session: s, Mode: CreateNew}, nil
		}

		state := existing.State()
		if state == SessionConnected || state == SessionConnecting {
			// Live binding: take it over. The teardown may mutate the
			// registry, so run it outside the lock and re-examine.
			conn := existing.connection()
			r.Unlock()

			if conn == nil {
				// Mid-bind race; the competing connect owns the session.
				return SessionCreation{}, ErrSessionCorrupted
			}

			r.log.Info("taking over session bound to live connection", "client", clientID)
			conn.closeForTakeover()
			continue
		}

		if state == SessionDestroyed {
			delete(r.sessions, clientID)
			r.Unlock()
			continue
		}

		if pk.CleanSession {
			// Discard the stored session and start fresh.
			delete(r.sessions, clientID)
			s := newSession(clientID, true, r.store, r.log)
			r.sessions[clientID] = s
			r.Unlock()

			r.dropSessionState(existing)
			return SessionCreation{Session: s, AlreadyStored: true, Mode: DropExistingReopen}, nil
		}

		r.Unlock()

		if !existing.reopen() {
			return SessionCreation{}, ErrSessionCorrupted
		}

		return SessionCreation{Session: existing, AlreadyStored: true, Mode: ReopenExisting}, nil
	}
}

// Remove destroys a session and deletes it from the registry.
func (r *SessionRegistry) Remove(s *Session) {
	r.Lock()
	if current, ok := r.sessions[s.ID()]; ok && current == s {
		delete(r.sessions, s.ID())
	}
	r.Unlock()

	r.dropSessionState(s)
}

// dropSessionState destroys a session and erases its persisted footprint.
func (r *SessionRegistry) dropSessionState(s *Session) {
	s.destroy()

	if r.store != nil {
		_ = r.store.DeleteClient(s.ID())
	}

	if r.onSessionDropped != nil {
		r.onSessionDropped(s.ID())
	}
}

// Get returns the session for a client id, if any.
func (r *SessionRegistry) Get(clientID string) (*Session, bool) {
	r.RLock()
	defer r.RUnlock()
	s, ok := r.sessions[clientID]
	return s, ok
}

// Len returns the number of registered sessions.
func (r *SessionRegistry) Len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.sessions)
}

// All returns all registered sessions.
func (r *SessionRegistry) All() []*Session {
	r.RLock()
	defer r.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// SetStore attaches a persistence backend used for session state.
func (r *SessionRegistry) SetStore(st store.Store) {
	r.Lock()
	defer r.Unlock()
	r.store = st
}

// restore rebuilds the registry's parked sessions from stored records.
func (r *SessionRegistry) restore(clients []store.Client, inflight, queued []store.Message) {
	r.Lock()
	defer r.Unlock()

	for _, cl := range clients {
		s := newSession(cl.ID, cl.Clean, r.store, r.log)
		s.username = cl.Username
		s.protocolLevel = cl.ProtocolLevel
		s.state = SessionDisconnected
		if cl.WillTopic != "" {
			s.will = &Will{
				Topic:   cl.WillTopic,
				Payload: cl.WillPayload,
				Qos:     cl.WillQos,
				Retain:  cl.WillRetain,
			}
		}
		r.sessions[cl.ID] = s
	}

	for _, m := range inflight {
		s, ok := r.sessions[m.Client]
		if !ok {
			continue
		}

		in := InflightMessage{
			Packet: packets.Packet{
				FixedHeader: packets.FixedHeader{
					Type:   packets.Publish,
					Qos:    m.Qos,
					Retain: m.Retain,
				},
				TopicName: m.TopicName,
				Payload:   m.Payload,
				PacketID:  m.PacketID,
			},
			Phase: m.Phase,
			Sent:  m.Sent,
		}

		if m.T == store.InflightKey+"2" {
			s.inflightQos2.Set(m.PacketID, in)
		} else {
			s.inflightQos1.Set(m.PacketID, in)
		}
	}

	sort.Slice(queued, func(i, j int) bool { return queued[i].Seq < queued[j].Seq })
	for _, m := range queued {
		s, ok := r.sessions[m.Client]
		if !ok {
			continue
		}

		s.offline = append(s.offline, queuedMessage{
			pk: packets.Packet{
				FixedHeader: packets.FixedHeader{
					Type:   packets.Publish,
					Qos:    m.Qos,
					Retain: m.Retain,
				},
				TopicName: m.TopicName,
				Payload:   m.Payload,
			},
			seq: m.Seq,
		})
		if m.Seq > s.offlineSeq {
			s.offlineSeq = m.Seq
		}
	}
}
