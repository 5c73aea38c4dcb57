package chat

import "sync"

// Identity is the authenticated principal a live session acts as.
type Identity struct {
	UserID int64
	Handle string
}

// Registry is the room index: chat id to live sessions, session id to
// identity. Sessions are keyed by their opaque ids so membership never
// depends on pointer identity. All operations are total; unknown ids are
// no-ops or ok=false lookups.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[int64]map[string]*session
	sessions map[string]*session
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:    make(map[int64]map[string]*session),
		sessions: make(map[string]*session),
	}
}

// Register indexes the session under its room. Registering the same session
// id twice overwrites the previous entry.
func (r *Registry) Register(s *session) {
	if s == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[s.chatID] == nil {
		r.rooms[s.chatID] = make(map[string]*session)
	}
	r.rooms[s.chatID][s.id] = s
	r.sessions[s.id] = s
}

// Unregister removes the session from both indexes. Unknown ids are ignored.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)
	if room := r.rooms[s.chatID]; room != nil {
		delete(room, sessionID)
		if len(room) == 0 {
			delete(r.rooms, s.chatID)
		}
	}
}

// SessionsFor returns a point-in-time snapshot of the room's sessions.
// Callers iterate the snapshot without holding the registry lock.
func (r *Registry) SessionsFor(chatID int64) []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room := r.rooms[chatID]
	if len(room) == 0 {
		return nil
	}
	snapshot := make([]*session, 0, len(room))
	for _, s := range room {
		snapshot = append(snapshot, s)
	}
	return snapshot
}

// IdentityOf reports the identity a session was registered with.
func (r *Registry) IdentityOf(sessionID string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Identity{}, false
	}
	return Identity{UserID: s.userID, Handle: s.handle}, true
}

func (r *Registry) allSessions() []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	return all
}

// RoomCount reports how many sessions are live in a room.
func (r *Registry) RoomCount(chatID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[chatID])
}
