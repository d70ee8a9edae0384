package room

import (
	"sync"
)

// Registry indexes live participants both by display name and by
// signaling connection, so that either key resolves to the same
// session.
type Registry struct {
	mutex     sync.Mutex
	byName    map[string]*UserSession
	bySession map[ClientConn]*UserSession
}

// NewRegistry allocates a Registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:    make(map[string]*UserSession),
		bySession: make(map[ClientConn]*UserSession),
	}
}

// Register adds a participant under both indexes.
func (reg *Registry) Register(user *UserSession) {
	reg.mutex.Lock()
	defer reg.mutex.Unlock()
	reg.byName[user.Name()] = user
	reg.bySession[user.Conn()] = user
}

// GetByName returns the participant with the given display name.
func (reg *Registry) GetByName(name string) (*UserSession, bool) {
	reg.mutex.Lock()
	defer reg.mutex.Unlock()
	u, ok := reg.byName[name]
	return u, ok
}

// GetBySession returns the participant bound to the given connection.
func (reg *Registry) GetBySession(conn ClientConn) (*UserSession, bool) {
	reg.mutex.Lock()
	defer reg.mutex.Unlock()
	u, ok := reg.bySession[conn]
	return u, ok
}

// Exists reports whether a participant with the given name is
// registered.
func (reg *Registry) Exists(name string) bool {
	reg.mutex.Lock()
	defer reg.mutex.Unlock()
	_, ok := reg.byName[name]
	return ok
}

// RemoveBySession removes the participant bound to the given
// connection from both indexes and returns it.
func (reg *Registry) RemoveBySession(conn ClientConn) (*UserSession, bool) {
	reg.mutex.Lock()
	defer reg.mutex.Unlock()

	u, ok := reg.bySession[conn]
	if !ok {
		return nil, false
	}

	delete(reg.bySession, conn)
	if cur, ok2 := reg.byName[u.Name()]; ok2 && cur == u {
		delete(reg.byName, u.Name())
	}
	return u, true
}
