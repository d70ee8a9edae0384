package room

import (
	"sync"

	"github.com/kurogw/kurogw/internal/kurento"
	"github.com/kurogw/kurogw/internal/logger"
)

// Manager keeps the set of active rooms, creating them on first use.
type Manager struct {
	KMS    *kurento.Transport
	Parent logger.Writer

	mutex sync.Mutex
	rooms map[string]*Room
}

// Initialize initializes the manager.
func (m *Manager) Initialize() {
	m.rooms = make(map[string]*Room)
}

// Close tears down every room.
func (m *Manager) Close() {
	m.mutex.Lock()
	rooms := m.rooms
	m.rooms = make(map[string]*Room)
	m.mutex.Unlock()

	for _, r := range rooms {
		r.Close()
	}
}

// Log implements logger.Writer.
func (m *Manager) Log(level logger.Level, format string, args ...interface{}) {
	m.Parent.Log(level, format, args...)
}

// GetRoom returns the room with the given name, creating it together
// with its media pipeline on first use. Creation is serialized, so
// concurrent callers asking for the same name get the same room.
func (m *Manager) GetRoom(name string) (*Room, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if r, ok := m.rooms[name]; ok {
		return r, nil
	}

	m.Log(logger.Info, "creating room '%s'", name)

	pipeline, err := kurento.NewPipeline(m.KMS)
	if err != nil {
		return nil, err
	}

	r := newRoom(name, pipeline, m)
	m.rooms[name] = r
	return r, nil
}

// Room returns the room with the given name without creating it.
func (m *Manager) Room(name string) (*Room, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	r, ok := m.rooms[name]
	return r, ok
}

// RemoveRoom closes a room and forgets it. A room that was already
// replaced under the same name is left alone.
func (m *Manager) RemoveRoom(r *Room) {
	m.mutex.Lock()
	if cur, ok := m.rooms[r.Name()]; ok && cur == r {
		delete(m.rooms, r.Name())
	}
	m.mutex.Unlock()

	m.Log(logger.Info, "removing room '%s'", r.Name())
	r.Close()
}
