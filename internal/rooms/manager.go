package rooms

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/google/uuid"

	"sperm-odyssey/server/internal/replay"
	"sperm-odyssey/server/internal/sim/tuning"
)

// Manager tracks live rooms, places players into them and tears down rooms
// that empty out. It never touches room internals: everything it reads
// comes from the published RoomInfo snapshots.
type Manager struct {
	log   *log.Logger
	cfg   tuning.Tuning
	hooks Hooks

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
}

func NewManager(logger *log.Logger, cfg tuning.Tuning, hooks Hooks) *Manager {
	return &Manager{
		log:   logger,
		cfg:   cfg,
		hooks: hooks,
		rooms: make(map[string]*Room),
	}
}

// Get looks up a running room by id.
func (m *Manager) Get(id string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	return r, ok
}

// JoinOrCreate resolves the room a joining player lands in. An explicit id
// returns that room, creating it on first use; an empty id picks the
// fullest room still accepting players, so lobbies fill up instead of
// fragmenting, and creates a fresh one when none qualifies.
func (m *Manager) JoinOrCreate(id string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("manager is shutting down")
	}

	if id != "" {
		if r, ok := m.rooms[id]; ok {
			return r, nil
		}
		return m.spawnLocked(id, nil), nil
	}

	var best *Room
	bestCount := -1
	for _, r := range m.rooms {
		info := r.Info()
		if info.Phase != phaseLobby && info.Phase != phaseCountdown {
			continue
		}
		if info.Players >= info.MaxPlayers {
			continue
		}
		if info.Players > bestCount {
			best, bestCount = r, info.Players
		}
	}
	if best != nil {
		return best, nil
	}
	return m.spawnLocked(shortID(), nil), nil
}

// CreatePractice spawns a private room with a ghost recording attached.
func (m *Manager) CreatePractice(ghost *replay.Recording) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("manager is shutting down")
	}
	return m.spawnLocked(shortID(), ghost), nil
}

func (m *Manager) spawnLocked(id string, ghost *replay.Recording) *Room {
	hooks := m.hooks
	hooks.OnEmpty = func(roomID string) {
		m.mu.Lock()
		delete(m.rooms, roomID)
		m.mu.Unlock()
		if m.hooks.OnEmpty != nil {
			m.hooks.OnEmpty(roomID)
		}
	}
	r := newRoom(id, m.log, &m.cfg, hooks)
	if ghost != nil {
		r.WithGhost(ghost)
	}
	m.rooms[id] = r
	go r.Run()
	m.log.Printf("[rooms] room %s created (total %d)", id, len(m.rooms))
	return r
}

// List returns a stable listing of every live room for the matchmaking API.
func (m *Manager) List() []RoomInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RoomInfo, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CloseAll stops every room and refuses further placements.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.rooms = make(map[string]*Room)
	m.mu.Unlock()

	for _, r := range rooms {
		r.Stop()
	}
	m.log.Printf("[rooms] closed %d rooms", len(rooms))
}

// shortID gives rooms a compact, url-safe id.
func shortID() string {
	return uuid.NewString()[:8]
}
