package tracker

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is a concurrency-safe in-memory implementation of Store.
// It backs unit tests and the database-less dev mode; state is lost on
// restart, which is exactly what registry reconciliation is exercised
// against in tests.
type MemStore struct {
	mu          sync.RWMutex
	sessions    map[int64]*Session
	coordinates map[int64][]Coordinate
	nextSession int64
	nextCoord   int64
}

// NewMemStore returns a new empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions:    make(map[int64]*Session),
		coordinates: make(map[int64][]Coordinate),
	}
}

// InsertCoordinate implements Store.InsertCoordinate.
func (s *MemStore) InsertCoordinate(_ context.Context, sessionID int64, deviceID string, lat, lon float64, deviceTs *time.Time, serverTs time.Time) (Coordinate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextCoord++
	c := Coordinate{
		ID:        s.nextCoord,
		SessionID: sessionID,
		DeviceID:  deviceID,
		Lat:       lat,
		Lon:       lon,
		DeviceTs:  deviceTs,
		ServerTs:  serverTs,
		CreatedAt: time.Now().UTC(),
	}
	s.coordinates[sessionID] = append(s.coordinates[sessionID], c)
	return c, nil
}

// CreateSession implements Store.CreateSession.
func (s *MemStore) CreateSession(_ context.Context, deviceID, title string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSession++
	sess := Session{
		ID:        s.nextSession,
		DeviceID:  deviceID,
		Title:     title,
		StartedAt: time.Now().UTC(),
		IsActive:  true,
	}
	s.sessions[sess.ID] = &sess
	return sess, nil
}

// DeactivateActiveSessions implements Store.DeactivateActiveSessions.
func (s *MemStore) DeactivateActiveSessions(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, sess := range s.sessions {
		if sess.DeviceID == deviceID && sess.IsActive {
			sess.IsActive = false
			ended := now
			sess.EndedAt = &ended
		}
	}
	return nil
}

// EndSession implements Store.EndSession.
func (s *MemStore) EndSession(_ context.Context, sessionID int64) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if sess.IsActive {
		sess.IsActive = false
		ended := time.Now().UTC()
		sess.EndedAt = &ended
	}
	return *sess, nil
}

// FindActiveSession implements Store.FindActiveSession.
func (s *MemStore) FindActiveSession(_ context.Context, deviceID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *Session
	for _, sess := range s.sessions {
		if sess.DeviceID != deviceID || !sess.IsActive {
			continue
		}
		// Most recently started wins; ids break ties since they only grow.
		if found == nil || sess.StartedAt.After(found.StartedAt) ||
			(sess.StartedAt.Equal(found.StartedAt) && sess.ID > found.ID) {
			found = sess
		}
	}
	if found == nil {
		return Session{}, ErrNoActiveSession
	}
	return *found, nil
}

// ListActiveSessions implements Store.ListActiveSessions.
func (s *MemStore) ListActiveSessions(_ context.Context) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Session
	for _, sess := range s.sessions {
		if sess.IsActive {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListSessions implements Store.ListSessions.
func (s *MemStore) ListSessions(_ context.Context, deviceID string, limit int) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Session
	for _, sess := range s.sessions {
		if sess.DeviceID == deviceID {
			out = append(out, *sess)
		}
	}
	// Newest first.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListCoordinates implements Store.ListCoordinates.
func (s *MemStore) ListCoordinates(_ context.Context, sessionID int64, limit int) ([]Coordinate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	points := s.coordinates[sessionID]
	out := make([]Coordinate, len(points))
	copy(out, points)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
