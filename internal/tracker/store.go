package tracker

import (
	"context"
	"errors"
	"time"
)

// Store is the durable persistence contract for sessions and coordinates.
// Implementations can be Postgres-backed or in-memory; the registry and
// pipeline use Store for all durable reads and writes and never assume
// which implementation is behind it. The store is the source of truth:
// caches are rebuilt from it, never the reverse.
type Store interface {
	// InsertCoordinate persists one trajectory point under sessionID.
	InsertCoordinate(ctx context.Context, sessionID int64, deviceID string, lat, lon float64, deviceTs *time.Time, serverTs time.Time) (Coordinate, error)

	// CreateSession creates a new active session for the device.
	CreateSession(ctx context.Context, deviceID, title string) (Session, error)

	// DeactivateActiveSessions marks every active session for the device as
	// ended. Deactivating a device with no active session is a no-op.
	DeactivateActiveSessions(ctx context.Context, deviceID string) error

	// EndSession marks the given session as ended.
	// Returns ErrSessionNotFound if no such session exists.
	EndSession(ctx context.Context, sessionID int64) (Session, error)

	// FindActiveSession returns the most recently started active session for
	// the device, or ErrNoActiveSession.
	FindActiveSession(ctx context.Context, deviceID string) (Session, error)

	// ListActiveSessions returns every active session across all devices.
	// Used by registry reconciliation.
	ListActiveSessions(ctx context.Context) ([]Session, error)

	// ListSessions returns up to limit sessions for the device, newest first.
	ListSessions(ctx context.Context, deviceID string, limit int) ([]Session, error)

	// ListCoordinates returns up to limit points for the session, oldest first.
	ListCoordinates(ctx context.Context, sessionID int64, limit int) ([]Coordinate, error)
}

var (
	// ErrNoActiveSession is returned when an operation needs an active
	// session for a device and none exists. For stop requests this is a
	// normal user-facing condition, not a fault.
	ErrNoActiveSession = errors.New("no active session for device")

	// ErrSessionNotFound is returned when a session id does not exist.
	ErrSessionNotFound = errors.New("session not found")
)
