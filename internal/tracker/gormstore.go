package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ConnectWithRetry opens a Postgres connection with retry and runs schema
// migration. The database is usually racing the service up inside compose,
// so a few attempts with a delay cover the normal startup order.
func ConnectWithRetry(dsn string, attempts int, delay time.Duration) (*gorm.DB, error) {
	var lastErr error
	for i := 1; i <= attempts; i++ {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err == nil {
			if err := db.AutoMigrate(&Session{}, &Coordinate{}); err != nil {
				return nil, fmt.Errorf("db migrate failed: %w", err)
			}
			return db, nil
		}

		lastErr = err
		time.Sleep(delay)
	}

	return nil, fmt.Errorf("db connect failed after %d attempts: %w", attempts, lastErr)
}

// GormStore is the Postgres-backed implementation of Store.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore returns a Store over the given GORM connection.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// InsertCoordinate implements Store.InsertCoordinate.
func (s *GormStore) InsertCoordinate(ctx context.Context, sessionID int64, deviceID string, lat, lon float64, deviceTs *time.Time, serverTs time.Time) (Coordinate, error) {
	c := Coordinate{
		SessionID: sessionID,
		DeviceID:  deviceID,
		Lat:       lat,
		Lon:       lon,
		DeviceTs:  deviceTs,
		ServerTs:  serverTs,
	}
	if err := s.db.WithContext(ctx).Create(&c).Error; err != nil {
		return Coordinate{}, err
	}
	return c, nil
}

// CreateSession implements Store.CreateSession.
func (s *GormStore) CreateSession(ctx context.Context, deviceID, title string) (Session, error) {
	sess := Session{
		DeviceID:  deviceID,
		Title:     title,
		StartedAt: time.Now().UTC(),
		IsActive:  true,
	}
	if err := s.db.WithContext(ctx).Create(&sess).Error; err != nil {
		return Session{}, err
	}
	return sess, nil
}

// DeactivateActiveSessions implements Store.DeactivateActiveSessions.
func (s *GormStore) DeactivateActiveSessions(ctx context.Context, deviceID string) error {
	return s.db.WithContext(ctx).
		Model(&Session{}).
		Where("device_id = ? AND is_active = ?", deviceID, true).
		Updates(map[string]any{"is_active": false, "ended_at": time.Now().UTC()}).
		Error
}

// EndSession implements Store.EndSession.
func (s *GormStore) EndSession(ctx context.Context, sessionID int64) (Session, error) {
	var sess Session
	err := s.db.WithContext(ctx).First(&sess, sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}

	if sess.IsActive {
		ended := time.Now().UTC()
		if err := s.db.WithContext(ctx).
			Model(&sess).
			Updates(map[string]any{"is_active": false, "ended_at": ended}).
			Error; err != nil {
			return Session{}, err
		}
		sess.IsActive = false
		sess.EndedAt = &ended
	}
	return sess, nil
}

// FindActiveSession implements Store.FindActiveSession.
func (s *GormStore) FindActiveSession(ctx context.Context, deviceID string) (Session, error) {
	var sess Session
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND is_active = ?", deviceID, true).
		Order("started_at DESC, id DESC").
		First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, ErrNoActiveSession
	}
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

// ListActiveSessions implements Store.ListActiveSessions.
func (s *GormStore) ListActiveSessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("id ASC").
		Find(&sessions).Error
	return sessions, err
}

// ListSessions implements Store.ListSessions.
func (s *GormStore) ListSessions(ctx context.Context, deviceID string, limit int) ([]Session, error) {
	var sessions []Session
	q := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&sessions).Error
	return sessions, err
}

// ListCoordinates implements Store.ListCoordinates.
func (s *GormStore) ListCoordinates(ctx context.Context, sessionID int64, limit int) ([]Coordinate, error) {
	var points []Coordinate
	q := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&points).Error
	return points, err
}
