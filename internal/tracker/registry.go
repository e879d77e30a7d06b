package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Registry owns the device → active-session mapping and the session
// start/stop state machine. The mapping is a volatile cache over the store:
// Reconcile rebuilds it at process start and after every transport
// reconnect, and the store remains the source of truth throughout.
//
// All mutations for one device are serialized through a per-device lock so
// the deactivate-then-create sequence in Start and the resolve-then-clear
// sequence in Stop can never interleave destructively. Different devices
// proceed fully in parallel.
type Registry struct {
	store      Store
	dispatcher *Dispatcher
	log        *slog.Logger

	mu     sync.RWMutex
	active map[DeviceID]int64

	locks sync.Map // DeviceID -> *sync.Mutex
}

// NewRegistry returns a Registry over the given store. dispatcher may be
// nil to disable best-effort device commands (e.g. HTTP-only mode, tests).
func NewRegistry(store Store, dispatcher *Dispatcher, log *slog.Logger) *Registry {
	return &Registry{
		store:      store,
		dispatcher: dispatcher,
		log:        log,
		active:     make(map[DeviceID]int64),
	}
}

// lockDevice acquires the device's mutex and returns its release func.
func (r *Registry) lockDevice(device DeviceID) func() {
	v, _ := r.locks.LoadOrStore(device, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// ResolveActive returns the cached active session id for the device.
// This is the ingestion hot path: cache only, no durable fallback.
func (r *Registry) ResolveActive(device DeviceID) (int64, bool) {
	r.mu.RLock()
	id, ok := r.active[device]
	r.mu.RUnlock()
	return id, ok
}

// Start opens a new recording session for the device. Any session still
// active for the device is ended first, so at most one session per device
// is ever active. The durable mutation is the success criterion; the
// start command sent to the device is best-effort.
func (r *Registry) Start(ctx context.Context, device DeviceID, title string) (Session, error) {
	unlock := r.lockDevice(device)
	defer unlock()

	// Deactivate-then-create: a crash between the two steps leaves the
	// device with zero active sessions, never two.
	if err := r.store.DeactivateActiveSessions(ctx, string(device)); err != nil {
		return Session{}, fmt.Errorf("start %s: deactivate previous: %w", device, err)
	}

	sess, err := r.store.CreateSession(ctx, string(device), title)
	if err != nil {
		// The cache must not keep pointing at a session we just ended.
		r.mu.Lock()
		delete(r.active, device)
		r.mu.Unlock()
		return Session{}, fmt.Errorf("start %s: create session: %w", device, err)
	}

	r.mu.Lock()
	r.active[device] = sess.ID
	r.mu.Unlock()

	if r.dispatcher != nil {
		r.dispatcher.SendStart(device, sess.ID)
	}

	return sess, nil
}

// Stop ends the device's active session. The cache is consulted first;
// on a cold cache the store is queried so stop keeps working right after
// a restart. Returns ErrNoActiveSession when the device has none.
func (r *Registry) Stop(ctx context.Context, device DeviceID) (Session, error) {
	unlock := r.lockDevice(device)
	defer unlock()

	sessionID, ok := r.ResolveActive(device)
	if !ok {
		sess, err := r.store.FindActiveSession(ctx, string(device))
		if err != nil {
			return Session{}, fmt.Errorf("stop %s: %w", device, err)
		}
		sessionID = sess.ID
	}

	sess, err := r.store.EndSession(ctx, sessionID)
	if err != nil {
		return Session{}, fmt.Errorf("stop %s: end session %d: %w", device, sessionID, err)
	}

	r.mu.Lock()
	delete(r.active, device)
	r.mu.Unlock()

	if r.dispatcher != nil {
		r.dispatcher.SendStop(device, sess.ID)
	}

	return sess, nil
}

// Reconcile discards the cached mapping and rebuilds it from the store's
// active sessions. Runs at process start and after every transport
// reconnect; until it has run, the cache may be stale and ingestion may
// briefly attribute points against old state, which reconciliation closes.
func (r *Registry) Reconcile(ctx context.Context) error {
	sessions, err := r.store.ListActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	rebuilt := make(map[DeviceID]int64, len(sessions))
	for _, sess := range sessions {
		rebuilt[DeviceID(sess.DeviceID)] = sess.ID
	}

	r.mu.Lock()
	r.active = rebuilt
	r.mu.Unlock()

	r.log.Info("session cache reconciled", slog.Int("active_sessions", len(rebuilt)))
	return nil
}

// ActiveCount returns the number of devices with a cached active session.
// Used by the metrics gauge.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	n := len(r.active)
	r.mu.RUnlock()
	return n
}
