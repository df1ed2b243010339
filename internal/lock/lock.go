// Package lock provides a best-effort cross-instance mutex built on
// PostgreSQL session-level advisory locks. Lock keys are strings, hashed to
// the 31-bit non-negative integer space advisory locks require. Each held
// lock pins one pool connection so acquire and release happen in the same
// database session.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultHoldDuration is used when a TryLock request carries a missing or
// non-positive duration.
const DefaultHoldDuration = 10 * time.Second

// HashKey maps an arbitrary string onto [0, 2^31 - 2]. The iteration runs
// over UTF-16 code units with 32-bit wrapping arithmetic, so every instance
// derives the same lock id from the same key.
func HashKey(key string) int64 {
	var h int32
	for _, cu := range utf16CodeUnits(key) {
		h = (h << 5) - h + int32(cu)
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return v % (1<<31 - 1)
}

// utf16CodeUnits returns the UTF-16 encoding of s. Surrogate pairs count as
// two units.
func utf16CodeUnits(s string) []uint16 {
	units := make([]uint16, 0, len(s))
	for _, r := range s {
		if r < 0x10000 {
			units = append(units, uint16(r))
			continue
		}
		r -= 0x10000
		units = append(units, uint16(0xD800+(r>>10)), uint16(0xDC00+(r&0x3FF)))
	}
	return units
}

// Request describes a single TryLock attempt.
type Request struct {
	Key      string
	Duration time.Duration
	OnAccept func()
	OnReject func(err error)
}

// heldLock pins the session that acquired a lock until its timed release.
type heldLock struct {
	id    int64
	conn  *pgxpool.Conn
	timer *time.Timer
}

// Service acquires and releases advisory locks against a single database.
// Releases are strictly time-based: completing the accepted callback does not
// shorten the hold.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	mu   sync.Mutex
	held map[string]*heldLock
}

// NewService creates an advisory lock service.
func NewService(pool *pgxpool.Pool, logger *slog.Logger) *Service {
	return &Service{
		pool:   pool,
		logger: logger,
		held:   make(map[string]*heldLock),
	}
}

// ErrNotAcquired reports that another session already holds the lock.
var ErrNotAcquired = fmt.Errorf("advisory lock held by another session")

// TryLock attempts a non-blocking session advisory lock for req.Key. On
// acquisition it schedules a release after req.Duration (falling back to
// DefaultHoldDuration), then invokes OnAccept. Re-locking a key this service
// already holds re-arms the pending release instead of re-acquiring. On
// contention or DB error it invokes OnReject with the cause and returns nil;
// OnAccept panics are not caught here.
func (s *Service) TryLock(ctx context.Context, req Request) error {
	dur := req.Duration
	if dur <= 0 {
		dur = DefaultHoldDuration
	}

	s.mu.Lock()
	if h, ok := s.held[req.Key]; ok {
		h.timer.Stop()
		h.timer = s.releaseTimer(req.Key, dur)
		s.mu.Unlock()
		if req.OnAccept != nil {
			req.OnAccept()
		}
		return nil
	}
	s.mu.Unlock()

	id := HashKey(req.Key)

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		if req.OnReject != nil {
			req.OnReject(fmt.Errorf("acquiring connection: %w", err))
		}
		return nil
	}

	var acquired bool
	err = conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&acquired)
	if err == nil && !acquired {
		err = ErrNotAcquired
	}
	if err != nil {
		conn.Release()
		if req.OnReject != nil {
			req.OnReject(err)
		}
		return nil
	}

	s.mu.Lock()
	s.held[req.Key] = &heldLock{id: id, conn: conn}
	s.held[req.Key].timer = s.releaseTimer(req.Key, dur)
	s.mu.Unlock()

	if req.OnAccept != nil {
		req.OnAccept()
	}
	return nil
}

func (s *Service) releaseTimer(key string, dur time.Duration) *time.Timer {
	return time.AfterFunc(dur, func() {
		s.release(key)
	})
}

// release unlocks on the pinned session and returns the connection to the
// pool.
func (s *Service) release(key string) {
	s.mu.Lock()
	h, ok := s.held[key]
	delete(s.held, key)
	s.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var released bool
	err := h.conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", h.id).Scan(&released)
	h.conn.Release()

	if err != nil || !released {
		// The session may have died with its connection; the server released
		// the lock with it, so this is only worth a warning.
		s.logger.Warn("advisory lock release failed", "key", key, "id", h.id, "error", err)
		return
	}
	s.logger.Debug("advisory lock released", "key", key, "id", h.id)
}

// Close releases every held lock immediately and stops the pending timers.
func (s *Service) Close() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.held))
	for key, h := range s.held {
		h.timer.Stop()
		keys = append(keys, key)
	}
	s.mu.Unlock()

	for _, key := range keys {
		s.release(key)
	}
}
