// Package listener maintains the dedicated LISTEN/NOTIFY connection that
// makes the queue reactive, with low-frequency fallback polling to cover
// dropped notifications. The connection is separate from the query pool and
// reconnects forever with exponential backoff.
package listener

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jaishankar101/pgpubsub/internal/metrics"
	"github.com/jpillora/backoff"
)

// State is the listener lifecycle state.
type State string

const (
	StateStopped    State = "stopped"
	StateConnecting State = "connecting"
	StateListening  State = "listening"
	StatePaused     State = "paused"
)

const (
	// defaultFallbackInterval drives the unconditional fallback drain.
	defaultFallbackInterval = 60 * time.Second
	// waitTimeout bounds each WaitForNotification call so the loop can pick
	// up control requests (new LISTEN channels, shutdown) between waits.
	waitTimeout = 30 * time.Second
)

// Config controls the listener connection.
type Config struct {
	// ConnString is the database URL for the dedicated NOTIFY connection.
	ConnString string
	// Channel is the primary channel to subscribe to (the trigger prefix).
	Channel string
	// FallbackInterval overrides the 60 s fallback drain period.
	FallbackInterval time.Duration
	// TLS, when set, is forwarded verbatim to the connection config.
	TLS *tls.Config
}

// DrainFunc is called once per drain request: claim a batch, process it,
// settle it. It must tolerate being called with nothing queued.
type DrainFunc func(ctx context.Context) error

// Listener is the hybrid NOTIFY + polling consumer.
type Listener struct {
	cfg     Config
	drain   DrainFunc
	logger  *slog.Logger
	metrics *metrics.Metrics // nil records nothing
	hub     *subscriberHub

	mu            sync.Mutex
	state         State
	sessionCtx    context.Context    // scopes the active listen session
	sessionCancel context.CancelFunc // cancels the active listen session
	rootCtx       context.Context
	rootCancel    context.CancelFunc
	wg            sync.WaitGroup

	drainCh    chan struct{} // coalesced drain requests
	relistenCh chan struct{} // wake the wait loop to LISTEN new channels
}

// New creates a listener. Start must be called before it consumes anything.
// m may be nil.
func New(cfg Config, drain DrainFunc, m *metrics.Metrics, logger *slog.Logger) *Listener {
	if cfg.FallbackInterval <= 0 {
		cfg.FallbackInterval = defaultFallbackInterval
	}
	return &Listener{
		cfg:        cfg,
		drain:      drain,
		logger:     logger,
		metrics:    m,
		hub:        newSubscriberHub(logger),
		state:      StateStopped,
		drainCh:    make(chan struct{}, 1),
		relistenCh: make(chan struct{}, 1),
	}
}

// State returns the current lifecycle state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start moves the listener from stopped through connecting to listening and
// launches the background loops. It returns immediately; connection failures
// are retried forever with exponential backoff.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateStopped {
		l.mu.Unlock()
		return fmt.Errorf("listener already started (state %s)", l.state)
	}
	l.rootCtx, l.rootCancel = context.WithCancel(ctx)
	l.state = StateConnecting
	l.mu.Unlock()

	l.startSession()

	l.wg.Add(2)
	go l.runDrainWorker()
	go l.runFallbackTicker()
	return nil
}

// Close stops everything. The listener cannot be restarted.
func (l *Listener) Close() {
	l.mu.Lock()
	if l.state == StateStopped && l.rootCancel == nil {
		l.mu.Unlock()
		return
	}
	l.state = StateStopped
	if l.sessionCancel != nil {
		l.sessionCancel()
		l.sessionCancel = nil
	}
	if l.rootCancel != nil {
		l.rootCancel()
	}
	l.mu.Unlock()
	l.wg.Wait()
}

// Pause unsubscribes and closes the NOTIFY connection. In-flight drains are
// abandoned at their next suspension point; fallback ticks while paused are
// no-ops.
func (l *Listener) Pause(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StatePaused:
		return nil
	case StateStopped:
		return fmt.Errorf("listener is not running")
	}

	if l.sessionCancel != nil {
		l.sessionCancel()
		l.sessionCancel = nil
	}
	l.state = StatePaused
	l.logger.Info("listener paused")
	return nil
}

// Resume re-establishes the NOTIFY connection after a Pause.
func (l *Listener) Resume(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StatePaused {
		l.mu.Unlock()
		return fmt.Errorf("listener is not paused (state %s)", l.state)
	}
	l.state = StateConnecting
	l.mu.Unlock()

	l.startSession()
	l.logger.Info("listener resuming")
	return nil
}

// SuspendAndRun pauses the listener, runs fn, and resumes on every exit path
// including fn failing or panicking.
func (l *Listener) SuspendAndRun(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.Pause(ctx); err != nil {
		return err
	}
	defer func() {
		if err := l.Resume(ctx); err != nil {
			l.logger.Error("failed to resume listener after suspension", "error", err)
		}
	}()
	return fn(ctx)
}

// Subscribe registers a callback for NOTIFY payloads on an arbitrary channel
// beyond the primary one. The returned function cancels the subscription.
func (l *Listener) Subscribe(channel string, fn NotificationFunc) func() {
	id, isNew := l.hub.add(channel, fn)
	if isNew {
		// Nudge the active session to LISTEN the new channel.
		select {
		case l.relistenCh <- struct{}{}:
		default:
		}
	}
	return func() { l.hub.remove(channel, id) }
}

// RequestDrain queues one drain. Requests made while one is already queued
// coalesce.
func (l *Listener) RequestDrain() {
	select {
	case l.drainCh <- struct{}{}:
	default:
	}
}

// startSession launches the connect-listen-reconnect loop for the current
// activation. A cancelled session ends the loop; the root context ends
// everything.
func (l *Listener) startSession() {
	l.mu.Lock()
	sessionCtx, cancel := context.WithCancel(l.rootCtx)
	l.sessionCtx = sessionCtx
	l.sessionCancel = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		retry := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2}
		for {
			err := l.listenOnce(sessionCtx)
			if sessionCtx.Err() != nil {
				return
			}
			delay := retry.Duration()
			l.metrics.ObserveReconnect()
			l.logger.Warn("notify connection lost, reconnecting", "error", err, "delay", delay)
			select {
			case <-sessionCtx.Done():
				return
			case <-time.After(delay):
			}
		}
	}()
}

// listenOnce opens the dedicated connection, subscribes, drains once, and
// waits for notifications until the session ends or the connection drops.
func (l *Listener) listenOnce(ctx context.Context) error {
	connCfg, err := pgx.ParseConfig(l.cfg.ConnString)
	if err != nil {
		return fmt.Errorf("parsing connection string: %w", err)
	}
	if l.cfg.TLS != nil {
		connCfg.TLSConfig = l.cfg.TLS
	}

	conn, err := pgx.ConnectConfig(ctx, connCfg)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		conn.Close(closeCtx)
	}()

	listened := make(map[string]bool)
	listen := func(ch string) error {
		if listened[ch] {
			return nil
		}
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return fmt.Errorf("listen %s: %w", ch, err)
		}
		listened[ch] = true
		return nil
	}

	if err := listen(l.cfg.Channel); err != nil {
		return err
	}
	for _, ch := range l.hub.channels() {
		if err := listen(ch); err != nil {
			return err
		}
	}

	l.mu.Lock()
	if l.state == StateConnecting {
		l.state = StateListening
	}
	l.mu.Unlock()
	l.metrics.SetListening(true)
	defer l.metrics.SetListening(false)
	l.logger.Info("listening for notifications", "channel", l.cfg.Channel)

	// Catch up on anything queued while we were away.
	l.RequestDrain()

	for {
		select {
		case <-l.relistenCh:
			for _, ch := range l.hub.channels() {
				if err := listen(ch); err != nil {
					return err
				}
			}
		default:
		}

		waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// A timed-out wait just keeps the connection alive.
			if waitCtx.Err() == context.DeadlineExceeded {
				continue
			}
			return fmt.Errorf("wait: %w", err)
		}

		l.handleNotification(notification)
	}
}

// handleNotification routes one NOTIFY. The primary channel's payload is the
// queue row id as text; it is advisory, so unparseable payloads still drain.
func (l *Listener) handleNotification(n *pgconn.Notification) {
	if n.Channel == l.cfg.Channel {
		l.metrics.ObserveNotification()
		if id, err := strconv.ParseInt(n.Payload, 10, 64); err == nil {
			l.logger.Debug("change notification", "queue_id", id)
		} else if n.Payload != "" {
			l.logger.Debug("change notification with unparseable payload", "payload", n.Payload)
		}
		l.RequestDrain()
		return
	}
	l.hub.publish(n.Channel, n.Payload)
}

// runDrainWorker serializes drains: one at a time, requests coalesced, none
// started unless the listener is listening.
func (l *Listener) runDrainWorker() {
	defer l.wg.Done()
	for {
		select {
		case <-l.rootCtx.Done():
			return
		case <-l.drainCh:
		}

		l.mu.Lock()
		state := l.state
		sessionCtx := l.sessionCtx
		l.mu.Unlock()
		if state != StateListening || sessionCtx == nil {
			continue
		}

		if err := l.drain(sessionCtx); err != nil && sessionCtx.Err() == nil {
			l.logger.Error("drain failed", "error", err)
		}
	}
}

// runFallbackTicker requests a drain on every interval regardless of
// notifications; ticks while not listening are dropped by the drain worker.
func (l *Listener) runFallbackTicker() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.FallbackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.rootCtx.Done():
			return
		case <-ticker.C:
			l.RequestDrain()
		}
	}
}
