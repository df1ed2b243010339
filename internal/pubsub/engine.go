// Package pubsub wires the capture pipeline together: discovery, queue
// setup, trigger reconciliation under an advisory lock, and the hybrid
// listener driving the processor.
package pubsub

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jaishankar101/pgpubsub/internal/listener"
	"github.com/jaishankar101/pgpubsub/internal/lock"
	"github.com/jaishankar101/pgpubsub/internal/metrics"
	"github.com/jaishankar101/pgpubsub/internal/processor"
	"github.com/jaishankar101/pgpubsub/internal/queue"
	"github.com/jaishankar101/pgpubsub/internal/registry"
	"github.com/jaishankar101/pgpubsub/internal/trigger"
)

const (
	// reconcileLockKey serializes trigger reconciliation across instances.
	reconcileLockKey = "pg_pubsub"
	// reconcileLockHold is how long the reconciliation lock is held.
	reconcileLockHold = 5 * time.Second
)

// Options configures an Engine.
type Options struct {
	// ConnString is the database URL, used for the dedicated NOTIFY
	// connection (the query pool is passed separately).
	ConnString string
	// TLS is forwarded verbatim to the NOTIFY connection.
	TLS *tls.Config

	TriggerSchema string           // default "public"
	TriggerPrefix string           // default "pubsub_trigger"; also the NOTIFY channel
	QueueSchema   string           // default "public"
	QueueTable    string           // default "pg_pubsub_queue"
	MaxRetries    int              // default 5
	MessageTTL    time.Duration    // default 24h
	CleanupInterval time.Duration  // default 1h
	ReconcileStrategy trigger.Strategy // default differential

	// TreatUnhandledHandlerErrorsAsFailures opts handler errors that were
	// not reported through onError into the retry path.
	TreatUnhandledHandlerErrorsAsFailures bool
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.TriggerSchema == "" {
		out.TriggerSchema = "public"
	}
	if out.TriggerPrefix == "" {
		out.TriggerPrefix = "pubsub_trigger"
	}
	if out.QueueSchema == "" {
		out.QueueSchema = "public"
	}
	if out.QueueTable == "" {
		out.QueueTable = "pg_pubsub_queue"
	}
	return out
}

// Engine is the top-level pub/sub engine for one database.
type Engine struct {
	opts     Options
	pool     *pgxpool.Pool
	logger   *slog.Logger
	metrics  *metrics.Metrics

	registry  *registry.Registry
	discovery *registry.Discovery

	locks     *lock.Service
	queue     *queue.Service
	triggers  *trigger.Service
	processor *processor.Processor
	listener  *listener.Listener

	started bool
}

// New creates an engine. Register handlers, then Start.
func New(pool *pgxpool.Pool, opts Options, m *metrics.Metrics, logger *slog.Logger) *Engine {
	opts = opts.withDefaults()

	qs := queue.NewService(pool, queue.Config{
		Schema:          opts.QueueSchema,
		Table:           opts.QueueTable,
		MaxRetries:      opts.MaxRetries,
		MessageTTL:      opts.MessageTTL,
		CleanupInterval: opts.CleanupInterval,
	}, logger)

	e := &Engine{
		opts:     opts,
		pool:     pool,
		logger:   logger,
		metrics:  m,
		registry: registry.New(),
		locks:    lock.NewService(pool, logger),
		queue:    qs,
		triggers: trigger.NewService(pool, trigger.Config{
			Schema:   opts.TriggerSchema,
			Prefix:   opts.TriggerPrefix,
			QueueRef: qs.TableRef(),
			Strategy: opts.ReconcileStrategy,
		}, logger),
	}
	e.listener = listener.New(listener.Config{
		ConnString: opts.ConnString,
		Channel:    opts.TriggerPrefix,
		TLS:        opts.TLS,
	}, e.drain, m, logger)
	return e
}

// Register adds a handler registration. Must be called before Start.
func (e *Engine) Register(reg registry.Registration) error {
	if e.started {
		return fmt.Errorf("cannot register handlers after Start")
	}
	return e.registry.Register(reg)
}

// Queue exposes the queue service (stats, cleanup).
func (e *Engine) Queue() *queue.Service { return e.queue }

// Triggers exposes the trigger service (list, reconcile).
func (e *Engine) Triggers() *trigger.Service { return e.triggers }

// Channel returns the NOTIFY channel (the trigger prefix).
func (e *Engine) Channel() string { return e.opts.TriggerPrefix }

// Start runs discovery, sets up the queue, reconciles triggers under the
// cross-instance advisory lock, and brings up the listener.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return fmt.Errorf("engine already started")
	}

	d, err := e.registry.Discover(ctx, e.pool, e.opts.TriggerSchema, e.logger)
	if err != nil {
		return fmt.Errorf("handler discovery: %w", err)
	}
	e.discovery = d

	if err := e.queue.Setup(ctx); err != nil {
		return err
	}

	if err := e.reconcileTriggers(ctx); err != nil {
		return err
	}

	e.processor = processor.New(d, e.queue, processor.Config{
		TreatUnhandledErrorsAsFailures: e.opts.TreatUnhandledHandlerErrorsAsFailures,
	}, e.logger)

	if err := e.listener.Start(ctx); err != nil {
		return fmt.Errorf("starting listener: %w", err)
	}

	e.started = true
	e.logger.Info("pubsub engine started",
		"channel", e.opts.TriggerPrefix,
		"tables", len(d.Order),
	)
	return nil
}

// Stop tears the engine down. Triggers and queued rows stay in the database
// for the next run.
func (e *Engine) Stop() {
	if e.listener != nil {
		e.listener.Close()
	}
	e.queue.Teardown()
	e.locks.Close()
	e.started = false
	e.logger.Info("pubsub engine stopped")
}

// ReconcileTriggers recomputes the desired trigger set from the completed
// discovery and applies it under the advisory lock. Exposed for operational
// use; Start calls it once.
func (e *Engine) ReconcileTriggers(ctx context.Context) error {
	if e.discovery == nil {
		return fmt.Errorf("discovery has not run")
	}
	return e.reconcileTriggers(ctx)
}

func (e *Engine) reconcileTriggers(ctx context.Context) error {
	desired := e.desiredTriggers()

	var reconcileErr error
	err := e.locks.TryLock(ctx, lock.Request{
		Key:      reconcileLockKey,
		Duration: reconcileLockHold,
		OnAccept: func() {
			reconcileErr = e.triggers.Reconcile(ctx, desired)
		},
		OnReject: func(err error) {
			e.logger.Info("another instance is already updating PubSub triggers", "reason", err)
		},
	})
	if err != nil {
		return fmt.Errorf("acquiring reconcile lock: %w", err)
	}
	if reconcileErr != nil {
		return fmt.Errorf("reconciling triggers: %w", reconcileErr)
	}
	return nil
}

// desiredTriggers maps the discovery result onto trigger descriptors.
func (e *Engine) desiredTriggers() []trigger.Desired {
	desired := make([]trigger.Desired, 0, len(e.discovery.Order))
	for _, table := range e.discovery.Order {
		l := e.discovery.Listeners[table]
		desc := e.discovery.Tables[table]
		desired = append(desired, trigger.Desired{
			Schema:         l.Schema,
			Table:          table,
			Events:         l.Events,
			PayloadColumns: l.PayloadColumns(desc),
		})
	}
	return desired
}

// drain is one claim-process-settle iteration, invoked by the listener on
// notifications and fallback ticks.
func (e *Engine) drain(ctx context.Context) error {
	if e.processor == nil {
		return nil
	}
	msgs, err := e.queue.FetchPending(ctx, e.opts.TriggerPrefix)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	result, err := e.processor.ProcessBatch(ctx, msgs)
	if result != nil {
		e.metrics.ObserveBatch(len(result.Processed), len(result.Failed))
	}
	if err != nil {
		return err
	}

	e.logger.Debug("drain complete",
		"claimed", len(msgs),
		"processed", len(result.Processed),
		"failed", len(result.Failed),
	)

	// More than a full batch may be waiting; keep draining until dry.
	if len(msgs) == queue.BatchSize {
		e.listener.RequestDrain()
	}
	return nil
}

// Pause suspends consumption; queued changes accumulate in the database.
func (e *Engine) Pause(ctx context.Context) error {
	return e.listener.Pause(ctx)
}

// Resume re-establishes consumption after Pause.
func (e *Engine) Resume(ctx context.Context) error {
	return e.listener.Resume(ctx)
}

// SuspendAndRun pauses, runs fn, and always resumes.
func (e *Engine) SuspendAndRun(ctx context.Context, fn func(ctx context.Context) error) error {
	return e.listener.SuspendAndRun(ctx, fn)
}

// Subscribe registers a callback for NOTIFY payloads on a user-defined
// channel beyond the engine's own. May be called before Start; the
// subscription goes live with the connection. The returned function cancels
// it.
func (e *Engine) Subscribe(channel string, fn listener.NotificationFunc) func() {
	return e.listener.Subscribe(channel, fn)
}

// Status is a point-in-time operational snapshot.
type Status struct {
	ListenerState string                     `json:"listener_state"`
	Channel       string                     `json:"channel"`
	Tables        []string                   `json:"tables"`
	Queue         map[queue.Status]int64     `json:"queue"`
}

// Status reports the listener state and queue depth.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	st := &Status{Channel: e.opts.TriggerPrefix, ListenerState: string(listener.StateStopped)}
	if e.listener != nil {
		st.ListenerState = string(e.listener.State())
	}
	if e.discovery != nil {
		st.Tables = append(st.Tables, e.discovery.Order...)
	}

	stats, err := e.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	st.Queue = stats.ByStatus

	if e.metrics != nil {
		depth := make(map[string]int64, len(stats.ByStatus))
		for s, n := range stats.ByStatus {
			depth[string(s)] = n
		}
		e.metrics.SetQueueDepth(depth)
	}
	return st, nil
}
