package listener

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// NotificationFunc receives the raw payload of a NOTIFY on a subscribed
// channel.
type NotificationFunc func(payload string)

// subscriberHub fans NOTIFY payloads out to registered callbacks. It is safe
// for concurrent use.
type subscriberHub struct {
	mu     sync.RWMutex
	subs   map[string]map[string]NotificationFunc // channel -> subscription id -> callback
	logger *slog.Logger
}

func newSubscriberHub(logger *slog.Logger) *subscriberHub {
	return &subscriberHub{
		subs:   make(map[string]map[string]NotificationFunc),
		logger: logger,
	}
}

// add registers a callback and returns its subscription id and whether the
// channel is new (and so needs a LISTEN on the wire).
func (h *subscriberHub) add(channel string, fn NotificationFunc) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	chanSubs, ok := h.subs[channel]
	if !ok {
		chanSubs = make(map[string]NotificationFunc)
		h.subs[channel] = chanSubs
	}
	id := uuid.NewString()
	chanSubs[id] = fn
	return id, !ok
}

// remove drops a subscription. Removing an unknown id is a no-op.
func (h *subscriberHub) remove(channel, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if chanSubs, ok := h.subs[channel]; ok {
		delete(chanSubs, id)
		if len(chanSubs) == 0 {
			delete(h.subs, channel)
		}
	}
}

// channels returns every channel with at least one subscriber.
func (h *subscriberHub) channels() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.subs))
	for ch := range h.subs {
		out = append(out, ch)
	}
	return out
}

// publish invokes every callback registered for channel. Callback panics are
// contained so one subscriber cannot take down the listen loop.
func (h *subscriberHub) publish(channel, payload string) {
	h.mu.RLock()
	fns := make([]NotificationFunc, 0, len(h.subs[channel]))
	for _, fn := range h.subs[channel] {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Error("notification subscriber panicked", "channel", channel, "panic", r)
				}
			}()
			fn(payload)
		}()
	}
}
