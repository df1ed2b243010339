// Package processor turns claimed queue rows into typed change sets, fans
// them out to registered handlers, and settles the batch with the queue:
// ids reported failed by any handler are retried, the rest are processed.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jaishankar101/pgpubsub/internal/change"
	"github.com/jaishankar101/pgpubsub/internal/queue"
	"github.com/jaishankar101/pgpubsub/internal/registry"
)

// Marker is the queue surface the processor settles batches against.
type Marker interface {
	MarkProcessed(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, ids []int64) error
}

// Config tunes dispatch behavior.
type Config struct {
	// TreatUnhandledErrorsAsFailures marks a group's ids failed when a
	// handler returns an error or panics without reporting through onError.
	// Off by default: unreported handler errors are logged and the ids count
	// as processed for that handler.
	TreatUnhandledErrorsAsFailures bool
}

// Processor drives one drain's decode → remap → dispatch → settle pipeline.
type Processor struct {
	discovery *registry.Discovery
	marker    Marker
	cfg       Config
	logger    *slog.Logger
}

// New creates a processor over a completed discovery.
func New(discovery *registry.Discovery, marker Marker, cfg Config, logger *slog.Logger) *Processor {
	return &Processor{discovery: discovery, marker: marker, cfg: cfg, logger: logger}
}

// Result summarizes one batch.
type Result struct {
	Processed []int64
	Failed    []int64
	Groups    int
}

// wirePayload is the JSON shape the generated triggers write.
type wirePayload struct {
	ID     string          `json:"id"` // trigger-emitted uuid, replaced by the queue row id
	Event  change.Event    `json:"event"`
	Schema string          `json:"schema"`
	Table  string          `json:"table"`
	Data   json.RawMessage `json:"data"`
}

// updateData is the UPDATE variant of wirePayload.Data.
type updateData struct {
	New map[string]any `json:"new"`
	Old map[string]any `json:"old"`
}

// ProcessBatch decodes msgs, groups them per table in ascending id order,
// invokes every registered handler, and settles the batch. A decode failure
// fails only that message; the rest of the batch continues.
func (p *Processor) ProcessBatch(ctx context.Context, msgs []queue.Message) (*Result, error) {
	if len(msgs) == 0 {
		return &Result{}, nil
	}

	changes := make([]*change.Change, 0, len(msgs))
	decodeFailed := make(map[int64]bool)

	for _, m := range msgs {
		c, err := p.decode(m)
		if err != nil {
			p.logger.Error("failed to decode queue message", "id", m.ID, "error", err)
			decodeFailed[m.ID] = true
			continue
		}
		changes = append(changes, c)
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].ID < changes[j].ID })

	groups, orphaned := p.group(changes)

	failed := newFailureSet()
	for _, set := range groups {
		p.dispatch(set, failed)
	}

	result := &Result{Groups: len(groups)}
	for id := range decodeFailed {
		result.Failed = append(result.Failed, id)
	}
	for _, c := range changes {
		if failed.has(c.ID) {
			result.Failed = append(result.Failed, c.ID)
		} else {
			result.Processed = append(result.Processed, c.ID)
		}
	}
	// Rows for tables nobody listens to anymore (e.g. an obsolete trigger
	// still firing after a reconfiguration) settle as processed.
	result.Processed = append(result.Processed, orphaned...)

	sort.Slice(result.Processed, func(i, j int) bool { return result.Processed[i] < result.Processed[j] })
	sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i] < result.Failed[j] })

	if err := p.marker.MarkFailed(ctx, result.Failed); err != nil {
		return result, fmt.Errorf("marking failed messages: %w", err)
	}
	if err := p.marker.MarkProcessed(ctx, result.Processed); err != nil {
		return result, fmt.Errorf("marking processed messages: %w", err)
	}
	return result, nil
}

// decode parses one queue row into a remapped change.
func (p *Processor) decode(m queue.Message) (*change.Change, error) {
	var wire wirePayload
	if err := json.Unmarshal(m.Payload, &wire); err != nil {
		return nil, fmt.Errorf("parsing payload: %w", err)
	}
	if !wire.Event.Valid() {
		return nil, fmt.Errorf("unknown event %q", wire.Event)
	}

	c := &change.Change{
		// The payload id is the trigger-emitted uuid; the queue row id is the
		// one that orders and settles the message.
		ID:     m.ID,
		Event:  wire.Event,
		Schema: wire.Schema,
		Table:  wire.Table,
		Metadata: change.Metadata{
			RetryCount: m.RetryCount,
			CreatedAt:  m.CreatedAt,
		},
	}

	desc := p.discovery.Tables[wire.Table]

	switch wire.Event {
	case change.Update:
		var upd updateData
		if err := json.Unmarshal(wire.Data, &upd); err != nil {
			return nil, fmt.Errorf("parsing update data: %w", err)
		}
		c.New = remap(desc, upd.New)
		c.Old = remap(desc, upd.Old)
		c.Data = c.New
		c.UpdatedFields = diffScalars(c.Old, c.New)
	default:
		var row map[string]any
		if err := json.Unmarshal(wire.Data, &row); err != nil {
			return nil, fmt.Errorf("parsing row data: %w", err)
		}
		c.Data = remap(desc, row)
	}
	return c, nil
}

func remap(desc *registry.Descriptor, row map[string]any) map[string]any {
	if desc == nil {
		return row
	}
	return desc.RemapColumns(row)
}

// diffScalars returns the sorted property names whose scalar values differ
// between old and new. Object- and array-valued properties are ignored.
func diffScalars(oldRow, newRow map[string]any) []string {
	keys := make(map[string]bool, len(newRow)+len(oldRow))
	for k := range newRow {
		keys[k] = true
	}
	for k := range oldRow {
		keys[k] = true
	}

	var fields []string
	for k := range keys {
		ov, nv := oldRow[k], newRow[k]
		if isComposite(ov) || isComposite(nv) {
			continue
		}
		if ov != nv {
			fields = append(fields, k)
		}
	}
	sort.Strings(fields)
	return fields
}

func isComposite(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

// group partitions changes per table, preserving ascending id order inside
// each group. Changes for tables without listeners return as orphaned ids.
func (p *Processor) group(changes []*change.Change) (map[string]*change.Set, []int64) {
	groups := make(map[string]*change.Set)
	var orphaned []int64

	for _, c := range changes {
		if len(p.discovery.HandlersFor(c.Table)) == 0 {
			orphaned = append(orphaned, c.ID)
			continue
		}
		set, ok := groups[c.Table]
		if !ok {
			set = &change.Set{Table: c.Table}
			groups[c.Table] = set
		}
		set.All = append(set.All, c)
		switch c.Event {
		case change.Insert:
			set.Insert = append(set.Insert, c)
		case change.Update:
			set.Update = append(set.Update, c)
		case change.Delete:
			set.Delete = append(set.Delete, c)
		}
	}
	return groups, orphaned
}

// dispatch invokes every handler registered for the set's table in discovery
// order. Handlers report retryable ids through onError; a handler error or
// panic is logged and, unless configured otherwise, does not fail the group.
func (p *Processor) dispatch(set *change.Set, failed *failureSet) {
	l := p.discovery.Listeners[set.Table]

	for _, h := range l.Handlers {
		filtered := filterSet(set, l.Events)
		if len(filtered.All) == 0 {
			continue
		}
		if err := p.invoke(h, filtered, failed.add); err != nil {
			p.logger.Error("handler failed without reporting ids",
				"table", set.Table, "error", err)
			if p.cfg.TreatUnhandledErrorsAsFailures {
				failed.add(filtered.IDs())
			}
		}
	}
}

// invoke runs one handler, converting panics into errors.
func (p *Processor) invoke(h change.Handler, set *change.Set, onError change.OnError) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Process(set, onError)
}

// filterSet restricts a set to the events in mask. With the full mask the
// original set is returned untouched.
func filterSet(set *change.Set, mask change.Mask) *change.Set {
	if mask == change.MaskAll || mask == 0 {
		return set
	}
	out := &change.Set{Table: set.Table}
	for _, c := range set.All {
		if !mask.Has(c.Event) {
			continue
		}
		out.All = append(out.All, c)
		switch c.Event {
		case change.Insert:
			out.Insert = append(out.Insert, c)
		case change.Update:
			out.Update = append(out.Update, c)
		case change.Delete:
			out.Delete = append(out.Delete, c)
		}
	}
	return out
}

// failureSet accumulates the union of failed ids across handlers.
type failureSet struct {
	mu  sync.Mutex
	ids map[int64]bool
}

func newFailureSet() *failureSet {
	return &failureSet{ids: make(map[int64]bool)}
}

func (f *failureSet) add(ids []int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.ids[id] = true
	}
}

func (f *failureSet) has(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ids[id]
}
