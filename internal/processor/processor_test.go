package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jaishankar101/pgpubsub/internal/change"
	"github.com/jaishankar101/pgpubsub/internal/queue"
	"github.com/jaishankar101/pgpubsub/internal/registry"
	"github.com/jaishankar101/pgpubsub/internal/testutil"
)

type fakeMarker struct {
	processed []int64
	failed    []int64
}

func (m *fakeMarker) MarkProcessed(ctx context.Context, ids []int64) error {
	m.processed = append(m.processed, ids...)
	return nil
}

func (m *fakeMarker) MarkFailed(ctx context.Context, ids []int64) error {
	m.failed = append(m.failed, ids...)
	return nil
}

type capturingHandler struct {
	sets []*change.Set
	fail []int64 // ids to report through onError on every call
	err  error
}

func (h *capturingHandler) Process(changes *change.Set, onError change.OnError) error {
	h.sets = append(h.sets, changes)
	if len(h.fail) > 0 {
		onError(h.fail)
	}
	return h.err
}

func usersDiscovery(handlers ...change.Handler) *registry.Discovery {
	desc := &registry.Descriptor{
		Table:  "users",
		Schema: "public",
		ColumnToProp: map[string]string{
			"id": "id", "first_name": "firstName", "email": "email", "tags": "tags",
		},
		PropToColumn: map[string]string{
			"id": "id", "firstName": "first_name", "email": "email", "tags": "tags",
		},
	}
	return &registry.Discovery{
		Tables: map[string]*registry.Descriptor{"users": desc},
		Listeners: map[string]*registry.Listener{
			"users": {Table: "users", Schema: "public", Events: change.MaskAll, Handlers: handlers},
		},
		Order: []string{"users"},
	}
}

func insertMsg(id int64, table, name string) queue.Message {
	payload := fmt.Sprintf(
		`{"id":"8d9c1f1e-0000-0000-0000-000000000000","event":"INSERT","schema":"public","table":%q,"data":{"id":%d,"first_name":%q}}`,
		table, id, name)
	return queue.Message{
		ID:        id,
		Channel:   "pubsub_trigger",
		Payload:   []byte(payload),
		CreatedAt: time.Now(),
	}
}

func updateMsg(id int64, oldName, newName string) queue.Message {
	payload := fmt.Sprintf(
		`{"id":"8d9c1f1e-0000-0000-0000-000000000001","event":"UPDATE","schema":"public","table":"users","data":{"new":{"id":%d,"first_name":%q,"tags":["a"]},"old":{"id":%d,"first_name":%q,"tags":["b"]}}}`,
		id, newName, id, oldName)
	return queue.Message{ID: id, Channel: "pubsub_trigger", Payload: []byte(payload), CreatedAt: time.Now()}
}

func TestProcessBatchInsert(t *testing.T) {
	h := &capturingHandler{}
	marker := &fakeMarker{}
	p := New(usersDiscovery(h), marker, Config{}, testutil.DiscardLogger())

	msg := insertMsg(42, "users", "Test User")
	msg.RetryCount = 3
	result, err := p.ProcessBatch(context.Background(), []queue.Message{msg})
	testutil.NoError(t, err)

	testutil.SliceLen(t, result.Processed, 1)
	testutil.SliceLen(t, result.Failed, 0)
	testutil.SliceLen(t, h.sets, 1)

	set := h.sets[0]
	testutil.SliceLen(t, set.Insert, 1)
	c := set.Insert[0]
	testutil.Equal(t, c.ID, int64(42)) // queue row id replaces the trigger uuid
	testutil.Equal(t, c.Event, change.Insert)
	testutil.Equal(t, c.Data["firstName"], any("Test User"))
	testutil.Equal(t, c.Metadata.RetryCount, 3)
	testutil.SliceLen(t, marker.processed, 1)
	testutil.Equal(t, marker.processed[0], int64(42))
}

func TestProcessBatchUpdateDiff(t *testing.T) {
	h := &capturingHandler{}
	marker := &fakeMarker{}
	p := New(usersDiscovery(h), marker, Config{}, testutil.DiscardLogger())

	_, err := p.ProcessBatch(context.Background(), []queue.Message{updateMsg(7, "Test User", "Updated User")})
	testutil.NoError(t, err)

	set := h.sets[0]
	testutil.SliceLen(t, set.Update, 1)
	c := set.Update[0]
	// Only the scalar change appears; the mutated "tags" array is ignored.
	testutil.SliceLen(t, c.UpdatedFields, 1)
	testutil.Equal(t, c.UpdatedFields[0], "firstName")
	testutil.Equal(t, c.New["firstName"], any("Updated User"))
	testutil.Equal(t, c.Old["firstName"], any("Test User"))
	testutil.Equal(t, c.Data["firstName"], any("Updated User"))
}

func TestProcessBatchDecodeFailureIsolated(t *testing.T) {
	h := &capturingHandler{}
	marker := &fakeMarker{}
	p := New(usersDiscovery(h), marker, Config{}, testutil.DiscardLogger())

	bad := queue.Message{ID: 1, Payload: []byte(`{not json`), CreatedAt: time.Now()}
	good := insertMsg(2, "users", "Ada")

	result, err := p.ProcessBatch(context.Background(), []queue.Message{bad, good})
	testutil.NoError(t, err)

	testutil.SliceLen(t, result.Failed, 1)
	testutil.Equal(t, result.Failed[0], int64(1))
	testutil.SliceLen(t, result.Processed, 1)
	testutil.Equal(t, result.Processed[0], int64(2))
	testutil.SliceLen(t, h.sets, 1)
}

func TestProcessBatchUnknownEventFails(t *testing.T) {
	marker := &fakeMarker{}
	p := New(usersDiscovery(&capturingHandler{}), marker, Config{}, testutil.DiscardLogger())

	msg := queue.Message{ID: 5, Payload: []byte(`{"id":"x","event":"TRUNCATE","schema":"public","table":"users","data":{}}`)}
	result, err := p.ProcessBatch(context.Background(), []queue.Message{msg})
	testutil.NoError(t, err)
	testutil.SliceLen(t, result.Failed, 1)
}

func TestProcessBatchOrderingWithinTable(t *testing.T) {
	h := &capturingHandler{}
	marker := &fakeMarker{}
	p := New(usersDiscovery(h), marker, Config{}, testutil.DiscardLogger())

	msgs := []queue.Message{insertMsg(9, "users", "c"), insertMsg(3, "users", "a"), insertMsg(5, "users", "b")}
	_, err := p.ProcessBatch(context.Background(), msgs)
	testutil.NoError(t, err)

	set := h.sets[0]
	testutil.SliceLen(t, set.All, 3)
	var prev int64
	for _, c := range set.All {
		testutil.True(t, c.ID > prev, "ids must be strictly ascending")
		prev = c.ID
	}
}

func TestProcessBatchFailureUnionAcrossHandlers(t *testing.T) {
	h1 := &capturingHandler{fail: []int64{3}}
	h2 := &capturingHandler{fail: []int64{5}}
	marker := &fakeMarker{}
	p := New(usersDiscovery(h1, h2), marker, Config{}, testutil.DiscardLogger())

	msgs := []queue.Message{insertMsg(3, "users", "a"), insertMsg(5, "users", "b"), insertMsg(7, "users", "c")}
	result, err := p.ProcessBatch(context.Background(), msgs)
	testutil.NoError(t, err)

	testutil.SliceLen(t, result.Failed, 2)
	testutil.Equal(t, result.Failed[0], int64(3))
	testutil.Equal(t, result.Failed[1], int64(5))
	testutil.SliceLen(t, result.Processed, 1)
	testutil.Equal(t, result.Processed[0], int64(7))
}

func TestHandlerErrorDefaultsToProcessed(t *testing.T) {
	h := &capturingHandler{err: fmt.Errorf("boom")}
	marker := &fakeMarker{}
	p := New(usersDiscovery(h), marker, Config{}, testutil.DiscardLogger())

	result, err := p.ProcessBatch(context.Background(), []queue.Message{insertMsg(1, "users", "a")})
	testutil.NoError(t, err)
	testutil.SliceLen(t, result.Failed, 0)
	testutil.SliceLen(t, result.Processed, 1)
}

func TestHandlerErrorFailsWhenConfigured(t *testing.T) {
	h := &capturingHandler{err: fmt.Errorf("boom")}
	marker := &fakeMarker{}
	p := New(usersDiscovery(h), marker, Config{TreatUnhandledErrorsAsFailures: true}, testutil.DiscardLogger())

	result, err := p.ProcessBatch(context.Background(), []queue.Message{insertMsg(1, "users", "a")})
	testutil.NoError(t, err)
	testutil.SliceLen(t, result.Failed, 1)
	testutil.SliceLen(t, result.Processed, 0)
}

type panickyHandler struct{}

func (panickyHandler) Process(changes *change.Set, onError change.OnError) error {
	panic("handler bug")
}

func TestHandlerPanicIsCaught(t *testing.T) {
	marker := &fakeMarker{}
	p := New(usersDiscovery(panickyHandler{}), marker, Config{}, testutil.DiscardLogger())

	result, err := p.ProcessBatch(context.Background(), []queue.Message{insertMsg(1, "users", "a")})
	testutil.NoError(t, err)
	testutil.SliceLen(t, result.Processed, 1)
}

func TestOrphanedTableSettlesAsProcessed(t *testing.T) {
	marker := &fakeMarker{}
	p := New(usersDiscovery(&capturingHandler{}), marker, Config{}, testutil.DiscardLogger())

	result, err := p.ProcessBatch(context.Background(), []queue.Message{insertMsg(11, "abandoned", "x")})
	testutil.NoError(t, err)
	testutil.SliceLen(t, result.Processed, 1)
	testutil.Equal(t, result.Processed[0], int64(11))
	testutil.Equal(t, result.Groups, 0)
}

func TestDiffScalars(t *testing.T) {
	old := map[string]any{"a": "x", "b": float64(1), "c": map[string]any{"k": 1}, "gone": true}
	new_ := map[string]any{"a": "y", "b": float64(1), "c": map[string]any{"k": 2}, "fresh": "v"}

	fields := diffScalars(old, new_)
	testutil.SliceLen(t, fields, 3) // a changed, gone removed, fresh added
	testutil.Equal(t, fields[0], "a")
	testutil.Equal(t, fields[1], "fresh")
	testutil.Equal(t, fields[2], "gone")
}

func TestDecodeIntoTypedEntity(t *testing.T) {
	type user struct {
		ID        int64  `json:"id"`
		FirstName string `json:"firstName"`
	}
	h := &capturingHandler{}
	p := New(usersDiscovery(h), &fakeMarker{}, Config{}, testutil.DiscardLogger())

	_, err := p.ProcessBatch(context.Background(), []queue.Message{insertMsg(6, "users", "Grace")})
	testutil.NoError(t, err)

	var u user
	testutil.NoError(t, h.sets[0].Insert[0].DecodeData(&u))
	testutil.Equal(t, u.ID, int64(6))
	testutil.Equal(t, u.FirstName, "Grace")
}

func TestWirePayloadShape(t *testing.T) {
	// The trigger writes lowercase keys; make sure the decoder's struct tags
	// line up with the generated payload.
	raw := []byte(`{"id":"u","event":"DELETE","schema":"s","table":"users","data":{"id":1}}`)
	var w wirePayload
	testutil.NoError(t, json.Unmarshal(raw, &w))
	testutil.Equal(t, w.Event, change.Delete)
	testutil.Equal(t, w.Table, "users")
}
