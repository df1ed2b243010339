package queue

import (
	"testing"
	"time"

	"github.com/jaishankar101/pgpubsub/internal/testutil"
)

func TestConfigDefaults(t *testing.T) {
	cfg := (&Config{}).withDefaults()
	testutil.Equal(t, cfg.Schema, "public")
	testutil.Equal(t, cfg.Table, "pg_pubsub_queue")
	testutil.Equal(t, cfg.MaxRetries, 5)
	testutil.Equal(t, cfg.MessageTTL, 24*time.Hour)
	testutil.Equal(t, cfg.CleanupInterval, time.Hour)
}

func TestConfigOverrides(t *testing.T) {
	cfg := (&Config{
		Schema:          "app",
		Table:           "events_queue",
		MaxRetries:      3,
		MessageTTL:      time.Hour,
		CleanupInterval: 10 * time.Minute,
	}).withDefaults()
	testutil.Equal(t, cfg.Schema, "app")
	testutil.Equal(t, cfg.Table, "events_queue")
	testutil.Equal(t, cfg.MaxRetries, 3)
}

func TestTableRefQuoting(t *testing.T) {
	s := NewService(nil, Config{Schema: "public", Table: "pg_pubsub_queue"}, testutil.DiscardLogger())
	testutil.Equal(t, s.TableRef(), `"public"."pg_pubsub_queue"`)

	weird := NewService(nil, Config{Schema: `we"ird`, Table: "q"}, testutil.DiscardLogger())
	testutil.Equal(t, weird.TableRef(), `"we""ird"."q"`)
}

func TestMigrationStepsRender(t *testing.T) {
	ref := `"public"."pg_pubsub_queue"`

	testutil.SliceLen(t, steps, 4)

	ddl := steps[0].render(ref, "pg_pubsub_queue")
	testutil.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS "+ref)
	testutil.Contains(t, ddl, "next_retry_at")
	testutil.Contains(t, ddl, "'pending', 'processing', 'processed', 'failed'")

	testutil.Contains(t, steps[1].render(ref, "pg_pubsub_queue"), `"pg_pubsub_queue_status_idx"`)
	testutil.Contains(t, steps[2].render(ref, "pg_pubsub_queue"), "(channel)")
	testutil.Contains(t, steps[3].render(ref, "pg_pubsub_queue"), "(next_retry_at)")
}

func TestTeardownIdempotent(t *testing.T) {
	s := NewService(nil, Config{}, testutil.DiscardLogger())
	s.Teardown()
	s.Teardown() // Should not panic on a second call.
}
