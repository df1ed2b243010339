package trigger

import (
	"fmt"
	"strings"

	"github.com/jaishankar101/pgpubsub/internal/change"
)

// Desired describes one trigger the reconciler should ensure exists.
type Desired struct {
	Schema string
	Table  string
	Events change.Mask
	// PayloadColumns restricts the captured row to these database columns.
	// Empty captures the whole row.
	PayloadColumns []string
}

// FunctionName returns the generated function/trigger name for table.
func FunctionName(prefix, table string) string {
	return prefix + "_" + table
}

// dataExpr builds the jsonb expression capturing one row image.
func dataExpr(rowVar string, cols []string) string {
	if len(cols) == 0 {
		return "to_jsonb(" + rowVar + ")"
	}
	pairs := make([]string, 0, len(cols))
	for _, c := range cols {
		pairs = append(pairs, fmt.Sprintf("'%s', %s.%s", escapeLiteral(c), rowVar, quoteIdent(c)))
	}
	return "jsonb_build_object(" + strings.Join(pairs, ", ") + ")"
}

// functionSQL renders the plpgsql trigger function for d. The function
// enqueues one queue row per row change and notifies the channel with the
// inserted queue id; the listener needs nothing but the id.
func functionSQL(d Desired, prefix, queueRef string) string {
	name := FunctionName(prefix, d.Table)
	newData := dataExpr("NEW", d.PayloadColumns)
	oldData := dataExpr("OLD", d.PayloadColumns)

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE OR REPLACE FUNCTION %s.%s() RETURNS trigger\n", quoteIdent(d.Schema), quoteIdent(name))
	b.WriteString("LANGUAGE plpgsql AS $fn$\n")
	b.WriteString("DECLARE\n")
	b.WriteString("  payload JSONB;\n")
	b.WriteString("  queued_id BIGINT;\n")
	b.WriteString("BEGIN\n")
	b.WriteString("  IF TG_OP = 'INSERT' THEN\n")
	fmt.Fprintf(&b, "    payload := jsonb_build_object('id', gen_random_uuid(), 'event', 'INSERT', 'schema', TG_TABLE_SCHEMA, 'table', TG_TABLE_NAME, 'data', %s);\n", newData)
	b.WriteString("  ELSIF TG_OP = 'UPDATE' THEN\n")
	fmt.Fprintf(&b, "    payload := jsonb_build_object('id', gen_random_uuid(), 'event', 'UPDATE', 'schema', TG_TABLE_SCHEMA, 'table', TG_TABLE_NAME, 'data', jsonb_build_object('new', %s, 'old', %s));\n", newData, oldData)
	b.WriteString("  ELSE\n")
	fmt.Fprintf(&b, "    payload := jsonb_build_object('id', gen_random_uuid(), 'event', 'DELETE', 'schema', TG_TABLE_SCHEMA, 'table', TG_TABLE_NAME, 'data', %s);\n", oldData)
	b.WriteString("  END IF;\n")
	fmt.Fprintf(&b, "  INSERT INTO %s (channel, payload) VALUES ('%s', payload) RETURNING id INTO queued_id;\n", queueRef, escapeLiteral(prefix))
	fmt.Fprintf(&b, "  PERFORM pg_notify('%s', queued_id::text);\n", escapeLiteral(prefix))
	b.WriteString("  IF TG_OP = 'DELETE' THEN\n")
	b.WriteString("    RETURN OLD;\n")
	b.WriteString("  END IF;\n")
	b.WriteString("  RETURN NEW;\n")
	b.WriteString("END;\n")
	b.WriteString("$fn$")
	return b.String()
}

// triggerSQL renders the row trigger binding the generated function.
func triggerSQL(d Desired, prefix string) string {
	name := FunctionName(prefix, d.Table)

	events := make([]string, 0, 3)
	for _, e := range d.Events.Events() {
		events = append(events, string(e))
	}
	if len(events) == 0 {
		events = []string{string(change.Insert), string(change.Update), string(change.Delete)}
	}

	return fmt.Sprintf(
		"CREATE OR REPLACE TRIGGER %s AFTER %s ON %s.%s FOR EACH ROW EXECUTE FUNCTION %s.%s()",
		quoteIdent(name),
		strings.Join(events, " OR "),
		quoteIdent(d.Schema), quoteIdent(d.Table),
		quoteIdent(d.Schema), quoteIdent(name),
	)
}

func dropTriggerSQL(schema, table, name string) string {
	return fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s.%s",
		quoteIdent(name), quoteIdent(schema), quoteIdent(table))
}

func dropFunctionSQL(schema, name string) string {
	return fmt.Sprintf("DROP FUNCTION IF EXISTS %s.%s() CASCADE",
		quoteIdent(schema), quoteIdent(name))
}

// quoteIdent quotes a SQL identifier with double quotes.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// escapeLiteral escapes a string for embedding in a single-quoted literal.
func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
