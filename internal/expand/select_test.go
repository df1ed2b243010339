package expand

import (
	"testing"

	"github.com/jaishankar101/pgpubsub/internal/testutil"
)

func course() map[string]any {
	return map[string]any{
		"id":          float64(1),
		"title":       "Go",
		"description": "long text",
		"instructor": map[string]any{
			"id":   float64(9),
			"name": "Ada",
			"bio":  "long bio",
		},
	}
}

func TestSelectionWildcardWithExclusions(t *testing.T) {
	tr := ParseTree("*,-description,instructor.*,-instructor.bio")
	out := ApplySelection(course(), tr).(map[string]any)

	testutil.Equal(t, out["title"], any("Go"))
	if _, ok := out["description"]; ok {
		t.Error("description should be stripped")
	}
	inst := out["instructor"].(map[string]any)
	testutil.Equal(t, inst["name"], any("Ada"))
	if _, ok := inst["bio"]; ok {
		t.Error("instructor.bio should be stripped")
	}
}

func TestSelectionKeepOnlyListed(t *testing.T) {
	tr := ParseTree("id,title")
	out := ApplySelection(course(), tr).(map[string]any)

	testutil.MapLen(t, out, 2)
	testutil.Equal(t, out["title"], any("Go"))
}

func TestSelectionOnlyExclusionsKeepsRest(t *testing.T) {
	tr := ParseTree("-description")
	out := ApplySelection(course(), tr).(map[string]any)

	testutil.MapLen(t, out, 3)
	if _, ok := out["description"]; ok {
		t.Error("description should be stripped")
	}
}

func TestSelectionEmptyTreeKeepsAll(t *testing.T) {
	out := ApplySelection(course(), NewTree()).(map[string]any)
	testutil.MapLen(t, out, 4)
}

func TestSelectionOverCollection(t *testing.T) {
	items := []map[string]any{course(), course()}
	out := ApplySelection(items, ParseTree("id")).([]map[string]any)

	testutil.SliceLen(t, out, 2)
	testutil.MapLen(t, out[0], 1)
}

func TestSelectionPreservesExpansionErrors(t *testing.T) {
	obj := course()
	obj[ErrorsKey] = map[string]PathError{"Course.x": {Message: "boom", Path: "x"}}
	out := ApplySelection(obj, ParseTree("id")).(map[string]any)

	testutil.MapLen(t, out, 2)
	if _, ok := out[ErrorsKey]; !ok {
		t.Error("expansion errors should survive selection")
	}
}
