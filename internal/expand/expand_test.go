package expand

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jaishankar101/pgpubsub/internal/testutil"
)

var instructors = map[float64]map[string]any{
	9:  {"id": float64(9), "name": "Ada", "bio": "long bio"},
	10: {"id": float64(10), "name": "Grace", "bio": "longer bio"},
}

var courses = map[float64]map[string]any{
	1: {"id": float64(1), "title": "Go", "description": "d1", "instructor_id": float64(9), "parent_id": float64(2)},
	2: {"id": float64(2), "title": "Programming", "description": "d2", "instructor_id": float64(10), "parent_id": nil},
}

func courseRegistry() *Registry {
	reg := NewRegistry()
	reg.RegisterExpander("Course", map[string]Method{
		"instructor": {
			Target: "Instructor",
			Fn: func(ctx context.Context, req *Request) (any, error) {
				id, _ := req.Parent["instructor_id"].(float64)
				inst, ok := instructors[id]
				if !ok {
					return nil, fmt.Errorf("instructor %v not found", id)
				}
				return inst, nil
			},
		},
		"parent": {
			Target: "Course",
			Fn: func(ctx context.Context, req *Request) (any, error) {
				id, ok := req.Parent["parent_id"].(float64)
				if !ok {
					return nil, nil
				}
				return courses[id], nil
			},
		},
	})
	return reg
}

func TestExpandSingleObject(t *testing.T) {
	e := NewExpander(courseRegistry(), PolicyIgnore)

	out, errs, err := e.Expand(context.Background(), courses[1], ParseTree("instructor"), "Course", nil)
	testutil.NoError(t, err)
	testutil.MapLen(t, errs, 0)

	obj := out.(map[string]any)
	inst := obj["instructor"].(map[string]any)
	testutil.Equal(t, inst["name"], any("Ada"))
	// The input map must not be mutated.
	if _, ok := courses[1]["instructor"]; ok {
		t.Fatal("expansion must operate on a copy of the parent")
	}
}

func TestExpandNestedRecursion(t *testing.T) {
	e := NewExpander(courseRegistry(), PolicyIgnore)

	out, errs, err := e.Expand(context.Background(), courses[1], ParseTree("parent.instructor"), "Course", nil)
	testutil.NoError(t, err)
	testutil.MapLen(t, errs, 0)

	parent := out.(map[string]any)["parent"].(map[string]any)
	inst := parent["instructor"].(map[string]any)
	testutil.Equal(t, inst["name"], any("Grace"))
}

func TestExpandCollectionWithIndexedErrors(t *testing.T) {
	broken := []map[string]any{
		{"id": float64(1), "instructor_id": float64(9)},
		{"id": float64(2), "instructor_id": float64(404)},
	}
	e := NewExpander(courseRegistry(), PolicyIgnore)

	out, errs, err := e.Expand(context.Background(), broken, ParseTree("instructor"), "Course", nil)
	testutil.NoError(t, err)

	items := out.([]map[string]any)
	testutil.NotNil(t, items[0]["instructor"])
	if _, ok := items[1]["instructor"]; ok {
		t.Error("failed expansion should leave the field unset")
	}
	testutil.MapLen(t, errs, 1)
	if _, ok := errs["Course.[1].instructor"]; !ok {
		t.Errorf("error key should carry the item index, got %v", errs)
	}
}

func TestExpandPolicyThrow(t *testing.T) {
	e := NewExpander(courseRegistry(), PolicyThrow)

	_, _, err := e.Expand(context.Background(),
		map[string]any{"id": float64(3), "instructor_id": float64(404)},
		ParseTree("instructor"), "Course", nil)
	testutil.ErrorContains(t, err, "not found")
}

func TestExpandUnknownFieldRecorded(t *testing.T) {
	e := NewExpander(courseRegistry(), PolicyIgnore)

	_, errs, err := e.Expand(context.Background(), courses[1], ParseTree("mystery"), "Course", nil)
	testutil.NoError(t, err)
	testutil.MapLen(t, errs, 1)
}

func TestReusableLinkPrecedence(t *testing.T) {
	reg := courseRegistry()
	reg.RegisterReusable("PeopleMethods", map[string]Method{
		"lookupByID": {
			Target: "Instructor",
			Fn: func(ctx context.Context, req *Request) (any, error) {
				if len(req.Args) != 1 {
					return nil, fmt.Errorf("want 1 arg, got %d", len(req.Args))
				}
				return map[string]any{"id": req.Args[0], "source": "reusable"}, nil
			},
		},
	})
	reg.RegisterLink("Course", "instructor", Link{
		Container:  "PeopleMethods",
		Method:     "lookupByID",
		ParamPaths: []string{"instructor_id"},
	})
	testutil.NoError(t, reg.Validate())

	e := NewExpander(reg, PolicyThrow)
	out, _, err := e.Expand(context.Background(), courses[1], ParseTree("instructor"), "Course", nil)
	testutil.NoError(t, err)

	inst := out.(map[string]any)["instructor"].(map[string]any)
	testutil.Equal(t, inst["source"], any("reusable"))
	testutil.Equal(t, inst["id"], any(float64(9)))
}

func TestValidateDanglingLink(t *testing.T) {
	reg := courseRegistry()
	reg.RegisterLink("Course", "instructor", Link{Container: "Nope", Method: "x"})
	testutil.ErrorContains(t, reg.Validate(), "unknown container")

	reg2 := courseRegistry()
	reg2.RegisterReusable("PeopleMethods", map[string]Method{})
	reg2.RegisterLink("Course", "instructor", Link{Container: "PeopleMethods", Method: "ghost"})
	testutil.ErrorContains(t, reg2.Validate(), "unknown method")
}

func TestAttachErrors(t *testing.T) {
	errs := map[string]PathError{"Course.x": {Message: "boom", Path: "x"}}

	obj := AttachErrors(map[string]any{"id": 1}, errs).(map[string]any)
	testutil.NotNil(t, obj[ErrorsKey])

	items := AttachErrors([]map[string]any{{"id": 1}, {"id": 2}}, errs).([]map[string]any)
	testutil.NotNil(t, items[0][ErrorsKey])
	testutil.NotNil(t, items[1][ErrorsKey])
}

// TestCoursesEndToEnd runs the full middleware path:
// GET /courses?expands=instructor,parent.instructor&selects=*,-description,instructor.*,-instructor.bio
func TestCoursesEndToEnd(t *testing.T) {
	e := NewExpander(courseRegistry(), PolicyIgnore)
	mw := NewMiddleware(e, testutil.DiscardLogger())

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"items": []any{courses[1]},
		})
	})
	h := mw.Wrap("Course", "items", "", inner)

	req := httptest.NewRequest(http.MethodGet,
		"/courses?expands=instructor,parent.instructor&selects=*,-description,instructor.*,-instructor.bio", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	testutil.Equal(t, rec.Code, http.StatusOK)

	var body struct {
		Items []map[string]any `json:"items"`
	}
	testutil.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	testutil.SliceLen(t, body.Items, 1)

	got := body.Items[0]
	if _, ok := got["description"]; ok {
		t.Error("description should be absent at the root")
	}
	inst := got["instructor"].(map[string]any)
	testutil.Equal(t, inst["name"], any("Ada"))
	if _, ok := inst["bio"]; ok {
		t.Error("instructor.bio should be absent")
	}
	parent := got["parent"].(map[string]any)
	parentInst := parent["instructor"].(map[string]any)
	testutil.Equal(t, parentInst["name"], any("Grace"))
	// Untouched fields survive.
	testutil.Equal(t, got["title"], any("Go"))
	testutil.Equal(t, got["id"], any(float64(1)))
}

func TestMiddlewarePassthroughWithoutParams(t *testing.T) {
	e := NewExpander(courseRegistry(), PolicyIgnore)
	mw := NewMiddleware(e, testutil.DiscardLogger())

	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	})
	h := mw.Wrap("Course", "", "", inner)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/courses", nil))
	testutil.True(t, called)
	testutil.Equal(t, rec.Code, http.StatusNoContent)
}

func TestMiddlewareIncludePolicyAttachesErrors(t *testing.T) {
	e := NewExpander(courseRegistry(), PolicyInclude)
	mw := NewMiddleware(e, testutil.DiscardLogger())

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": 1, "instructor_id": 404})
	})
	h := mw.Wrap("Course", "", "", inner)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/course?expands=instructor", nil))

	var body map[string]any
	testutil.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	if _, ok := body[ErrorsKey]; !ok {
		t.Fatalf("expected %s in response, got %v", ErrorsKey, body)
	}
}
