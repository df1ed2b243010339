package expand

import (
	"context"
	"fmt"
	"net/http"
)

// Request carries everything a method needs to resolve one field.
type Request struct {
	// Parent is the resource being expanded.
	Parent map[string]any
	// HTTP is the originating request, when expansion runs inside a handler.
	HTTP *http.Request
	// Args are the resolved method arguments (parent property values or the
	// output of a params function).
	Args []any
}

// Method resolves one expandable field on a parent resource.
type Method struct {
	// Fn computes the field value.
	Fn func(ctx context.Context, req *Request) (any, error)
	// Target names the DTO produced by Fn, enabling nested expansion of the
	// result. Empty means the result is opaque.
	Target string
}

// Link routes a field to a method on a reusable container instead of the
// DTO's own expander. Links take precedence over expander methods.
type Link struct {
	Container string
	Method    string
	// ParamPaths lists parent property names resolved into Request.Args.
	ParamPaths []string
	// ParamsFunc computes Request.Args from the parent and request; it wins
	// over ParamPaths when both are set.
	ParamsFunc func(parent map[string]any, r *http.Request) []any
}

// Registry holds expanders, reusable method containers, and field links,
// collected at startup and read-only afterwards.
type Registry struct {
	expanders map[string]map[string]Method          // dto -> field -> method
	reusable  map[string]map[string]Method          // container -> method name -> method
	links     map[string]map[string]Link            // dto -> field -> link
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		expanders: make(map[string]map[string]Method),
		reusable:  make(map[string]map[string]Method),
		links:     make(map[string]map[string]Link),
	}
}

// RegisterExpander declares the expandable fields of a DTO.
func (r *Registry) RegisterExpander(dto string, fields map[string]Method) {
	if r.expanders[dto] == nil {
		r.expanders[dto] = make(map[string]Method)
	}
	for name, m := range fields {
		r.expanders[dto][name] = m
	}
}

// RegisterReusable declares a container of methods shareable across DTOs via
// links.
func (r *Registry) RegisterReusable(container string, methods map[string]Method) {
	if r.reusable[container] == nil {
		r.reusable[container] = make(map[string]Method)
	}
	for name, m := range methods {
		r.reusable[container][name] = m
	}
}

// RegisterLink routes dto.field to a reusable method.
func (r *Registry) RegisterLink(dto, field string, link Link) {
	if r.links[dto] == nil {
		r.links[dto] = make(map[string]Link)
	}
	r.links[dto][field] = link
}

// Validate fails fast on dangling references: every link must reference an
// existing reusable container and method, and every registered expander
// must declare at least one field.
func (r *Registry) Validate() error {
	for dto, fields := range r.links {
		for field, link := range fields {
			methods, ok := r.reusable[link.Container]
			if !ok {
				return fmt.Errorf("expansion link %s.%s references unknown container %q", dto, field, link.Container)
			}
			if _, ok := methods[link.Method]; !ok {
				return fmt.Errorf("expansion link %s.%s references unknown method %s.%s", dto, field, link.Container, link.Method)
			}
		}
	}
	for dto, fields := range r.expanders {
		if len(fields) == 0 {
			return fmt.Errorf("expander for %q declares no fields", dto)
		}
	}
	return nil
}

// resolve finds the method for dto.field: a link's reusable method wins over
// the DTO's own expander method.
func (r *Registry) resolve(dto, field string) (Method, *Link, bool) {
	if links, ok := r.links[dto]; ok {
		if link, ok := links[field]; ok {
			if methods, ok := r.reusable[link.Container]; ok {
				if m, ok := methods[link.Method]; ok {
					return m, &link, true
				}
			}
		}
	}
	if fields, ok := r.expanders[dto]; ok {
		if m, ok := fields[field]; ok {
			return m, nil, true
		}
	}
	return Method{}, nil, false
}
