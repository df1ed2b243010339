package expand

import (
	"context"
	"fmt"
	"net/http"
)

// ErrorPolicy decides what happens when one expansion path fails.
type ErrorPolicy string

const (
	// PolicyIgnore drops the failed field and records the error.
	PolicyIgnore ErrorPolicy = "ignore"
	// PolicyInclude drops the failed field and attaches the recorded errors
	// to the response under the _expansionErrors key.
	PolicyInclude ErrorPolicy = "include"
	// PolicyThrow propagates the first error.
	PolicyThrow ErrorPolicy = "throw"
)

// ErrorsKey is where PolicyInclude attaches per-path expansion errors.
const ErrorsKey = "_expansionErrors"

// PathError records one failed expansion path.
type PathError struct {
	Message string `json:"message"`
	Path    string `json:"path"`
}

// Expander applies expansion trees to resources against a registry.
type Expander struct {
	registry *Registry
	policy   ErrorPolicy
}

// NewExpander creates an expander with the module-wide default policy.
func NewExpander(registry *Registry, policy ErrorPolicy) *Expander {
	if policy == "" {
		policy = PolicyIgnore
	}
	return &Expander{registry: registry, policy: policy}
}

// Expand populates the enabled fields of tree on resource (a single
// map[string]any or a []map[string]any / []any of them) and returns the
// expanded copy plus the per-path error map. With PolicyThrow the first
// failure aborts.
func (e *Expander) Expand(ctx context.Context, resource any, tree *Tree, dto string, r *http.Request) (any, map[string]PathError, error) {
	return e.expandWithPolicy(ctx, resource, tree, dto, r, e.policy)
}

func (e *Expander) expandWithPolicy(ctx context.Context, resource any, tree *Tree, dto string, r *http.Request, policy ErrorPolicy) (any, map[string]PathError, error) {
	errs := make(map[string]PathError)
	out, err := e.expandValue(ctx, resource, tree, dto, r, policy, "", errs)
	if err != nil {
		return nil, nil, err
	}
	return out, errs, nil
}

// expandValue handles the array/object split; array elements carry their
// index in the error path.
func (e *Expander) expandValue(ctx context.Context, resource any, tree *Tree, dto string, r *http.Request, policy ErrorPolicy, pathPrefix string, errs map[string]PathError) (any, error) {
	if tree.Empty() {
		return resource, nil
	}

	switch v := resource.(type) {
	case []map[string]any:
		out := make([]map[string]any, len(v))
		for i, item := range v {
			expanded, err := e.expandObject(ctx, item, tree, dto, r, policy, fmt.Sprintf("%s[%d]", pathPrefix, i), errs)
			if err != nil {
				return nil, err
			}
			out[i] = expanded
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				out[i] = item
				continue
			}
			expanded, err := e.expandObject(ctx, obj, tree, dto, r, policy, fmt.Sprintf("%s[%d]", pathPrefix, i), errs)
			if err != nil {
				return nil, err
			}
			out[i] = expanded
		}
		return out, nil
	case map[string]any:
		return e.expandObject(ctx, v, tree, dto, r, policy, pathPrefix, errs)
	default:
		return resource, nil
	}
}

// expandObject resolves every enabled tree key on a shallow copy of parent,
// in tree insertion order, recursing into subtrees when the method declares
// a nested target.
func (e *Expander) expandObject(ctx context.Context, parent map[string]any, tree *Tree, dto string, r *http.Request, policy ErrorPolicy, pathPrefix string, errs map[string]PathError) (map[string]any, error) {
	out := make(map[string]any, len(parent)+len(tree.Keys()))
	for k, v := range parent {
		out[k] = v
	}

	for _, field := range tree.Keys() {
		if !tree.Enabled(field) || field == Wildcard {
			continue
		}
		path := joinPath(pathPrefix, field)

		method, link, ok := e.registry.resolve(dto, field)
		if !ok {
			if err := e.recordError(dto, path, fmt.Errorf("no expander method for %s.%s", dto, field), policy, errs); err != nil {
				return nil, err
			}
			continue
		}

		req := &Request{Parent: out, HTTP: r, Args: resolveArgs(link, out, r)}
		value, err := method.Fn(ctx, req)
		if err != nil {
			if err := e.recordError(dto, path, err, policy, errs); err != nil {
				return nil, err
			}
			continue
		}

		// Recurse when the caller asked for nested fields and the method
		// produces an expandable target.
		if sub := tree.Child(field); !sub.Empty() && method.Target != "" {
			value, err = e.expandValue(ctx, value, sub, method.Target, r, policy, path, errs)
			if err != nil {
				return nil, err
			}
		}

		out[field] = value
	}
	return out, nil
}

func (e *Expander) recordError(dto, path string, cause error, policy ErrorPolicy, errs map[string]PathError) error {
	if policy == PolicyThrow {
		return fmt.Errorf("expanding %s.%s: %w", dto, path, cause)
	}
	errs[dto+"."+path] = PathError{Message: cause.Error(), Path: path}
	return nil
}

// resolveArgs computes method arguments from the link configuration.
func resolveArgs(link *Link, parent map[string]any, r *http.Request) []any {
	if link == nil {
		return nil
	}
	if link.ParamsFunc != nil {
		return link.ParamsFunc(parent, r)
	}
	args := make([]any, 0, len(link.ParamPaths))
	for _, p := range link.ParamPaths {
		args = append(args, parent[p])
	}
	return args
}

// AttachErrors puts the collected errors on the response according to the
// include policy: on the object itself, or on each item of a collection.
func AttachErrors(resource any, errs map[string]PathError) any {
	if len(errs) == 0 {
		return resource
	}
	switch v := resource.(type) {
	case map[string]any:
		v[ErrorsKey] = errs
		return v
	case []map[string]any:
		for _, item := range v {
			item[ErrorsKey] = errs
		}
		return v
	}
	return resource
}

func joinPath(prefix, field string) string {
	if prefix == "" {
		return field
	}
	return prefix + "." + field
}
