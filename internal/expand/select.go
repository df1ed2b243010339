package expand

// ApplySelection recursively masks resource with the selection tree.
// Rules per level:
//   - an empty tree keeps everything;
//   - '*' keeps all keys, minus explicitly disabled ones;
//   - without '*', only enabled keys survive (a level made of nothing but
//     exclusions keeps the rest);
//   - keys with subtrees recurse into object and array values.
func ApplySelection(resource any, tree *Tree) any {
	if tree.Empty() {
		return resource
	}

	switch v := resource.(type) {
	case map[string]any:
		return selectObject(v, tree)
	case []map[string]any:
		out := make([]map[string]any, len(v))
		for i, item := range v {
			out[i] = selectObject(item, tree)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			if obj, ok := item.(map[string]any); ok {
				out[i] = selectObject(obj, tree)
			} else {
				out[i] = item
			}
		}
		return out
	default:
		return resource
	}
}

func selectObject(obj map[string]any, tree *Tree) map[string]any {
	keepAll := tree.Enabled(Wildcard) || !hasPositiveKeys(tree)

	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if tree.Disabled(k) {
			continue
		}
		if !keepAll && !tree.Enabled(k) && k != ErrorsKey {
			continue
		}
		if sub := tree.Child(k); !sub.Empty() {
			out[k] = ApplySelection(v, sub)
			continue
		}
		out[k] = v
	}
	return out
}

// hasPositiveKeys reports whether the tree enables any concrete field.
func hasPositiveKeys(tree *Tree) bool {
	for _, k := range tree.Keys() {
		if k != Wildcard && tree.Enabled(k) {
			return true
		}
	}
	return false
}
