package proof

import "strings"

// ExtractScopedFields builds the sub-object a scoped proof covers: only
// the named dot-paths, resolved against the payload. Paths that do not
// resolve are omitted; their absence still changes the body hash, so an
// attacker cannot swap a scoped field for a missing one unnoticed. An
// empty scope returns the payload unchanged.
func ExtractScopedFields(payload map[string]any, scope []string) map[string]any {
	if len(scope) == 0 {
		return payload
	}
	out := make(map[string]any)
	for _, path := range scope {
		parts := strings.Split(path, ".")
		val, ok := resolve(payload, parts)
		if !ok {
			continue
		}
		insert(out, parts, val)
	}
	return out
}

func resolve(m map[string]any, parts []string) (any, bool) {
	cur := any(m)
	for _, p := range parts {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func insert(m map[string]any, parts []string, val any) {
	for i, p := range parts {
		if i == len(parts)-1 {
			m[p] = val
			return
		}
		next, ok := m[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[p] = next
		}
		m = next
	}
}
