package draft

import (
	"fmt"
	"strconv"
	"strings"
)

// Patch is one JSON-patch-shaped mutation of a step config. Paths are
// slash-delimited from the config root, e.g. "/retry/max_attempts".
type Patch struct {
	Op    string `json:"op"` // add, replace, remove
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// ApplyPatch applies patches to cfg in order and returns the mutated map.
// cfg must already be safe to mutate (the applier hands in a deep clone).
// The first failing patch aborts with an error; callers discard the map in
// that case.
func ApplyPatch(cfg map[string]any, patches []Patch) (map[string]any, error) {
	for i, p := range patches {
		if err := applyOne(cfg, p); err != nil {
			return nil, fmt.Errorf("patch %d (%s %s): %w", i, p.Op, p.Path, err)
		}
	}
	return cfg, nil
}

func applyOne(cfg map[string]any, p Patch) error {
	segs, err := splitPath(p.Path)
	if err != nil {
		return err
	}
	parent, leaf, err := walkToParent(cfg, segs, p.Op == "add")
	if err != nil {
		return err
	}

	switch p.Op {
	case "add", "replace":
		return setAt(parent, leaf, p.Value, p.Op)
	case "remove":
		return removeAt(parent, leaf)
	default:
		return fmt.Errorf("unsupported op %q", p.Op)
	}
}

func splitPath(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("path must start with /")
	}
	segs := strings.Split(path[1:], "/")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("empty path segment")
		}
	}
	return segs, nil
}

// walkToParent descends to the container holding the final segment. When
// createMissing is set, absent intermediate maps are created (add
// semantics); otherwise a missing intermediate is an error.
func walkToParent(cfg map[string]any, segs []string, createMissing bool) (any, string, error) {
	var current any = cfg
	for _, seg := range segs[:len(segs)-1] {
		switch c := current.(type) {
		case map[string]any:
			next, ok := c[seg]
			if !ok {
				if !createMissing {
					return nil, "", fmt.Errorf("path segment %q not found", seg)
				}
				created := make(map[string]any)
				c[seg] = created
				current = created
				continue
			}
			current = next
		case []any:
			idx, err := sliceIndex(seg, len(c))
			if err != nil {
				return nil, "", err
			}
			current = c[idx]
		default:
			return nil, "", fmt.Errorf("path segment %q is not a container", seg)
		}
	}
	return current, segs[len(segs)-1], nil
}

func setAt(parent any, leaf string, value any, op string) error {
	switch c := parent.(type) {
	case map[string]any:
		_, exists := c[leaf]
		if op == "replace" && !exists {
			return fmt.Errorf("key %q not found", leaf)
		}
		c[leaf] = CloneValue(value)
		return nil
	case []any:
		idx, err := sliceIndex(leaf, len(c))
		if err != nil {
			return err
		}
		c[idx] = CloneValue(value)
		return nil
	default:
		return fmt.Errorf("cannot set %q on non-container", leaf)
	}
}

func removeAt(parent any, leaf string) error {
	c, ok := parent.(map[string]any)
	if !ok {
		return fmt.Errorf("remove requires a map parent for %q", leaf)
	}
	if _, exists := c[leaf]; !exists {
		return fmt.Errorf("key %q not found", leaf)
	}
	delete(c, leaf)
	return nil
}

func sliceIndex(seg string, length int) (int, error) {
	idx, err := strconv.Atoi(seg)
	if err != nil {
		return 0, fmt.Errorf("invalid array index %q", seg)
	}
	if idx < 0 || idx >= length {
		return 0, fmt.Errorf("array index %d out of range", idx)
	}
	return idx, nil
}
