package vfs

import (
	"context"
	"strings"
)

// Mount binds an absolute path prefix to a backend instance.
type Mount struct {
	Prefix     string
	Backend    Vfs
	components int
}

// Set is the path router: it selects the mount with the
// longest-by-component-count prefix match for a given absolute path, and
// can resolve an opaque handle back to its owning backend by asking each
// mounted backend whether it owns that handle.
type Set struct {
	mounts []Mount
}

// NewSet builds a Set from the given mounts. Construction rejects two
// mounts whose prefixes are identical after normalization, since the
// longest-prefix rule cannot tie-break between them; distinct prefixes
// with the same component count are accepted, as no path can match both.
func NewSet(mounts []Mount) (*Set, error) {
	out := make([]Mount, len(mounts))
	for i, m := range mounts {
		m.Prefix = normalizeMount(m.Prefix)
		m.components = countComponents(m.Prefix)
		out[i] = m
	}

	for i := range out {
		for j := range out {
			if i == j {
				continue
			}
			if out[i].Prefix == out[j].Prefix {
				return nil, NewError(KindOther, "mount", out[i].Prefix, errDuplicateMount)
			}
		}
	}

	return &Set{mounts: out}, nil
}

var errDuplicateMount = errStr("duplicate mount prefix")

type errStr string

func (e errStr) Error() string { return string(e) }

func normalizeMount(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

func countComponents(p string) int {
	if p == "/" {
		return 0
	}
	return strings.Count(strings.Trim(p, "/"), "/") + 1
}

// Resolved is the result of a successful path resolution.
type Resolved struct {
	Backend  Vfs
	Mount    string
	Relative string
}

// ResolvePath selects the mount whose prefix is the longest match (by
// component count, not byte length) for the given absolute path.
func (s *Set) ResolvePath(absPath string) (Resolved, bool) {
	absPath = normalizeMount(absPath)

	var best *Mount
	for i := range s.mounts {
		m := &s.mounts[i]
		if !isPrefixMatch(m.Prefix, absPath) {
			continue
		}
		if best == nil || m.components > best.components {
			best = m
		}
	}
	if best == nil {
		return Resolved{}, false
	}

	rel := "."
	if best.Prefix != "/" {
		rel = strings.TrimPrefix(absPath, best.Prefix)
		rel = strings.TrimPrefix(rel, "/")
		if rel == "" {
			rel = "."
		}
	} else if absPath != "/" {
		rel = strings.TrimPrefix(absPath, "/")
	}

	return Resolved{Backend: best.Backend, Mount: best.Prefix, Relative: rel}, true
}

func isPrefixMatch(prefix, path string) bool {
	if prefix == "/" {
		return true
	}
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

// ResolveHandle asks each mounted backend, in turn, whether it owns h. By
// construction, ownership is mutually exclusive, so the first
// affirmative answer is authoritative. The returned Resolved carries the
// owning mount's prefix but no relative path, since a handle is not a
// path lookup.
func (s *Set) ResolveHandle(ctx context.Context, h Handle) (Resolved, bool) {
	for i := range s.mounts {
		m := &s.mounts[i]
		if m.Backend.OwnsHandle(h) {
			return Resolved{Backend: m.Backend, Mount: m.Prefix}, true
		}
	}
	return Resolved{}, false
}

// Mounts returns the configured mount prefixes, for diagnostics.
func (s *Set) Mounts() []Mount {
	return append([]Mount(nil), s.mounts...)
}
