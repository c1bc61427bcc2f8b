// Package attrpath resolves dotted attribute paths against nested documents
// decoded from JSON. Paths are compiled once at configuration load; resolution
// is total and never panics, since absent data is an expected runtime
// condition rather than an error.
package attrpath

import (
	"fmt"
	"strconv"
	"strings"
)

// segment is one step of a compiled path: either a field name or an explicit
// sequence index.
type segment struct {
	key   string
	index int
	isIdx bool
}

// Path is a compiled dotted attribute path such as
// "contract.current_period.total_consumption" or "peaks.0.start".
type Path struct {
	raw  string
	segs []segment
}

// Compile validates and tokenizes a dotted path. Malformed syntax (empty
// path, empty segment, invalid characters) is a configuration error and is
// reported here, not at resolution time.
func Compile(raw string) (Path, error) {
	if raw == "" {
		return Path{}, fmt.Errorf("empty path")
	}
	parts := strings.Split(raw, ".")
	segs := make([]segment, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			return Path{}, fmt.Errorf("empty segment in path %q", raw)
		}
		if idx, err := strconv.Atoi(part); err == nil {
			if idx < 0 {
				return Path{}, fmt.Errorf("negative index %d in path %q", idx, raw)
			}
			segs = append(segs, segment{index: idx, isIdx: true})
			continue
		}
		for _, r := range part {
			if !validSegmentRune(r) {
				return Path{}, fmt.Errorf("invalid character %q in path %q", r, raw)
			}
		}
		segs = append(segs, segment{key: part})
	}
	return Path{raw: raw, segs: segs}, nil
}

// MustCompile compiles a path and panics on malformed syntax. Used for the
// static sensor definition table, where a bad path is a programmer error.
func MustCompile(raw string) Path {
	p, err := Compile(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func validSegmentRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '_' || r == '-':
		return true
	}
	return false
}

// IsZero reports whether the path was never compiled. Definitions backed by a
// calculator instead of a lookup carry a zero Path.
func (p Path) IsZero() bool {
	return len(p.segs) == 0
}

// String returns the original dotted form.
func (p Path) String() string {
	return p.raw
}

// Resolve traverses data segment by segment. It returns the resolved value
// and true on success. A missing key, an index out of range, or a traversal
// into a scalar returns (nil, false).
func (p Path) Resolve(data map[string]any) (any, bool) {
	if len(p.segs) == 0 {
		return nil, false
	}
	var cur any = data
	for _, seg := range p.segs {
		if seg.isIdx {
			seq, ok := cur.([]any)
			if !ok {
				return nil, false
			}
			if seg.index >= len(seq) {
				return nil, false
			}
			cur = seq[seg.index]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg.key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
