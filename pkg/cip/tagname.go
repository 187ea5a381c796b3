package cip

import (
	"fmt"
	"strconv"
	"strings"
)

// EncodeSymbolicTag encodes a subset of Logix tag-name syntax into a CIP
// EPATH: a bare tag ("MyTag"), an array element ("MyArr[3]"), and a
// program-scoped tag ("Program:Main.MyTag" or "Program:Main.MyArr[3]").
// Nested member access ("MyArr[3].field") is supported by chaining
// symbolic segments. This is not the full tag-name grammar (external
// collaborator per spec.md §1) — it covers exactly the forms the test
// scenarios exercise.
func EncodeSymbolicTag(name string) (Path, error) {
	if name == "" {
		return nil, fmt.Errorf("cip: empty tag name")
	}

	p := NewPath()
	rest := name

	if strings.HasPrefix(rest, "Program:") {
		rest = strings.TrimPrefix(rest, "Program:")
		prog, tail, found := strings.Cut(rest, ".")
		if !found {
			return nil, fmt.Errorf("cip: malformed program-scoped tag %q", name)
		}
		p.AddSymbolicSegment("Program:" + prog)
		rest = tail
	}

	segments := strings.Split(rest, ".")
	for _, seg := range segments {
		if seg == "" {
			return nil, fmt.Errorf("cip: malformed tag name %q", name)
		}
		base, indices, err := splitArrayIndices(seg)
		if err != nil {
			return nil, fmt.Errorf("cip: %w (tag %q)", err, name)
		}
		p.AddSymbolicSegment(base)
		for _, idx := range indices {
			p.AddMember(UINT(idx))
		}
	}

	return p, nil
}

// SplitBitAddress splits the trailing bit-in-word suffix off a Logix tag
// name, e.g. "MyDINT.31" selects bit 31 of MyDINT (spec.md §4.4 "If the tag
// is a bit-in-word, build a ReadModifyWrite body instead"). ok is false,
// and base equals name unchanged, when name carries no such suffix — a
// trailing segment is a bit index only when it is purely numeric, which
// never collides with a symbolic member name.
func SplitBitAddress(name string) (base string, bit int, ok bool) {
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 || dot == len(name)-1 {
		return name, 0, false
	}
	n, err := strconv.Atoi(name[dot+1:])
	if err != nil || n < 0 {
		return name, 0, false
	}
	return name[:dot], n, true
}

// splitArrayIndices splits "MyArr[3]" or "MyArr[3,4]" into its base
// symbol and the list of numeric indices. Multi-dimensional arrays encode
// each dimension as a successive member segment.
func splitArrayIndices(seg string) (string, []int, error) {
	open := strings.IndexByte(seg, '[')
	if open < 0 {
		return seg, nil, nil
	}
	if !strings.HasSuffix(seg, "]") {
		return "", nil, fmt.Errorf("malformed array index in %q", seg)
	}
	base := seg[:open]
	inner := seg[open+1 : len(seg)-1]
	parts := strings.Split(inner, ",")
	indices := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return "", nil, fmt.Errorf("non-numeric array index %q", part)
		}
		indices = append(indices, n)
	}
	return base, indices, nil
}
