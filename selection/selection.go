// Package selection expands user selections (a block, a block group or an
// HMI tag table) into the (HMI, block, connection) triples a run processes.
package selection

import (
	"fmt"
	"strings"
)

// Kind is the closed set of selectable objects.
type Kind int

const (
	KindBlock Kind = iota + 1
	KindGroup
	KindTagTable
)

func (k Kind) String() string {
	switch k {
	case KindBlock:
		return "block"
	case KindGroup:
		return "group"
	case KindTagTable:
		return "tagtable"
	default:
		return "unknown"
	}
}

// Selection identifies one selected object.
//
//	block:<plc>/<group>/.../<block>
//	block:<block>
//	group:<plc>/<group>/...
//	tagtable:<hmi>/<table>
//
// Group paths are relative to the PLC's root block group; "group:<plc>"
// selects the whole program. A bare block name is looked up across every
// PLC and must be unique. Names containing "/" or "\" escape them with a
// backslash.
type Selection struct {
	Kind Kind `json:"kind"`
	// Owner is the PLC name, or the HMI name for tag tables. It is empty for
	// a bare block name.
	Owner    string   `json:"owner"`
	Path     []string `json:"path,omitempty"`
	Block    string   `json:"block,omitempty"`
	TagTable string   `json:"tag_table,omitempty"`
}

// Parse reads a textual selection reference.
func Parse(ref string) (Selection, error) {
	kind, rest, ok := strings.Cut(strings.TrimSpace(ref), ":")
	if !ok || rest == "" {
		return Selection{}, fmt.Errorf("invalid selection %q: want kind:owner/path", ref)
	}
	parts, err := splitRef(rest)
	if err != nil {
		return Selection{}, fmt.Errorf("invalid selection %q: %w", ref, err)
	}
	for _, p := range parts {
		if p == "" {
			return Selection{}, fmt.Errorf("invalid selection %q: empty path segment", ref)
		}
	}

	switch strings.ToLower(kind) {
	case "block":
		if len(parts) == 1 {
			return Selection{Kind: KindBlock, Block: parts[0]}, nil
		}
		return Selection{
			Kind:  KindBlock,
			Owner: parts[0],
			Path:  parts[1 : len(parts)-1],
			Block: parts[len(parts)-1],
		}, nil
	case "group":
		return Selection{Kind: KindGroup, Owner: parts[0], Path: parts[1:]}, nil
	case "tagtable":
		if len(parts) != 2 {
			return Selection{}, fmt.Errorf("invalid selection %q: tag table needs hmi and table name", ref)
		}
		return Selection{Kind: KindTagTable, Owner: parts[0], TagTable: parts[1]}, nil
	default:
		return Selection{}, fmt.Errorf("invalid selection %q: unknown kind %q", ref, kind)
	}
}

// splitRef splits on unescaped slashes and resolves escapes.
func splitRef(s string) ([]string, error) {
	var parts []string
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			i++
			if i == len(s) {
				return nil, fmt.Errorf("trailing escape")
			}
			cur.WriteByte(s[i])
		case '/':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(parts, cur.String()), nil
}

var refEscaper = strings.NewReplacer(`\`, `\\`, "/", `\/`)

// ParseAll parses every reference.
func ParseAll(refs []string) ([]Selection, error) {
	out := make([]Selection, 0, len(refs))
	for _, r := range refs {
		s, err := Parse(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// String renders the selection in the form accepted by Parse.
func (s Selection) String() string {
	if s.Kind == KindBlock && s.Owner == "" {
		return s.Kind.String() + ":" + refEscaper.Replace(s.Block)
	}
	parts := []string{s.Owner}
	switch s.Kind {
	case KindBlock:
		parts = append(parts, s.Path...)
		parts = append(parts, s.Block)
	case KindGroup:
		parts = append(parts, s.Path...)
	case KindTagTable:
		parts = append(parts, s.TagTable)
	}
	for i, p := range parts {
		parts[i] = refEscaper.Replace(p)
	}
	return s.Kind.String() + ":" + strings.Join(parts, "/")
}
