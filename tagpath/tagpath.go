// Package tagpath renders source member paths in the HMI's PLC addressing
// syntax and derives HMI tag names from them.
package tagpath

import (
	"strings"
)

// Separator joins the block part and the member path of an HMI tag name.
const Separator = "_"

// Split breaks an address into segments on '.', treating double-quoted
// runs as opaque so that `"My.Block".a` yields [`"My.Block"`, `a`].
func Split(address string) []string {
	var segments []string
	var sb strings.Builder
	quoted := false
	for _, r := range address {
		switch {
		case r == '"':
			quoted = !quoted
			sb.WriteRune(r)
		case r == '.' && !quoted:
			segments = append(segments, sb.String())
			sb.Reset()
		default:
			sb.WriteRune(r)
		}
	}
	return append(segments, sb.String())
}

// QuoteSegment wraps a segment containing a space in double quotes. Segments
// that are already quoted are returned unchanged.
func QuoteSegment(segment string) string {
	if isQuoted(segment) || !strings.Contains(segment, " ") {
		return segment
	}
	return `"` + segment + `"`
}

func isQuoted(segment string) bool {
	return len(segment) >= 2 && strings.HasPrefix(segment, `"`) && strings.HasSuffix(segment, `"`)
}

// Unquote strips the surrounding quotes from a segment, if any.
func Unquote(segment string) string {
	if isQuoted(segment) {
		return segment[1 : len(segment)-1]
	}
	return segment
}

// NormalizeAddress quotes every segment of a dotted address that contains a
// space. Applying it to an already normalized address is a no-op.
func NormalizeAddress(address string) string {
	segments := Split(address)
	for i, s := range segments {
		segments[i] = QuoteSegment(s)
	}
	return strings.Join(segments, ".")
}

// Address returns the normalized PLC address of a member, rooted at its block.
// The block name is treated as a single segment even when it contains dots.
func Address(block, memberPath string) string {
	head := QuoteSegment(block)
	if !isQuoted(head) && strings.Contains(head, ".") {
		head = `"` + head + `"`
	}
	if memberPath == "" {
		return head
	}
	return head + "." + NormalizeAddress(memberPath)
}

// StripMarker removes the extraction marker suffix from a block name.
func StripMarker(block, marker string) string {
	if marker == "" {
		return block
	}
	return strings.TrimSuffix(block, marker)
}

// TagName derives the HMI tag display name for a member: the block name
// (marker suffix stripped when simplify is set) and the member path with
// dots replaced, joined by Separator.
func TagName(block, memberPath, marker string, simplify bool) string {
	base := block
	if simplify {
		base = StripMarker(block, marker)
	}
	return base + Separator + strings.ReplaceAll(memberPath, ".", Separator)
}

// Origin is the alarm origin label for a block.
func Origin(block, marker string) string {
	return StripMarker(block, marker)
}

// SplitAddress separates a normalized address into its unquoted block name
// and its normalized member path.
func SplitAddress(address string) (block, memberPath string) {
	segments := Split(address)
	block = Unquote(segments[0])
	if len(segments) > 1 {
		memberPath = NormalizeAddress(strings.Join(segments[1:], "."))
	}
	return block, memberPath
}
