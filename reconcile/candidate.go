// Package reconcile converges an HMI's tags and alarms onto the alarm
// candidates extracted from a data block. Matching is keyed on the
// normalized PLC address, never on the mutable tag name.
package reconcile

import (
	"strings"

	"alarmsync/classify"
	"alarmsync/simaticml"
	"alarmsync/tagpath"
)

// DefaultTagTable receives new tags when the block has no owning group.
const DefaultTagTable = "Default tag table"

// Candidate is one alarm to be synchronized, derived from a Bool member.
type Candidate struct {
	Member        string            `json:"member"`         // Dotted member path inside the block
	SourceAddress string            `json:"source_address"` // Normalized PLC address, the match key
	TagName       string            `json:"tag_name"`
	Folder        string            `json:"folder,omitempty"`
	Class         string            `json:"class"`
	Origin        string            `json:"origin"`
	Descriptions  map[string]string `json:"descriptions,omitempty"`
}

// Options configure candidate building and planning for one triple.
type Options struct {
	Block      string
	Marker     string
	Simplify   bool
	Connection string
	Folder     string
	Languages  []string // Reference language first

	// KnownBlocks lists every block of the source PLC. When set, a tag bound
	// to a block that no longer exists can be adopted by a candidate with
	// the same member path.
	KnownBlocks map[string]bool

	// Prune deletes tags and alarms previously synced from this block whose
	// member no longer exists.
	Prune bool
}

// Eligible reports whether a block carries the extraction marker suffix.
func Eligible(block, marker string) bool {
	return strings.HasSuffix(block, marker)
}

// BuildCandidates walks iface in pre-order and returns one candidate per
// Bool member. A block that is not eligible yields no candidates.
func BuildCandidates(iface *simaticml.Interface, cls *classify.Classifier, opts Options) ([]Candidate, error) {
	block := opts.Block
	if block == "" {
		block = iface.BlockName
	}
	if !Eligible(block, opts.Marker) {
		return nil, nil
	}

	origin := tagpath.Origin(block, opts.Marker)
	tr := classify.NewTracker(cls)
	var out []Candidate
	for _, m := range iface.Members {
		class, err := tr.Visit(m)
		if err != nil {
			return nil, err
		}
		if m.Kind != simaticml.KindBool {
			continue
		}
		c := Candidate{
			Member:        m.Name,
			SourceAddress: tagpath.Address(block, m.Name),
			TagName:       tagpath.TagName(block, m.Name, opts.Marker, opts.Simplify),
			Folder:        opts.Folder,
			Class:         class,
			Origin:        origin,
		}
		if len(m.Annotations) > 0 {
			c.Descriptions = make(map[string]string, len(m.Annotations))
			for k, v := range m.Annotations {
				c.Descriptions[k] = v
			}
		}
		out = append(out, c)
	}
	return out, nil
}
