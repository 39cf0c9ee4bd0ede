// Package simaticml parses the interface section of an exported global data
// block document into an ordered tree of typed members.
package simaticml

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"alarmsync/logging"
)

// Kind classifies an interface member. Only Struct and Bool carry meaning
// for alarm extraction; everything else is inert.
type Kind int

const (
	KindOther Kind = iota
	KindStruct
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindStruct:
		return "Struct"
	case KindBool:
		return "Bool"
	default:
		return "Other"
	}
}

// kindOf maps a declared datatype to a Kind. Datatype names are matched
// case-insensitively, as the export writes "Bool" but hand-edited documents
// frequently use "BOOL".
func kindOf(datatype string) Kind {
	switch strings.ToLower(strings.TrimSpace(datatype)) {
	case "struct":
		return KindStruct
	case "bool":
		return KindBool
	default:
		return KindOther
	}
}

// Member is one node of the parsed interface tree.
type Member struct {
	Name        string            // Dotted path from the block root, e.g. "Motor.Overload"
	LocalName   string            // Name as declared, e.g. "Overload"
	Datatype    string            // Raw datatype tag from the document
	Kind        Kind
	Depth       int               // 0 for members declared directly in the Static section
	Annotations map[string]string // Language -> comment text; nil when absent
}

// Interface is the parsed static interface of a single block.
type Interface struct {
	BlockName string
	Members   []Member // Pre-order, declaration order preserved
}

// MalformedInterfaceError reports a document that cannot be read as a
// global data block interface.
type MalformedInterfaceError struct {
	Source string
	Reason string
	Err    error
}

func (e *MalformedInterfaceError) Error() string {
	msg := "malformed interface document"
	if e.Source != "" {
		msg += " " + e.Source
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedInterfaceError) Unwrap() error { return e.Err }

// StaticSection is the interface section holding the block's data.
const StaticSection = "Static"

// XML shape of an export. Element names are matched by local name, so the
// versioned Interface namespace does not need to be spelled out.
type xmlDocument struct {
	XMLName   xml.Name      `xml:"Document"`
	GlobalDBs []xmlGlobalDB `xml:"SW.Blocks.GlobalDB"`
}

type xmlGlobalDB struct {
	Name     string       `xml:"AttributeList>Name"`
	Sections []xmlSection `xml:"AttributeList>Interface>Sections>Section"`
}

type xmlSection struct {
	Name    string      `xml:"Name,attr"`
	Members []xmlMember `xml:"Member"`
}

type xmlMember struct {
	Name     string       `xml:"Name,attr"`
	Datatype string       `xml:"Datatype,attr"`
	Comments []xmlText    `xml:"Comment>MultiLanguageText"`
	Members  []xmlMember  `xml:"Member"`
	Sections []xmlSection `xml:"Sections>Section"`
}

type xmlText struct {
	Lang  string `xml:"Lang,attr"`
	Value string `xml:",chardata"`
}

// ParseFile parses the exported document at path.
func ParseFile(path string) (*Interface, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open interface document: %w", err)
	}
	defer f.Close()

	iface, err := Parse(f)
	if err != nil {
		var mErr *MalformedInterfaceError
		if errors.As(err, &mErr) && mErr.Source == "" {
			mErr.Source = path
		}
		return nil, err
	}
	return iface, nil
}

// Parse reads an exported document and returns the static interface of the
// first global data block it contains.
func Parse(r io.Reader) (*Interface, error) {
	var doc xmlDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, &MalformedInterfaceError{Reason: "invalid XML", Err: err}
	}
	if len(doc.GlobalDBs) == 0 {
		return nil, &MalformedInterfaceError{Reason: "no global data block in document"}
	}

	db := doc.GlobalDBs[0]
	var static *xmlSection
	for i := range db.Sections {
		if db.Sections[i].Name == StaticSection {
			static = &db.Sections[i]
			break
		}
	}
	if static == nil {
		return nil, &MalformedInterfaceError{Reason: "block " + db.Name + " has no Static section"}
	}

	iface := &Interface{BlockName: strings.TrimSpace(db.Name)}
	for _, m := range static.Members {
		if err := flatten(&iface.Members, m, "", 0); err != nil {
			return nil, err
		}
	}

	logging.DebugLog("simaticml", "parsed block %s: %d members", iface.BlockName, len(iface.Members))
	return iface, nil
}

// flatten appends m and then its descendants, qualifying every name with
// its parent's already-qualified path.
func flatten(out *[]Member, m xmlMember, parent string, depth int) error {
	local := strings.TrimSpace(m.Name)
	if local == "" {
		return &MalformedInterfaceError{Reason: fmt.Sprintf("member without name under %q", parent)}
	}

	name := local
	if parent != "" {
		name = parent + "." + local
	}

	node := Member{
		Name:      name,
		LocalName: local,
		Datatype:  m.Datatype,
		Kind:      kindOf(m.Datatype),
		Depth:     depth,
	}
	for _, c := range m.Comments {
		if c.Lang == "" {
			continue
		}
		if node.Annotations == nil {
			node.Annotations = make(map[string]string)
		}
		node.Annotations[c.Lang] = c.Value
	}
	*out = append(*out, node)

	for _, child := range m.Members {
		if err := flatten(out, child, name, depth+1); err != nil {
			return err
		}
	}
	// UDT and array-of-struct instances nest their members in sections.
	for _, s := range m.Sections {
		for _, child := range s.Members {
			if err := flatten(out, child, name, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
