package selection

import (
	"context"
	"fmt"
	"strings"

	"alarmsync/logging"
	"alarmsync/project"
)

// Triple is one unit of reconciliation work.
type Triple struct {
	HMI        *project.HMISoftware
	PLC        *project.PLCSoftware
	Block      *project.Block
	Folder     string // Group directly containing the block, empty at the program root
	Connection string
}

func (t Triple) key() string {
	return t.HMI.Name + "\x00" + t.PLC.Name + "\x00" + t.Block.Name + "\x00" + t.Connection
}

// String describes the triple for logs.
func (t Triple) String() string {
	return fmt.Sprintf("%s/%s via %s on %s", t.PLC.Name, t.Block.Name, t.Connection, t.HMI.Name)
}

type owner struct {
	plc   *project.PLCSoftware
	group *project.BlockGroup
}

// Index maps project objects to their owners. It is built once per run.
type Index struct {
	plcs   map[string]*project.PLCSoftware
	hmis   []*project.HMISoftware
	blocks map[*project.Block]owner
}

// NewIndex builds the ownership index of p.
func NewIndex(p *project.Project) *Index {
	ix := &Index{
		plcs:   make(map[string]*project.PLCSoftware),
		hmis:   p.HMIs(),
		blocks: make(map[*project.Block]owner),
	}
	for _, plc := range p.PLCs() {
		ix.plcs[plc.Name] = plc
		for _, o := range plc.Blocks.Flatten() {
			ix.blocks[o.Block] = owner{plc: plc, group: o.Group}
		}
	}
	return ix
}

// PLC returns the PLC with the given name.
func (ix *Index) PLC(name string) *project.PLCSoftware {
	return ix.plcs[name]
}

// Owner returns the PLC and group containing b.
func (ix *Index) Owner(b *project.Block) (*project.PLCSoftware, *project.BlockGroup, bool) {
	o, ok := ix.blocks[b]
	return o.plc, o.group, ok
}

// BlockNames returns the names of every block of plc.
func (ix *Index) BlockNames(plc *project.PLCSoftware) map[string]bool {
	out := make(map[string]bool)
	for b, o := range ix.blocks {
		if o.plc == plc {
			out[b.Name] = true
		}
	}
	return out
}

// Find locates a block by name in any PLC. ok is false when no PLC or more
// than one PLC has a block of that name.
func (ix *Index) Find(name string) (*project.Block, bool) {
	var found *project.Block
	for b := range ix.blocks {
		if b.Name != name {
			continue
		}
		if found != nil {
			return nil, false
		}
		found = b
	}
	return found, found != nil
}

// Result is the expansion of a set of selections.
type Result struct {
	Triples []Triple
	// Notices are informational conditions such as empty groups.
	Notices []string
}

// Resolver expands selections against an Index.
type Resolver struct {
	ix     *Index
	marker string
}

// NewResolver creates a resolver. Blocks found through groups and tag
// tables are kept only when their name ends with marker.
func NewResolver(ix *Index, marker string) *Resolver {
	return &Resolver{ix: ix, marker: marker}
}

// Resolve expands sels in order. Duplicate triples are dropped; the first
// occurrence keeps its position.
func (r *Resolver) Resolve(ctx context.Context, sels []Selection) (*Result, error) {
	res := &Result{}
	seen := make(map[string]bool)
	add := func(t Triple) {
		k := t.key()
		if seen[k] {
			return
		}
		seen[k] = true
		res.Triples = append(res.Triples, t)
	}

	for _, s := range sels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var err error
		switch s.Kind {
		case KindBlock:
			err = r.resolveBlock(s, add)
		case KindGroup:
			err = r.resolveGroup(s, add, res)
		case KindTagTable:
			err = r.resolveTagTable(s, add, res)
		default:
			err = fmt.Errorf("unsupported selection kind %d", s.Kind)
		}
		if err != nil {
			return nil, err
		}
	}
	logging.DebugLog("selection", "%d selections -> %d triples", len(sels), len(res.Triples))
	return res, nil
}

func (r *Resolver) plc(name string) (*project.PLCSoftware, error) {
	plc := r.ix.PLC(name)
	if plc == nil {
		return nil, fmt.Errorf("unknown PLC %q", name)
	}
	return plc, nil
}

// connected emits one triple per HMI connection whose partner is plc.
func (r *Resolver) connected(plc *project.PLCSoftware, b *project.Block, folder string, add func(Triple)) {
	for _, h := range r.ix.hmis {
		for _, c := range h.Connections {
			if c.Partner == plc.Name {
				add(Triple{HMI: h, PLC: plc, Block: b, Folder: folder, Connection: c.Name})
			}
		}
	}
}

func (r *Resolver) resolveBlock(s Selection, add func(Triple)) error {
	if s.Owner == "" {
		b, ok := r.ix.Find(s.Block)
		if !ok {
			return fmt.Errorf("%s: no single PLC has a block of that name", s)
		}
		plc, g, _ := r.ix.Owner(b)
		r.connected(plc, b, folderOf(plc, g), add)
		return nil
	}
	plc, err := r.plc(s.Owner)
	if err != nil {
		return err
	}
	g := plc.Blocks.Walk(s.Path)
	if g == nil {
		return fmt.Errorf("%s: unknown group", s)
	}
	b := g.Block(s.Block)
	if b == nil {
		return fmt.Errorf("%s: unknown block", s)
	}
	r.connected(plc, b, folderOf(plc, g), add)
	return nil
}

// folderOf names the tag folder for blocks of g. Blocks at the program
// root have no folder.
func folderOf(plc *project.PLCSoftware, g *project.BlockGroup) string {
	if g == &plc.Blocks {
		return ""
	}
	return g.Name
}

// eligible flattens g and keeps the global data blocks carrying the marker.
func (r *Resolver) eligible(g *project.BlockGroup) []project.Owned {
	var out []project.Owned
	for _, o := range g.Flatten() {
		if o.Block.IsGlobalDB() && strings.HasSuffix(o.Block.Name, r.marker) {
			out = append(out, o)
		}
	}
	return out
}

func (r *Resolver) resolveGroup(s Selection, add func(Triple), res *Result) error {
	plc, err := r.plc(s.Owner)
	if err != nil {
		return err
	}
	g := plc.Blocks.Walk(s.Path)
	if g == nil {
		return fmt.Errorf("%s: unknown group", s)
	}
	blocks := r.eligible(g)
	if len(blocks) == 0 {
		name := g.Name
		if g == &plc.Blocks {
			name = plc.Name
		}
		res.Notices = append(res.Notices, fmt.Sprintf("group %s contains no %s blocks", name, r.marker))
		return nil
	}
	for _, o := range blocks {
		r.connected(plc, o.Block, folderOf(plc, o.Group), add)
	}
	return nil
}

func (r *Resolver) resolveTagTable(s Selection, add func(Triple), res *Result) error {
	var h *project.HMISoftware
	for _, cand := range r.ix.hmis {
		if cand.Name == s.Owner {
			h = cand
			break
		}
	}
	if h == nil {
		return fmt.Errorf("unknown HMI %q", s.Owner)
	}
	if !h.HasTagTable(s.TagTable) {
		return fmt.Errorf("%s: unknown tag table", s)
	}

	for _, c := range h.Connections {
		plc := r.ix.PLC(c.Partner)
		if plc == nil {
			res.Notices = append(res.Notices, fmt.Sprintf("connection %s of %s has no PLC %s in the project", c.Name, h.Name, c.Partner))
			continue
		}
		g := plc.Blocks.Group(s.TagTable)
		if g == nil {
			res.Notices = append(res.Notices, fmt.Sprintf("PLC %s has no block group %s", plc.Name, s.TagTable))
			continue
		}
		blocks := r.eligible(g)
		if len(blocks) == 0 {
			res.Notices = append(res.Notices, fmt.Sprintf("group %s contains no %s blocks", g.Name, r.marker))
			continue
		}
		// Tags land in the selected table regardless of subgroup.
		for _, o := range blocks {
			add(Triple{HMI: h, PLC: plc, Block: o.Block, Folder: s.TagTable, Connection: c.Name})
		}
	}
	return nil
}
