package reconcile

import (
	"context"
	"fmt"
	"maps"

	"alarmsync/hmi"
	"alarmsync/logging"
	"alarmsync/mltext"
	"alarmsync/tagpath"
)

// OpKind is a single target mutation.
type OpKind int

const (
	OpCreateTable OpKind = iota + 1
	OpCreateTag
	OpUpdateTag
	OpDeleteTag
	OpCreateAlarm
	OpUpdateAlarm
	OpDeleteAlarm
)

func (k OpKind) String() string {
	switch k {
	case OpCreateTable:
		return "create-table"
	case OpCreateTag:
		return "create-tag"
	case OpUpdateTag:
		return "update-tag"
	case OpDeleteTag:
		return "delete-tag"
	case OpCreateAlarm:
		return "create-alarm"
	case OpUpdateAlarm:
		return "update-alarm"
	case OpDeleteAlarm:
		return "delete-alarm"
	default:
		return "unknown"
	}
}

func (k OpKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Op is one planned mutation. Tag IDs below zero refer to tags created by an
// earlier op of the same plan.
type Op struct {
	Kind  OpKind    `json:"kind"`
	Table string    `json:"table,omitempty"`
	Tag   hmi.Tag   `json:"tag"`
	Alarm hmi.Alarm `json:"alarm"`
}

// Step groups the ops of one candidate. A step is applied as a unit.
type Step struct {
	Candidate   Candidate `json:"candidate"`
	Orphans     bool      `json:"orphans,omitempty"` // Cleanup step for vanished members
	RenamedFrom string    `json:"renamed_from,omitempty"`
	// Linked names candidates whose ops were folded into this step because
	// their tags traded names with this one.
	Linked []string `json:"linked,omitempty"`
	Ops    []Op     `json:"ops"`

	linkedRenames int
}

func (s Step) label() string {
	if s.Orphans {
		return "orphan cleanup"
	}
	return s.Candidate.TagName
}

// Counts tallies the mutations of one or more steps.
type Counts struct {
	TablesCreated int `json:"tables_created"`
	TagsCreated   int `json:"tags_created"`
	TagsUpdated   int `json:"tags_updated"`
	TagsDeleted   int `json:"tags_deleted"`
	AlarmsCreated int `json:"alarms_created"`
	AlarmsUpdated int `json:"alarms_updated"`
	AlarmsDeleted int `json:"alarms_deleted"`
	Renamed       int `json:"renamed"`
}

// Add accumulates o into c.
func (c *Counts) Add(o Counts) {
	c.TablesCreated += o.TablesCreated
	c.TagsCreated += o.TagsCreated
	c.TagsUpdated += o.TagsUpdated
	c.TagsDeleted += o.TagsDeleted
	c.AlarmsCreated += o.AlarmsCreated
	c.AlarmsUpdated += o.AlarmsUpdated
	c.AlarmsDeleted += o.AlarmsDeleted
	c.Renamed += o.Renamed
}

// Changes is the total number of mutations.
func (c Counts) Changes() int {
	return c.TablesCreated + c.TagsCreated + c.TagsUpdated + c.TagsDeleted +
		c.AlarmsCreated + c.AlarmsUpdated + c.AlarmsDeleted
}

// Counts tallies the step's ops.
func (s Step) Counts() Counts {
	var c Counts
	for _, op := range s.Ops {
		switch op.Kind {
		case OpCreateTable:
			c.TablesCreated++
		case OpCreateTag:
			c.TagsCreated++
		case OpUpdateTag:
			c.TagsUpdated++
		case OpDeleteTag:
			c.TagsDeleted++
		case OpCreateAlarm:
			c.AlarmsCreated++
		case OpUpdateAlarm:
			c.AlarmsUpdated++
		case OpDeleteAlarm:
			c.AlarmsDeleted++
		}
	}
	if s.RenamedFrom != "" {
		c.Renamed++
	}
	c.Renamed += s.linkedRenames
	return c
}

// Total sums the counts of steps.
func Total(steps []Step) Counts {
	var c Counts
	for _, s := range steps {
		c.Add(s.Counts())
	}
	return c
}

// Snapshot is the target state a plan is computed against.
type Snapshot struct {
	Tags      []hmi.Tag
	Alarms    []hmi.Alarm
	TagTables []string
}

// Load reads a snapshot from the target.
func Load(ctx context.Context, t hmi.Target) (*Snapshot, error) {
	var s Snapshot
	var err error
	if s.Tags, err = t.Tags(ctx); err != nil {
		return nil, err
	}
	if s.Alarms, err = t.Alarms(ctx); err != nil {
		return nil, err
	}
	if s.TagTables, err = t.TagTables(ctx); err != nil {
		return nil, err
	}
	return &s, nil
}

type workingSet struct {
	tags   []hmi.Tag
	alarms []hmi.Alarm
	tables map[string]bool
	tempID int64

	live    map[string]Candidate // by source address
	planned map[string]bool
	parked  map[string]parkedTag
}

// parkedTag remembers what a tag was called before it was moved aside to
// free its name for another candidate.
type parkedTag struct {
	name  string
	texts map[string]string
}

func newWorkingSet(s *Snapshot) *workingSet {
	ws := &workingSet{
		tags:   append([]hmi.Tag(nil), s.Tags...),
		alarms: make([]hmi.Alarm, len(s.Alarms)),
		tables: make(map[string]bool, len(s.TagTables)),

		live:    make(map[string]Candidate),
		planned: make(map[string]bool),
		parked:  make(map[string]parkedTag),
	}
	for i, a := range s.Alarms {
		ws.alarms[i] = a.Clone()
	}
	for _, t := range s.TagTables {
		ws.tables[t] = true
	}
	return ws
}

func (ws *workingSet) byAddress(address string) []hmi.Tag {
	var out []hmi.Tag
	for _, t := range ws.tags {
		if tagpath.NormalizeAddress(t.PlcTag) == address {
			out = append(out, t)
		}
	}
	return out
}

func (ws *workingSet) tagByName(name string) int {
	for i, t := range ws.tags {
		if t.Name == name {
			return i
		}
	}
	return -1
}

func (ws *workingSet) tagByID(id int64) int {
	for i, t := range ws.tags {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func (ws *workingSet) alarmByName(name string) int {
	for i, a := range ws.alarms {
		if a.Name == name {
			return i
		}
	}
	return -1
}

func (ws *workingSet) raisedBy(tagName string) bool {
	for _, a := range ws.alarms {
		if a.RaisedStateTag == tagName {
			return true
		}
	}
	return false
}

func (ws *workingSet) deleteTag(st *Step, t hmi.Tag) {
	if i := ws.tagByID(t.ID); i >= 0 {
		ws.tags = append(ws.tags[:i], ws.tags[i+1:]...)
	}
	st.Ops = append(st.Ops, Op{Kind: OpDeleteTag, Tag: t})
}

// deleteAlarmsFor removes every alarm named after or raised by one of names
// and returns the removed alarms.
func (ws *workingSet) deleteAlarmsFor(st *Step, names []string) []hmi.Alarm {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	var removed []hmi.Alarm
	kept := ws.alarms[:0]
	for _, a := range ws.alarms {
		if set[a.Name] || set[a.RaisedStateTag] {
			removed = append(removed, a)
			st.Ops = append(st.Ops, Op{Kind: OpDeleteAlarm, Alarm: a})
			continue
		}
		kept = append(kept, a)
	}
	ws.alarms = kept
	return removed
}

// adopt finds the single tag on this connection that is bound to the same
// member path of a block that no longer exists and raises an alarm.
func (ws *workingSet) adopt(c Candidate, opts Options) (hmi.Tag, bool) {
	if opts.KnownBlocks == nil {
		return hmi.Tag{}, false
	}
	_, path := tagpath.SplitAddress(c.SourceAddress)
	var found []hmi.Tag
	for _, t := range ws.tags {
		if t.Connection != opts.Connection {
			continue
		}
		b, p := tagpath.SplitAddress(tagpath.NormalizeAddress(t.PlcTag))
		if p != path || b == opts.Block || opts.KnownBlocks[b] {
			continue
		}
		if ws.raisedBy(t.Name) {
			found = append(found, t)
		}
	}
	if len(found) != 1 {
		return hmi.Tag{}, false
	}
	logging.DebugLog("reconcile", "adopting %s (%s) for %s", found[0].Name, found[0].PlcTag, c.SourceAddress)
	return found[0], true
}

// parkName returns a free name to move a tag called name aside to.
func (ws *workingSet) parkName(name string) string {
	out := name + "_swap"
	for n := 2; ws.tagByName(out) >= 0; n++ {
		out = fmt.Sprintf("%s_swap%d", name, n)
	}
	return out
}

// Plan computes the steps converging snap onto cands. It does not touch
// the target; steps are returned in candidate order.
func Plan(snap *Snapshot, cands []Candidate, opts Options) []Step {
	ws := newWorkingSet(snap)
	for _, c := range cands {
		ws.live[c.SourceAddress] = c
	}
	steps := make([]Step, 0, len(cands)+1)
	for _, c := range cands {
		steps = append(steps, ws.plan(c, opts))
	}
	if opts.Prune {
		if st := ws.prune(cands, opts); len(st.Ops) > 0 {
			steps = append(steps, st)
		}
	}
	return steps
}

func (ws *workingSet) plan(c Candidate, opts Options) Step {
	st := Step{Candidate: c}
	ws.planned[c.SourceAddress] = true
	var deleted []string
	var linked []Candidate
	var tag hmi.Tag
	found := false

	matches := ws.byAddress(c.SourceAddress)
	switch {
	case len(matches) == 1:
		tag, found = matches[0], true
	case len(matches) > 1:
		logging.DebugLog("reconcile", "%d tags bound to %s, recreating", len(matches), c.SourceAddress)
		for _, m := range matches {
			ws.deleteTag(&st, m)
			deleted = append(deleted, m.Name)
		}
	default:
		tag, found = ws.adopt(c, opts)
	}

	if found && tag.Name != c.TagName {
		st.RenamedFrom = tag.Name
		deleted = append(deleted, tag.Name)
	}

	// Another tag already holds the name; the candidate wins. An occupant
	// still bound to a pending candidate is moved aside instead of deleted
	// and that candidate is planned into this step.
	if i := ws.tagByName(c.TagName); i >= 0 && (!found || ws.tags[i].ID != tag.ID) {
		occ := ws.tags[i]
		addr := tagpath.NormalizeAddress(occ.PlcTag)
		if next, ok := ws.live[addr]; ok && !ws.planned[addr] {
			moved := occ
			moved.Name = ws.parkName(occ.Name)
			logging.DebugLog("reconcile", "tag %s (%s) moved aside as %s for %s", occ.Name, occ.PlcTag, moved.Name, c.SourceAddress)
			ws.tags[i] = moved
			st.Ops = append(st.Ops, Op{Kind: OpUpdateTag, Tag: moved})
			p := parkedTag{name: occ.Name}
			for _, a := range ws.deleteAlarmsFor(&st, []string{occ.Name}) {
				if a.Name == occ.Name {
					p.texts = a.Texts
				}
			}
			ws.parked[addr] = p
			linked = append(linked, next)
		} else {
			logging.DebugLog("reconcile", "tag %s (%s) replaced by %s", occ.Name, occ.PlcTag, c.SourceAddress)
			ws.deleteTag(&st, occ)
			deleted = append(deleted, occ.Name)
		}
	}

	var carried map[string]string
	for _, a := range ws.deleteAlarmsFor(&st, deleted) {
		if st.RenamedFrom != "" && a.Name == st.RenamedFrom {
			carried = a.Texts
		}
	}
	if p, ok := ws.parked[c.SourceAddress]; ok {
		delete(ws.parked, c.SourceAddress)
		st.RenamedFrom = p.name
		if p.name == c.TagName {
			st.RenamedFrom = ""
		}
		carried = p.texts
	}

	if found {
		want := tag
		want.Name = c.TagName
		want.PlcTag = c.SourceAddress
		want.Connection = opts.Connection
		if want != tag {
			ws.tags[ws.tagByID(tag.ID)] = want
			st.Ops = append(st.Ops, Op{Kind: OpUpdateTag, Tag: want})
		}
	} else {
		table := c.Folder
		if table == "" {
			table = DefaultTagTable
		}
		if !ws.tables[table] {
			ws.tables[table] = true
			st.Ops = append(st.Ops, Op{Kind: OpCreateTable, Table: table})
		}
		ws.tempID--
		nt := hmi.Tag{
			ID:         ws.tempID,
			Name:       c.TagName,
			PlcTag:     c.SourceAddress,
			Connection: opts.Connection,
			Table:      table,
		}
		ws.tags = append(ws.tags, nt)
		st.Ops = append(st.Ops, Op{Kind: OpCreateTag, Tag: nt})
	}

	want := hmi.Alarm{
		Name:           c.TagName,
		RaisedStateTag: c.TagName,
		Class:          c.Class,
		Origin:         c.Origin,
	}
	if i := ws.alarmByName(c.TagName); i >= 0 {
		cur := ws.alarms[i]
		want.Texts, _ = mltext.Sync(cur.Texts, c.Descriptions, opts.Languages)
		if !alarmEqual(cur, want) {
			ws.alarms[i] = want
			st.Ops = append(st.Ops, Op{Kind: OpUpdateAlarm, Alarm: want})
		}
	} else {
		want.Texts, _ = mltext.Sync(carried, c.Descriptions, opts.Languages)
		ws.alarms = append(ws.alarms, want)
		st.Ops = append(st.Ops, Op{Kind: OpCreateAlarm, Alarm: want})
	}

	for _, next := range linked {
		sub := ws.plan(next, opts)
		st.Ops = append(st.Ops, sub.Ops...)
		st.Linked = append(st.Linked, sub.Candidate.TagName)
		st.Linked = append(st.Linked, sub.Linked...)
		st.linkedRenames += sub.Counts().Renamed
	}
	return st
}

// prune removes tags bound to this block on this connection that no
// candidate produced and that raise an alarm originating from the block.
func (ws *workingSet) prune(cands []Candidate, opts Options) Step {
	st := Step{Orphans: true}
	live := make(map[string]bool, len(cands))
	for _, c := range cands {
		live[c.SourceAddress] = true
	}
	origin := tagpath.Origin(opts.Block, opts.Marker)

	var doomed []hmi.Tag
	for _, t := range ws.tags {
		if t.Connection != opts.Connection {
			continue
		}
		addr := tagpath.NormalizeAddress(t.PlcTag)
		if b, _ := tagpath.SplitAddress(addr); b != opts.Block || live[addr] {
			continue
		}
		for _, a := range ws.alarms {
			if a.RaisedStateTag == t.Name && a.Origin == origin {
				doomed = append(doomed, t)
				break
			}
		}
	}
	var names []string
	for _, t := range doomed {
		ws.deleteTag(&st, t)
		names = append(names, t.Name)
	}
	ws.deleteAlarmsFor(&st, names)
	return st
}

func alarmEqual(a, b hmi.Alarm) bool {
	return a.Name == b.Name &&
		a.RaisedStateTag == b.RaisedStateTag &&
		a.Class == b.Class &&
		a.Origin == b.Origin &&
		maps.Equal(a.Texts, b.Texts)
}
