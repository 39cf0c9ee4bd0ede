// Package project models the automation project that alarms are extracted
// from: devices carrying PLC and HMI software, PLC block groups, HMI
// connections and tag tables. A project is described by a project.yaml
// file in a workspace directory.
package project

import (
	"fmt"
	"strings"

	"alarmsync/mltext"
)

// BlockTypeGlobalDB is the only block type alarms are extracted from.
const BlockTypeGlobalDB = "GlobalDB"

// Project is the root of the project tree.
type Project struct {
	Name              string         `yaml:"name" json:"name"`
	ReferenceLanguage string         `yaml:"reference_language" json:"reference_language"`
	ActiveLanguages   []string       `yaml:"active_languages,omitempty" json:"active_languages,omitempty"`
	Devices           []*Device      `yaml:"devices,omitempty" json:"devices,omitempty"`
	Groups            []*DeviceGroup `yaml:"groups,omitempty" json:"groups,omitempty"`
}

// DeviceGroup organizes devices and nests recursively.
type DeviceGroup struct {
	Name    string         `yaml:"name" json:"name"`
	Devices []*Device      `yaml:"devices,omitempty" json:"devices,omitempty"`
	Groups  []*DeviceGroup `yaml:"groups,omitempty" json:"groups,omitempty"`
}

// Device is a hardware device whose items may carry software.
type Device struct {
	Name  string        `yaml:"name" json:"name"`
	Items []*DeviceItem `yaml:"items,omitempty" json:"items,omitempty"`
}

// DeviceItem carries at most one software container.
type DeviceItem struct {
	Name string       `yaml:"name" json:"name"`
	PLC  *PLCSoftware `yaml:"plc,omitempty" json:"plc,omitempty"`
	HMI  *HMISoftware `yaml:"hmi,omitempty" json:"hmi,omitempty"`
}

// PLCSoftware is the controller program.
type PLCSoftware struct {
	Name   string     `yaml:"name" json:"name"`
	Blocks BlockGroup `yaml:"blocks" json:"blocks"`
}

// BlockGroup is a folder of program blocks.
type BlockGroup struct {
	Name   string        `yaml:"name" json:"name"`
	Blocks []*Block      `yaml:"blocks,omitempty" json:"blocks,omitempty"`
	Groups []*BlockGroup `yaml:"groups,omitempty" json:"groups,omitempty"`
}

// Block is a program block. Interface is the path of the block's interface
// document, relative to the workspace directory.
type Block struct {
	Name         string `yaml:"name" json:"name"`
	Type         string `yaml:"type,omitempty" json:"type,omitempty"`
	Inconsistent bool   `yaml:"inconsistent,omitempty" json:"inconsistent,omitempty"`
	CompileError string `yaml:"compile_error,omitempty" json:"compile_error,omitempty"`
	Interface    string `yaml:"interface,omitempty" json:"interface,omitempty"`
}

// IsGlobalDB reports whether b is a global data block. Blocks without a
// type are treated as global data blocks.
func (b *Block) IsGlobalDB() bool {
	return b.Type == "" || strings.EqualFold(b.Type, BlockTypeGlobalDB)
}

// HMISoftware is a visualization target.
type HMISoftware struct {
	Name           string           `yaml:"name" json:"name"`
	Connections    []Connection     `yaml:"connections,omitempty" json:"connections,omitempty"`
	TagTables      []string         `yaml:"tag_tables,omitempty" json:"tag_tables,omitempty"`
	TagTableGroups []*TagTableGroup `yaml:"tag_table_groups,omitempty" json:"tag_table_groups,omitempty"`
	AlarmClasses   []string         `yaml:"alarm_classes,omitempty" json:"alarm_classes,omitempty"`
}

// Connection binds an HMI to the PLC named by Partner.
type Connection struct {
	Name    string `yaml:"name" json:"name"`
	Partner string `yaml:"partner" json:"partner"`
}

// TagTableGroup is a folder of tag tables.
type TagTableGroup struct {
	Name      string           `yaml:"name" json:"name"`
	TagTables []string         `yaml:"tag_tables,omitempty" json:"tag_tables,omitempty"`
	Groups    []*TagTableGroup `yaml:"groups,omitempty" json:"groups,omitempty"`
}

// AllTagTables returns the HMI's tag tables, including those in groups,
// breadth-first.
func (h *HMISoftware) AllTagTables() []string {
	out := append([]string(nil), h.TagTables...)
	queue := append([]*TagTableGroup(nil), h.TagTableGroups...)
	for len(queue) > 0 {
		g := queue[0]
		queue = queue[1:]
		out = append(out, g.TagTables...)
		queue = append(queue, g.Groups...)
	}
	return out
}

// HasTagTable reports whether the HMI has a tag table of that name anywhere
// in its table hierarchy.
func (h *HMISoftware) HasTagTable(name string) bool {
	for _, t := range h.AllTagTables() {
		if t == name {
			return true
		}
	}
	return false
}

// Languages returns the reference language followed by the other active
// languages.
func (p *Project) Languages() []string {
	return mltext.Languages(p.ReferenceLanguage, p.ActiveLanguages)
}

// AllDevices returns the project's devices: top-level devices first, then
// the devices of device groups breadth-first.
func (p *Project) AllDevices() []*Device {
	out := append([]*Device(nil), p.Devices...)
	queue := append([]*DeviceGroup(nil), p.Groups...)
	for len(queue) > 0 {
		g := queue[0]
		queue = queue[1:]
		out = append(out, g.Devices...)
		queue = append(queue, g.Groups...)
	}
	return out
}

// PLCs returns every PLC software in device order.
func (p *Project) PLCs() []*PLCSoftware {
	var out []*PLCSoftware
	for _, d := range p.AllDevices() {
		for _, it := range d.Items {
			if it.PLC != nil {
				out = append(out, it.PLC)
			}
		}
	}
	return out
}

// HMIs returns every HMI software in device order.
func (p *Project) HMIs() []*HMISoftware {
	var out []*HMISoftware
	for _, d := range p.AllDevices() {
		for _, it := range d.Items {
			if it.HMI != nil {
				out = append(out, it.HMI)
			}
		}
	}
	return out
}

// FindPLC returns the PLC software with the given name.
func (p *Project) FindPLC(name string) *PLCSoftware {
	for _, plc := range p.PLCs() {
		if plc.Name == name {
			return plc
		}
	}
	return nil
}

// FindHMI returns the HMI software with the given name.
func (p *Project) FindHMI(name string) *HMISoftware {
	for _, h := range p.HMIs() {
		if h.Name == name {
			return h
		}
	}
	return nil
}

// Group returns the direct child group with the given name.
func (g *BlockGroup) Group(name string) *BlockGroup {
	for _, c := range g.Groups {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Walk follows a path of child group names from g.
func (g *BlockGroup) Walk(path []string) *BlockGroup {
	cur := g
	for _, name := range path {
		if cur = cur.Group(name); cur == nil {
			return nil
		}
	}
	return cur
}

// Block returns the direct child block with the given name.
func (g *BlockGroup) Block(name string) *Block {
	for _, b := range g.Blocks {
		if b.Name == name {
			return b
		}
	}
	return nil
}

// Owned is a block together with the group directly containing it.
type Owned struct {
	Block *Block
	Group *BlockGroup
}

// Flatten returns every block in g and its subgroups, breadth-first.
func (g *BlockGroup) Flatten() []Owned {
	var out []Owned
	queue := []*BlockGroup{g}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, b := range cur.Blocks {
			out = append(out, Owned{Block: b, Group: cur})
		}
		queue = append(queue, cur.Groups...)
	}
	return out
}

// Validate checks names and references in the project tree.
func (p *Project) Validate() error {
	if strings.TrimSpace(p.ReferenceLanguage) == "" {
		return fmt.Errorf("project %q: reference_language is required", p.Name)
	}
	plcs := make(map[string]bool)
	for _, plc := range p.PLCs() {
		if plc.Name == "" {
			return fmt.Errorf("project %q: PLC without name", p.Name)
		}
		if plcs[plc.Name] {
			return fmt.Errorf("project %q: duplicate PLC %q", p.Name, plc.Name)
		}
		plcs[plc.Name] = true
		for _, o := range plc.Blocks.Flatten() {
			if o.Block.Name == "" {
				return fmt.Errorf("PLC %q: block without name in group %q", plc.Name, o.Group.Name)
			}
		}
	}
	hmis := make(map[string]bool)
	for _, h := range p.HMIs() {
		if h.Name == "" {
			return fmt.Errorf("project %q: HMI without name", p.Name)
		}
		if hmis[h.Name] {
			return fmt.Errorf("project %q: duplicate HMI %q", p.Name, h.Name)
		}
		hmis[h.Name] = true
		for _, c := range h.Connections {
			if c.Name == "" || c.Partner == "" {
				return fmt.Errorf("HMI %q: connection needs name and partner", h.Name)
			}
		}
	}
	return nil
}
