package selection

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"alarmsync/project"
)

func TestParse(t *testing.T) {
	tests := []struct {
		ref     string
		want    Selection
		wantErr bool
	}{
		{ref: "block:PLC_1/Line/Line_Defauts", want: Selection{Kind: KindBlock, Owner: "PLC_1", Path: []string{"Line"}, Block: "Line_Defauts"}},
		{ref: "block:PLC_1/Root_Defauts", want: Selection{Kind: KindBlock, Owner: "PLC_1", Path: []string{}, Block: "Root_Defauts"}},
		{ref: "group:PLC_1/Line/Cell", want: Selection{Kind: KindGroup, Owner: "PLC_1", Path: []string{"Line", "Cell"}}},
		{ref: "group:PLC_1", want: Selection{Kind: KindGroup, Owner: "PLC_1", Path: []string{}}},
		{ref: "TagTable:HMI_1/Line", want: Selection{Kind: KindTagTable, Owner: "HMI_1", TagTable: "Line"}},
		{ref: "block:Cell_Defauts", want: Selection{Kind: KindBlock, Block: "Cell_Defauts"}},
		{ref: `block:PLC_1/A\/B/Line\\Defauts`, want: Selection{Kind: KindBlock, Owner: "PLC_1", Path: []string{"A/B"}, Block: `Line\Defauts`}},
		{ref: `group:PLC_1/Line\`, wantErr: true},
		{ref: "tagtable:HMI_1/a/b", wantErr: true},
		{ref: "group:PLC_1//Line", wantErr: true},
		{ref: "folder:x", wantErr: true},
		{ref: "nokind", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := Parse(tt.ref)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Parse = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, ref := range []string{
		"block:PLC_1/Line/Line_Defauts", "block:Line_Defauts", "group:PLC_1/Line", "group:PLC_1",
		"tagtable:HMI_1/Line", `tagtable:HMI_1/In\/Out`, `block:PLC_1/A\\B/C\/D`,
	} {
		s, err := Parse(ref)
		if err != nil {
			t.Fatalf("Parse(%q): %v", ref, err)
		}
		if s.String() != ref {
			t.Errorf("String() = %q, want %q", s.String(), ref)
		}
	}
}

func testProject() *project.Project {
	plc := &project.PLCSoftware{
		Name: "PLC_1",
		Blocks: project.BlockGroup{
			Name:   "Program blocks",
			Blocks: []*project.Block{{Name: "Main", Type: "OB"}, {Name: "Root_Defauts"}},
			Groups: []*project.BlockGroup{
				{
					Name:   "Line",
					Blocks: []*project.Block{{Name: "Line_Defauts"}, {Name: "Line_Data"}},
					Groups: []*project.BlockGroup{
						{Name: "Cell", Blocks: []*project.Block{{Name: "Cell_Defauts"}}},
					},
				},
				{Name: "Empty", Groups: []*project.BlockGroup{{Name: "Deeper", Blocks: []*project.Block{{Name: "Deep_Data"}}}}},
			},
		},
	}
	other := &project.PLCSoftware{Name: "PLC_2"}
	return &project.Project{
		Name:              "Plant",
		ReferenceLanguage: "en-US",
		Devices: []*project.Device{
			{Name: "Station", Items: []*project.DeviceItem{{PLC: plc}, {PLC: other}}},
			{Name: "Panel", Items: []*project.DeviceItem{{HMI: &project.HMISoftware{
				Name: "HMI_1",
				Connections: []project.Connection{
					{Name: "Conn_A", Partner: "PLC_1"},
					{Name: "Conn_B", Partner: "PLC_2"},
				},
				TagTableGroups: []*project.TagTableGroup{{Name: "Alarms", TagTables: []string{"Line", "Empty"}}},
			}}}},
		},
		Groups: []*project.DeviceGroup{{Name: "More", Devices: []*project.Device{
			{Name: "Panel2", Items: []*project.DeviceItem{{HMI: &project.HMISoftware{
				Name:        "HMI_2",
				Connections: []project.Connection{{Name: "Conn_C", Partner: "PLC_1"}},
			}}}},
		}}},
	}
}

func describe(res *Result) []string {
	var out []string
	for _, tr := range res.Triples {
		out = append(out, tr.HMI.Name+"|"+tr.Block.Name+"|"+tr.Connection+"|"+tr.Folder)
	}
	return out
}

func resolve(t *testing.T, refs ...string) *Result {
	t.Helper()
	sels, err := ParseAll(refs)
	if err != nil {
		t.Fatalf("ParseAll: %v", err)
	}
	res, err := NewResolver(NewIndex(testProject()), "_Defauts").Resolve(context.Background(), sels)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return res
}

func TestResolveBlock(t *testing.T) {
	res := resolve(t, "block:PLC_1/Line/Line_Defauts")
	want := []string{"HMI_1|Line_Defauts|Conn_A|Line", "HMI_2|Line_Defauts|Conn_C|Line"}
	if got := describe(res); !reflect.DeepEqual(got, want) {
		t.Errorf("triples = %v, want %v", got, want)
	}
}

func TestResolveGroupBreadthFirst(t *testing.T) {
	res := resolve(t, "group:PLC_1")
	want := []string{
		"HMI_1|Root_Defauts|Conn_A|",
		"HMI_2|Root_Defauts|Conn_C|",
		"HMI_1|Line_Defauts|Conn_A|Line",
		"HMI_2|Line_Defauts|Conn_C|Line",
		"HMI_1|Cell_Defauts|Conn_A|Cell",
		"HMI_2|Cell_Defauts|Conn_C|Cell",
	}
	if got := describe(res); !reflect.DeepEqual(got, want) {
		t.Errorf("triples = %v, want %v", got, want)
	}
	if len(res.Notices) != 0 {
		t.Errorf("unexpected notices %v", res.Notices)
	}
}

func TestResolveEmptyGroup(t *testing.T) {
	res := resolve(t, "group:PLC_1/Empty")
	if len(res.Triples) != 0 {
		t.Errorf("expected no triples, got %v", describe(res))
	}
	if len(res.Notices) != 1 {
		t.Errorf("expected one notice, got %v", res.Notices)
	}
}

func TestResolveTagTable(t *testing.T) {
	res := resolve(t, "tagtable:HMI_1/Line")
	want := []string{"HMI_1|Line_Defauts|Conn_A|Line", "HMI_1|Cell_Defauts|Conn_A|Line"}
	if got := describe(res); !reflect.DeepEqual(got, want) {
		t.Errorf("triples = %v, want %v", got, want)
	}
	// PLC_2 has no Line group.
	if len(res.Notices) != 1 {
		t.Errorf("notices = %v", res.Notices)
	}
}

func TestResolveDeduplicates(t *testing.T) {
	res := resolve(t, "block:PLC_1/Line/Line_Defauts", "group:PLC_1/Line")
	want := []string{
		"HMI_1|Line_Defauts|Conn_A|Line",
		"HMI_2|Line_Defauts|Conn_C|Line",
		"HMI_1|Cell_Defauts|Conn_A|Cell",
		"HMI_2|Cell_Defauts|Conn_C|Cell",
	}
	if got := describe(res); !reflect.DeepEqual(got, want) {
		t.Errorf("triples = %v, want %v", got, want)
	}
}

func TestResolveErrors(t *testing.T) {
	r := NewResolver(NewIndex(testProject()), "_Defauts")
	for _, ref := range []string{
		"block:PLC_9/Line/Line_Defauts",
		"block:PLC_1/Nope/Line_Defauts",
		"block:PLC_1/Line/Missing",
		"group:PLC_1/Nope",
		"tagtable:HMI_9/Line",
		"tagtable:HMI_1/Missing",
	} {
		s, err := Parse(ref)
		if err != nil {
			t.Fatalf("Parse(%q): %v", ref, err)
		}
		if _, err := r.Resolve(context.Background(), []Selection{s}); err == nil {
			t.Errorf("Resolve(%q): expected error", ref)
		}
	}
}

func TestResolveCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, _ := Parse("group:PLC_1")
	_, err := NewResolver(NewIndex(testProject()), "_Defauts").Resolve(ctx, []Selection{s})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestResolveBareBlockName(t *testing.T) {
	res := resolve(t, "block:Cell_Defauts")
	want := []string{"HMI_1|Cell_Defauts|Conn_A|Cell", "HMI_2|Cell_Defauts|Conn_C|Cell"}
	if got := describe(res); !reflect.DeepEqual(got, want) {
		t.Errorf("triples = %v, want %v", got, want)
	}

	p := testProject()
	p.Devices[0].Items[1].PLC.Blocks.Blocks = []*project.Block{{Name: "Cell_Defauts"}}
	s, _ := Parse("block:Cell_Defauts")
	if _, err := NewResolver(NewIndex(p), "_Defauts").Resolve(context.Background(), []Selection{s}); err == nil {
		t.Error("expected an error for a block name present in two PLCs")
	}
	s, _ = Parse("block:Missing_Defauts")
	if _, err := NewResolver(NewIndex(p), "_Defauts").Resolve(context.Background(), []Selection{s}); err == nil {
		t.Error("expected an error for an unknown block name")
	}
}

func TestResolveSlashInGroupName(t *testing.T) {
	p := testProject()
	plc := p.Devices[0].Items[0].PLC
	plc.Blocks.Groups = append(plc.Blocks.Groups, &project.BlockGroup{
		Name:   "In/Out",
		Blocks: []*project.Block{{Name: "IO_Defauts"}},
	})
	s, err := Parse(`group:PLC_1/In\/Out`)
	if err != nil {
		t.Fatal(err)
	}
	res, err := NewResolver(NewIndex(p), "_Defauts").Resolve(context.Background(), []Selection{s})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := []string{"HMI_1|IO_Defauts|Conn_A|In/Out", "HMI_2|IO_Defauts|Conn_C|In/Out"}
	if got := describe(res); !reflect.DeepEqual(got, want) {
		t.Errorf("triples = %v, want %v", got, want)
	}
}

func TestResolveEmptyRootNamesPLC(t *testing.T) {
	p := testProject()
	p.Devices[0].Items[0].PLC.Blocks.Blocks = nil
	p.Devices[0].Items[0].PLC.Blocks.Groups = nil
	s, _ := Parse("group:PLC_1")
	res, err := NewResolver(NewIndex(p), "_Defauts").Resolve(context.Background(), []Selection{s})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Notices) != 1 || res.Notices[0] != "group PLC_1 contains no _Defauts blocks" {
		t.Errorf("notices = %q", res.Notices)
	}
}

func TestIndexOwner(t *testing.T) {
	ix := NewIndex(testProject())
	b, ok := ix.Find("Cell_Defauts")
	if !ok {
		t.Fatal("Find(Cell_Defauts) failed")
	}
	plc, g, ok := ix.Owner(b)
	if !ok || plc.Name != "PLC_1" || g.Name != "Cell" {
		t.Errorf("Owner = %v, %v, %v", plc, g, ok)
	}
	names := ix.BlockNames(plc)
	if !names["Main"] || !names["Deep_Data"] || len(names) != 6 {
		t.Errorf("BlockNames = %v", names)
	}
}
