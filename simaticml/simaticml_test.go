package simaticml

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const lineDoc = `<?xml version="1.0" encoding="utf-8"?>
<Document>
  <Engineering version="V18" />
  <SW.Blocks.GlobalDB ID="0">
    <AttributeList>
      <Interface><Sections xmlns="http://www.siemens.com/automation/Openness/SW/Interface/v5">
  <Section Name="Static">
    <Member Name="Conveyor" Datatype="Struct">
      <Comment>
        <MultiLanguageText Lang="en-US">Conveyor faults [AlarmClass=Critical]</MultiLanguageText>
        <MultiLanguageText Lang="fr-FR">Défauts convoyeur</MultiLanguageText>
      </Comment>
      <Member Name="Overload" Datatype="Bool">
        <Comment>
          <MultiLanguageText Lang="en-US">Motor overload</MultiLanguageText>
        </Comment>
      </Member>
      <Member Name="Drive" Datatype="Struct">
        <Member Name="Fault" Datatype="Bool" />
      </Member>
    </Member>
    <Member Name="Counter" Datatype="Int" />
    <Member Name="Valve 1" Datatype="&quot;ValveUDT&quot;">
      <Sections>
        <Section Name="None">
          <Member Name="Stuck" Datatype="Bool" />
        </Section>
      </Sections>
    </Member>
  </Section>
</Sections></Interface>
      <Name>Line1_Defauts</Name>
      <Number>12</Number>
    </AttributeList>
  </SW.Blocks.GlobalDB>
</Document>`

func TestParse_PreOrderAndQualifiedNames(t *testing.T) {
	iface, err := Parse(strings.NewReader(lineDoc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if iface.BlockName != "Line1_Defauts" {
		t.Errorf("BlockName = %q", iface.BlockName)
	}

	want := []struct {
		name  string
		kind  Kind
		depth int
	}{
		{"Conveyor", KindStruct, 0},
		{"Conveyor.Overload", KindBool, 1},
		{"Conveyor.Drive", KindStruct, 1},
		{"Conveyor.Drive.Fault", KindBool, 2},
		{"Counter", KindOther, 0},
		{"Valve 1", KindOther, 0},
		{"Valve 1.Stuck", KindBool, 1},
	}
	if len(iface.Members) != len(want) {
		t.Fatalf("expected %d members, got %d: %+v", len(want), len(iface.Members), iface.Members)
	}
	for i, w := range want {
		m := iface.Members[i]
		if m.Name != w.name || m.Kind != w.kind || m.Depth != w.depth {
			t.Errorf("member %d = {%s %s %d}, want {%s %s %d}", i, m.Name, m.Kind, m.Depth, w.name, w.kind, w.depth)
		}
	}
}

func TestParse_Annotations(t *testing.T) {
	iface, err := Parse(strings.NewReader(lineDoc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	conveyor := iface.Members[0]
	if got := conveyor.Annotations["en-US"]; got != "Conveyor faults [AlarmClass=Critical]" {
		t.Errorf("en-US annotation = %q", got)
	}
	if got := conveyor.Annotations["fr-FR"]; got != "Défauts convoyeur" {
		t.Errorf("fr-FR annotation = %q", got)
	}
	if iface.Members[3].Annotations != nil {
		t.Errorf("expected nil annotations for Drive.Fault, got %v", iface.Members[3].Annotations)
	}
	if iface.Members[1].LocalName != "Overload" {
		t.Errorf("LocalName = %q", iface.Members[1].LocalName)
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not xml", "this is not xml"},
		{"truncated", "<Document><SW.Blocks.GlobalDB>"},
		{"no global db", "<Document><SW.Blocks.FB><AttributeList><Name>FB1</Name></AttributeList></SW.Blocks.FB></Document>"},
		{"no static section", `<Document><SW.Blocks.GlobalDB><AttributeList><Interface><Sections><Section Name="Input"/></Sections></Interface><Name>DB1</Name></AttributeList></SW.Blocks.GlobalDB></Document>`},
		{"member without name", `<Document><SW.Blocks.GlobalDB><AttributeList><Interface><Sections><Section Name="Static"><Member Datatype="Bool"/></Section></Sections></Interface><Name>DB1</Name></AttributeList></SW.Blocks.GlobalDB></Document>`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tc.doc))
			var mErr *MalformedInterfaceError
			if !errors.As(err, &mErr) {
				t.Fatalf("expected MalformedInterfaceError, got %v", err)
			}
		})
	}
}

func TestParse_EmptyStaticSection(t *testing.T) {
	doc := `<Document><SW.Blocks.GlobalDB><AttributeList><Interface><Sections><Section Name="Static"/></Sections></Interface><Name>Empty_Defauts</Name></AttributeList></SW.Blocks.GlobalDB></Document>`
	iface, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(iface.Members) != 0 {
		t.Errorf("expected no members, got %d", len(iface.Members))
	}
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "Line1_Defauts.xml")
	if err := os.WriteFile(good, []byte(lineDoc), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ParseFile(good); err != nil {
		t.Fatalf("ParseFile failed: %v", err)
	}

	bad := filepath.Join(dir, "bad.xml")
	os.WriteFile(bad, []byte("<Document/>"), 0644)
	_, err := ParseFile(bad)
	var mErr *MalformedInterfaceError
	if !errors.As(err, &mErr) {
		t.Fatalf("expected MalformedInterfaceError, got %v", err)
	}
	if mErr.Source != bad {
		t.Errorf("Source = %q, want %q", mErr.Source, bad)
	}

	if _, err := ParseFile(filepath.Join(dir, "missing.xml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestKindOf(t *testing.T) {
	tests := map[string]Kind{
		"Bool":                KindBool,
		"BOOL":                KindBool,
		"Struct":              KindStruct,
		"Int":                 KindOther,
		"Array[0..7] of Bool": KindOther,
		"\"ValveUDT\"":        KindOther,
	}
	for datatype, want := range tests {
		if got := kindOf(datatype); got != want {
			t.Errorf("kindOf(%q) = %v, want %v", datatype, got, want)
		}
	}
}
