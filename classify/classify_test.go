package classify

import (
	"errors"
	"testing"

	"alarmsync/simaticml"
)

func TestMarker(t *testing.T) {
	tests := []struct {
		text string
		want string
		ok   bool
	}{
		{"[AlarmClass=Critical]", "Critical", true},
		{"Motor faults [alarmclass=Warning] see manual", "Warning", true},
		{`[AlarmClass="Quoted"]`, "Quoted", true},
		{"[AlarmClass= Spaced ]", "Spaced", true},
		{"[AlarmClass=A] [AlarmClass=B]", "A", true},
		{"[AlarmClass=]", "", false},
		{"no marker here", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := Marker(tt.text)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Marker(%q) = %q, %v; want %q, %v", tt.text, got, ok, tt.want, tt.ok)
		}
	}
}

func TestResolve(t *testing.T) {
	c := New([]string{"Alarm", "Critical", "Motor"}, "Alarm", []string{"en-US", "fr-FR"})

	tests := []struct {
		name        string
		annotations map[string]string
		member      string
		wantClass   string
		wantRule    Rule
		annotated   bool
	}{
		{"marker", map[string]string{"en-US": "[AlarmClass=Critical]"}, "Pump", "Critical", RuleMarker, true},
		{"marker in second language", map[string]string{"en-US": "pump", "fr-FR": "[AlarmClass=Critical]"}, "Pump", "Critical", RuleMarker, true},
		{"unknown marker falls to member name", map[string]string{"en-US": "[AlarmClass=Nope]"}, "Motor", "Motor", RuleMemberName, true},
		{"unknown marker falls to default", map[string]string{"en-US": "[AlarmClass=Nope]"}, "Pump", "Alarm", RuleDefault, true},
		{"plain comment uses member name", map[string]string{"en-US": "motor group"}, "Motor", "Motor", RuleMemberName, true},
		{"inactive language ignored", map[string]string{"de-DE": "[AlarmClass=Critical]"}, "Pump", "", 0, false},
		{"blank comment", map[string]string{"en-US": "   "}, "Motor", "", 0, false},
		{"no comment", nil, "Motor", "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class, rule, annotated, err := c.Resolve(tt.annotations, tt.member)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if class != tt.wantClass || rule != tt.wantRule || annotated != tt.annotated {
				t.Errorf("got (%q, %v, %v), want (%q, %v, %v)", class, rule, annotated, tt.wantClass, tt.wantRule, tt.annotated)
			}
		})
	}
}

func TestResolveReferenceLanguageFirst(t *testing.T) {
	c := New([]string{"Alarm", "Critical", "Warning"}, "Alarm", []string{"fr-FR", "en-US"})
	ann := map[string]string{
		"en-US": "[AlarmClass=Warning]",
		"fr-FR": "[AlarmClass=Critical]",
	}
	class, _, _, err := c.Resolve(ann, "X")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if class != "Critical" {
		t.Errorf("class = %q, want Critical", class)
	}
}

func TestResolveMissingDefault(t *testing.T) {
	c := New([]string{"Critical"}, "Alarm", []string{"en-US"})
	_, _, _, err := c.Resolve(map[string]string{"en-US": "text"}, "Pump")
	var ue *UnresolvedClassificationError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnresolvedClassificationError, got %v", err)
	}
	if ue.Name != "Alarm" {
		t.Errorf("Name = %q, want Alarm", ue.Name)
	}
}

func member(name string, depth int, kind simaticml.Kind, ann map[string]string) simaticml.Member {
	local := name
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			local = name[i+1:]
			break
		}
	}
	return simaticml.Member{Name: name, LocalName: local, Kind: kind, Depth: depth, Annotations: ann}
}

func TestTrackerScopes(t *testing.T) {
	c := New([]string{"Alarm", "Critical", "Warning"}, "Alarm", []string{"en-US"})
	members := []simaticml.Member{
		member("Top", 0, simaticml.KindBool, nil),
		member("Line", 0, simaticml.KindStruct, map[string]string{"en-US": "[AlarmClass=Critical]"}),
		member("Line.Stop", 1, simaticml.KindBool, nil),
		member("Line.Drive", 1, simaticml.KindStruct, map[string]string{"en-US": "[AlarmClass=Warning]"}),
		member("Line.Drive.Fault", 2, simaticml.KindBool, nil),
		member("Line.Plain", 1, simaticml.KindStruct, nil),
		member("Line.Plain.Trip", 2, simaticml.KindBool, nil),
		member("Line.After", 1, simaticml.KindBool, nil),
		member("Sibling", 0, simaticml.KindStruct, nil),
		member("Sibling.Flag", 1, simaticml.KindBool, nil),
		member("Count", 0, simaticml.KindOther, nil),
	}
	want := map[string]string{
		"Top":              "Alarm",
		"Line.Stop":        "Critical",
		"Line.Drive.Fault": "Warning",
		"Line.Plain.Trip":  "Critical",
		"Line.After":       "Critical",
		"Sibling.Flag":     "Alarm",
	}

	tr := NewTracker(c)
	got := make(map[string]string)
	for _, m := range members {
		class, err := tr.Visit(m)
		if err != nil {
			t.Fatalf("Visit(%s): %v", m.Name, err)
		}
		if m.Kind == simaticml.KindBool {
			got[m.Name] = class
		}
	}
	for name, class := range want {
		if got[name] != class {
			t.Errorf("%s: class = %q, want %q", name, got[name], class)
		}
	}
}

func TestTrackerDefaultOnlyWhenNeeded(t *testing.T) {
	c := New([]string{"Critical"}, "Alarm", []string{"en-US"})
	tr := NewTracker(c)

	if _, err := tr.Visit(member("Line", 0, simaticml.KindStruct, map[string]string{"en-US": "[AlarmClass=Critical]"})); err != nil {
		t.Fatalf("Visit struct: %v", err)
	}
	class, err := tr.Visit(member("Line.Stop", 1, simaticml.KindBool, nil))
	if err != nil || class != "Critical" {
		t.Fatalf("scoped bool = %q, %v", class, err)
	}

	_, err = tr.Visit(member("Loose", 0, simaticml.KindBool, nil))
	var ue *UnresolvedClassificationError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnresolvedClassificationError, got %v", err)
	}
}
