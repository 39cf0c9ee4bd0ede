package mltext

import (
	"reflect"
	"testing"
)

func TestWrap(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Motor overload", "<body><p>Motor overload</p></body>"},
		{"", "<body><p></p></body>"},
		{"P < 3 bar & rising", "<body><p>P &lt; 3 bar &amp; rising</p></body>"},
	}
	for _, tt := range tests {
		if got := Wrap(tt.in); got != tt.want {
			t.Errorf("Wrap(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestUnwrap(t *testing.T) {
	for _, s := range []string{"Motor overload", "P < 3 bar & rising", "Température élevée"} {
		if got := Unwrap(Wrap(s)); got != s {
			t.Errorf("Unwrap(Wrap(%q)) = %q", s, got)
		}
	}
	if got := Unwrap("plain"); got != "plain" {
		t.Errorf("Unwrap(plain) = %q", got)
	}
}

func TestLanguages(t *testing.T) {
	got := Languages("en-US", []string{"fr-FR", "en-US", "", "de-DE", "fr-FR"})
	want := []string{"en-US", "fr-FR", "de-DE"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Languages = %v, want %v", got, want)
	}
}

func TestSync(t *testing.T) {
	langs := []string{"en-US", "fr-FR", "de-DE"}
	slots := map[string]string{
		"fr-FR": "<body><p>ancien</p></body>",
		"de-DE": "<body><p>Alt</p></body>",
		"it-IT": "<body><p>vecchio</p></body>",
	}
	desc := map[string]string{
		"en-US": "Overload",
		"fr-FR": "Surcharge",
		"it-IT": "Sovraccarico",
	}

	out, changed := Sync(slots, desc, langs)
	if !changed {
		t.Error("expected changed")
	}
	want := map[string]string{
		"en-US": "<body><p>Overload</p></body>",
		"fr-FR": "<body><p>Surcharge</p></body>",
		"de-DE": "<body><p>Alt</p></body>",
		"it-IT": "<body><p>vecchio</p></body>",
	}
	if !reflect.DeepEqual(out, want) {
		t.Errorf("Sync = %v, want %v", out, want)
	}
	if slots["fr-FR"] != "<body><p>ancien</p></body>" {
		t.Error("input slots were modified")
	}

	if _, changed := Sync(out, desc, langs); changed {
		t.Error("second Sync reported a change")
	}
}
