// Package mltext copies per-language member descriptions into alarm text
// slots using the HMI's rich-text envelope.
package mltext

import (
	"encoding/xml"
	"strings"
)

const (
	envelopeOpen  = "<body><p>"
	envelopeClose = "</p></body>"
)

// Wrap escapes text and wraps it in a single paragraph envelope.
func Wrap(text string) string {
	var sb strings.Builder
	sb.WriteString(envelopeOpen)
	xml.EscapeText(&sb, []byte(text))
	sb.WriteString(envelopeClose)
	return sb.String()
}

// Unwrap returns the plain text of an enveloped slot. Slots that are not
// enveloped are returned unchanged.
func Unwrap(slot string) string {
	if !strings.HasPrefix(slot, envelopeOpen) || !strings.HasSuffix(slot, envelopeClose) {
		return slot
	}
	inner := slot[len(envelopeOpen) : len(slot)-len(envelopeClose)]
	var sb strings.Builder
	dec := xml.NewDecoder(strings.NewReader("<t>" + inner + "</t>"))
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		if cd, ok := tok.(xml.CharData); ok {
			sb.Write(cd)
		}
	}
	return sb.String()
}

// Languages returns the text languages in priority order: the reference
// language first, then the other active languages, without duplicates.
func Languages(reference string, active []string) []string {
	out := make([]string, 0, len(active)+1)
	seen := make(map[string]bool, len(active)+1)
	add := func(lang string) {
		if lang == "" || seen[lang] {
			return
		}
		seen[lang] = true
		out = append(out, lang)
	}
	add(reference)
	for _, lang := range active {
		add(lang)
	}
	return out
}

// Sync returns a copy of slots with every language in languages that has a
// description overwritten by the enveloped description. Languages without a
// description keep their current slot text. changed reports whether any
// slot differs from the input.
func Sync(slots, descriptions map[string]string, languages []string) (out map[string]string, changed bool) {
	out = make(map[string]string, len(slots)+len(languages))
	for k, v := range slots {
		out[k] = v
	}
	for _, lang := range languages {
		desc, ok := descriptions[lang]
		if !ok {
			continue
		}
		text := Wrap(desc)
		if cur, exists := out[lang]; !exists || cur != text {
			out[lang] = text
			changed = true
		}
	}
	return out, changed
}
