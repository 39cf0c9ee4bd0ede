// Package classify resolves the alarm class of extracted alarms from the
// [AlarmClass=<name>] marker in structure comments.
package classify

import (
	"regexp"
	"strings"

	"alarmsync/logging"
	"alarmsync/simaticml"
)

var markerPattern = regexp.MustCompile(`(?i)\[AlarmClass=(.+?)\]`)

// Rule identifies which step of the resolution chain produced a class.
type Rule int

const (
	RuleMarker Rule = iota + 1 // [AlarmClass=<name>] names an existing class
	RuleMemberName             // a class named like the structure exists
	RuleDefault                // configured default class
)

func (r Rule) String() string {
	switch r {
	case RuleMarker:
		return "marker"
	case RuleMemberName:
		return "member-name"
	case RuleDefault:
		return "default"
	default:
		return "unknown"
	}
}

// UnresolvedClassificationError is returned when the configured default
// class does not exist in the target system.
type UnresolvedClassificationError struct {
	Name string
}

func (e *UnresolvedClassificationError) Error() string {
	return "default alarm class " + `"` + e.Name + `"` + " does not exist in the HMI"
}

// Marker extracts the class name from an annotation, if it carries one.
// Surrounding quotes and whitespace are removed from the value.
func Marker(text string) (string, bool) {
	m := markerPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	v := strings.Trim(strings.TrimSpace(m[1]), `"`)
	return v, v != ""
}

// Classifier resolves class names against the HMI's alarm classes.
type Classifier struct {
	classes      map[string]struct{}
	defaultClass string
	languages    []string
}

// New creates a classifier. languages is the lookup priority: reference
// language first, then the remaining active languages.
func New(classes []string, defaultClass string, languages []string) *Classifier {
	set := make(map[string]struct{}, len(classes))
	for _, c := range classes {
		set[c] = struct{}{}
	}
	return &Classifier{
		classes:      set,
		defaultClass: defaultClass,
		languages:    languages,
	}
}

// Has reports whether the HMI defines the class.
func (c *Classifier) Has(name string) bool {
	_, ok := c.classes[name]
	return ok
}

// Default returns the configured default class, or an
// UnresolvedClassificationError when the HMI does not define it.
func (c *Classifier) Default() (string, error) {
	if !c.Has(c.defaultClass) {
		return "", &UnresolvedClassificationError{Name: c.defaultClass}
	}
	return c.defaultClass, nil
}

// Resolve applies the resolution chain to a structure's annotations.
// annotated is false when no priority language carries a non-empty text,
// in which case the structure does not define a class scope.
func (c *Classifier) Resolve(annotations map[string]string, memberName string) (class string, rule Rule, annotated bool, err error) {
	for _, lang := range c.languages {
		text := annotations[lang]
		if strings.TrimSpace(text) == "" {
			continue
		}
		annotated = true
		if v, ok := Marker(text); ok && c.Has(v) {
			return v, RuleMarker, true, nil
		}
	}
	if !annotated {
		return "", 0, false, nil
	}

	if c.Has(memberName) {
		return memberName, RuleMemberName, true, nil
	}

	class, err = c.Default()
	if err != nil {
		return "", 0, true, err
	}
	return class, RuleDefault, true, nil
}

type frame struct {
	depth int
	class string
}

// Tracker assigns classes to Bool members while walking a member list in
// pre-order. An annotated Struct opens a scope covering its subtree; the
// innermost scope wins.
type Tracker struct {
	c     *Classifier
	stack []frame
}

// NewTracker creates a tracker for a single block walk.
func NewTracker(c *Classifier) *Tracker {
	return &Tracker{c: c}
}

// Visit must be called for every member in pre-order. For Bool members it
// returns the class governing the member.
func (t *Tracker) Visit(m simaticml.Member) (string, error) {
	for len(t.stack) > 0 && t.stack[len(t.stack)-1].depth >= m.Depth {
		t.stack = t.stack[:len(t.stack)-1]
	}

	switch m.Kind {
	case simaticml.KindStruct:
		class, rule, annotated, err := t.c.Resolve(m.Annotations, m.LocalName)
		if err != nil {
			return "", err
		}
		if annotated {
			logging.DebugLog("classify", "%s -> %s (%s)", m.Name, class, rule)
			t.stack = append(t.stack, frame{depth: m.Depth, class: class})
		}
		return "", nil
	case simaticml.KindBool:
		if len(t.stack) > 0 {
			return t.stack[len(t.stack)-1].class, nil
		}
		return t.c.Default()
	default:
		return "", nil
	}
}
