// Package layout maps raw event names to normalized labels and entry/exit
// kinds. A Layout is an immutable value: build it once and hand it to the
// components that need it.
package layout

import (
	"fmt"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/getsentry/callstack/internal/event"
)

type (
	// Rule matches names carrying both Prefix and Suffix. Either may be
	// empty.
	Rule struct {
		Prefix string     `yaml:"prefix" json:"prefix"`
		Suffix string     `yaml:"suffix" json:"suffix"`
		Kind   event.Kind `yaml:"-" json:"-"`
		// RawKind is the textual form used in configuration files.
		RawKind string `yaml:"kind" json:"kind"`
	}

	Layout struct {
		rules   []Rule
		include []string
	}

	// File is the on-disk representation of a layout.
	File struct {
		Rules   []Rule   `yaml:"rules" json:"rules"`
		Include []string `yaml:"include" json:"include"`
	}
)

// DefaultRules covers the usual begin/end naming conventions.
var DefaultRules = []Rule{
	{Suffix: "_begin", Kind: event.Entry},
	{Suffix: "_end", Kind: event.Exit},
	{Suffix: "_enter", Kind: event.Entry},
	{Suffix: "_exit", Kind: event.Exit},
	{Suffix: "Begin", Kind: event.Entry},
	{Suffix: "End", Kind: event.Exit},
	{Prefix: "enter:", Kind: event.Entry},
	{Prefix: "exit:", Kind: event.Exit},
}

// Default returns a layout using DefaultRules and no include filter.
func Default() Layout {
	return New(DefaultRules, nil)
}

// New copies rules and include so later changes to the slices do not leak
// into the layout.
func New(rules []Rule, include []string) Layout {
	l := Layout{
		rules:   make([]Rule, len(rules)),
		include: make([]string, len(include)),
	}
	copy(l.rules, rules)
	copy(l.include, include)
	return l
}

// Load reads a layout from a YAML, JSON or TOML file.
func Load(path string) (Layout, error) {
	var f File
	if err := cleanenv.ReadConfig(path, &f); err != nil {
		return Layout{}, fmt.Errorf("layout: can't read %s: %w", path, err)
	}
	return f.Layout()
}

// Layout validates the rules of a file.
func (f File) Layout() (Layout, error) {
	rules := make([]Rule, 0, len(f.Rules))
	for i, r := range f.Rules {
		switch strings.ToLower(r.RawKind) {
		case "entry", "begin", "enter":
			r.Kind = event.Entry
		case "exit", "end":
			r.Kind = event.Exit
		default:
			return Layout{}, fmt.Errorf("layout: rule %d: unknown kind %q", i, r.RawKind)
		}
		if r.Prefix == "" && r.Suffix == "" {
			return Layout{}, fmt.Errorf("layout: rule %d matches every name", i)
		}
		rules = append(rules, r)
	}
	return New(rules, f.Include), nil
}

func (r Rule) match(name string) (string, bool) {
	if len(name) < len(r.Prefix)+len(r.Suffix) {
		return "", false
	}
	if !strings.HasPrefix(name, r.Prefix) || !strings.HasSuffix(name, r.Suffix) {
		return "", false
	}
	return name[len(r.Prefix) : len(name)-len(r.Suffix)], true
}

// Classify returns the label and kind of the first rule matching name.
func (l Layout) Classify(name string) (string, event.Kind, bool) {
	for _, r := range l.rules {
		if label, ok := r.match(name); ok {
			return label, r.Kind, true
		}
	}
	return "", event.Entry, false
}

// Normalize strips the affixes of the first matching rule, leaving the name
// untouched otherwise.
func (l Layout) Normalize(name string) string {
	if label, _, ok := l.Classify(name); ok && label != "" {
		return label
	}
	return name
}

// Consider reports whether events named name take part in the analysis.
func (l Layout) Consider(name string) bool {
	if len(l.include) == 0 {
		return true
	}
	for _, s := range l.include {
		if strings.Contains(name, s) {
			return true
		}
	}
	return false
}

// Rules returns a copy of the rules.
func (l Layout) Rules() []Rule {
	rules := make([]Rule, len(l.rules))
	copy(rules, l.rules)
	return rules
}
