package speedscope

import (
	"github.com/getsentry/callstack/internal/nodetree"
)

const (
	ValueUnitNanoseconds ValueUnit = "nanoseconds"

	EventTypeOpenFrame  EventType = "O"
	EventTypeCloseFrame EventType = "C"

	ProfileTypeEvented ProfileType = "evented"

	Schema = "https://www.speedscope.app/file-format-schema.json"
)

type (
	Frame struct {
		Name string `json:"name"`
	}

	Event struct {
		Type  EventType `json:"type"`
		Frame int       `json:"frame"`
		At    int64     `json:"at"`
	}

	EventedProfile struct {
		EndValue   int64       `json:"endValue"`
		Events     []Event     `json:"events"`
		Name       string      `json:"name"`
		StartValue int64       `json:"startValue"`
		Type       ProfileType `json:"type"`
		Unit       ValueUnit   `json:"unit"`
	}

	SharedData struct {
		Frames []Frame `json:"frames"`
	}

	EventType   string
	ProfileType string
	ValueUnit   string

	Output struct {
		Schema             string           `json:"$schema"`
		ActiveProfileIndex int              `json:"activeProfileIndex"`
		Exporter           string           `json:"exporter"`
		Name               string           `json:"name"`
		Profiles           []EventedProfile `json:"profiles"`
		Shared             SharedData       `json:"shared"`
	}

	// Builder accumulates evented profiles sharing one frame table.
	Builder struct {
		name     string
		exporter string
		frames   []Frame
		index    map[string]int
		profiles []EventedProfile
	}
)

func NewBuilder(name, exporter string) *Builder {
	return &Builder{
		name:     name,
		exporter: exporter,
		index:    make(map[string]int),
	}
}

func (b *Builder) frame(name string) int {
	if i, exists := b.index[name]; exists {
		return i
	}
	i := len(b.frames)
	b.frames = append(b.frames, Frame{Name: name})
	b.index[name] = i
	return i
}

// AddCallTree appends an evented profile opening and closing a frame for
// every node of roots.
func (b *Builder) AddCallTree(name string, start, end int64, roots []*nodetree.Node) {
	p := EventedProfile{
		EndValue:   end,
		Events:     []Event{},
		Name:       name,
		StartValue: start,
		Type:       ProfileTypeEvented,
		Unit:       ValueUnitNanoseconds,
	}
	var walk func(n *nodetree.Node)
	walk = func(n *nodetree.Node) {
		f := b.frame(n.Name)
		p.Events = append(p.Events, Event{Type: EventTypeOpenFrame, Frame: f, At: n.StartNS})
		for _, c := range n.Children {
			walk(c)
		}
		p.Events = append(p.Events, Event{Type: EventTypeCloseFrame, Frame: f, At: n.EndNS})
	}
	for _, r := range roots {
		walk(r)
	}
	b.profiles = append(b.profiles, p)
}

func (b *Builder) Output() Output {
	profiles := b.profiles
	if profiles == nil {
		profiles = []EventedProfile{}
	}
	frames := b.frames
	if frames == nil {
		frames = []Frame{}
	}
	return Output{
		Schema:   Schema,
		Exporter: b.exporter,
		Name:     b.name,
		Profiles: profiles,
		Shared:   SharedData{Frames: frames},
	}
}
