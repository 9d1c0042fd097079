// Package story defines the read-only branching story document: nodes,
// choices, and the metadata block that accompanies an authored story file.
//
// A Story is loaded once at startup and treated as an immutable directed
// graph. Nodes are reachable via choices and the graph is not required to be
// acyclic; a choice may even point at a node that does not exist, in which
// case navigation reports a recoverable story error at runtime rather than
// failing the load.
package story

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// Choice is a labeled edge from one node to another, with the recognition
// keywords used to boost spoken matches.
type Choice struct {
	// ID uniquely identifies the choice within its node.
	ID string `json:"id"`

	// Text is the display text read to and shown to the user.
	Text string `json:"text"`

	// Keywords are exact-match boosting hints for voice selection.
	Keywords []string `json:"keywords"`

	// NextNode is the id of the node this choice leads to.
	NextNode string `json:"nextNode"`

	// Consequence is a free-text tag recorded when the choice is taken.
	Consequence string `json:"consequence"`
}

// Audio carries the per-node audio asset hints from the authored document.
// The engine parses but does not interpret them; they belong to the
// presentation layer.
type Audio struct {
	Background string `json:"background"`
	Voice      string `json:"voice"`
}

// Atmosphere carries the per-node scene-dressing hints from the authored
// document.
type Atmosphere struct {
	Mood     string   `json:"mood"`
	Lighting string   `json:"lighting"`
	Sounds   []string `json:"sounds"`
}

// Node is one narrative unit: narration text plus outgoing choices.
// Immutable once loaded.
type Node struct {
	// ID uniquely identifies the node within the story.
	ID string `json:"id"`

	// Title is the node's heading.
	Title string `json:"title"`

	// Text is the narration text spoken for this node.
	Text string `json:"text"`

	// Audio holds optional audio asset hints.
	Audio Audio `json:"audioData"`

	// Choices is the ordered list of outgoing edges. Empty for endings.
	Choices []Choice `json:"choices"`

	// Atmosphere holds optional scene-dressing hints.
	Atmosphere Atmosphere `json:"atmosphere"`

	// IsEnding marks the node as terminal.
	IsEnding bool `json:"isEnding,omitempty"`

	// EndingType categorises the ending ("good", "bad", ...) when IsEnding
	// is set.
	EndingType string `json:"endingType,omitempty"`
}

// VoiceSettings holds the story's suggested narration defaults.
type VoiceSettings struct {
	Rate   float64 `json:"rate"`
	Pitch  float64 `json:"pitch"`
	Volume float64 `json:"volume"`
}

// ChoiceSettings holds the story's suggested choice-selection behaviour.
type ChoiceSettings struct {
	TimeoutMs       int  `json:"timeoutMs"`
	AllowVoiceInput bool `json:"allowVoiceInput"`
	FuzzyMatching   bool `json:"fuzzyMatching"`
}

// AtmosphereSettings holds the story's suggested ambient-sound behaviour.
type AtmosphereSettings struct {
	EnableBackgroundSounds bool    `json:"enableBackgroundSounds"`
	SoundVolume            float64 `json:"soundVolume"`
	EnableVisualEffects    bool    `json:"enableVisualEffects"`
}

// Settings is the authored settings block of a story document.
type Settings struct {
	Voice      VoiceSettings      `json:"voiceSettings"`
	Choices    ChoiceSettings     `json:"choices"`
	Atmosphere AtmosphereSettings `json:"atmosphere"`
}

// Story is a complete read-only story document.
type Story struct {
	// Title is the story's display title.
	Title string `json:"title"`

	// Description is a short blurb about the story.
	Description string `json:"description"`

	// Author names the story's author.
	Author string `json:"author"`

	// Version is the authored document version string.
	Version string `json:"version"`

	// StartNode is the id of the entry node.
	StartNode string `json:"startNode"`

	// Nodes maps node id to node. Keys are unique by construction.
	Nodes map[string]*Node `json:"nodes"`

	// Settings is the authored settings block.
	Settings Settings `json:"settings"`
}

// Parse decodes a story document from r and validates it.
func Parse(r io.Reader) (*Story, error) {
	var s Story
	dec := json.NewDecoder(r)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("story: decode: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadFile reads and parses the story document at path.
func LoadFile(path string) (*Story, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("story: open %q: %w", path, err)
	}
	defer f.Close()

	s, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("story: parse %q: %w", path, err)
	}
	return s, nil
}

// Validate checks that the document is coherent enough to navigate. It
// returns a joined error listing all failures found.
//
// Dangling choice targets are deliberately not a validation failure: the
// navigation layer reports them as recoverable story errors, so an authored
// draft with unfinished branches still loads.
func (s *Story) Validate() error {
	var errs []error
	if s.Title == "" {
		errs = append(errs, errors.New("story: title is required"))
	}
	if s.StartNode == "" {
		errs = append(errs, errors.New("story: startNode is required"))
	}
	if len(s.Nodes) == 0 {
		errs = append(errs, errors.New("story: at least one node is required"))
	}
	if s.StartNode != "" {
		if _, ok := s.Nodes[s.StartNode]; !ok {
			errs = append(errs, fmt.Errorf("story: startNode %q not present in nodes", s.StartNode))
		}
	}
	for id, n := range s.Nodes {
		if n == nil {
			errs = append(errs, fmt.Errorf("story: node %q is null", id))
			continue
		}
		if n.ID != "" && n.ID != id {
			errs = append(errs, fmt.Errorf("story: node key %q does not match node id %q", id, n.ID))
		}
		seen := make(map[string]struct{}, len(n.Choices))
		for _, c := range n.Choices {
			if c.ID == "" {
				errs = append(errs, fmt.Errorf("story: node %q has a choice without an id", id))
				continue
			}
			if _, dup := seen[c.ID]; dup {
				errs = append(errs, fmt.Errorf("story: node %q has duplicate choice id %q", id, c.ID))
			}
			seen[c.ID] = struct{}{}
			if c.NextNode == "" {
				errs = append(errs, fmt.Errorf("story: node %q choice %q has no target node", id, c.ID))
			}
		}
	}
	return errors.Join(errs...)
}

// Node returns the node with the given id, if present.
func (s *Story) Node(id string) (*Node, bool) {
	n, ok := s.Nodes[id]
	return n, ok
}

// Start returns the entry node. Valid stories always have one.
func (s *Story) Start() *Node {
	return s.Nodes[s.StartNode]
}

// Choice returns the node's choice with the given id, if present.
func (n *Node) Choice(id string) (Choice, bool) {
	for _, c := range n.Choices {
		if c.ID == id {
			return c, true
		}
	}
	return Choice{}, false
}
