package story_test

import (
	"strings"
	"testing"

	"github.com/fable-audio/fablevoice/pkg/story"
)

// minimalDoc is a two-node story with one choice, used across tests.
const minimalDoc = `{
  "title": "The Fork",
  "description": "A very short walk.",
  "author": "test",
  "version": "1.0.0",
  "startNode": "gate",
  "nodes": {
    "gate": {
      "id": "gate",
      "title": "The Gate",
      "text": "You stand before a gate.",
      "choices": [
        {
          "id": "north",
          "text": "Go north through the gate",
          "keywords": ["north", "gate"],
          "nextNode": "meadow",
          "consequence": "went_north"
        }
      ]
    },
    "meadow": {
      "id": "meadow",
      "title": "The Meadow",
      "text": "Grass as far as you can see.",
      "choices": [],
      "isEnding": true,
      "endingType": "peaceful"
    }
  }
}`

func TestParse_MinimalDocument(t *testing.T) {
	t.Parallel()

	s, err := story.Parse(strings.NewReader(minimalDoc))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	if s.Title != "The Fork" {
		t.Errorf("Title = %q, want %q", s.Title, "The Fork")
	}
	if s.StartNode != "gate" {
		t.Errorf("StartNode = %q, want %q", s.StartNode, "gate")
	}
	if len(s.Nodes) != 2 {
		t.Fatalf("len(Nodes) = %d, want 2", len(s.Nodes))
	}

	start := s.Start()
	if start == nil || start.ID != "gate" {
		t.Fatalf("Start() = %+v, want node gate", start)
	}
	if len(start.Choices) != 1 {
		t.Fatalf("start node has %d choices, want 1", len(start.Choices))
	}

	c := start.Choices[0]
	if c.NextNode != "meadow" {
		t.Errorf("choice NextNode = %q, want %q", c.NextNode, "meadow")
	}
	if len(c.Keywords) != 2 {
		t.Errorf("choice has %d keywords, want 2", len(c.Keywords))
	}

	end, ok := s.Node("meadow")
	if !ok {
		t.Fatal("Node(meadow) not found")
	}
	if !end.IsEnding || end.EndingType != "peaceful" {
		t.Errorf("ending node = %+v, want IsEnding with type peaceful", end)
	}
}

func TestParse_InvalidJSON(t *testing.T) {
	t.Parallel()

	if _, err := story.Parse(strings.NewReader("{not json")); err == nil {
		t.Fatal("Parse accepted malformed JSON")
	}
}

func TestValidate_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "missing start node mapping",
			doc:     `{"title":"t","startNode":"nowhere","nodes":{"a":{"id":"a","title":"A","text":"x","choices":[]}}}`,
			wantErr: "startNode",
		},
		{
			name:    "no nodes",
			doc:     `{"title":"t","startNode":"a","nodes":{}}`,
			wantErr: "at least one node",
		},
		{
			name:    "missing title",
			doc:     `{"startNode":"a","nodes":{"a":{"id":"a","title":"A","text":"x","choices":[]}}}`,
			wantErr: "title",
		},
		{
			name:    "node key and id mismatch",
			doc:     `{"title":"t","startNode":"a","nodes":{"a":{"id":"b","title":"A","text":"x","choices":[]}}}`,
			wantErr: "does not match",
		},
		{
			name:    "duplicate choice ids",
			doc:     `{"title":"t","startNode":"a","nodes":{"a":{"id":"a","title":"A","text":"x","choices":[{"id":"c","text":"y","keywords":[],"nextNode":"a","consequence":""},{"id":"c","text":"z","keywords":[],"nextNode":"a","consequence":""}]}}}`,
			wantErr: "duplicate choice id",
		},
		{
			name:    "choice without target",
			doc:     `{"title":"t","startNode":"a","nodes":{"a":{"id":"a","title":"A","text":"x","choices":[{"id":"c","text":"y","keywords":[],"nextNode":"","consequence":""}]}}}`,
			wantErr: "no target node",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := story.Parse(strings.NewReader(tt.doc))
			if err == nil {
				t.Fatal("Parse accepted invalid document")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_DanglingTargetAllowed(t *testing.T) {
	t.Parallel()

	// A choice pointing at a missing node is a runtime story error, not a
	// load failure.
	doc := `{"title":"t","startNode":"a","nodes":{"a":{"id":"a","title":"A","text":"x","choices":[{"id":"c","text":"y","keywords":[],"nextNode":"ghost","consequence":""}]}}}`
	if _, err := story.Parse(strings.NewReader(doc)); err != nil {
		t.Fatalf("Parse rejected dangling choice target: %v", err)
	}
}

func TestChoiceLookup(t *testing.T) {
	t.Parallel()

	s, err := story.Parse(strings.NewReader(minimalDoc))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	n := s.Start()

	if _, ok := n.Choice("north"); !ok {
		t.Error("Choice(north) not found")
	}
	if _, ok := n.Choice("south"); ok {
		t.Error("Choice(south) unexpectedly found")
	}
}
