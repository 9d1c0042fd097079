// Package engine drives a single voice-interactive story playthrough.
//
// The package splits into two layers. [Navigator] is the pure traversal
// state machine: it owns the loaded story and the reader's progress and
// enforces the navigation rules (valid transitions, visit tracking, choice
// history). [Coordinator] wires the navigator to the speech sessions, the
// fuzzy matcher, persistence and metrics, and exposes the command surface
// the presentation layer calls.
//
// This package lives under internal/ because it encapsulates
// application-private processing logic and is not intended to be imported
// by external code.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/fable-audio/fablevoice/pkg/state"
	"github.com/fable-audio/fablevoice/pkg/story"
)

// ErrNoStory is returned by navigation operations before a story is loaded.
var ErrNoStory = errors.New("engine: no story loaded")

// ErrNodeNotFound is returned when a navigation target does not exist in
// the loaded story. The navigator's state is left unchanged.
var ErrNodeNotFound = errors.New("engine: story node not found")

// ErrChoiceNotFound is returned when a choice id does not belong to the
// current node.
var ErrChoiceNotFound = errors.New("engine: choice not found on current node")

// Navigator is the story traversal state machine. It is not safe for
// concurrent use; the Coordinator serialises access.
type Navigator struct {
	story    *story.Story
	progress state.Progress
}

// NewNavigator returns an empty Navigator. Load a story before navigating.
func NewNavigator() *Navigator {
	return &Navigator{}
}

// LoadStory installs st and starts fresh progress at its start node.
func (n *Navigator) LoadStory(st *story.Story, now time.Time) (*story.Node, error) {
	start := st.Start()
	if start == nil {
		return nil, fmt.Errorf("%w: start node %q", ErrNodeNotFound, st.StartNode)
	}
	n.story = st
	n.progress = *state.NewProgress(st.StartNode, now)
	return start, nil
}

// Resume installs st with previously saved progress. The saved current
// node must still exist in the story.
func (n *Navigator) Resume(st *story.Story, progress state.Progress) (*story.Node, error) {
	node, ok := st.Node(progress.CurrentNodeID)
	if !ok {
		return nil, fmt.Errorf("%w: saved node %q", ErrNodeNotFound, progress.CurrentNodeID)
	}
	n.story = st
	n.progress = progress.Clone()
	return node, nil
}

// Story returns the loaded story, nil before LoadStory.
func (n *Navigator) Story() *story.Story {
	return n.story
}

// Current returns the node the reader is on, nil before LoadStory.
func (n *Navigator) Current() *story.Node {
	if n.story == nil {
		return nil
	}
	node, _ := n.story.Node(n.progress.CurrentNodeID)
	return node
}

// Progress returns a copy of the reader's progress.
func (n *Navigator) Progress() state.Progress {
	return n.progress.Clone()
}

// Goto moves directly to nodeID, recording the visit. On an unknown id it
// returns ErrNodeNotFound and leaves the progress untouched.
func (n *Navigator) Goto(nodeID string, now time.Time) (*story.Node, error) {
	if n.story == nil {
		return nil, ErrNoStory
	}
	node, ok := n.story.Node(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, nodeID)
	}
	n.progress.Visit(nodeID, now)
	return node, nil
}

// MakeChoice follows the identified choice of the current node: it records
// the pick (and its consequence) in the history and moves to the target
// node. A choice whose target is missing from the story is a navigation
// error and leaves the progress untouched.
func (n *Navigator) MakeChoice(choiceID string, now time.Time) (*story.Node, error) {
	if n.story == nil {
		return nil, ErrNoStory
	}
	current := n.Current()
	if current == nil {
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, n.progress.CurrentNodeID)
	}
	choice, ok := current.Choice(choiceID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrChoiceNotFound, choiceID)
	}
	next, ok := n.story.Node(choice.NextNode)
	if !ok {
		return nil, fmt.Errorf("%w: choice %q leads to %q", ErrNodeNotFound, choiceID, choice.NextNode)
	}

	n.progress.RecordChoice(current.ID, choiceID, choice.Consequence, now)
	n.progress.Visit(next.ID, now)
	return next, nil
}

// Restart discards all progress and returns to the start node.
func (n *Navigator) Restart(now time.Time) (*story.Node, error) {
	if n.story == nil {
		return nil, ErrNoStory
	}
	start := n.story.Start()
	if start == nil {
		return nil, fmt.Errorf("%w: start node %q", ErrNodeNotFound, n.story.StartNode)
	}
	n.progress = *state.NewProgress(n.story.StartNode, now)
	return start, nil
}

// CountVoiceCommand bumps the voice-command tally in the progress record.
func (n *Navigator) CountVoiceCommand() {
	n.progress.VoiceCommandsUsed++
}

// AddPlayTime folds elapsed play time into the progress record.
func (n *Navigator) AddPlayTime(d time.Duration) {
	n.progress.TotalPlayTime += d
}

// AtEnding reports whether the current node ends the story.
func (n *Navigator) AtEnding() bool {
	node := n.Current()
	return node != nil && node.IsEnding
}
