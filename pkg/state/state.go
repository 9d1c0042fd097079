// Package state defines the mutable player-facing records of a story
// session — Progress and Preferences — and the Store capability used to
// persist them.
//
// The types here are plain data: they carry no behaviour beyond small
// record-keeping helpers. All mutation policy (when to visit, when to save,
// what counts as a voice command) belongs to the engine coordinator, which
// is the single writer of Progress.
package state

import (
	"context"
	"time"
)

// ChoiceRecord is one taken choice in the session history.
type ChoiceRecord struct {
	// NodeID is the node the choice was made from.
	NodeID string `json:"nodeId"`

	// ChoiceID is the id of the taken choice.
	ChoiceID string `json:"choiceId"`

	// Timestamp is when the choice was made.
	Timestamp time.Time `json:"timestamp"`
}

// Progress records where the user is and has been in the story.
//
// Invariant, maintained by the navigation layer: CurrentNodeID is always a
// key of the story's node mapping, and VisitedNodes always contains
// CurrentNodeID.
type Progress struct {
	// CurrentNodeID is the node the session is currently at.
	CurrentNodeID string `json:"currentNodeId"`

	// VisitedNodes lists visited node ids in first-visit order. Duplicates
	// are suppressed on insert.
	VisitedNodes []string `json:"visitedNodes"`

	// ChoiceHistory lists every taken choice in order.
	ChoiceHistory []ChoiceRecord `json:"choiceHistory"`

	// Consequences lists the consequence tags of taken choices in order.
	Consequences []string `json:"consequences"`

	// ChoicesMade lists the ids of taken choices in order.
	ChoicesMade []string `json:"choicesMade"`

	// StartTime is when this progress record was created.
	StartTime time.Time `json:"startTime"`

	// LastSaveTime is stamped on every navigation and save.
	LastSaveTime time.Time `json:"lastSaveTime"`

	// TotalPlayTime is the accumulated play duration.
	TotalPlayTime time.Duration `json:"totalPlayTime"`

	// VoiceCommandsUsed counts choices made by voice.
	VoiceCommandsUsed int `json:"voiceCommandsUsed"`
}

// NewProgress returns a fresh record rooted at the given start node.
func NewProgress(startNode string, now time.Time) *Progress {
	return &Progress{
		CurrentNodeID: startNode,
		VisitedNodes:  []string{startNode},
		ChoiceHistory: []ChoiceRecord{},
		Consequences:  []string{},
		ChoicesMade:   []string{},
		StartTime:     now,
		LastSaveTime:  now,
	}
}

// Visit moves the record to nodeID, appending it to the visited list if new
// and stamping the last-save time.
func (p *Progress) Visit(nodeID string, now time.Time) {
	p.CurrentNodeID = nodeID
	if !p.HasVisited(nodeID) {
		p.VisitedNodes = append(p.VisitedNodes, nodeID)
	}
	p.LastSaveTime = now
}

// HasVisited reports whether nodeID is in the visited list.
func (p *Progress) HasVisited(nodeID string) bool {
	for _, id := range p.VisitedNodes {
		if id == nodeID {
			return true
		}
	}
	return false
}

// RecordChoice appends a history entry, a consequence tag, and the choice id.
func (p *Progress) RecordChoice(nodeID, choiceID, consequence string, now time.Time) {
	p.ChoiceHistory = append(p.ChoiceHistory, ChoiceRecord{
		NodeID:    nodeID,
		ChoiceID:  choiceID,
		Timestamp: now,
	})
	p.Consequences = append(p.Consequences, consequence)
	p.ChoicesMade = append(p.ChoicesMade, choiceID)
}

// Clone returns a deep copy, used when handing progress snapshots to the
// presentation layer.
func (p *Progress) Clone() Progress {
	c := *p
	c.VisitedNodes = append([]string(nil), p.VisitedNodes...)
	c.ChoiceHistory = append([]ChoiceRecord(nil), p.ChoiceHistory...)
	c.Consequences = append([]string(nil), p.Consequences...)
	c.ChoicesMade = append([]string(nil), p.ChoicesMade...)
	return c
}

// FontSize is the presentation font-size preference.
type FontSize string

const (
	FontSmall  FontSize = "small"
	FontMedium FontSize = "medium"
	FontLarge  FontSize = "large"
)

// IsValid reports whether f is a recognised font size.
func (f FontSize) IsValid() bool {
	switch f {
	case FontSmall, FontMedium, FontLarge:
		return true
	}
	return false
}

// Preferences holds the user-mutable settings. Its lifecycle is independent
// from Progress: a restart resets Progress but keeps Preferences.
type Preferences struct {
	// NarrationEnabled toggles machine narration.
	NarrationEnabled bool `json:"voiceEnabled"`

	// RecognitionEnabled toggles voice input.
	RecognitionEnabled bool `json:"speechRecognitionEnabled"`

	// Volume is the master volume in [0, 1].
	Volume float64 `json:"volume"`

	// AutoPlay starts narration automatically when a node is entered.
	AutoPlay bool `json:"autoPlay"`

	// DarkTheme selects the dark presentation theme.
	DarkTheme bool `json:"darkMode"`

	// ReducedMotion requests reduced presentation motion.
	ReducedMotion bool `json:"reducedMotion"`

	// FontSize is the presentation font size.
	FontSize FontSize `json:"fontSize"`

	// NarrationRate is the narration speed multiplier.
	NarrationRate float64 `json:"ttsSpeed"`

	// NarrationVolume is the narration volume in [0, 1].
	NarrationVolume float64 `json:"ttsVolume"`

	// RecognitionLanguage is the BCP-47 recognition language tag.
	RecognitionLanguage string `json:"sttLanguage"`

	// RecognitionContinuous keeps the recognition session open across
	// results instead of ending after the first utterance.
	RecognitionContinuous bool `json:"sttContinuous"`
}

// DefaultPreferences returns the initial preference set.
func DefaultPreferences() Preferences {
	return Preferences{
		NarrationEnabled:      true,
		RecognitionEnabled:    true,
		Volume:                0.8,
		AutoPlay:              true,
		DarkTheme:             true,
		ReducedMotion:         false,
		FontSize:              FontMedium,
		NarrationRate:         1.0,
		NarrationVolume:       0.8,
		RecognitionLanguage:   "en-US",
		RecognitionContinuous: false,
	}
}

// PreferencesPatch is a partial preference update: nil fields are left
// unchanged by Apply.
type PreferencesPatch struct {
	NarrationEnabled      *bool     `json:"voiceEnabled,omitempty"`
	RecognitionEnabled    *bool     `json:"speechRecognitionEnabled,omitempty"`
	Volume                *float64  `json:"volume,omitempty"`
	AutoPlay              *bool     `json:"autoPlay,omitempty"`
	DarkTheme             *bool     `json:"darkMode,omitempty"`
	ReducedMotion         *bool     `json:"reducedMotion,omitempty"`
	FontSize              *FontSize `json:"fontSize,omitempty"`
	NarrationRate         *float64  `json:"ttsSpeed,omitempty"`
	NarrationVolume       *float64  `json:"ttsVolume,omitempty"`
	RecognitionLanguage   *string   `json:"sttLanguage,omitempty"`
	RecognitionContinuous *bool     `json:"sttContinuous,omitempty"`
}

// Apply merges the patch into p, field by field.
func (p *Preferences) Apply(patch PreferencesPatch) {
	if patch.NarrationEnabled != nil {
		p.NarrationEnabled = *patch.NarrationEnabled
	}
	if patch.RecognitionEnabled != nil {
		p.RecognitionEnabled = *patch.RecognitionEnabled
	}
	if patch.Volume != nil {
		p.Volume = *patch.Volume
	}
	if patch.AutoPlay != nil {
		p.AutoPlay = *patch.AutoPlay
	}
	if patch.DarkTheme != nil {
		p.DarkTheme = *patch.DarkTheme
	}
	if patch.ReducedMotion != nil {
		p.ReducedMotion = *patch.ReducedMotion
	}
	if patch.FontSize != nil {
		p.FontSize = *patch.FontSize
	}
	if patch.NarrationRate != nil {
		p.NarrationRate = *patch.NarrationRate
	}
	if patch.NarrationVolume != nil {
		p.NarrationVolume = *patch.NarrationVolume
	}
	if patch.RecognitionLanguage != nil {
		p.RecognitionLanguage = *patch.RecognitionLanguage
	}
	if patch.RecognitionContinuous != nil {
		p.RecognitionContinuous = *patch.RecognitionContinuous
	}
}

// SavedState is the persisted tuple: progress, preferences, and the
// identity of the narration voice the user selected.
type SavedState struct {
	Progress    Progress    `json:"progress"`
	Preferences Preferences `json:"preferences"`

	// VoiceID is the selected narration voice identity, empty when the
	// system default is in use.
	VoiceID string `json:"voiceId,omitempty"`

	// SavedAt is when the tuple was written.
	SavedAt time.Time `json:"savedAt"`
}

// Store is the best-effort durable persistence surface, keyed internally by
// a namespaced string. Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the previously saved state, or (nil, nil) when nothing
	// has been saved yet.
	Load(ctx context.Context) (*SavedState, error)

	// Save durably writes the state, replacing any previous save.
	Save(ctx context.Context, s SavedState) error

	// Clear removes the saved state. Clearing an empty store is not an
	// error.
	Clear(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
