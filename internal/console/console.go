// Package console is the terminal presentation layer: it renders story
// nodes, transcripts, and surfaced errors to a writer and translates line
// input into coordinator calls.
//
// Input is line-based. A leading digit picks a choice by number, a handful
// of single-letter commands control playback and listening, and any other
// text is handed to the coordinator's interpreter so typed sentences go
// through the same fuzzy matching as spoken ones.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/fable-audio/fablevoice/internal/engine"
	"github.com/fable-audio/fablevoice/pkg/recog"
	"github.com/fable-audio/fablevoice/pkg/state"
	"github.com/fable-audio/fablevoice/pkg/story"
	"github.com/fable-audio/fablevoice/pkg/types"
)

// typedConfidence is the speech-confidence stand-in for typed input.
const typedConfidence = 1.0

// Presenter renders engine events and drives the coordinator from line
// input. Bind must be called before Run.
type Presenter struct {
	in  io.Reader
	out io.Writer

	mu    sync.Mutex
	coord *engine.Coordinator
}

// New creates a Presenter reading commands from in and rendering to out.
func New(in io.Reader, out io.Writer) *Presenter {
	return &Presenter{in: in, out: out}
}

// Bind attaches the coordinator the presenter drives.
func (p *Presenter) Bind(c *engine.Coordinator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.coord = c
}

// Listener returns the engine listener that renders events to the
// presenter's writer. Event callbacks arrive from speech goroutines; the
// writer is guarded by the presenter's mutex.
func (p *Presenter) Listener() engine.Listener {
	return engine.Listener{
		OnNode:       p.renderNode,
		OnTranscript: p.renderTranscript,
		OnError:      p.renderError,
		OnPlayback: func(playing bool) {
			if playing {
				p.printf("♪ narrating…\n")
			}
		},
		OnListening: func(listening bool) {
			if listening {
				p.printf("● listening — speak a choice\n")
			} else {
				p.printf("○ stopped listening\n")
			}
		},
		OnPreferences: func(prefs state.Preferences) {
			p.printf("preferences updated (narration %s, voice input %s)\n",
				onOff(prefs.NarrationEnabled), onOff(prefs.RecognitionEnabled))
		},
	}
}

// Run reads commands until the input closes or ctx is cancelled. A "quit"
// command returns nil; the caller decides what that means for the process.
func (p *Presenter) Run(ctx context.Context) error {
	p.mu.Lock()
	coord := p.coord
	p.mu.Unlock()
	if coord == nil {
		return fmt.Errorf("console: presenter is not bound to a coordinator")
	}

	p.printHelp()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(p.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			return err
		case line := <-lines:
			if quit := p.handle(ctx, coord, line); quit {
				return nil
			}
		}
	}
}

// handle executes one input line and reports whether the user asked to quit.
func (p *Presenter) handle(ctx context.Context, coord *engine.Coordinator, line string) bool {
	cmd := strings.TrimSpace(line)
	if cmd == "" {
		return false
	}

	if n, err := strconv.Atoi(cmd); err == nil {
		if err := coord.ChooseIndex(ctx, n-1); err != nil {
			p.printf("no choice %d here\n", n)
		}
		return false
	}

	switch strings.ToLower(cmd) {
	case "q", "quit", "exit":
		coord.Save(ctx)
		p.printf("progress saved, goodbye\n")
		return true
	case "h", "help", "?":
		p.printHelp()
	case "p", "play":
		coord.TogglePlayback(ctx)
	case "s", "stop":
		coord.StopNarration()
	case "v", "voice":
		if err := coord.ToggleListening(ctx); err != nil {
			p.printf("%s\n", recog.Describe(err))
		}
	case "r", "restart":
		if err := coord.Restart(ctx); err != nil {
			p.printf("restart failed: %v\n", err)
		}
	case "save":
		coord.Save(ctx)
		p.printf("progress saved\n")
	case "l", "look":
		if node := coord.CurrentNode(); node != nil {
			p.renderNode(node, coord.Progress())
		}
	default:
		// Anything else is treated as a spoken-style answer.
		coord.Interpret(ctx, cmd, typedConfidence)
	}
	return false
}

func (p *Presenter) renderNode(node *story.Node, progress state.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "\n══ %s ══\n%s\n", node.Title, node.Text)
	if node.Atmosphere.Mood != "" {
		fmt.Fprintf(p.out, "(%s)\n", node.Atmosphere.Mood)
	}
	if node.IsEnding {
		ending := node.EndingType
		if ending == "" {
			ending = "the end"
		}
		fmt.Fprintf(p.out, "\n✦ %s ✦  (%d nodes visited, %d voice commands)\n",
			ending, len(progress.VisitedNodes), progress.VoiceCommandsUsed)
		fmt.Fprintln(p.out, `type "r" to start over or "q" to quit`)
		return
	}
	for i, c := range node.Choices {
		fmt.Fprintf(p.out, "  %d. %s\n", i+1, c.Text)
	}
	fmt.Fprint(p.out, "> ")
}

func (p *Presenter) renderTranscript(t recog.Transcript) {
	if t.Final {
		p.printf("heard: %q (confidence %.2f)\n", t.Text, t.Confidence)
	} else {
		p.printf("… %s\n", t.Text)
	}
}

func (p *Presenter) renderError(e types.AppError) {
	p.printf("! %s\n", e.Message)
}

func (p *Presenter) printHelp() {
	p.printf(`commands:
  1-9      pick a choice by number
  <text>   answer in your own words
  p        play / pause narration     s  stop narration
  v        toggle voice input         l  show the scene again
  r        restart the story          save  save progress
  q        save and quit              h  this help
`)
}

func (p *Presenter) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
