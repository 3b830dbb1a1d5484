package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/Paranoid-AF/draftwriter/bridge"
	"github.com/Paranoid-AF/draftwriter/history"
)

const (
	messagePrompt     = "message (end with an empty line)> "
	instructionPrompt = "instruction> "
	similarTimeout    = 30 * time.Second
	defaultListSize   = 5
)

type stage int

const (
	stageMessage stage = iota
	stageInstruction
)

// repl is the line-driven front end. All methods run on the bridge's UI loop.
type repl struct {
	bridge *bridge.Bridge
	store  *history.Store
	view   *termView
	tty    io.Writer
	out    io.Writer
	quit   func()

	interactive bool
	stage       stage
	lines       []string
	message     string
	eof         bool
}

func newREPL(b *bridge.Bridge, store *history.Store, view *termView, tty, out io.Writer, quit func()) *repl {
	r := &repl{bridge: b, store: store, view: view, tty: tty, out: out, quit: quit}
	view.onFinish = r.generationFinished
	return r
}

func (r *repl) banner(model, endpoint string) {
	fmt.Fprintf(r.tty, "draftwriter repl\n")
	fmt.Fprintf(r.tty, "model: %s @ %s\n", model, endpoint)
	fmt.Fprintf(r.tty, "\ncommands:\n")
	fmt.Fprintf(r.tty, "  :history [n]      show recent drafts\n")
	fmt.Fprintf(r.tty, "  :similar <text>   find past drafts for similar messages\n")
	fmt.Fprintf(r.tty, "  :copy             print the last draft\n")
	fmt.Fprintf(r.tty, "  :quit             exit\n\n")
}

func (r *repl) prompt() {
	if !r.interactive {
		return
	}
	if r.stage == stageInstruction {
		fmt.Fprint(r.tty, instructionPrompt)
		return
	}
	if len(r.lines) == 0 {
		fmt.Fprint(r.tty, messagePrompt)
	}
}

func (r *repl) handleLine(line string) {
	defer r.prompt()

	if r.stage == stageInstruction {
		// Rejections are reported to the view through the status signal.
		err := r.bridge.StartGeneration(r.message, line)
		if errors.Is(err, bridge.ErrInFlight) {
			// Keep the message so the instruction can be resent once the
			// running draft finishes.
			return
		}
		if err == nil {
			r.view.begin(r.message, line)
		}
		r.stage = stageMessage
		r.message = ""
		return
	}

	if len(r.lines) == 0 && strings.HasPrefix(line, ":") {
		r.command(line)
		return
	}
	if strings.TrimSpace(line) == "" {
		if len(r.lines) == 0 {
			return
		}
		r.message = strings.Join(r.lines, "\n")
		r.lines = nil
		r.stage = stageInstruction
		return
	}
	r.lines = append(r.lines, line)
}

func (r *repl) command(line string) {
	fields := strings.Fields(line)
	name := fields[0]
	arg := strings.TrimSpace(strings.TrimPrefix(line, name))

	switch name {
	case ":quit", ":q":
		r.quit()
	case ":history":
		n := defaultListSize
		if arg != "" {
			parsed, err := strconv.Atoi(arg)
			if err != nil || parsed <= 0 {
				fmt.Fprintf(r.tty, "error: not a positive number: %s\n", arg)
				return
			}
			n = parsed
		}
		entries := r.store.Recent(n)
		if len(entries) == 0 {
			fmt.Fprintln(r.tty, "(no drafts yet)")
			return
		}
		writeEntries(r.out, "history", entries)
	case ":similar":
		r.similar(arg)
	case ":copy":
		draft, err := r.bridge.Copyable()
		if err != nil {
			fmt.Fprintf(r.tty, "%s\n", copyMessage(err))
			return
		}
		fmt.Fprintln(r.out, draft)
	default:
		fmt.Fprintf(r.tty, "unknown command: %s\n", name)
	}
}

// similar embeds off the UI loop and posts the result back.
func (r *repl) similar(text string) {
	if text == "" {
		fmt.Fprintln(r.tty, "usage: :similar <message>")
		return
	}
	if !r.store.SimilarEnabled() {
		fmt.Fprintln(r.tty, "similar lookup is disabled; set history.embedding_model or DWB_EMBEDDING_MODEL")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), similarTimeout)
		defer cancel()
		entries, err := r.store.Similar(ctx, text, defaultListSize)
		r.bridge.Post(func() {
			switch {
			case err != nil:
				fmt.Fprintf(r.tty, "error: %v\n", err)
			case len(entries) == 0:
				fmt.Fprintln(r.tty, "(no similar drafts)")
			default:
				writeEntries(r.out, "similar", entries)
			}
		})
	}()
}

// finish handles end of input. A running generation is allowed to complete.
func (r *repl) finish() {
	r.eof = true
	if !r.bridge.InFlight() {
		r.quit()
	}
}

func (r *repl) generationFinished() {
	if r.eof {
		r.quit()
	}
}

func copyMessage(err error) string {
	switch {
	case errors.Is(err, bridge.ErrCopyFailure):
		return "Cannot copy error messages."
	case errors.Is(err, bridge.ErrNotFinished):
		return "Please wait for the draft to finish."
	default:
		return "Nothing generated to copy yet."
	}
}
