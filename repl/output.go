package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	draftwriter "github.com/Paranoid-AF/draftwriter"
	"github.com/Paranoid-AF/draftwriter/bridge"
	"github.com/Paranoid-AF/draftwriter/history"
)

// record is the TOML document written for each generation.
type record struct {
	Request requestRecord `toml:"request"`
	Draft   *draftRecord  `toml:"draft,omitempty"`
	Error   *errorRecord  `toml:"error,omitempty"`
}

type requestRecord struct {
	Timestamp       time.Time `toml:"timestamp"`
	Model           string    `toml:"model"`
	OriginalMessage string    `toml:"original_message"`
	Instruction     string    `toml:"instruction"`
}

type draftRecord struct {
	Text      string `toml:"text"`
	Fragments int    `toml:"fragments"`
	ElapsedMS int64  `toml:"elapsed_ms"`
}

type errorRecord struct {
	Kind   string `toml:"kind"`
	Detail string `toml:"detail"`
}

// termView renders bridge events: the live draft goes to tty, the
// per-generation TOML record goes to out.
type termView struct {
	tty   io.Writer
	out   io.Writer
	model string

	pending   requestRecord
	started   time.Time
	fragments int
	onFinish  func()
}

func newTermView(tty, out io.Writer, model string) *termView {
	return &termView{tty: tty, out: out, model: model}
}

// begin remembers the request the next record belongs to.
func (v *termView) begin(message, instruction string) {
	v.pending = requestRecord{
		Timestamp:       time.Now(),
		Model:           v.model,
		OriginalMessage: strings.TrimSpace(message),
		Instruction:     strings.TrimSpace(instruction),
	}
}

func (v *termView) Status(status bridge.Status, message string) {
	fmt.Fprintf(v.tty, "[%s] %s\n", status, message)
}

func (v *termView) Reset() {
	v.started = time.Now()
	v.fragments = 0
}

func (v *termView) Append(fragment string) {
	v.fragments++
	fmt.Fprint(v.tty, fragment)
}

func (v *termView) Succeeded(draft string) {
	fmt.Fprint(v.tty, "\n\n")
	v.write(record{
		Request: v.pending,
		Draft: &draftRecord{
			Text:      draft,
			Fragments: v.fragments,
			ElapsedMS: time.Since(v.started).Milliseconds(),
		},
	})
	v.finish()
}

func (v *termView) Failed(kind draftwriter.ErrorKind, detail string) {
	if v.fragments > 0 {
		fmt.Fprint(v.tty, "\n[partial output discarded]\n")
	}
	fmt.Fprintf(v.tty, "Error:\n%s\n\n", detail)
	v.write(record{
		Request: v.pending,
		Error:   &errorRecord{Kind: kind.String(), Detail: detail},
	})
	v.finish()
}

func (v *termView) write(rec record) {
	if err := writeRecord(v.out, rec); err != nil {
		slog.Warn("failed to write record", "error", err)
	}
}

func (v *termView) finish() {
	if v.onFinish != nil {
		v.onFinish()
	}
}

// writeRecord writes a single TOML-formatted record to w.
func writeRecord(w io.Writer, rec record) error {
	fmt.Fprintf(w, "# %s\n\n", strings.Repeat("═", 60))
	enc := toml.NewEncoder(w)
	enc.Indent = ""
	if err := enc.Encode(rec); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w)
	return err
}

// writeEntries writes history entries as a TOML array of tables named key.
func writeEntries(w io.Writer, key string, entries []history.Entry) {
	enc := toml.NewEncoder(w)
	enc.Indent = ""
	if err := enc.Encode(map[string][]history.Entry{key: entries}); err != nil {
		slog.Warn("failed to write entries", "error", err)
	}
	fmt.Fprintln(w)
}
