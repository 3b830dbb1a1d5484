// Package bridge runs draft generations off the UI goroutine and replays
// their events on it.
//
// A worker goroutine streams one generation and pushes every event onto a
// Queue. The UI loop (Run, or a caller driving Tick) drains the queue on a
// fixed cadence and is the only code that touches the View or the session
// state.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	draftwriter "github.com/Paranoid-AF/draftwriter"
)

const (
	// DefaultPollInterval is the UI tick period.
	DefaultPollInterval = 100 * time.Millisecond

	// PlaceholderText is shown while a draft is being generated.
	PlaceholderText = "Communicating with local AI... Please wait."
	// BusyText is shown when a generation is requested while one is running.
	BusyText = "A draft is already being generated. Please wait for it to finish."
	// InvalidText is shown when either input is blank.
	InvalidText = "Please enter both the original message and your instruction."
)

var (
	// ErrInFlight is returned by StartGeneration while a session is running.
	ErrInFlight = errors.New("a draft is already being generated")
	// ErrClosed is returned by StartGeneration after Close.
	ErrClosed = errors.New("bridge is closed")
	// ErrNotFinished is returned by Copyable while a session is running.
	ErrNotFinished = errors.New("draft is still being generated")
	// ErrCopyFailure is returned by Copyable when the last session failed.
	ErrCopyFailure = errors.New("cannot copy error messages")
	// ErrNothingToCopy is returned by Copyable when no draft exists yet.
	ErrNothingToCopy = errors.New("nothing generated to copy yet")
)

// Status is a UI status signal.
type Status int

const (
	// StatusGenerating means a session has started.
	StatusGenerating Status = iota + 1
	// StatusBusy means a start was rejected because a session is in flight.
	StatusBusy
	// StatusInvalid means a start was rejected because of blank input.
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusGenerating:
		return "generating"
	case StatusBusy:
		return "busy"
	case StatusInvalid:
		return "invalid"
	}
	return "unknown"
}

// Streamer runs one generation, delivering its events to sink. It must
// deliver exactly one terminal event before returning.
type Streamer interface {
	Stream(ctx context.Context, req draftwriter.DraftRequest, sink draftwriter.Sink)
}

// View is the UI collaborator. Its methods are only called from the UI loop.
type View interface {
	// Status reports a status change with a user-facing message.
	Status(status Status, message string)
	// Reset clears the output area for a new session.
	Reset()
	// Append shows one more fragment of the draft.
	Append(fragment string)
	// Succeeded shows the finished draft.
	Succeeded(draft string)
	// Failed replaces any partial output with the error.
	Failed(kind draftwriter.ErrorKind, detail string)
}

// Recorder receives finished drafts.
type Recorder interface {
	Record(req draftwriter.DraftRequest, draft string)
}

// Options configures a Bridge.
type Options struct {
	Model        string
	Endpoint     string
	PollInterval time.Duration
	Recorder     Recorder // optional
}

// Bridge owns the generation session for one UI.
type Bridge struct {
	streamer Streamer
	view     View
	opts     Options
	queue    *Queue
	posts    chan func()

	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup

	// Session state, owned by the UI loop.
	session  string
	inFlight bool
	req      draftwriter.DraftRequest
	text     strings.Builder
	lastErr  *draftwriter.Error
}

// New creates a bridge. Call Run (or Tick periodically) on the UI goroutine.
func New(streamer Streamer, view View, opts Options) *Bridge {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		streamer: streamer,
		view:     view,
		opts:     opts,
		queue:    NewQueue(),
		posts:    make(chan func(), 16),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// StartGeneration begins a new session. It must be called on the UI loop.
// A second call while a session is in flight is rejected and has no effect
// on the running session.
func (b *Bridge) StartGeneration(message, instruction string) error {
	if b.ctx.Err() != nil {
		return ErrClosed
	}
	if b.inFlight {
		slog.Debug("generation rejected, session in flight", "session", b.session)
		b.view.Status(StatusBusy, BusyText)
		return ErrInFlight
	}
	req, err := draftwriter.NewDraftRequest(message, instruction, b.opts.Model, b.opts.Endpoint)
	if err != nil {
		b.view.Status(StatusInvalid, InvalidText)
		return err
	}

	b.session = uuid.NewString()
	b.inFlight = true
	b.req = req
	b.text.Reset()
	b.lastErr = nil

	b.view.Reset()
	b.view.Status(StatusGenerating, PlaceholderText)
	slog.Info("generation started", "session", b.session, "model", req.Model, "endpoint", req.Endpoint)

	b.workers.Add(1)
	go b.work(b.ctx, b.session, req)
	return nil
}

// work runs on its own goroutine and never touches session state.
func (b *Bridge) work(ctx context.Context, session string, req draftwriter.DraftRequest) {
	defer b.workers.Done()

	terminal := false
	defer func() {
		r := recover()
		switch {
		case r != nil && terminal:
			slog.Error("generation worker panicked after its result", "session", session, "panic", r)
		case r != nil:
			slog.Error("generation worker panicked", "session", session, "panic", r)
			b.push(session, draftwriter.Failed(draftwriter.InternalError, fmt.Sprintf("Internal Error: draft generation crashed: %v", r)))
		case !terminal:
			slog.Error("generation worker returned without a result", "session", session)
			b.push(session, draftwriter.Failed(draftwriter.InternalError, "Internal Error: draft generation ended without a result."))
		}
	}()

	b.streamer.Stream(ctx, req, func(ev draftwriter.StreamEvent) {
		if terminal {
			slog.Warn("dropping event after terminal", "session", session, "kind", ev.Kind.String())
			return
		}
		terminal = ev.Terminal()
		b.push(session, ev)
	})
}

func (b *Bridge) push(session string, ev draftwriter.StreamEvent) {
	if !b.queue.Push(Item{Session: session, Event: ev}) {
		slog.Debug("queue closed, dropping event", "session", session, "kind", ev.Kind.String())
	}
}

// Tick drains the queue and applies every pending event in order. It must be
// called on the UI loop.
func (b *Bridge) Tick() {
	for {
		item, ok := b.queue.TryPop()
		if !ok {
			return
		}
		if !b.inFlight || item.Session != b.session {
			slog.Debug("dropping stale event", "session", item.Session, "kind", item.Event.Kind.String())
			continue
		}
		b.apply(item.Event)
	}
}

func (b *Bridge) apply(ev draftwriter.StreamEvent) {
	switch ev.Kind {
	case draftwriter.EventFragment:
		b.text.WriteString(ev.Text)
		b.view.Append(ev.Text)

	case draftwriter.EventDone:
		draft := strings.TrimSpace(b.text.String())
		b.text.Reset()
		b.text.WriteString(draft)
		b.inFlight = false
		slog.Info("generation finished", "session", b.session, "chars", len(draft))
		b.view.Succeeded(draft)
		if b.opts.Recorder != nil && draft != "" {
			b.opts.Recorder.Record(b.req, draft)
		}

	case draftwriter.EventFailed:
		b.text.Reset()
		b.inFlight = false
		b.lastErr = ev.Err
		if b.lastErr == nil {
			b.lastErr = &draftwriter.Error{Kind: draftwriter.InternalError, Detail: "Internal Error: failure without detail."}
		}
		slog.Info("generation failed", "session", b.session, "kind", b.lastErr.Kind.String())
		b.view.Failed(b.lastErr.Kind, b.lastErr.Detail)
	}
}

// Run is the UI loop. It ticks every poll interval and runs posted closures
// between ticks, returning when ctx is done or the bridge is closed.
func (b *Bridge) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.ctx.Done():
			return nil
		case fn := <-b.posts:
			fn()
		case <-ticker.C:
			b.Tick()
		}
	}
}

// Post schedules fn on the UI loop. It returns false if the bridge is closed.
// Post must not be called from the UI loop itself.
func (b *Bridge) Post(fn func()) bool {
	if b.ctx.Err() != nil {
		return false
	}
	select {
	case b.posts <- fn:
		return true
	case <-b.ctx.Done():
		return false
	}
}

// Close cancels the in-flight worker and stops Run. Events pushed after
// Close are dropped.
func (b *Bridge) Close() {
	b.cancel()
	b.queue.Close()
}

// Wait blocks until every worker has returned.
func (b *Bridge) Wait() {
	b.workers.Wait()
}

// InFlight reports whether a session is running.
func (b *Bridge) InFlight() bool {
	return b.inFlight
}

// Text returns the accumulated draft text. It is empty after a failure.
func (b *Bridge) Text() string {
	return b.text.String()
}

// LastError returns the failure of the last session, if it failed.
func (b *Bridge) LastError() *draftwriter.Error {
	return b.lastErr
}

// Copyable returns the finished draft. Only a successful session yields
// copyable text.
func (b *Bridge) Copyable() (string, error) {
	switch {
	case b.inFlight:
		return "", ErrNotFinished
	case b.lastErr != nil:
		return "", ErrCopyFailure
	case b.text.Len() == 0:
		return "", ErrNothingToCopy
	}
	return b.text.String(), nil
}
