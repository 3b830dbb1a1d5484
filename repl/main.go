// Command draftwriter-repl drafts message replies from the terminal.
// Paste the message you received, end it with an empty line, then type how
// you want to reply. The draft streams to the terminal and a TOML record of
// each generation is written to stdout.
//
// Usage:
//
//	./draftwriter-repl              # interactive, TOML on screen
//	./draftwriter-repl > log.toml   # drafts on screen, TOML to file
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/subosito/gotenv"
	"golang.org/x/term"

	draftwriter "github.com/Paranoid-AF/draftwriter"
	"github.com/Paranoid-AF/draftwriter/bridge"
	"github.com/Paranoid-AF/draftwriter/generate"
	"github.com/Paranoid-AF/draftwriter/history"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	verbose := flag.Bool("verbose", false, "log request payloads and stream envelopes")
	flag.Parse()

	if *showVersion {
		fmt.Println("draftwriter-repl", Version)
		os.Exit(0)
	}

	// A .env file in the working directory may set DWB_* variables.
	_ = gotenv.Load()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := draftwriter.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	for _, w := range draftwriter.ValidateConfig(cfg) {
		slog.Warn("config", "warning", w)
	}

	baseURL := draftwriter.ResolveBaseURL(cfg)
	timeout := draftwriter.ResolveTimeout(cfg)

	var embedder *history.Embedder
	if draftwriter.SimilarEnabled(cfg) {
		embedder = history.NewEmbedder(baseURL, draftwriter.ResolveEmbeddingModel(cfg), timeout)
	}
	store := history.NewStore(draftwriter.HistoryTTL(cfg), cfg.History.MaxEntries, embedder)
	defer store.Close()

	client := generate.NewClient(timeout, generate.LoadCustomPrompt())
	defer client.Close()

	model := draftwriter.ResolveModel(cfg)
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	view := newTermView(os.Stderr, os.Stdout, model)
	b := bridge.New(client, view, bridge.Options{
		Model:        model,
		Endpoint:     baseURL,
		PollInterval: draftwriter.PollInterval(cfg),
		Recorder:     store,
	})
	defer b.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	r := newREPL(b, store, view, os.Stderr, os.Stdout, cancel)
	r.interactive = interactive
	if interactive {
		r.banner(model, baseURL)
	}
	r.prompt()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !b.Post(func() { r.handleLine(line) }) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			slog.Warn("read error", "error", err)
		}
		b.Post(r.finish)
	}()

	if err := b.Run(ctx); err != nil && err != context.Canceled {
		slog.Error("ui loop stopped", "error", err)
	}
	// Let an in-flight generation end before the history store closes.
	b.Close()
	b.Wait()
}
