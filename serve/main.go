// Command draftwriterd serves a browser UI for drafting message replies
// with a local Ollama server. Drafts stream to the page over a websocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/subosito/gotenv"

	draftwriter "github.com/Paranoid-AF/draftwriter"
	"github.com/Paranoid-AF/draftwriter/bridge"
	"github.com/Paranoid-AF/draftwriter/generate"
	"github.com/Paranoid-AF/draftwriter/history"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	verbose := flag.Bool("verbose", false, "log every request, payload and stream envelope")
	addr := flag.String("addr", "127.0.0.1:8765", "listen address")
	flag.Parse()

	if *showVersion {
		fmt.Println("draftwriterd", Version)
		os.Exit(0)
	}

	// A .env file in the working directory may set DWB_* variables.
	_ = gotenv.Load()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := draftwriter.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", "path", draftwriter.ConfigPath(), "error", err)
		os.Exit(1)
	}
	for _, w := range draftwriter.ValidateConfig(cfg) {
		slog.Warn("config", "warning", w)
	}

	baseURL := draftwriter.ResolveBaseURL(cfg)
	model := draftwriter.ResolveModel(cfg)
	timeout := draftwriter.ResolveTimeout(cfg)

	var embedder *history.Embedder
	if draftwriter.SimilarEnabled(cfg) {
		embedder = history.NewEmbedder(baseURL, draftwriter.ResolveEmbeddingModel(cfg), timeout)
	}
	store := history.NewStore(draftwriter.HistoryTTL(cfg), cfg.History.MaxEntries, embedder)
	defer store.Close()

	client := generate.NewClient(timeout, generate.LoadCustomPrompt())
	defer client.Close()

	srv := NewServer(client, store, bridge.Options{
		Model:        model,
		Endpoint:     baseURL,
		PollInterval: draftwriter.PollInterval(cfg),
	})

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutdown", "error", err)
		}
	}()

	slog.Info("ready", "addr", "http://"+*addr, "model", model, "endpoint", baseURL)
	if err := srv.Start(*addr); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	<-stopped
}
