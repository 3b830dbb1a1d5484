package main

import (
	"context"
	_ "embed"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/yuin/goldmark"

	"github.com/Paranoid-AF/draftwriter/bridge"
	"github.com/Paranoid-AF/draftwriter/history"
)

//go:embed index.html
var indexHTML []byte

const (
	defaultHistorySize = 10
	defaultSimilarK    = 3
	maxListSize        = 100
	similarTimeout     = 30 * time.Second
)

// Server serves the web UI, the history API and one websocket UI loop per
// browser connection.
type Server struct {
	echo     *echo.Echo
	streamer bridge.Streamer
	store    *history.Store
	opts     bridge.Options
	upgrader websocket.Upgrader
	markdown goldmark.Markdown

	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup
}

// NewServer creates a server. Finished drafts are recorded in store.
func NewServer(streamer bridge.Streamer, store *history.Store, opts bridge.Options) *Server {
	opts.Recorder = store
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		echo:     echo.New(),
		streamer: streamer,
		store:    store,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     sameHostOrigin,
		},
		markdown: goldmark.New(),
		ctx:      ctx,
		cancel:   cancel,
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.Secure())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				slog.Warn("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency, "error", v.Error)
				return nil
			}
			slog.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	e.GET("/", s.handleIndex)
	e.GET("/ws", s.handleWS)
	api := e.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/history", s.handleHistory)
	api.GET("/similar", s.handleSimilar)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops every websocket UI loop and the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	err := s.echo.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// sameHostOrigin accepts requests without an Origin header and browser
// requests from the page this server served.
func sameHostOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	origin = strings.TrimPrefix(strings.TrimPrefix(origin, "http://"), "https://")
	return strings.EqualFold(origin, r.Host)
}

func (s *Server) handleIndex(c echo.Context) error {
	return c.HTMLBlob(http.StatusOK, indexHTML)
}

type healthResponse struct {
	Status   string `json:"status"`
	Model    string `json:"model"`
	Endpoint string `json:"endpoint"`
	Similar  bool   `json:"similar"`
	Drafts   int    `json:"drafts"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:   "ok",
		Model:    s.opts.Model,
		Endpoint: s.opts.Endpoint,
		Similar:  s.store.SimilarEnabled(),
		Drafts:   s.store.Len(),
	})
}

type entriesResponse struct {
	Entries []history.Entry `json:"entries"`
}

func (s *Server) handleHistory(c echo.Context) error {
	n, err := listSize(c.QueryParam("n"), defaultHistorySize)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "n: "+err.Error())
	}
	entries := s.store.Recent(n)
	if entries == nil {
		entries = []history.Entry{}
	}
	return c.JSON(http.StatusOK, entriesResponse{Entries: entries})
}

func (s *Server) handleSimilar(c echo.Context) error {
	message := strings.TrimSpace(c.QueryParam("message"))
	if message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	k, err := listSize(c.QueryParam("k"), defaultSimilarK)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "k: "+err.Error())
	}
	if !s.store.SimilarEnabled() {
		return echo.NewHTTPError(http.StatusNotImplemented, history.ErrSimilarDisabled.Error())
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), similarTimeout)
	defer cancel()
	entries, err := s.store.Similar(ctx, message, k)
	if err != nil {
		slog.Warn("similar lookup failed", "error", err)
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	return c.JSON(http.StatusOK, entriesResponse{Entries: entries})
}

func listSize(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("must be a positive integer")
	}
	if n > maxListSize {
		n = maxListSize
	}
	return n, nil
}
