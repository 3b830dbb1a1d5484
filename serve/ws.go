package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/yuin/goldmark"

	draftwriter "github.com/Paranoid-AF/draftwriter"
	"github.com/Paranoid-AF/draftwriter/bridge"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 256 * 1024
)

// clientFrame is a message from the browser.
type clientFrame struct {
	Type        string `json:"type"` // "generate" or "copy"
	Message     string `json:"message,omitempty"`
	Instruction string `json:"instruction,omitempty"`
}

// serverFrame is a message to the browser.
type serverFrame struct {
	Type    string `json:"type"` // status, reset, fragment, done, error, copy
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	Text    string `json:"text,omitempty"`
	HTML    string `json:"html,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// handleWS runs one bridge per connection. The bridge's Run loop is the
// connection's UI loop and its only data writer.
func (s *Server) handleWS(c echo.Context) error {
	if s.ctx.Err() != nil {
		return echo.ErrServiceUnavailable
	}
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the error response.
		slog.Debug("websocket upgrade failed", "error", err)
		return nil
	}
	s.conns.Add(1)
	defer s.conns.Done()
	defer conn.Close()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	view := &wsView{conn: conn, markdown: s.markdown, cancel: cancel}
	b := bridge.New(s.streamer, view, s.opts)
	defer func() {
		b.Close()
		b.Wait()
	}()

	slog.Debug("websocket connected", "remote", c.RealIP())
	go readPump(ctx, conn, b, view, cancel)
	go pingLoop(ctx, conn)

	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("websocket loop stopped", "error", err)
	}
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	slog.Debug("websocket disconnected", "remote", c.RealIP())
	return nil
}

// readPump decodes browser frames and posts them to the UI loop.
func readPump(ctx context.Context, conn *websocket.Conn, b *bridge.Bridge, view *wsView, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && ctx.Err() == nil {
				slog.Warn("websocket read error", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame clientFrame
		decodeErr := json.Unmarshal(data, &frame)
		ok := b.Post(func() {
			if decodeErr != nil {
				view.send(serverFrame{Type: "error", Kind: "bad_request", Detail: "invalid frame: " + decodeErr.Error()})
				return
			}
			dispatch(b, view, frame)
		})
		if !ok {
			return
		}
	}
}

func pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				slog.Debug("failed to send ping", "error", err)
				return
			}
		}
	}
}

// dispatch runs on the UI loop.
func dispatch(b *bridge.Bridge, view *wsView, frame clientFrame) {
	switch frame.Type {
	case "generate":
		// Rejections reach the browser as status frames.
		if err := b.StartGeneration(frame.Message, frame.Instruction); err != nil {
			slog.Debug("generation not started", "error", err)
		}
	case "copy":
		text, err := b.Copyable()
		if err != nil {
			view.send(serverFrame{Type: "copy", Detail: copyMessage(err)})
			return
		}
		view.send(serverFrame{Type: "copy", Text: text})
	default:
		view.send(serverFrame{Type: "error", Kind: "bad_request", Detail: "unknown frame type: " + frame.Type})
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

// wsView renders bridge events as websocket frames.
type wsView struct {
	conn     *websocket.Conn
	markdown goldmark.Markdown
	cancel   context.CancelFunc
}

func (v *wsView) Status(status bridge.Status, message string) {
	v.send(serverFrame{Type: "status", Status: status.String(), Message: message})
}

func (v *wsView) Reset() {
	v.send(serverFrame{Type: "reset"})
}

func (v *wsView) Append(fragment string) {
	v.send(serverFrame{Type: "fragment", Text: fragment})
}

func (v *wsView) Succeeded(draft string) {
	var buf bytes.Buffer
	if err := v.markdown.Convert([]byte(draft), &buf); err != nil {
		slog.Warn("failed to render draft", "error", err)
		buf.Reset()
	}
	v.send(serverFrame{Type: "done", Text: draft, HTML: buf.String()})
}

func (v *wsView) Failed(kind draftwriter.ErrorKind, detail string) {
	v.send(serverFrame{Type: "error", Kind: kind.String(), Detail: detail})
}

func (v *wsView) send(frame serverFrame) {
	v.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := v.conn.WriteJSON(frame); err != nil {
		slog.Debug("websocket write failed", "type", frame.Type, "error", err)
		v.cancel()
	}
}
