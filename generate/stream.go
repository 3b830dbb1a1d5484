// Package generate streams draft replies from an Ollama-compatible chat API.
package generate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	draftwriter "github.com/Paranoid-AF/draftwriter"
)

const (
	// DefaultTimeout is used when the client is created without a timeout.
	DefaultTimeout = 60 * time.Second
	maxErrorBody   = 64 << 10
)

var errIdleTimeout = errors.New("no data received before the read deadline")

// Client performs streamed draft generation against POST {endpoint}/api/chat.
type Client struct {
	timeout time.Duration
	prompt  string // custom prompt template (empty = use default)
	client  *http.Client
}

// NewClient creates a client. timeout bounds connecting, waiting for
// response headers, and each gap between streamed lines.
func NewClient(timeout time.Duration, promptTemplate string) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		timeout: timeout,
		prompt:  promptTemplate,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				IdleConnTimeout:       10 * time.Second,
				ResponseHeaderTimeout: timeout,
			},
		},
	}
}

// Close releases idle connections.
func (c *Client) Close() {
	c.client.CloseIdleConnections()
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// envelope is one line of the streamed response.
type envelope struct {
	Message *chatMessage `json:"message,omitempty"`
	Done    bool         `json:"done,omitempty"`
	Error   string       `json:"error,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Stream sends req and delivers the resulting events to sink on the calling
// goroutine. It returns after exactly one terminal event has been delivered.
// There are no retries.
func (c *Client) Stream(ctx context.Context, req draftwriter.DraftRequest, sink draftwriter.Sink) {
	s := &stream{endpoint: chatURL(req.Endpoint), sink: sink}
	s.finish(c.run(ctx, req, s))
}

func (c *Client) run(ctx context.Context, req draftwriter.DraftRequest, s *stream) draftwriter.StreamEvent {
	payload, err := json.Marshal(chatRequest{
		Model: req.Model,
		Messages: []chatMessage{
			{Role: "user", Content: BuildPrompt(c.prompt, req)},
		},
		Stream: true,
	})
	if err != nil {
		return draftwriter.Failed(draftwriter.InternalError, fmt.Sprintf("Internal Error: could not encode request for %s: %v", s.endpoint, err))
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	idle := time.AfterFunc(c.timeout, func() { cancel(errIdleTimeout) })
	defer idle.Stop()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return draftwriter.Failed(draftwriter.TransportError, fmt.Sprintf("Request Error: invalid endpoint %s: %v", s.endpoint, err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	slog.Debug("sending draft request", "endpoint", s.endpoint, "model", req.Model, "payload", string(payload))

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return c.classify(ctx, err, s.endpoint)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusFailure(resp, s.endpoint)
	}
	idle.Reset(c.timeout)

	reader := bufio.NewReader(resp.Body)
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			idle.Reset(c.timeout)
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			if ev, terminal := s.handle(trimmed); terminal {
				return ev
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return draftwriter.Failed(draftwriter.ProtocolError, fmt.Sprintf("Unexpected response from Ollama at %s: the stream ended before the model signalled completion.", s.endpoint))
			}
			return c.classify(ctx, readErr, s.endpoint)
		}
	}
}

// classify maps a transport-level error onto the failure taxonomy.
func (c *Client) classify(ctx context.Context, err error, endpoint string) draftwriter.StreamEvent {
	cause := context.Cause(ctx)
	var netErr net.Error
	switch {
	case errors.Is(cause, errIdleTimeout), errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return draftwriter.Failed(draftwriter.TimedOut, fmt.Sprintf("Timeout Error: Request to Ollama at %s timed out after %s.", endpoint, formatTimeout(c.timeout)))
	case errors.Is(cause, context.Canceled):
		return draftwriter.Failed(draftwriter.TransportError, fmt.Sprintf("Request Error: the request to %s was cancelled.", endpoint))
	case isConnectError(err):
		return draftwriter.Failed(draftwriter.ConnectFailed, fmt.Sprintf("Connection Error: Could not connect to Ollama at %s. Is Ollama running? (%v)", endpoint, err))
	default:
		return draftwriter.Failed(draftwriter.TransportError, fmt.Sprintf("Request Error: An unexpected error occurred during the request to %s: %v", endpoint, err))
	}
}

func isConnectError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}

// statusFailure reads the rejected response body and prefers the server's
// own error text over the raw body.
func statusFailure(resp *http.Response, endpoint string) draftwriter.StreamEvent {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	detail := fmt.Sprintf("HTTP Error: %s from %s. Status Code: %d", resp.Status, endpoint, resp.StatusCode)

	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		detail += "\nOllama Response: " + body.Error
	} else {
		detail += "\nRaw Response: " + strings.TrimSpace(string(raw))
	}
	return draftwriter.Failed(draftwriter.ProtocolError, detail)
}

func formatTimeout(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%d seconds", int(d/time.Second))
	}
	return d.String()
}

func chatURL(endpoint string) string {
	return strings.TrimRight(endpoint, "/") + "/api/chat"
}

// stream holds the per-call decode state.
type stream struct {
	endpoint string
	sink     draftwriter.Sink
}

// handle decodes one non-empty line. It returns the terminal event and true
// when reading must stop.
func (s *stream) handle(line []byte) (draftwriter.StreamEvent, bool) {
	var env envelope
	if line[0] != '{' {
		return s.decodeFailure(line, errors.New("not a JSON object")), true
	}
	if err := json.Unmarshal(line, &env); err != nil {
		return s.decodeFailure(line, err), true
	}

	switch {
	case env.Error != "":
		return draftwriter.Failed(draftwriter.ProtocolError, fmt.Sprintf("Ollama Error from %s: %s", s.endpoint, env.Error)), true
	case env.Done:
		return draftwriter.Done(), true
	case env.Message != nil && env.Message.Content != "":
		if err := s.emit(draftwriter.Fragment(env.Message.Content)); err != nil {
			return draftwriter.Failed(draftwriter.InternalError, fmt.Sprintf("Internal Error: handling a fragment from %s failed: %v", s.endpoint, err)), true
		}
	default:
		slog.Debug("skipping empty envelope", "endpoint", s.endpoint, "line", string(line))
	}
	return draftwriter.StreamEvent{}, false
}

func (s *stream) decodeFailure(line []byte, err error) draftwriter.StreamEvent {
	return draftwriter.Failed(draftwriter.DecodeError, fmt.Sprintf("JSON Decode Error: Could not decode response line from Ollama at %s (%v).\nRaw Response: %s", s.endpoint, err, line))
}

// emit delivers ev, converting a panicking sink into an error.
func (s *stream) emit(ev draftwriter.StreamEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event sink panicked: %v", r)
		}
	}()
	s.sink(ev)
	return nil
}

func (s *stream) finish(ev draftwriter.StreamEvent) {
	if ev.Err != nil {
		slog.Warn("draft stream failed", "endpoint", s.endpoint, "kind", ev.Err.Kind.String(), "detail", ev.Err.Detail)
	} else {
		slog.Debug("draft stream done", "endpoint", s.endpoint)
	}
	if err := s.emit(ev); err != nil {
		slog.Error("terminal event handler failed", "endpoint", s.endpoint, "error", err)
	}
}
