package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	draftwriter "github.com/Paranoid-AF/draftwriter"
)

type recorder struct {
	events []draftwriter.StreamEvent
}

func (r *recorder) sink(ev draftwriter.StreamEvent) {
	r.events = append(r.events, ev)
}

func (r *recorder) terminal() draftwriter.StreamEvent {
	return r.events[len(r.events)-1]
}

func (r *recorder) fragments() []string {
	var out []string
	for _, ev := range r.events {
		if ev.Kind == draftwriter.EventFragment {
			out = append(out, ev.Text)
		}
	}
	return out
}

// ndjsonServer writes body verbatim, flushing after every line.
func ndjsonServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(status)
		flusher, _ := w.(http.Flusher)
		for _, line := range strings.SplitAfter(body, "\n") {
			if line == "" {
				continue
			}
			fmt.Fprint(w, line)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func streamAgainst(t *testing.T, endpoint string, timeout time.Duration) *recorder {
	t.Helper()
	rec := &recorder{}
	req := testRequest()
	req.Endpoint = endpoint
	NewClient(timeout, "").Stream(context.Background(), req, rec.sink)
	return rec
}

func assertSingleTerminal(t *testing.T, rec *recorder) {
	t.Helper()
	require.NotEmpty(t, rec.events)
	for i, ev := range rec.events {
		if i == len(rec.events)-1 {
			assert.True(t, ev.Terminal(), "last event must be terminal")
		} else {
			assert.False(t, ev.Terminal(), "event %d must not be terminal", i)
		}
	}
}

func TestStream_Envelopes(t *testing.T) {
	testCases := []struct {
		description string
		body        string
		fragments   []string
		kind        draftwriter.EventKind
		errKind     draftwriter.ErrorKind
		detail      string
	}{
		{
			description: "fragments then done",
			body: `{"message":{"role":"assistant","content":"Sure"},"done":false}` + "\n" +
				`{"message":{"role":"assistant","content":", I can."},"done":false}` + "\n" +
				`{"done":true}` + "\n",
			fragments: []string{"Sure", ", I can."},
			kind:      draftwriter.EventDone,
		},
		{
			description: "done first",
			body:        `{"done":true}` + "\n",
			kind:        draftwriter.EventDone,
		},
		{
			description: "done wins over content on the same line",
			body:        `{"message":{"content":"ignored"},"done":true}` + "\n",
			kind:        draftwriter.EventDone,
		},
		{
			description: "heartbeats are skipped",
			body: `{}` + "\n" +
				`{"message":{"role":"assistant","content":""}}` + "\n" +
				"\n" +
				`{"message":{"content":"Hi"}}` + "\n" +
				`{"done":true}` + "\n",
			fragments: []string{"Hi"},
			kind:      draftwriter.EventDone,
		},
		{
			description: "final line without newline",
			body:        `{"message":{"content":"ok"}}` + "\n" + `{"done":true}`,
			fragments:   []string{"ok"},
			kind:        draftwriter.EventDone,
		},
		{
			description: "server error stops reading",
			body: `{"message":{"content":"par"}}` + "\n" +
				`{"error":"model 'nope' not found"}` + "\n" +
				`{"message":{"content":"never"}}` + "\n",
			fragments: []string{"par"},
			kind:      draftwriter.EventFailed,
			errKind:   draftwriter.ProtocolError,
			detail:    "model 'nope' not found",
		},
		{
			description: "malformed line",
			body:        `{"message":` + "\n",
			kind:        draftwriter.EventFailed,
			errKind:     draftwriter.DecodeError,
			detail:      `Raw Response: {"message":`,
		},
		{
			description: "non-object line",
			body:        `[1,2,3]` + "\n" + `{"done":true}` + "\n",
			kind:        draftwriter.EventFailed,
			errKind:     draftwriter.DecodeError,
			detail:      "[1,2,3]",
		},
		{
			description: "mistyped field",
			body:        `{"done":"yes"}` + "\n",
			kind:        draftwriter.EventFailed,
			errKind:     draftwriter.DecodeError,
		},
		{
			description: "stream ends without done",
			body:        `{"message":{"content":"half"}}` + "\n",
			fragments:   []string{"half"},
			kind:        draftwriter.EventFailed,
			errKind:     draftwriter.ProtocolError,
			detail:      "ended before",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.description, func(t *testing.T) {
			srv := ndjsonServer(t, http.StatusOK, testCase.body)
			rec := streamAgainst(t, srv.URL, 5*time.Second)

			assertSingleTerminal(t, rec)
			assert.Equal(t, testCase.fragments, rec.fragments())
			last := rec.terminal()
			assert.Equal(t, testCase.kind, last.Kind)
			if testCase.kind == draftwriter.EventFailed {
				require.NotNil(t, last.Err)
				assert.Equal(t, testCase.errKind, last.Err.Kind)
				assert.Contains(t, last.Err.Detail, testCase.detail)
				assert.Contains(t, last.Err.Detail, srv.URL)
			}
		})
	}
}

func TestStream_RequestPayload(t *testing.T) {
	var got chatRequest
	var path, method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path, method = r.URL.Path, r.Method
		_ = json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprintln(w, `{"done":true}`)
	}))
	defer srv.Close()

	rec := streamAgainst(t, srv.URL+"/", 5*time.Second)

	assert.Equal(t, draftwriter.EventDone, rec.terminal().Kind)
	assert.Equal(t, "/api/chat", path)
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "qwen2.5:0.5b", got.Model)
	assert.True(t, got.Stream)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Contains(t, got.Messages[0].Content, testRequest().OriginalMessage)
	assert.Contains(t, got.Messages[0].Content, testRequest().Instruction)
}

func TestStream_StatusErrors(t *testing.T) {
	testCases := []struct {
		description string
		status      int
		body        string
		expect      []string
	}{
		{
			description: "json error body",
			status:      http.StatusNotFound,
			body:        `{"error":"model 'llama9' not found, try pulling it first"}`,
			expect:      []string{"Status Code: 404", "Ollama Response: model 'llama9' not found"},
		},
		{
			description: "raw body",
			status:      http.StatusServiceUnavailable,
			body:        "upstream overloaded\n",
			expect:      []string{"Status Code: 503", "Raw Response: upstream overloaded"},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.description, func(t *testing.T) {
			srv := ndjsonServer(t, testCase.status, testCase.body)
			rec := streamAgainst(t, srv.URL, 5*time.Second)

			require.Len(t, rec.events, 1)
			last := rec.terminal()
			require.NotNil(t, last.Err)
			assert.Equal(t, draftwriter.ProtocolError, last.Err.Kind)
			for _, want := range testCase.expect {
				assert.Contains(t, last.Err.Detail, want)
			}
		})
	}
}

func TestStream_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	endpoint := "http://" + ln.Addr().String()
	require.NoError(t, ln.Close())

	rec := streamAgainst(t, endpoint, 5*time.Second)

	require.Len(t, rec.events, 1)
	last := rec.terminal()
	require.NotNil(t, last.Err)
	assert.Equal(t, draftwriter.ConnectFailed, last.Err.Kind)
	assert.Contains(t, last.Err.Detail, endpoint)
	assert.Contains(t, last.Err.Detail, "Is Ollama running?")
}

func TestStream_HeaderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	start := time.Now()
	rec := streamAgainst(t, srv.URL, 100*time.Millisecond)

	assert.Less(t, time.Since(start), 4*time.Second)
	require.Len(t, rec.events, 1)
	require.NotNil(t, rec.terminal().Err)
	assert.Equal(t, draftwriter.TimedOut, rec.terminal().Err.Kind)
}

func TestStream_IdleTimeoutBetweenLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"Hel"}}`)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	rec := streamAgainst(t, srv.URL, 200*time.Millisecond)

	assertSingleTerminal(t, rec)
	assert.Equal(t, []string{"Hel"}, rec.fragments())
	require.NotNil(t, rec.terminal().Err)
	assert.Equal(t, draftwriter.TimedOut, rec.terminal().Err.Kind)
}

func TestStream_SlowButSteadyStreamSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 4; i++ {
			fmt.Fprintf(w, `{"message":{"content":"%d"}}`+"\n", i)
			w.(http.Flusher).Flush()
			time.Sleep(100 * time.Millisecond)
		}
		fmt.Fprintln(w, `{"done":true}`)
	}))
	defer srv.Close()

	rec := streamAgainst(t, srv.URL, 300*time.Millisecond)

	assert.Equal(t, []string{"0", "1", "2", "3"}, rec.fragments())
	assert.Equal(t, draftwriter.EventDone, rec.terminal().Kind)
}

func TestStream_CancelledContext(t *testing.T) {
	srv := ndjsonServer(t, http.StatusOK, `{"done":true}`+"\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := &recorder{}
	req := testRequest()
	req.Endpoint = srv.URL
	NewClient(time.Second, "").Stream(ctx, req, rec.sink)

	require.Len(t, rec.events, 1)
	require.NotNil(t, rec.terminal().Err)
	assert.Equal(t, draftwriter.TransportError, rec.terminal().Err.Kind)
}

func TestStream_SinkPanicBecomesInternalError(t *testing.T) {
	srv := ndjsonServer(t, http.StatusOK,
		`{"message":{"content":"boom"}}`+"\n"+`{"message":{"content":"never"}}`+"\n"+`{"done":true}`+"\n")

	var events []draftwriter.StreamEvent
	sink := func(ev draftwriter.StreamEvent) {
		events = append(events, ev)
		if ev.Kind == draftwriter.EventFragment {
			panic("view went away")
		}
	}
	req := testRequest()
	req.Endpoint = srv.URL
	NewClient(5*time.Second, "").Stream(context.Background(), req, sink)

	require.Len(t, events, 2)
	assert.Equal(t, "boom", events[0].Text)
	require.NotNil(t, events[1].Err)
	assert.Equal(t, draftwriter.InternalError, events[1].Err.Kind)
	assert.Contains(t, events[1].Err.Detail, "view went away")
}

func TestStream_TerminalSinkPanicIsContained(t *testing.T) {
	srv := ndjsonServer(t, http.StatusOK, `{"done":true}`+"\n")
	req := testRequest()
	req.Endpoint = srv.URL

	assert.NotPanics(t, func() {
		NewClient(5*time.Second, "").Stream(context.Background(), req, func(draftwriter.StreamEvent) {
			panic("terminal handler failed")
		})
	})
}

func TestFormatTimeout(t *testing.T) {
	assert.Equal(t, "60 seconds", formatTimeout(60*time.Second))
	assert.Equal(t, "250ms", formatTimeout(250*time.Millisecond))
}
