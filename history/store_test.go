package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	draftwriter "github.com/Paranoid-AF/draftwriter"
)

func testRequest(message, instruction string) draftwriter.DraftRequest {
	return draftwriter.DraftRequest{
		OriginalMessage: message,
		Instruction:     instruction,
		Model:           "qwen2.5:0.5b",
		Endpoint:        "http://localhost:11434",
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, "timed out waiting for %s", what)
}

func TestStoreRecordAndGet(t *testing.T) {
	s := NewStore(time.Hour, 10, nil)
	defer s.Close()

	entry := s.Add(testRequest("Lunch tomorrow?", "say yes"), "Sure, see you at noon!")
	require.NotEmpty(t, entry.ID)

	got, ok := s.Get(entry.ID)
	require.True(t, ok)
	assert.Equal(t, "Sure, see you at noon!", got.Draft)
	assert.Equal(t, "say yes", got.Instruction)
	assert.Equal(t, "qwen2.5:0.5b", got.Model)

	_, ok = s.Get("nope")
	assert.False(t, ok)
}

func TestStoreRecentNewestFirst(t *testing.T) {
	s := NewStore(time.Hour, 10, nil)
	defer s.Close()

	for i := 1; i <= 4; i++ {
		s.Record(testRequest(fmt.Sprintf("message %d", i), "reply"), fmt.Sprintf("draft %d", i))
	}

	recent := s.Recent(3)
	require.Len(t, recent, 3)
	for i, want := range []string{"draft 4", "draft 3", "draft 2"} {
		assert.Equal(t, want, recent[i].Draft, "recent[%d]", i)
	}
	assert.Len(t, s.Recent(0), 4)
}

func TestStoreCapacity(t *testing.T) {
	s := NewStore(time.Hour, 2, nil)
	defer s.Close()

	first := s.Add(testRequest("one", "reply"), "1")
	s.Add(testRequest("two", "reply"), "2")
	s.Add(testRequest("three", "reply"), "3")

	assert.Equal(t, 2, s.Len())
	_, ok := s.Get(first.ID)
	assert.False(t, ok, "oldest entry should be evicted")
}

func TestStoreTTL(t *testing.T) {
	s := NewStore(50*time.Millisecond, 10, nil)
	defer s.Close()

	entry := s.Add(testRequest("short lived", "reply"), "bye")
	waitFor(t, "expiry", func() bool {
		_, ok := s.Get(entry.ID)
		return !ok
	})
	assert.Empty(t, s.Recent(5))
}

func TestStoreSimilarDisabled(t *testing.T) {
	s := NewStore(time.Hour, 10, nil)
	defer s.Close()

	assert.False(t, s.SimilarEnabled())
	_, err := s.Similar(context.Background(), "dinner?", 3)
	assert.ErrorIs(t, err, ErrSimilarDisabled)
}

func TestStoreSimilar(t *testing.T) {
	srv := embedServer(t)
	s := NewStore(time.Hour, 10, NewEmbedder(srv.URL, "nomic-embed-text", time.Second))
	defer s.Close()

	dinner := s.Add(testRequest("Want to grab dinner tonight?", "decline politely"), "Sorry, I can't tonight.")
	s.Add(testRequest("Can we move the meeting to 3pm?", "agree"), "3pm works for me.")
	s.Add(testRequest("Did you see the game?", "say yes"), "Yes, what a finish!")
	waitFor(t, "indexing", func() bool { return s.index.Len() == 3 })

	results, err := s.Similar(context.Background(), "dinner on Friday?", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, dinner.ID, results[0].ID)
}

func TestStoreEvictionRemovesFromIndex(t *testing.T) {
	srv := embedServer(t)
	s := NewStore(time.Hour, 1, NewEmbedder(srv.URL, "nomic-embed-text", time.Second))
	defer s.Close()

	first := s.Add(testRequest("dinner?", "decline"), "No thanks.")
	waitFor(t, "indexing", func() bool { return s.index.Contains(first.ID) })

	second := s.Add(testRequest("meeting?", "accept"), "Sure.")
	waitFor(t, "eviction", func() bool { return !s.index.Contains(first.ID) })
	waitFor(t, "indexing", func() bool { return s.index.Contains(second.ID) })
}

func TestStoreRecordPastCapacity(t *testing.T) {
	srv := embedServer(t)
	s := NewStore(time.Hour, 10, NewEmbedder(srv.URL, "nomic-embed-text", time.Second))
	defer s.Close()

	topics := []string{"dinner", "meeting", "game"}
	for i := 0; i < 200; i++ {
		topic := topics[i%len(topics)]
		s.Record(testRequest(fmt.Sprintf("%s question %d", topic, i), "reply"), fmt.Sprintf("%s draft %d", topic, i))
	}
	s.wg.Wait()

	assert.Equal(t, 10, s.Len())
	waitFor(t, "index to match history", func() bool { return s.index.Len() == s.Len() })
	for _, entry := range s.Recent(0) {
		assert.True(t, s.index.Contains(entry.ID), "live entry %s not indexed", entry.ID)
	}

	results, err := s.Similar(context.Background(), "dinner on Friday?", 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, entry := range results {
		assert.Contains(t, entry.OriginalMessage, "dinner")
	}

	// The store keeps working after the churn.
	latest := s.Add(testRequest("one more dinner", "decline"), "Not this time.")
	waitFor(t, "indexing", func() bool { return s.index.Contains(latest.ID) })
}

func TestStoreEmbedFailureKeepsEntry(t *testing.T) {
	srv := embedServer(t)
	s := NewStore(time.Hour, 10, NewEmbedder(srv.URL, "missing-model", time.Second))
	entry := s.Add(testRequest("dinner?", "decline"), "No thanks.")
	s.Close()

	_, ok := s.Get(entry.ID)
	assert.True(t, ok, "entry should survive a failed embedding")
	assert.Equal(t, 0, s.index.Len())
}
