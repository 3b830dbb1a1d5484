// Package history remembers finished drafts for a while and finds past
// drafts written for similar messages.
package history

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"

	draftwriter "github.com/Paranoid-AF/draftwriter"
)

// ErrSimilarDisabled is returned by Similar when no embedder is configured.
var ErrSimilarDisabled = errors.New("similar-reply lookup is disabled (no embedding model configured)")

const embedTimeout = 30 * time.Second

// Entry is one finished draft.
type Entry struct {
	ID              string    `toml:"id" json:"id"`
	OriginalMessage string    `toml:"original_message" json:"original_message"`
	Instruction     string    `toml:"instruction" json:"instruction"`
	Model           string    `toml:"model" json:"model"`
	Draft           string    `toml:"draft" json:"draft"`
	CreatedAt       time.Time `toml:"created_at" json:"created_at"`

	seq uint64
}

// Store keeps finished drafts in a TTL cache with a capacity bound. When an
// embedder is set, each entry's original message is embedded in the
// background so Similar can search it.
type Store struct {
	cache    *ttlcache.Cache[string, Entry]
	embedder *Embedder // nil disables Similar
	index    *Index
	seq      atomic.Uint64

	// indexMu orders index inserts against eviction so an entry evicted
	// while its embedding was in flight is never indexed.
	indexMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewStore creates a store. maxEntries <= 0 means unbounded. embedder may be nil.
func NewStore(ttl time.Duration, maxEntries int, embedder *Embedder) *Store {
	opts := []ttlcache.Option[string, Entry]{
		ttlcache.WithTTL[string, Entry](ttl),
		ttlcache.WithDisableTouchOnHit[string, Entry](),
	}
	if maxEntries > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, Entry](uint64(maxEntries)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		cache:    ttlcache.New[string, Entry](opts...),
		embedder: embedder,
		index:    NewIndex(),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, Entry]) {
		s.indexMu.Lock()
		s.index.Delete(item.Key())
		s.indexMu.Unlock()
		slog.Debug("draft evicted from history", "id", item.Key(), "reason", reason)
	})
	go s.cache.Start()
	return s
}

// Record stores a finished draft.
func (s *Store) Record(req draftwriter.DraftRequest, draft string) {
	s.Add(req, draft)
}

// Add stores a finished draft and returns the new entry.
func (s *Store) Add(req draftwriter.DraftRequest, draft string) Entry {
	now := time.Now()
	entry := Entry{
		OriginalMessage: req.OriginalMessage,
		Instruction:     req.Instruction,
		Model:           req.Model,
		Draft:           draft,
		CreatedAt:       now,
		seq:             s.seq.Add(1),
	}
	entry.ID = entryID(entry)
	s.cache.Set(entry.ID, entry, ttlcache.DefaultTTL)
	slog.Debug("draft recorded", "id", entry.ID)

	if s.embedder != nil && s.ctx.Err() == nil {
		s.wg.Add(1)
		go s.embed(entry)
	}
	return entry
}

func (s *Store) embed(entry Entry) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("draft embedding crashed", "id", entry.ID, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(s.ctx, embedTimeout)
	defer cancel()

	vec, err := s.embedder.Embed(ctx, entry.OriginalMessage)
	if err != nil {
		slog.Warn("failed to embed draft", "id", entry.ID, "model", s.embedder.Model(), "error", err)
		return
	}
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	if _, ok := s.Get(entry.ID); !ok {
		return
	}
	if err := s.index.Add(entry.ID, vec); err != nil {
		slog.Warn("failed to index draft", "id", entry.ID, "error", err)
	}
}

func entryID(e Entry) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%d\x00%d\x00%s\x00%s\x00%s", e.seq, e.CreatedAt.UnixNano(), e.OriginalMessage, e.Instruction, e.Draft)))
	return fmt.Sprintf("%x", h[:6])
}

// Get returns the entry with the given ID.
func (s *Store) Get(id string) (Entry, bool) {
	item := s.cache.Get(id)
	if item == nil || item.IsExpired() {
		return Entry{}, false
	}
	return item.Value(), true
}

// Recent returns up to n entries, newest first. n <= 0 returns all.
func (s *Store) Recent(n int) []Entry {
	items := s.cache.Items()
	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		if item.IsExpired() {
			continue
		}
		entries = append(entries, item.Value())
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq > entries[j].seq
	})
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	return s.cache.Len()
}

// SimilarEnabled reports whether Similar can be used.
func (s *Store) SimilarEnabled() bool {
	return s.embedder != nil
}

// Similar returns up to k stored entries whose original message is closest
// to message, closest first.
func (s *Store) Similar(ctx context.Context, message string, k int) ([]Entry, error) {
	if s.embedder == nil {
		return nil, ErrSimilarDisabled
	}
	if k <= 0 || s.index.Len() == 0 {
		return nil, nil
	}

	vec, err := s.embedder.Embed(ctx, message)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var entries []Entry
	for _, id := range s.index.Search(vec, k) {
		if entry, ok := s.Get(id); ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// Close stops the cache janitor and waits for pending embeddings.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.cache.Stop()
	})
}
