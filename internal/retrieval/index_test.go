package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kalambet/mnemo/internal/engine"
	"github.com/kalambet/mnemo/internal/engine/enginetest"
)

// keywordEmbed maps a few topic words to orthogonal axes so similarity is predictable.
func keywordEmbed(_ context.Context, _ string, text string) ([]float32, error) {
	v := make([]float32, 4)
	lower := strings.ToLower(text)
	for i, kw := range []string{"cat", "rust", "garden"} {
		if strings.Contains(lower, kw) {
			v[i] = 1
		}
	}
	v[3] = 0.01
	return v, nil
}

func newTestIndex(t *testing.T, fake *enginetest.Fake, cfg IndexConfig) *Index {
	t.Helper()
	emb, err := NewEmbedder(fake, "nomic-embed-text", 0)
	if err != nil {
		t.Fatalf("NewEmbedder: %v", err)
	}
	store, err := NewChromemStore("")
	if err != nil {
		t.Fatalf("NewChromemStore: %v", err)
	}
	return NewIndex(emb, store, cfg)
}

func TestIndex_EmptyCollectionSkipsEmbedding(t *testing.T) {
	fake := &enginetest.Fake{EmbedFunc: keywordEmbed}
	ix := newTestIndex(t, fake, IndexConfig{})

	hits, err := ix.Search(context.Background(), UserCollection("alice"), "what about my cat?")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("got %d hits", len(hits))
	}
	if n := len(fake.Embedded()); n != 0 {
		t.Errorf("embedded %d texts for an empty collection", n)
	}
}

func TestIndex_UpsertThenSearch(t *testing.T) {
	fake := &enginetest.Fake{EmbedFunc: keywordEmbed}
	ix := newTestIndex(t, fake, IndexConfig{TopK: 2})
	ctx := context.Background()

	err := ix.Upsert(ctx, GeneralCollection, []string{
		"cats sleep most of the day",
		"rust has a borrow checker",
		"   ",
		"garden soil needs compost",
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if n, _ := ix.Count(ctx, GeneralCollection); n != 3 {
		t.Errorf("Count = %d, want 3 (blank chunk skipped)", n)
	}

	hits, err := ix.Search(ctx, GeneralCollection, "tell me about rust")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want TopK=2", len(hits))
	}
	if hits[0] != "rust has a borrow checker" {
		t.Errorf("top hit = %q", hits[0])
	}
}

func TestIndex_BlankQuery(t *testing.T) {
	fake := &enginetest.Fake{EmbedFunc: keywordEmbed}
	ix := newTestIndex(t, fake, IndexConfig{})
	ctx := context.Background()
	if err := ix.Upsert(ctx, GeneralCollection, []string{"cat"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	hits, err := ix.Search(ctx, GeneralCollection, "  ")
	if err != nil || len(hits) != 0 {
		t.Errorf("got %v, %v", hits, err)
	}
}

func TestIndex_FoldWrapsAndChunks(t *testing.T) {
	fake := &enginetest.Fake{EmbedFunc: keywordEmbed}
	ix := newTestIndex(t, fake, IndexConfig{ChunkSize: 40, ChunkOverlap: 5})
	ctx := context.Background()

	summary := strings.Repeat("the user keeps a garden. ", 4)
	if err := ix.Fold(ctx, UserCollection("alice"), summary); err != nil {
		t.Fatalf("Fold: %v", err)
	}

	embedded := fake.Embedded()
	want := Chunk(FoldDocument(summary), 40, 5)
	if len(embedded) != len(want) {
		t.Fatalf("embedded %d chunks, want %d", len(embedded), len(want))
	}
	if !strings.HasPrefix(FoldDocument(summary), "Latest chat summary-\n") {
		t.Error("folded document lacks its header")
	}
	if n, _ := ix.Count(ctx, UserCollection("alice")); n != len(want) {
		t.Errorf("Count = %d, want %d", n, len(want))
	}
	if n, _ := ix.Count(ctx, GeneralCollection); n != 0 {
		t.Errorf("fold into a user collection touched general (%d)", n)
	}
}

func TestIndex_UserCollectionsAreSeparate(t *testing.T) {
	fake := &enginetest.Fake{EmbedFunc: keywordEmbed}
	ix := newTestIndex(t, fake, IndexConfig{})
	ctx := context.Background()

	if err := ix.Fold(ctx, UserCollection("alice"), "alice owns a cat named Miso"); err != nil {
		t.Fatalf("Fold: %v", err)
	}
	hits, err := ix.Search(ctx, UserCollection("bob"), "cat")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("bob sees %q", hits)
	}
	hits, err = ix.Search(ctx, UserCollection("alice"), "cat")
	if err != nil || len(hits) != 1 {
		t.Fatalf("alice hits = %v, %v", hits, err)
	}
}

func TestIndex_EmbedFailure(t *testing.T) {
	fake := &enginetest.Fake{EmbedFunc: func(context.Context, string, string) ([]float32, error) {
		return nil, engine.ErrModelUnavailable
	}}
	ix := newTestIndex(t, fake, IndexConfig{})

	err := ix.Upsert(context.Background(), GeneralCollection, []string{"anything"})
	if !errors.Is(err, engine.ErrModelUnavailable) {
		t.Errorf("err = %v, want ErrModelUnavailable", err)
	}
}

func TestCollectionNames(t *testing.T) {
	if got := UserCollection("alice"); got != "user/alice" {
		t.Errorf("UserCollection = %q", got)
	}
	if !IsUserCollection("user/alice") || IsUserCollection(GeneralCollection) {
		t.Error("IsUserCollection misclassified")
	}
}
