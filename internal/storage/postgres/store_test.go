package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/kalambet/mnemo/internal/storage"
)

// openTestStore connects to MNEMO_TEST_POSTGRES_URL or skips.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("MNEMO_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("MNEMO_TEST_POSTGRES_URL not set")
	}
	s, err := Open(context.Background(), url)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testOwner(t *testing.T, s *Store) string {
	t.Helper()
	owner := "test-" + uuid.NewString()
	t.Cleanup(func() {
		ctx := context.Background()
		s.pool.Exec(ctx, `DELETE FROM chat_turns WHERE owner = $1`, owner)
		s.pool.Exec(ctx, `DELETE FROM chat_summaries WHERE owner = $1`, owner)
	})
	return owner
}

func TestSaveAndRecentTurns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	owner := testOwner(t, s)

	for i := 0; i < 4; i++ {
		if _, err := s.SaveTurn(ctx, storage.ChatTurn{Owner: owner, UserMessage: fmt.Sprintf("q%d", i), BotResponse: "a"}); err != nil {
			t.Fatalf("SaveTurn: %v", err)
		}
	}
	got, err := s.RecentTurns(ctx, owner, 2)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(got) != 2 || got[0].UserMessage != "q2" || got[1].UserMessage != "q3" {
		t.Errorf("got %+v", got)
	}
}

func TestReadTurns_Evicts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	owner := testOwner(t, s)

	for i := 0; i < 4; i++ {
		if _, err := s.SaveTurn(ctx, storage.ChatTurn{Owner: owner, UserMessage: fmt.Sprintf("q%d", i)}); err != nil {
			t.Fatalf("SaveTurn: %v", err)
		}
	}
	got, err := s.ReadTurns(ctx, owner, 3)
	if err != nil {
		t.Fatalf("ReadTurns: %v", err)
	}
	if len(got) != 3 || got[0].UserMessage != "q1" {
		t.Errorf("got %+v", got)
	}
}

func TestReadSummaries_ConcurrentEvictsOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	owner := testOwner(t, s)

	for i := 0; i < 6; i++ {
		if _, err := s.SaveSummary(ctx, storage.SummaryRecord{Owner: owner, Audience: storage.AudienceUser, Text: fmt.Sprintf("s%d", i)}); err != nil {
			t.Fatalf("SaveSummary: %v", err)
		}
	}

	var mu sync.Mutex
	folds := 0
	fold := func(context.Context, storage.SummaryRecord) error {
		mu.Lock()
		defer mu.Unlock()
		folds++
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ReadSummaries(ctx, owner, storage.AudienceUser, 5, fold); err != nil {
				t.Errorf("ReadSummaries: %v", err)
			}
		}()
	}
	wg.Wait()

	if folds != 1 {
		t.Errorf("folds = %d, want 1", folds)
	}
	got, err := s.RecentSummaries(ctx, owner, storage.AudienceUser, 10)
	if err != nil {
		t.Fatalf("RecentSummaries: %v", err)
	}
	if len(got) != 5 {
		t.Errorf("remaining = %d, want 5", len(got))
	}
}
