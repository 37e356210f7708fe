//go:build integration

package memory

import (
	"context"
	"errors"
	"log"
	"os"
	"testing"

	"github.com/google/uuid"

	logpkg "github.com/parleyline/parley/internal/log"
	"github.com/parleyline/parley/internal/testutil"
)

const testDim = 8

var sharedDB *testutil.TestDB

func TestMain(m *testing.M) {
	var (
		cleanup func()
		err     error
	)
	sharedDB, cleanup, err = testutil.SetupTestDBForMain()
	if err != nil {
		log.Fatalf("starting test database: %v", err)
	}
	code := m.Run()
	cleanup()
	os.Exit(code)
}

// setupStore returns a Store over the shared database with a deterministic
// mock provider, plus a fresh thread to write into.
func setupStore(t *testing.T) (*Store, *testutil.MockProvider, uuid.UUID) {
	t.Helper()
	testutil.CleanTables(t, sharedDB.Pool)

	provider := testutil.NewMockProvider(testDim)
	store, err := NewStore(sharedDB.Pool, provider, logpkg.NewNop())
	if err != nil {
		t.Fatalf("NewStore() unexpected error: %v", err)
	}

	var threadID uuid.UUID
	err = sharedDB.Pool.QueryRow(context.Background(), `
		INSERT INTO threads (owner_id, remote_jid) VALUES ('owner-1', 'jid-1')
		RETURNING id`).Scan(&threadID)
	if err != nil {
		t.Fatalf("creating test thread: %v", err)
	}
	return store, provider, threadID
}

func addMsg(t *testing.T, store *Store, threadID uuid.UUID, role Role, content string) *Message {
	t.Helper()
	msg, err := store.AddMessage(context.Background(), threadID, role, content, AddOpts{})
	if err != nil {
		t.Fatalf("AddMessage(%q) unexpected error: %v", content, err)
	}
	return msg
}

func TestAddMessageStoresEmbedding(t *testing.T) {
	store, _, threadID := setupStore(t)

	msg := addMsg(t, store, threadID, RoleUser, "hello there")
	if !msg.HasVector {
		t.Error("AddMessage() stored message without embedding despite healthy provider")
	}
	if msg.ID == uuid.Nil {
		t.Error("AddMessage() returned zero message ID")
	}
}

func TestAddMessageValidation(t *testing.T) {
	store, _, threadID := setupStore(t)
	ctx := context.Background()

	if _, err := store.AddMessage(ctx, threadID, RoleUser, "", AddOpts{}); !errors.Is(err, ErrEmptyContent) {
		t.Errorf("AddMessage() with empty content = %v, want ErrEmptyContent", err)
	}
	if _, err := store.AddMessage(ctx, threadID, Role("bot"), "hi", AddOpts{}); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("AddMessage() with bad role = %v, want ErrInvalidRole", err)
	}
}

func TestAddMessageDegradesWithoutProvider(t *testing.T) {
	store, provider, threadID := setupStore(t)
	ctx := context.Background()

	provider.SetFailing(true)
	msg, err := store.AddMessage(ctx, threadID, RoleUser, "stored anyway", AddOpts{})
	if !errors.Is(err, ErrEmbeddingUnavailable) {
		t.Fatalf("AddMessage() error = %v, want ErrEmbeddingUnavailable", err)
	}
	if msg == nil {
		t.Fatal("AddMessage() must return the stored message on degraded writes")
	}
	if msg.HasVector {
		t.Error("degraded write should store a NULL embedding")
	}

	// The message is durable and visible to recency retrieval.
	recent, err := store.Recent(ctx, threadID, 10)
	if err != nil {
		t.Fatalf("Recent() unexpected error: %v", err)
	}
	if len(recent) != 1 || recent[0].Content != "stored anyway" {
		t.Errorf("Recent() = %d messages, want the degraded message", len(recent))
	}
}

func TestRecentChronologicalOrder(t *testing.T) {
	store, _, threadID := setupStore(t)

	addMsg(t, store, threadID, RoleUser, "first")
	addMsg(t, store, threadID, RoleAssistant, "second")
	addMsg(t, store, threadID, RoleUser, "third")

	recent, err := store.Recent(context.Background(), threadID, 2)
	if err != nil {
		t.Fatalf("Recent() unexpected error: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Recent(2) returned %d messages, want 2", len(recent))
	}
	if recent[0].Content != "second" || recent[1].Content != "third" {
		t.Errorf("Recent() = [%q, %q], want newest two in chronological order",
			recent[0].Content, recent[1].Content)
	}
}

func TestRecentEmptyThread(t *testing.T) {
	store, _, threadID := setupStore(t)

	recent, err := store.Recent(context.Background(), threadID, 10)
	if err != nil {
		t.Fatalf("Recent() on empty thread unexpected error: %v", err)
	}
	if len(recent) != 0 {
		t.Errorf("Recent() on empty thread = %d messages, want 0", len(recent))
	}
}

func TestRelevantThresholdBoundary(t *testing.T) {
	store, provider, threadID := setupStore(t)
	ctx := context.Background()

	// Pin vectors so cosine similarity to the query is exact: one message
	// just below the 0.5 threshold, one just above, one well above.
	provider.SetVector("the query", testutil.VectorWithSimilarity(testDim, 1.0))
	provider.SetVector("just below", testutil.VectorWithSimilarity(testDim, 0.49))
	provider.SetVector("just above", testutil.VectorWithSimilarity(testDim, 0.51))
	provider.SetVector("well above", testutil.VectorWithSimilarity(testDim, 0.9))

	addMsg(t, store, threadID, RoleUser, "just below")
	addMsg(t, store, threadID, RoleUser, "just above")
	addMsg(t, store, threadID, RoleUser, "well above")

	got, err := store.Relevant(ctx, threadID, "the query", 10, 0.5)
	if err != nil {
		t.Fatalf("Relevant() unexpected error: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("Relevant() returned %d messages, want 2 (threshold must exclude 0.49)", len(got))
	}
	if got[0].Content != "well above" || got[1].Content != "just above" {
		t.Errorf("Relevant() = [%q, %q], want descending similarity order",
			got[0].Content, got[1].Content)
	}
	if got[0].Similarity <= got[1].Similarity {
		t.Errorf("similarities not descending: %f then %f", got[0].Similarity, got[1].Similarity)
	}
}

func TestRelevantSkipsUnembedded(t *testing.T) {
	store, provider, threadID := setupStore(t)
	ctx := context.Background()

	provider.SetFailing(true)
	if _, err := store.AddMessage(ctx, threadID, RoleUser, "invisible", AddOpts{}); !errors.Is(err, ErrEmbeddingUnavailable) {
		t.Fatalf("AddMessage() degraded error = %v", err)
	}
	provider.SetFailing(false)

	got, err := store.Relevant(ctx, threadID, "invisible", 10, 0.0)
	if err != nil {
		t.Fatalf("Relevant() unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Relevant() returned %d messages, want 0 (NULL embeddings are invisible)", len(got))
	}
}

func TestRelevantDegradesWhenProviderDown(t *testing.T) {
	store, provider, threadID := setupStore(t)
	ctx := context.Background()

	addMsg(t, store, threadID, RoleUser, "some history")

	provider.SetFailing(true)
	got, err := store.Relevant(ctx, threadID, "anything", 10, 0.0)
	if err != nil {
		t.Fatalf("Relevant() should degrade, got error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Relevant() degraded result = %d messages, want 0", len(got))
	}
}

func TestContextMessagesMergesAndDedupes(t *testing.T) {
	store, provider, threadID := setupStore(t)
	ctx := context.Background()

	provider.SetVector("the query", testutil.VectorWithSimilarity(testDim, 1.0))
	provider.SetVector("old relevant", testutil.VectorWithSimilarity(testDim, 0.95))
	// Recent messages are orthogonal to the query so only recency includes them.
	ortho := testutil.OrthogonalVectors(testDim, 3)
	provider.SetVector("recent one", ortho[1])
	provider.SetVector("recent two", ortho[2])

	addMsg(t, store, threadID, RoleUser, "old relevant")
	addMsg(t, store, threadID, RoleUser, "recent one")
	addMsg(t, store, threadID, RoleAssistant, "recent two")

	got, err := store.ContextMessages(ctx, threadID, "the query", 2, 5, 0.5)
	if err != nil {
		t.Fatalf("ContextMessages() unexpected error: %v", err)
	}

	want := []string{"old relevant", "recent one", "recent two"}
	if len(got) != len(want) {
		t.Fatalf("ContextMessages() returned %d messages, want %d", len(got), len(want))
	}
	for i, m := range got {
		if m.Content != want[i] {
			t.Errorf("ContextMessages()[%d] = %q, want %q (chronological, deduped)", i, m.Content, want[i])
		}
	}

	// Widening the recency window must not duplicate the overlap.
	got, err = store.ContextMessages(ctx, threadID, "the query", 10, 5, 0.5)
	if err != nil {
		t.Fatalf("ContextMessages() unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("ContextMessages() with overlap returned %d messages, want 3", len(got))
	}
}

func TestBackfill(t *testing.T) {
	store, provider, threadID := setupStore(t)
	ctx := context.Background()

	provider.SetFailing(true)
	for _, content := range []string{"gap one", "gap two"} {
		if _, err := store.AddMessage(ctx, threadID, RoleUser, content, AddOpts{}); !errors.Is(err, ErrEmbeddingUnavailable) {
			t.Fatalf("AddMessage() degraded error = %v", err)
		}
	}
	provider.SetFailing(false)

	n, err := store.Backfill(ctx, 10)
	if err != nil {
		t.Fatalf("Backfill() unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("Backfill() = %d, want 2", n)
	}

	got, err := store.Relevant(ctx, threadID, "gap one", 10, 0.0)
	if err != nil {
		t.Fatalf("Relevant() after backfill unexpected error: %v", err)
	}
	if len(got) == 0 {
		t.Error("backfilled messages should be visible to semantic search")
	}

	// Nothing left to do.
	n, err = store.Backfill(ctx, 10)
	if err != nil {
		t.Fatalf("Backfill() second pass unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("Backfill() second pass = %d, want 0", n)
	}
}

func TestStatsAndCleanup(t *testing.T) {
	store, _, threadID := setupStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		if _, err := store.AddMessage(ctx, threadID, role, "message", AddOpts{
			Usage: TokenUsage{TotalTokens: 10},
		}); err != nil {
			t.Fatalf("AddMessage() unexpected error: %v", err)
		}
	}

	st, err := store.Stats(ctx, threadID)
	if err != nil {
		t.Fatalf("Stats() unexpected error: %v", err)
	}
	if st.MessageCount != 5 || st.EmbeddedCount != 5 || st.UserMessages != 3 {
		t.Errorf("Stats() = %+v, want 5 messages, 5 embedded, 3 user", st)
	}
	if st.TotalTokens != 50 {
		t.Errorf("Stats().TotalTokens = %d, want 50", st.TotalTokens)
	}

	removed, err := store.Cleanup(ctx, threadID, 2)
	if err != nil {
		t.Fatalf("Cleanup() unexpected error: %v", err)
	}
	if removed != 3 {
		t.Errorf("Cleanup() removed %d, want 3", removed)
	}

	st, err = store.Stats(ctx, threadID)
	if err != nil {
		t.Fatalf("Stats() after cleanup unexpected error: %v", err)
	}
	if st.MessageCount != 2 {
		t.Errorf("Stats().MessageCount after cleanup = %d, want 2", st.MessageCount)
	}
}
