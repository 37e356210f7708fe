//go:build integration

package knowledge

import (
	"context"
	"errors"
	"log"
	"os"
	"strings"
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

func setupStore(t *testing.T) (*Store, *testutil.MockProvider) {
	t.Helper()
	testutil.CleanTables(t, sharedDB.Pool)

	provider := testutil.NewMockProvider(testDim)
	store, err := NewStore(sharedDB.Pool, provider, logpkg.NewNop())
	if err != nil {
		t.Fatalf("NewStore() unexpected error: %v", err)
	}
	return store, provider
}

var defaultOpts = IngestOpts{ChunkSize: 50, ChunkOverlap: 10}

func TestIngestAndList(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	content := strings.Repeat("abcdefghij", 12) // 120 chars -> 3 chunks
	doc, err := store.Ingest(ctx, "owner-1", "notes.txt", content, defaultOpts)
	if err != nil {
		t.Fatalf("Ingest() unexpected error: %v", err)
	}
	if doc.Status != StatusProcessed {
		t.Errorf("Ingest() status = %q, want %q", doc.Status, StatusProcessed)
	}
	if doc.ChunkCount != 3 {
		t.Errorf("Ingest() chunk count = %d, want 3", doc.ChunkCount)
	}

	docs, err := store.ListDocuments(ctx, "owner-1")
	if err != nil {
		t.Fatalf("ListDocuments() unexpected error: %v", err)
	}
	if len(docs) != 1 || docs[0].Filename != "notes.txt" {
		t.Errorf("ListDocuments() = %d docs, want the ingested one", len(docs))
	}
}

func TestIngestValidation(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	if _, err := store.Ingest(ctx, "owner-1", "f.txt", "   ", defaultOpts); !errors.Is(err, ErrEmptyDocument) {
		t.Errorf("Ingest() with blank content = %v, want ErrEmptyDocument", err)
	}
	if _, err := store.Ingest(ctx, "owner-1", "f.txt", "content",
		IngestOpts{ChunkSize: 10, ChunkOverlap: 10}); err == nil {
		t.Error("Ingest() with overlap == size should fail")
	}
}

func TestReingestReplacesChunks(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	long := strings.Repeat("x", 200)
	if _, err := store.Ingest(ctx, "owner-1", "doc.txt", long, defaultOpts); err != nil {
		t.Fatalf("Ingest() unexpected error: %v", err)
	}

	doc, err := store.Ingest(ctx, "owner-1", "doc.txt", "tiny", defaultOpts)
	if err != nil {
		t.Fatalf("re-Ingest() unexpected error: %v", err)
	}
	if doc.ChunkCount != 1 {
		t.Errorf("re-Ingest() chunk count = %d, want 1", doc.ChunkCount)
	}

	var stored int
	if err := sharedDB.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM knowledge_chunks WHERE document_id = $1`, doc.ID).Scan(&stored); err != nil {
		t.Fatalf("counting chunks: %v", err)
	}
	if stored != 1 {
		t.Errorf("stored chunks after re-ingest = %d, want 1 (old chunks must be gone)", stored)
	}
}

func TestIngestEmbeddingFailureMarksFailed(t *testing.T) {
	store, provider := setupStore(t)
	ctx := context.Background()

	provider.SetFailing(true)
	if _, err := store.Ingest(ctx, "owner-1", "bad.txt", "some content", defaultOpts); err == nil {
		t.Fatal("Ingest() with failing provider should error")
	}

	docs, err := store.ListDocuments(ctx, "owner-1")
	if err != nil {
		t.Fatalf("ListDocuments() unexpected error: %v", err)
	}
	if len(docs) != 1 || docs[0].Status != StatusFailed {
		t.Fatalf("document not marked failed: %+v", docs)
	}
	if docs[0].FailureReason == "" {
		t.Error("failed document should record a failure reason")
	}

	// Failed documents are invisible to search.
	provider.SetFailing(false)
	chunks, err := store.Search(ctx, "owner-1", "some content", 10, 0.0)
	if err != nil {
		t.Fatalf("Search() unexpected error: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("Search() found %d chunks from a failed document, want 0", len(chunks))
	}
}

func TestSearchOwnerScoped(t *testing.T) {
	store, provider := setupStore(t)
	ctx := context.Background()

	provider.SetVector("shared secret", testutil.VectorWithSimilarity(testDim, 1.0))
	provider.SetVector("the query", testutil.VectorWithSimilarity(testDim, 1.0))

	if _, err := store.Ingest(ctx, "owner-a", "a.txt", "shared secret", defaultOpts); err != nil {
		t.Fatalf("Ingest() unexpected error: %v", err)
	}
	if _, err := store.Ingest(ctx, "owner-b", "b.txt", "shared secret", defaultOpts); err != nil {
		t.Fatalf("Ingest() unexpected error: %v", err)
	}

	chunks, err := store.Search(ctx, "owner-a", "the query", 10, 0.5)
	if err != nil {
		t.Fatalf("Search() unexpected error: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("Search() returned %d chunks, want exactly owner-a's", len(chunks))
	}
	if chunks[0].OwnerID != "owner-a" {
		t.Errorf("Search() leaked chunk owned by %q", chunks[0].OwnerID)
	}
}

func TestSearchThreshold(t *testing.T) {
	store, provider := setupStore(t)
	ctx := context.Background()

	provider.SetVector("the query", testutil.VectorWithSimilarity(testDim, 1.0))
	provider.SetVector("close match", testutil.VectorWithSimilarity(testDim, 0.8))
	provider.SetVector("far match", testutil.VectorWithSimilarity(testDim, 0.3))

	if _, err := store.Ingest(ctx, "owner-1", "close.txt", "close match", defaultOpts); err != nil {
		t.Fatalf("Ingest() unexpected error: %v", err)
	}
	if _, err := store.Ingest(ctx, "owner-1", "far.txt", "far match", defaultOpts); err != nil {
		t.Fatalf("Ingest() unexpected error: %v", err)
	}

	chunks, err := store.Search(ctx, "owner-1", "the query", 10, 0.7)
	if err != nil {
		t.Fatalf("Search() unexpected error: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Content != "close match" {
		t.Errorf("Search() = %d chunks, want only the close match", len(chunks))
	}
}

func TestDeleteCascadesChunks(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	doc, err := store.Ingest(ctx, "owner-1", "doc.txt", strings.Repeat("y", 150), defaultOpts)
	if err != nil {
		t.Fatalf("Ingest() unexpected error: %v", err)
	}

	// Wrong owner cannot delete.
	if err := store.Delete(ctx, "owner-2", doc.ID); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("Delete() by wrong owner = %v, want ErrDocumentNotFound", err)
	}

	if err := store.Delete(ctx, "owner-1", doc.ID); err != nil {
		t.Fatalf("Delete() unexpected error: %v", err)
	}

	var left int
	if err := sharedDB.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM knowledge_chunks WHERE document_id = $1`, doc.ID).Scan(&left); err != nil {
		t.Fatalf("counting chunks: %v", err)
	}
	if left != 0 {
		t.Errorf("chunks not cascaded on delete: %d left", left)
	}

	if err := store.Delete(ctx, "owner-1", uuid.New()); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("Delete() missing doc = %v, want ErrDocumentNotFound", err)
	}
}
