package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"tgbatch/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	return store
}

func sampleBatch(token string, owner int64, createdAt int64) domain.BatchRecord {
	return domain.BatchRecord{
		Token:        token,
		OwnerID:      owner,
		SourceChatID: -1001234567890,
		SourceTitle:  "Films",
		FirstMsgID:   10,
		LastMsgID:    30,
		Files:        12,
		Protected:    true,
		Manifest: domain.Document{
			ID:            99,
			AccessHash:    -5,
			FileReference: []byte{1, 2, 3},
			DC:            4,
			Size:          2048,
			FileID:        "BQACAgQ",
			ChatID:        -1009,
			MsgID:         77,
		},
		Link:      "https://t.me/filestore_bot?start=BATCH-" + token,
		CreatedAt: createdAt,
	}
}

func TestInsertAndGetBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	want := sampleBatch("tok1", 42, 1730000000)
	if err := store.InsertBatch(ctx, want); err != nil {
		t.Fatalf("insert batch failed: %v", err)
	}

	got, err := store.GetBatch(ctx, "tok1")
	if err != nil {
		t.Fatalf("get batch failed: %v", err)
	}
	if got.OwnerID != 42 || got.Files != 12 || !got.Protected || got.Manifest.MsgID != 77 {
		t.Fatalf("unexpected batch %+v", got)
	}
	if string(got.Manifest.FileReference) != string([]byte{1, 2, 3}) {
		t.Fatalf("file reference not preserved: %v", got.Manifest.FileReference)
	}

	if _, err := store.GetBatch(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertBatchRequiresToken(t *testing.T) {
	store := newTestStore(t)
	if err := store.InsertBatch(context.Background(), domain.BatchRecord{}); err == nil {
		t.Fatal("expected empty token to be rejected")
	}
}

func TestListCountAndPurgeBatches(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, rec := range []domain.BatchRecord{
		sampleBatch("a", 1, 100),
		sampleBatch("b", 2, 200),
		sampleBatch("c", 1, 300),
	} {
		if err := store.InsertBatch(ctx, rec); err != nil {
			t.Fatalf("insert %s failed: %v", rec.Token, err)
		}
	}

	all, err := store.ListBatches(ctx, 0, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 3 || all[0].Token != "c" || all[2].Token != "a" {
		t.Fatalf("unexpected order: %+v", all)
	}

	mine, err := store.ListBatches(ctx, 1, 10)
	if err != nil {
		t.Fatalf("list owner failed: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("expected 2 batches for owner 1, got %d", len(mine))
	}

	purged, err := store.PurgeBatchesBefore(ctx, 250)
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if purged != 2 {
		t.Fatalf("expected 2 purged, got %d", purged)
	}
	count, err := store.CountBatches(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 remaining batch, got %d", count)
	}
}

func TestUpdateManifestReference(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.InsertBatch(ctx, sampleBatch("tok", 1, 1)); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := store.UpdateManifestReference(ctx, "tok", []byte{9}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	got, err := store.GetBatch(ctx, "tok")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(got.Manifest.FileReference) != 1 || got.Manifest.FileReference[0] != 9 {
		t.Fatalf("reference not updated: %v", got.Manifest.FileReference)
	}
	if err := store.UpdateManifestReference(ctx, "nope", []byte{1}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPeersKeepKnownAccessHash(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	peer := domain.Peer{Kind: domain.PeerChannel, ID: 1234567890, AccessHash: 555}
	if err := store.UpsertPeer(ctx, peer, "Films", 10); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := store.UpsertPeer(ctx, domain.Peer{Kind: domain.PeerChannel, ID: 1234567890}, "", 20); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	got, err := store.GetPeer(ctx, domain.PeerChannel, 1234567890)
	if err != nil {
		t.Fatalf("get peer failed: %v", err)
	}
	if got.AccessHash != 555 {
		t.Fatalf("access hash was overwritten: %+v", got)
	}

	byName, err := store.GetPeerByUsername(ctx, "@films")
	if err != nil {
		t.Fatalf("get by username failed: %v", err)
	}
	if byName != peer {
		t.Fatalf("unexpected peer %+v", byName)
	}

	if _, err := store.GetPeer(ctx, domain.PeerUser, 1); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSettings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.SetSetting(ctx, "bot_username", "filestore_bot"); err != nil {
		t.Fatalf("set setting failed: %v", err)
	}
	got, err := store.GetSetting(ctx, "bot_username", "")
	if err != nil || got != "filestore_bot" {
		t.Fatalf("get setting = %q, %v", got, err)
	}
	n, err := store.GetSettingInt(ctx, "missing", 7)
	if err != nil || n != 7 {
		t.Fatalf("get setting int = %d, %v", n, err)
	}
}
