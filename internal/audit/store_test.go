package audit_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"syscraft/internal/audit"
	appErr "syscraft/pkg/errors"
)

func sampleRecord(seq int64, prevHash string) audit.Record {
	return audit.Record{
		SchemaVersion: audit.SchemaVersion,
		Seq:           seq,
		RecordID:      fmt.Sprintf("rec-%d", seq),
		TS:            time.Now().UTC().Format(time.RFC3339Nano),
		Action:        audit.ActionCommandExecuted,
		Actor:         "tester",
		Success:       true,
		Details:       json.RawMessage(`{"argv":["true"]}`),
		PrevHash:      prevHash,
		PayloadHash:   "payload-hash",
		Hash:          fmt.Sprintf("hash-%d", seq),
		KeyID:         "test-key",
		Signature:     []byte{0x01, 0x02},
	}
}

func TestFileStore_AppendLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger", "audit.jsonl")
	store, err := audit.NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()

	prev := ""
	for i := int64(0); i < 3; i++ {
		record := sampleRecord(i, prev)
		if err := store.Append(ctx, record); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		prev = record.Hash
	}

	records, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("len(records) = %d, want 3", len(records))
	}
	for i, record := range records {
		if record.Seq != int64(i) {
			t.Errorf("record %d: Seq = %d", i, record.Seq)
		}
		if string(record.Details) != `{"argv":["true"]}` {
			t.Errorf("record %d: Details = %s", i, record.Details)
		}
	}
}

func TestFileStore_MissingFileIsEmpty(t *testing.T) {
	store, err := audit.NewFileStore(filepath.Join(t.TempDir(), "never-written.jsonl"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	records, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("len(records) = %d, want 0", len(records))
	}
}

func TestFileStore_CorruptedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	store, err := audit.NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()
	if err := store.Append(ctx, sampleRecord(0, "")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString("not json at all\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = f.Close()

	_, err = store.Load(ctx)
	if !appErr.Is(err, appErr.StorageCorrupted) {
		t.Errorf("Load = %v, want StorageCorrupted", err)
	}
}

func TestFileStore_SkipsBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	store, err := audit.NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()
	if err := store.Append(ctx, sampleRecord(0, "")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString("\n\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = f.Close()

	records, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("len(records) = %d, want 1", len(records))
	}
}

func TestFileStore_CanceledContext(t *testing.T) {
	store, err := audit.NewFileStore(filepath.Join(t.TempDir(), "audit.jsonl"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Append(ctx, sampleRecord(0, "")); !appErr.Is(err, appErr.Canceled) {
		t.Errorf("Append = %v, want Canceled", err)
	}
	if _, err := store.Load(ctx); !appErr.Is(err, appErr.Canceled) {
		t.Errorf("Load = %v, want Canceled", err)
	}
}

func newRedisStore(t *testing.T, key string) (*audit.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	store, err := audit.NewRedisStore(client, key)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, srv
}

func TestRedisStore_AppendLoad(t *testing.T) {
	store, _ := newRedisStore(t, "test:audit")
	ctx := context.Background()

	prev := ""
	for i := int64(0); i < 3; i++ {
		record := sampleRecord(i, prev)
		if err := store.Append(ctx, record); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		prev = record.Hash
	}

	records, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("len(records) = %d, want 3", len(records))
	}
	for i, record := range records {
		if record.Seq != int64(i) {
			t.Errorf("record %d: Seq = %d", i, record.Seq)
		}
	}
}

func TestRedisStore_DefaultKey(t *testing.T) {
	store, srv := newRedisStore(t, "")
	if err := store.Append(context.Background(), sampleRecord(0, "")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !srv.Exists(audit.DefaultRedisKey) {
		t.Errorf("key %q not written", audit.DefaultRedisKey)
	}
}

func TestRedisStore_CorruptedEntry(t *testing.T) {
	store, srv := newRedisStore(t, "test:audit")
	ctx := context.Background()
	if err := store.Append(ctx, sampleRecord(0, "")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := srv.Push("test:audit", "garbage"); err != nil {
		t.Fatalf("Push: %v", err)
	}

	_, err := store.Load(ctx)
	if !appErr.Is(err, appErr.StorageCorrupted) {
		t.Errorf("Load = %v, want StorageCorrupted", err)
	}
}

func TestRedisStore_LedgerEndToEnd(t *testing.T) {
	store, _ := newRedisStore(t, "test:audit")
	signer, keys := newTestSigner(t)
	ctx := context.Background()

	ledger, err := audit.NewLedger(ctx, store, signer, keys)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	seedLedger(t, ledger, 4)

	result, err := ledger.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !result.Intact || result.RecordCount != 4 {
		t.Errorf("result = %+v, want intact chain of 4", result)
	}
}
