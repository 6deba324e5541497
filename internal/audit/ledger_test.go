package audit_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"syscraft/internal/audit"
	"syscraft/internal/integrity"
	appErr "syscraft/pkg/errors"
	"syscraft/pkg/utils/contextkey"
)

// memStore is an in-memory Store whose contents tests can tamper with
// directly.
type memStore struct {
	mu        sync.Mutex
	records   []audit.Record
	appendErr error
}

func (m *memStore) Append(ctx context.Context, record audit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.records = append(m.records, record)
	return nil
}

func (m *memStore) Load(ctx context.Context) ([]audit.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]audit.Record, len(m.records))
	copy(out, m.records)
	return out, nil
}

func (m *memStore) Close() error { return nil }

func newTestSigner(t *testing.T) (*integrity.Signer, *integrity.TrustedKeySet) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := integrity.NewSigner("test-key", priv)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	keys := integrity.NewTrustedKeySet()
	if err := keys.Add("test-key", pub); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return signer, keys
}

func newTestLedger(t *testing.T) (*audit.Ledger, *memStore, *integrity.TrustedKeySet) {
	t.Helper()
	signer, keys := newTestSigner(t)
	store := &memStore{}
	ledger, err := audit.NewLedger(context.Background(), store, signer, keys)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return ledger, store, keys
}

func seedLedger(t *testing.T, ledger *audit.Ledger, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		event := audit.Event{
			Action:  audit.ActionCommandExecuted,
			Actor:   "tester",
			Success: i%2 == 0,
			Details: map[string]interface{}{"argv": []string{"pacman", "-S", fmt.Sprintf("pkg%d", i)}},
		}
		if _, err := ledger.Append(ctx, event); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
}

func TestLedger_AppendAndVerify(t *testing.T) {
	ledger, store, _ := newTestLedger(t)
	seedLedger(t, ledger, 5)

	records, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("len(records) = %d, want 5", len(records))
	}

	prevHash := ""
	for i, record := range records {
		if record.Seq != int64(i) {
			t.Errorf("record %d: Seq = %d", i, record.Seq)
		}
		if record.RecordID == "" {
			t.Errorf("record %d: empty RecordID", i)
		}
		if record.PrevHash != prevHash {
			t.Errorf("record %d: PrevHash = %q, want %q", i, record.PrevHash, prevHash)
		}
		if record.KeyID != "test-key" {
			t.Errorf("record %d: KeyID = %q", i, record.KeyID)
		}
		prevHash = record.Hash
	}

	result, err := ledger.VerifyChain(context.Background())
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !result.Intact || result.FirstBroken != -1 || result.RecordCount != 5 {
		t.Errorf("result = %+v, want intact with 5 records", result)
	}
}

func TestLedger_EmptyChainIsIntact(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	result, err := ledger.VerifyChain(context.Background())
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !result.Intact || result.RecordCount != 0 || result.FirstBroken != -1 {
		t.Errorf("result = %+v, want intact empty chain", result)
	}
}

// Flipping one byte of any stored record must surface as a divergence at
// exactly that record's index.
func TestLedger_TamperDivergesAtIndex(t *testing.T) {
	ledger, store, keys := newTestLedger(t)
	seedLedger(t, ledger, 6)
	records, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	for k := range records {
		tampered := make([]audit.Record, len(records))
		copy(tampered, records)

		details := append(json.RawMessage(nil), tampered[k].Details...)
		details[len(details)-2] ^= 0x01
		tampered[k].Details = details

		result := audit.VerifyRecords(tampered, keys)
		if result.Intact {
			t.Errorf("tamper at %d: chain reported intact", k)
			continue
		}
		if result.FirstBroken != k {
			t.Errorf("tamper at %d: FirstBroken = %d", k, result.FirstBroken)
		}
	}
}

func TestLedger_TamperVariants(t *testing.T) {
	ledger, store, keys := newTestLedger(t)
	seedLedger(t, ledger, 4)
	records, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(records []audit.Record)
		broken int
	}{
		{
			"actor rewritten",
			func(r []audit.Record) { r[1].Actor = "mallory" },
			1,
		},
		{
			"timestamp rewritten",
			func(r []audit.Record) {
				r[2].TS = time.Now().Add(time.Hour).UTC().Format(time.RFC3339Nano)
			},
			2,
		},
		{
			"signature replaced",
			func(r []audit.Record) {
				sig := append([]byte(nil), r[3].Signature...)
				sig[0] ^= 0xff
				r[3].Signature = sig
			},
			3,
		},
		{
			"record spliced out",
			func(r []audit.Record) { copy(r[1:], r[2:]) },
			1,
		},
		{
			"success flag flipped",
			func(r []audit.Record) { r[0].Success = !r[0].Success },
			0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tampered := make([]audit.Record, len(records))
			copy(tampered, records)
			tt.mutate(tampered)

			result := audit.VerifyRecords(tampered, keys)
			if result.Intact {
				t.Fatal("chain reported intact")
			}
			if result.FirstBroken != tt.broken {
				t.Errorf("FirstBroken = %d, want %d (%s)", result.FirstBroken, tt.broken, result.Reason)
			}
		})
	}
}

func TestLedger_RevokedSignerBreaksChain(t *testing.T) {
	ledger, store, keys := newTestLedger(t)
	seedLedger(t, ledger, 3)

	if err := keys.Revoke("test-key"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	records, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	result := audit.VerifyRecords(records, keys)
	if result.Intact || result.FirstBroken != 0 {
		t.Errorf("result = %+v, want broken at 0 after revocation", result)
	}
}

func TestLedger_ResumeContinuesChain(t *testing.T) {
	signer, keys := newTestSigner(t)
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	ctx := context.Background()

	store, err := audit.NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ledger, err := audit.NewLedger(ctx, store, signer, keys)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	seedLedger(t, ledger, 3)

	// Reopen over the same file and keep appending.
	store2, err := audit.NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ledger2, err := audit.NewLedger(ctx, store2, signer, keys)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	seedLedger(t, ledger2, 2)

	result, err := ledger2.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !result.Intact || result.RecordCount != 5 {
		t.Errorf("result = %+v, want intact chain of 5 across reopen", result)
	}
}

func TestLedger_ActorAndModuleFallBackToContext(t *testing.T) {
	ledger, store, _ := newTestLedger(t)
	ctx := contextkey.WithValue(context.Background(), contextkey.Actor, "alice")
	ctx = contextkey.WithValue(ctx, contextkey.ModuleName, "shell")

	if _, err := ledger.Append(ctx, audit.Event{Action: audit.ActionModuleApplied, Success: true}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := ledger.Append(ctx, audit.Event{Action: audit.ActionModuleApplied, Actor: "bob", Module: "editor", Success: true}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := ledger.Append(context.Background(), audit.Event{Action: audit.ActionModuleApplied, Success: true}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	records, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if records[0].Actor != "alice" || records[0].Module != "shell" {
		t.Errorf("record 0 = %q/%q, want alice/shell", records[0].Actor, records[0].Module)
	}
	if records[1].Actor != "bob" || records[1].Module != "editor" {
		t.Errorf("record 1 = %q/%q, want explicit bob/editor", records[1].Actor, records[1].Module)
	}
	if records[2].Actor != "system" {
		t.Errorf("record 2 actor = %q, want system fallback", records[2].Actor)
	}
}

func TestLedger_Query(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	events := []audit.Event{
		{Action: audit.ActionCommandExecuted, Actor: "alice", Module: "shell", Success: true},
		{Action: audit.ActionCommandRejected, Actor: "mallory", Module: "shell", Success: false},
		{Action: audit.ActionCommandExecuted, Actor: "alice", Module: "editor", Success: true},
		{Action: audit.ActionHookFailed, Actor: "alice", Module: "editor", Success: false},
	}
	for i, event := range events {
		if _, err := ledger.Append(ctx, event); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	got, err := ledger.Query(ctx, audit.Filter{Action: audit.ActionCommandExecuted})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("by action: %d records, want 2", len(got))
	}

	got, err = ledger.Query(ctx, audit.Filter{Module: "editor"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("by module: %d records, want 2", len(got))
	}

	failed := false
	got, err = ledger.Query(ctx, audit.Filter{Success: &failed})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("by success: %d records, want 2", len(got))
	}

	got, err = ledger.Query(ctx, audit.Filter{Actor: "mallory", Success: &failed})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].Action != audit.ActionCommandRejected {
		t.Errorf("combined filter = %v, want the single rejection", got)
	}
}

func TestLedger_AppendRequiresAction(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	_, err := ledger.Append(context.Background(), audit.Event{Actor: "x"})
	if !appErr.Is(err, appErr.InvalidParams) {
		t.Errorf("Append = %v, want InvalidParams", err)
	}
}

func TestLedger_StoreFailureDoesNotAdvanceChain(t *testing.T) {
	ledger, store, _ := newTestLedger(t)
	ctx := context.Background()

	store.appendErr = fmt.Errorf("disk full")
	if _, err := ledger.Append(ctx, audit.Event{Action: audit.ActionCommandExecuted}); err == nil {
		t.Fatal("Append succeeded despite store failure")
	}

	store.appendErr = nil
	seedLedger(t, ledger, 2)

	result, err := ledger.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !result.Intact || result.RecordCount != 2 {
		t.Errorf("result = %+v, want intact chain of 2", result)
	}
	records, _ := store.Load(ctx)
	if records[0].Seq != 0 {
		t.Errorf("first surviving record Seq = %d, want 0", records[0].Seq)
	}
}

func TestLedger_ExportSnapshotRoundtrip(t *testing.T) {
	ledger, _, keys := newTestLedger(t)
	seedLedger(t, ledger, 4)
	ctx := context.Background()

	var buf bytes.Buffer
	n, err := ledger.ExportSnapshot(ctx, &buf)
	if err != nil {
		t.Fatalf("ExportSnapshot: %v", err)
	}
	if n != 4 {
		t.Errorf("exported %d records, want 4", n)
	}

	records, err := audit.ReadSnapshot(&buf)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	result := audit.VerifyRecords(records, keys)
	if !result.Intact || result.RecordCount != 4 {
		t.Errorf("snapshot chain = %+v, want intact 4", result)
	}
}

func TestLedger_ExportRefusesBrokenChain(t *testing.T) {
	ledger, store, _ := newTestLedger(t)
	seedLedger(t, ledger, 3)

	store.mu.Lock()
	store.records[1].Actor = "mallory"
	store.mu.Unlock()

	var buf bytes.Buffer
	_, err := ledger.ExportSnapshot(context.Background(), &buf)
	if !appErr.Is(err, appErr.ChainBroken) {
		t.Errorf("ExportSnapshot = %v, want ChainBroken", err)
	}
}

func TestReadSnapshot_RejectsGarbage(t *testing.T) {
	_, err := audit.ReadSnapshot(bytes.NewReader([]byte("plain text, not zstd")))
	if !appErr.Is(err, appErr.StorageCorrupted) {
		t.Errorf("ReadSnapshot = %v, want StorageCorrupted", err)
	}
}
