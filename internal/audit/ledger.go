// Package audit maintains the append-only ledger of privileged actions.
// Every record links to its predecessor by hash and carries an ed25519
// signature, so both silent edits and truncated-and-rewritten tails are
// detectable offline.
package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"syscraft/internal/integrity"
	appErr "syscraft/pkg/errors"
	"syscraft/pkg/utils/contextkey"
)

// systemActor is recorded when neither the event nor the request context
// names who triggered the action.
const systemActor = "system"

// Ledger seals events into a hash-chained stream of signed records. Appends
// are serialized by an internal mutex; there is no update or delete surface
// at all.
type Ledger struct {
	mu     sync.Mutex
	store  Store
	signer *integrity.Signer
	keys   *integrity.TrustedKeySet

	nextSeq  int64
	lastHash string
}

// ChainResult is the outcome of a full-chain verification. FirstBroken is
// the zero-based index of the first record that diverges, or -1 when the
// chain is intact. Everything before FirstBroken is trustworthy.
type ChainResult struct {
	Intact      bool   `json:"intact"`
	RecordCount int    `json:"record_count"`
	FirstBroken int    `json:"first_broken"`
	Reason      string `json:"reason,omitempty"`
}

// Filter selects records for Query. Zero-valued fields match everything.
type Filter struct {
	Action  string
	Actor   string
	Module  string
	Success *bool
	Since   time.Time
}

// NewLedger opens a ledger over store, resuming the chain from the stored
// tail. The signer seals new records; keys is the trusted set used by
// VerifyChain and normally contains at least the signer's own public key.
func NewLedger(ctx context.Context, store Store, signer *integrity.Signer, keys *integrity.TrustedKeySet) (*Ledger, error) {
	if store == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("ledger store is required")
	}
	if signer == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("ledger signer is required")
	}
	if keys == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("trusted key set is required")
	}

	records, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}

	l := &Ledger{store: store, signer: signer, keys: keys, nextSeq: int64(len(records))}
	if len(records) > 0 {
		l.lastHash = records[len(records)-1].Hash
	}
	return l, nil
}

// Append seals event into a new record and returns its record id. Actor and
// Module fall back to the request context when the event leaves them empty.
func (l *Ledger) Append(ctx context.Context, event Event) (string, error) {
	if strings.TrimSpace(event.Action) == "" {
		return "", appErr.New(appErr.InvalidParams).WithMessage("event action is required")
	}
	details, err := normalizeDetails(event.Details)
	if err != nil {
		return "", err
	}

	actor := event.Actor
	if actor == "" {
		actor = contextkey.Value(ctx, contextkey.Actor)
	}
	if actor == "" {
		actor = systemActor
	}
	module := event.Module
	if module == "" {
		module = contextkey.Value(ctx, contextkey.ModuleName)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	record := Record{
		SchemaVersion: SchemaVersion,
		Seq:           l.nextSeq,
		RecordID:      uuid.NewString(),
		TS:            time.Now().UTC().Format(time.RFC3339Nano),
		Action:        event.Action,
		Actor:         actor,
		Module:        module,
		Success:       event.Success,
		Details:       details,
		PrevHash:      l.lastHash,
	}

	payloadHash, chainHash, err := computeRecordHashes(record)
	if err != nil {
		return "", err
	}
	record.PayloadHash = payloadHash
	record.Hash = chainHash

	sig, err := l.signer.Sign(signingMessage(record))
	if err != nil {
		return "", appErr.Wrap(err, appErr.SigningFailed)
	}
	record.KeyID = sig.KeyID
	record.Signature = sig.Bytes

	if err := l.store.Append(ctx, record); err != nil {
		return "", err
	}

	l.nextSeq++
	l.lastHash = record.Hash
	return record.RecordID, nil
}

// Records returns every sealed record in append order.
func (l *Ledger) Records(ctx context.Context) ([]Record, error) {
	return l.store.Load(ctx)
}

// Query returns the records matching filter, in append order.
func (l *Ledger) Query(ctx context.Context, filter Filter) ([]Record, error) {
	records, err := l.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, record := range records {
		if filter.matches(record) {
			out = append(out, record)
		}
	}
	return out, nil
}

// VerifyChain re-derives every hash and re-checks every signature against
// the trusted key set. Verification never mutates the ledger.
func (l *Ledger) VerifyChain(ctx context.Context) (ChainResult, error) {
	records, err := l.store.Load(ctx)
	if err != nil {
		return ChainResult{}, err
	}
	return VerifyRecords(records, l.keys), nil
}

// KeyID reports the id new records are sealed under.
func (l *Ledger) KeyID() string { return l.signer.KeyID() }

// Close releases the underlying store.
func (l *Ledger) Close() error { return l.store.Close() }

// VerifyRecords checks an in-memory chain: record shape, prev-hash links,
// recomputed payload and chain hashes, and the signature of every record.
// A record fails when any of those diverge; the result points at the first
// failure.
func VerifyRecords(records []Record, keys *integrity.TrustedKeySet) ChainResult {
	result := ChainResult{Intact: true, RecordCount: len(records), FirstBroken: -1}

	prevHash := ""
	for i, record := range records {
		if err := validateRecord(record, int64(i)); err != nil {
			return broken(result, i, err.Error())
		}
		if record.PrevHash != prevHash {
			return broken(result, i, "prev_hash does not match previous record")
		}
		payloadHash, chainHash, err := computeRecordHashes(record)
		if err != nil {
			return broken(result, i, err.Error())
		}
		if record.PayloadHash != payloadHash {
			return broken(result, i, "payload_hash mismatch")
		}
		if record.Hash != chainHash {
			return broken(result, i, "hash mismatch")
		}
		sig := integrity.Signature{KeyID: record.KeyID, Bytes: record.Signature}
		if err := integrity.Verify(signingMessage(record), sig, keys); err != nil {
			return broken(result, i, err.Error())
		}
		prevHash = record.Hash
	}
	return result
}

func broken(result ChainResult, index int, reason string) ChainResult {
	result.Intact = false
	result.FirstBroken = index
	result.Reason = reason
	return result
}

func (f Filter) matches(record Record) bool {
	if f.Action != "" && record.Action != f.Action {
		return false
	}
	if f.Actor != "" && record.Actor != f.Actor {
		return false
	}
	if f.Module != "" && record.Module != f.Module {
		return false
	}
	if f.Success != nil && record.Success != *f.Success {
		return false
	}
	if !f.Since.IsZero() {
		t, err := record.Time()
		if err != nil || t.Before(f.Since) {
			return false
		}
	}
	return true
}
