package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	appErr "syscraft/pkg/errors"
)

// SchemaVersion is stamped into every record so old ledgers stay verifiable
// after the format evolves.
const SchemaVersion = 1

// Record is one sealed entry in the audit ledger. Seq, PrevHash and Hash
// chain records together; KeyID and Signature bind the entry to the signer
// that sealed it. Records are never modified after they are written.
type Record struct {
	SchemaVersion int             `json:"schema_version"`
	Seq           int64           `json:"seq"`
	RecordID      string          `json:"record_id"`
	TS            string          `json:"ts"`
	Action        string          `json:"action"`
	Actor         string          `json:"actor"`
	Module        string          `json:"module,omitempty"`
	Success       bool            `json:"success"`
	Details       json.RawMessage `json:"details"`
	PrevHash      string          `json:"prev_hash"`
	PayloadHash   string          `json:"payload_hash"`
	Hash          string          `json:"hash"`
	KeyID         string          `json:"key_id"`
	Signature     []byte          `json:"signature"`
}

// Time parses the record timestamp. Sealed records always carry a valid UTC
// RFC3339Nano stamp, so errors only surface for tampered input.
func (r Record) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, r.TS)
}

// recordPayload is the hashed portion of a record: everything except the
// hashes and the signature themselves. Field order matters because the
// payload hash is computed over its canonical JSON encoding.
type recordPayload struct {
	SchemaVersion int             `json:"schema_version"`
	Seq           int64           `json:"seq"`
	RecordID      string          `json:"record_id"`
	TS            string          `json:"ts"`
	Action        string          `json:"action"`
	Actor         string          `json:"actor"`
	Module        string          `json:"module,omitempty"`
	Success       bool            `json:"success"`
	Details       json.RawMessage `json:"details"`
	PrevHash      string          `json:"prev_hash"`
}

// computeRecordHashes returns the payload hash and the chain hash for a
// record. The chain hash folds the previous record's hash in, so flipping a
// single byte anywhere rewrites every hash downstream of it.
func computeRecordHashes(record Record) (payloadHash, chainHash string, err error) {
	details, err := normalizeDetails(record.Details)
	if err != nil {
		return "", "", err
	}
	payload := recordPayload{
		SchemaVersion: record.SchemaVersion,
		Seq:           record.Seq,
		RecordID:      record.RecordID,
		TS:            record.TS,
		Action:        record.Action,
		Actor:         record.Actor,
		Module:        record.Module,
		Success:       record.Success,
		Details:       details,
		PrevHash:      record.PrevHash,
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", "", appErr.InternalError(err)
	}
	payloadHash = hashHex(payloadBytes)
	chainHash = hashHex([]byte(payloadHash + "\n" + record.PrevHash))
	return payloadHash, chainHash, nil
}

// signingMessage is what the signer seals: the payload hash, the link to the
// previous record, and the timestamp.
func signingMessage(record Record) []byte {
	return []byte(record.PayloadHash + "\n" + record.PrevHash + "\n" + record.TS)
}

// validateRecord checks the tamper-independent shape of a record at position
// seq in the chain.
func validateRecord(record Record, seq int64) error {
	if record.SchemaVersion != SchemaVersion {
		return appErr.Newf(appErr.StorageCorrupted, "schema_version %d, want %d", record.SchemaVersion, SchemaVersion)
	}
	if record.Seq != seq {
		return appErr.Newf(appErr.StorageCorrupted, "seq %d, want %d", record.Seq, seq)
	}
	if record.RecordID == "" {
		return appErr.New(appErr.StorageCorrupted).WithMessage("record_id is empty")
	}
	if record.Action == "" {
		return appErr.New(appErr.StorageCorrupted).WithMessage("action is empty")
	}
	t, err := record.Time()
	if err != nil {
		return appErr.Wrap(err, appErr.StorageCorrupted)
	}
	if t.UTC().Format(time.RFC3339Nano) != record.TS {
		return appErr.New(appErr.StorageCorrupted).WithMessage("ts is not UTC RFC3339Nano")
	}
	if record.PayloadHash == "" || record.Hash == "" {
		return appErr.New(appErr.StorageCorrupted).WithMessage("record is missing hashes")
	}
	if record.KeyID == "" || len(record.Signature) == 0 {
		return appErr.New(appErr.StorageCorrupted).WithMessage("record is unsigned")
	}
	return nil
}

// normalizeDetails canonicalizes arbitrary detail values into stable JSON so
// the payload hash does not depend on map iteration or input formatting.
func normalizeDetails(details interface{}) (json.RawMessage, error) {
	if details == nil {
		return json.RawMessage("{}"), nil
	}

	if raw, ok := details.(json.RawMessage); ok {
		details = []byte(raw)
	}

	var encoded []byte
	if b, ok := details.([]byte); ok {
		if len(bytes.TrimSpace(b)) == 0 {
			return json.RawMessage("{}"), nil
		}
		encoded = b
	} else {
		var err error
		encoded, err = json.Marshal(details)
		if err != nil {
			return nil, appErr.Wrap(err, appErr.InvalidParams).WithMessage("details are not serializable")
		}
	}

	var parsed interface{}
	if err := json.Unmarshal(encoded, &parsed); err != nil {
		return nil, appErr.Wrap(err, appErr.InvalidParams).WithMessage("details must be valid JSON")
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return nil, appErr.InternalError(err)
	}
	return json.RawMessage(normalized), nil
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
