package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"

	appErr "syscraft/pkg/errors"
)

// ExportSnapshot writes every record as zstd-compressed JSONL to w, for
// offline archiving. The chain is verified first: a ledger that fails
// verification is refused rather than archived as if it were trustworthy.
// Returns the number of records written.
func (l *Ledger) ExportSnapshot(ctx context.Context, w io.Writer) (int, error) {
	records, err := l.store.Load(ctx)
	if err != nil {
		return 0, err
	}
	if result := VerifyRecords(records, l.keys); !result.Intact {
		return 0, appErr.Newf(appErr.ChainBroken, "refusing export: record %d: %s", result.FirstBroken, result.Reason)
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, appErr.InternalError(err)
	}
	for _, record := range records {
		line, err := json.Marshal(record)
		if err != nil {
			_ = zw.Close()
			return 0, appErr.InternalError(err)
		}
		if _, err := zw.Write(append(line, '\n')); err != nil {
			_ = zw.Close()
			return 0, appErr.StorageFailure(err, "export write")
		}
	}
	if err := zw.Close(); err != nil {
		return 0, appErr.StorageFailure(err, "export close")
	}
	return len(records), nil
}

// ReadSnapshot decodes a snapshot produced by ExportSnapshot. Callers that
// care about authenticity run VerifyRecords over the result with their own
// trusted key set.
func ReadSnapshot(r io.Reader) ([]Record, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.StorageCorrupted).WithMessage("snapshot is not zstd")
	}
	defer zr.Close()

	var records []Record
	scanner := bufio.NewScanner(zr)
	scanner.Buffer(make([]byte, 0, 64*1024), scanBufferSize)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record Record
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			return nil, appErr.Wrapf(err, appErr.StorageCorrupted, "snapshot line %d is not a record", lineNum)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		// Read errors here are almost always malformed zstd frames, not I/O.
		return nil, appErr.Wrap(err, appErr.StorageCorrupted).WithDetail("op", "snapshot scan")
	}
	return records, nil
}
