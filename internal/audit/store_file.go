package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	appErr "syscraft/pkg/errors"
)

const (
	ledgerFileMode = 0o600
	ledgerDirMode  = 0o750

	// scanBufferSize bounds a single ledger line; records with large
	// captured output stay well under this.
	scanBufferSize = 4 * 1024 * 1024
)

// FileStore keeps records as one JSON object per line in a single file.
// A sibling .lock file is flock'ed around every append so concurrent
// processes sharing the ledger cannot interleave partial lines.
type FileStore struct {
	path string
}

// NewFileStore prepares the ledger file's directory and returns a store
// writing to path. The file itself is created on first append.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("ledger path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), ledgerDirMode); err != nil {
		return nil, appErr.Wrap(err, appErr.StorageOpenFailed).WithDetail("path", path)
	}
	return &FileStore{path: path}, nil
}

// Path returns the backing file location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Append(ctx context.Context, record Record) error {
	if err := ctx.Err(); err != nil {
		return appErr.Wrap(err, appErr.Canceled)
	}

	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, ledgerFileMode)
	if err != nil {
		return appErr.Wrap(err, appErr.StorageOpenFailed).WithDetail("path", s.path)
	}
	defer file.Close()

	line, err := json.Marshal(record)
	if err != nil {
		return appErr.InternalError(err)
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		return appErr.StorageFailure(err, "append")
	}
	if err := file.Sync(); err != nil {
		return appErr.StorageFailure(err, "fsync")
	}
	return syncDir(filepath.Dir(s.path))
}

func (s *FileStore) Load(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, appErr.Wrap(err, appErr.Canceled)
	}

	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, appErr.Wrap(err, appErr.StorageOpenFailed).WithDetail("path", s.path)
	}
	defer file.Close()

	var records []Record
	scanner := bufio.NewScanner(file)
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
			return nil, appErr.Wrapf(err, appErr.StorageCorrupted, "ledger line %d is not a record", lineNum)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, appErr.StorageFailure(err, "scan")
	}
	return records, nil
}

func (s *FileStore) Close() error { return nil }

// lock takes an exclusive flock on the sibling lock file and returns the
// release func.
func (s *FileStore) lock() (func(), error) {
	lockFile, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, ledgerFileMode)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.StorageLockFailed).WithDetail("path", s.path)
	}
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		_ = lockFile.Close()
		return nil, appErr.Wrap(err, appErr.StorageLockFailed).WithDetail("path", s.path)
	}
	return func() {
		_ = unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
		_ = lockFile.Close()
	}, nil
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return appErr.StorageFailure(err, "open dir")
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		// Some filesystems reject directory fsync; the record itself is
		// already synced.
		if errors.Is(err, unix.EINVAL) {
			return nil
		}
		return appErr.StorageFailure(err, "fsync dir")
	}
	return nil
}

var _ Store = (*FileStore)(nil)
