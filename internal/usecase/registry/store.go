package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"chorus/internal/domain"
)

// UpdateFunc receives the stored record for an id (found is false when there is
// none) and returns the record to write back.
type UpdateFunc func(cur domain.Specialist, found bool) (domain.Specialist, error)

// Store persists specialist records.
type Store interface {
	Load(ctx context.Context) ([]domain.Specialist, error)
	Save(ctx context.Context, s domain.Specialist) error
	Delete(ctx context.Context, id string) error
	// Update is a locked read-modify-write of one record. Writers in other
	// processes sharing the store are excluded for its duration. An error from
	// fn aborts the write and is returned as is.
	Update(ctx context.Context, id string, fn UpdateFunc) (domain.Specialist, error)
}

const (
	recordExt    = ".json"
	lockFileName = ".registry.lock"
	lockRetry    = 10 * time.Millisecond
)

// FileStore keeps one <id>.json file per specialist in a directory. Records are
// replaced atomically so concurrent readers never see a torn file, and Update and
// Delete hold an advisory flock on .registry.lock so processes sharing the
// directory do not lose each other's writes.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, domain.NewSubSystemError("registry", "NewFileStore", domain.ErrInvalidInput, "empty directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, domain.WrapOp("create registry dir", err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// Dir returns the backing directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+recordExt)
}

// IsRecordFile reports whether name is a committed record file rather than an
// in-progress temp file.
func IsRecordFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, recordExt) && !strings.HasPrefix(base, ".")
}

// lock takes the directory lock, waiting until ctx is done.
func (s *FileStore) lock(ctx context.Context) (*flock.Flock, error) {
	fl := flock.New(filepath.Join(s.dir, lockFileName))
	ok, err := fl.TryLockContext(ctx, lockRetry)
	if err != nil {
		return nil, domain.WrapOp("lock registry", err)
	}
	if !ok {
		return nil, domain.WrapOp("lock registry", ctx.Err())
	}
	return fl, nil
}

func (s *FileStore) unlock(fl *flock.Flock) {
	if err := fl.Unlock(); err != nil {
		s.logger.Warn("registry unlock failed", "error", err)
	}
}

// read returns the record stored for id.
func (s *FileStore) read(id string) (domain.Specialist, bool, error) {
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return domain.Specialist{}, false, nil
	}
	if err != nil {
		return domain.Specialist{}, false, domain.WrapOp("read record", err)
	}
	var rec domain.Specialist
	if err := json.Unmarshal(data, &rec); err != nil {
		// Corrupt records read as absent, as in Load.
		s.logger.Warn("treating unparsable registry record as absent", "specialist_id", id, "error", err)
		return domain.Specialist{}, false, nil
	}
	return rec, true, nil
}

// Update re-reads the record under the directory lock, applies fn and writes the
// result back before releasing the lock.
func (s *FileStore) Update(ctx context.Context, id string, fn UpdateFunc) (domain.Specialist, error) {
	fl, err := s.lock(ctx)
	if err != nil {
		return domain.Specialist{}, err
	}
	defer s.unlock(fl)

	cur, found, err := s.read(id)
	if err != nil {
		return domain.Specialist{}, err
	}
	next, err := fn(cur, found)
	if err != nil {
		return domain.Specialist{}, err
	}
	if err := s.Save(ctx, next); err != nil {
		return domain.Specialist{}, err
	}
	return next, nil
}

// Load reads every record in the directory. Files that vanish mid-scan are skipped,
// as are files that do not parse.
func (s *FileStore) Load(_ context.Context) ([]domain.Specialist, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, domain.WrapOp("read registry dir", err)
	}

	out := make([]domain.Specialist, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !IsRecordFile(e.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, domain.WrapOp("read record", err)
		}
		var rec domain.Specialist
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn("skipping unparsable registry record", "file", e.Name(), "error", err)
			continue
		}
		if want := strings.TrimSuffix(e.Name(), recordExt); rec.ID != want {
			s.logger.Warn("skipping registry record with mismatched id", "file", e.Name(), "id", rec.ID)
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Save writes the record to a temp file in the same directory, syncs it and renames
// it over the previous version. It is a blind write; use Update to merge with what
// other processes stored.
func (s *FileStore) Save(_ context.Context, rec domain.Specialist) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return domain.WrapOp("marshal record", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+rec.ID+".*.tmp")
	if err != nil {
		return domain.WrapOp("create temp record", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return domain.WrapOp("write temp record", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return domain.WrapOp("sync temp record", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return domain.WrapOp("close temp record", err)
	}
	if err := os.Rename(tmpName, s.path(rec.ID)); err != nil {
		cleanup()
		return domain.WrapOp("rename record", err)
	}
	return nil
}

// Delete removes the record file. Missing files are not an error.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	fl, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer s.unlock(fl)

	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return domain.WrapOp("delete record", err)
	}
	return nil
}

// MemoryStore is a Store that lives only as long as the process.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]domain.Specialist
	// FailSave makes Save return an error; used to exercise rollback paths.
	FailSave error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]domain.Specialist)}
}

func (m *MemoryStore) Load(_ context.Context) ([]domain.Specialist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Specialist, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Save(_ context.Context, rec domain.Specialist) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSave != nil {
		return fmt.Errorf("save %s: %w", rec.ID, m.FailSave)
	}
	m.records[rec.ID] = rec.Clone()
	return nil
}

func (m *MemoryStore) Update(_ context.Context, id string, fn UpdateFunc) (domain.Specialist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, found := m.records[id]
	next, err := fn(cur.Clone(), found)
	if err != nil {
		return domain.Specialist{}, err
	}
	if m.FailSave != nil {
		return domain.Specialist{}, fmt.Errorf("save %s: %w", id, m.FailSave)
	}
	m.records[id] = next.Clone()
	return next, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}
