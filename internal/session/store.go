package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"
)

// ErrNotFound is returned when no record exists for the requested id.
var ErrNotFound = errors.New("session not found")

const recordExt = ".json"

// CorruptRecord reports a single unreadable record skipped during an
// enumeration. One bad record never hides the rest of the store.
type CorruptRecord struct {
	Path string
	Err  error
}

// ListFilter narrows List results. Zero value means no filtering.
type ListFilter struct {
	// States keeps only sessions in one of the given states.
	States []State
}

func (f ListFilter) match(s *Session) bool {
	if len(f.States) == 0 {
		return true
	}
	for _, st := range f.States {
		if s.State == st {
			return true
		}
	}
	return false
}

// Order selects the enumeration order for List.
type Order int

const (
	// OrderUpdatedDesc is the default: most recently updated first.
	OrderUpdatedDesc Order = iota
	OrderCreatedAsc
)

// Store is a durable key-value store of sessions, one JSON record per id
// under a root directory. Writes are atomic per key (temp file + rename);
// locking is per id so a slow operation on one session never stalls
// operations on another.
type Store struct {
	dir    string
	locks  cmap.ConcurrentMap[string, *sync.RWMutex]
	logger *zap.Logger
}

// NewStore opens (creating if needed) a store rooted at dir. The root is
// always treated as a directory, even when supplied as a bare path string.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("storage root required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Store{
		dir:    dir,
		locks:  cmap.New[*sync.RWMutex](),
		logger: logger.Named("store"),
	}, nil
}

// Dir returns the storage root.
func (st *Store) Dir() string { return st.dir }

// lock returns the mutex guarding one session id, creating it on first use.
func (st *Store) lock(id string) *sync.RWMutex {
	if mu, ok := st.locks.Get(id); ok {
		return mu
	}
	mu := &sync.RWMutex{}
	if !st.locks.SetIfAbsent(id, mu) {
		mu, _ = st.locks.Get(id)
	}
	return mu
}

func (st *Store) path(id string) string {
	return filepath.Join(st.dir, id+recordExt)
}

func validID(id string) error {
	if id == "" {
		return errors.New("empty session id")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("session id %q is not a valid record key", id)
	}
	return nil
}

// Put fully replaces the record for s.ID. A concurrent Get observes either
// the previous record or the new one, never a half-written file.
func (st *Store) Put(s *Session) error {
	if err := validID(s.ID); err != nil {
		return err
	}
	data, err := Encode(s)
	if err != nil {
		return err
	}

	mu := st.lock(s.ID)
	mu.Lock()
	defer mu.Unlock()

	if err := atomicWrite(st.path(s.ID), data); err != nil {
		return fmt.Errorf("persist session %s: %w", s.ID, err)
	}
	st.logger.Debug("session persisted",
		zap.String("id", s.ID), zap.String("state", string(s.State)))
	return nil
}

// Get loads one session by id.
func (st *Store) Get(id string) (*Session, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	mu := st.lock(id)
	mu.RLock()
	defer mu.RUnlock()

	data, err := os.ReadFile(st.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	return Decode(data)
}

// Delete removes the record for id.
func (st *Store) Delete(id string) error {
	if err := validID(id); err != nil {
		return err
	}
	mu := st.lock(id)
	mu.Lock()
	defer mu.Unlock()

	if err := os.Remove(st.path(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	st.locks.Remove(id)
	return nil
}

// List enumerates stored sessions matching the filter. Corrupt records are
// skipped and reported alongside the survivors rather than aborting the
// listing.
func (st *Store) List(filter ListFilter, order Order) ([]*Session, []CorruptRecord, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read storage root: %w", err)
	}

	var (
		sessions []*Session
		corrupt  []CorruptRecord
	)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordExt) {
			continue
		}
		path := filepath.Join(st.dir, entry.Name())
		id := strings.TrimSuffix(entry.Name(), recordExt)

		mu := st.lock(id)
		mu.RLock()
		data, err := os.ReadFile(path)
		mu.RUnlock()
		if err != nil {
			corrupt = append(corrupt, CorruptRecord{Path: path, Err: err})
			continue
		}
		s, err := Decode(data)
		if err != nil {
			st.logger.Warn("skipping corrupt session record",
				zap.String("path", path), zap.Error(err))
			corrupt = append(corrupt, CorruptRecord{Path: path, Err: err})
			continue
		}
		if filter.match(s) {
			sessions = append(sessions, s)
		}
	}

	switch order {
	case OrderCreatedAsc:
		sort.Slice(sessions, func(i, j int) bool {
			return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
		})
	default:
		sort.Slice(sessions, func(i, j int) bool {
			return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
		})
	}
	return sessions, corrupt, nil
}

// Prune deletes sessions created before now-olderThan and returns how many
// were removed. Non-terminal (PENDING/RUNNING) sessions are never pruned
// regardless of age; corrupt records are reported and left in place.
func (st *Store) Prune(olderThan time.Duration) (int, []CorruptRecord, error) {
	sessions, corrupt, err := st.List(ListFilter{}, OrderUpdatedDesc)
	if err != nil {
		return 0, nil, err
	}
	cutoff := time.Now().UTC().Add(-olderThan)

	removed := 0
	for _, s := range sessions {
		if !s.State.Terminal() {
			continue
		}
		if s.CreatedAt.After(cutoff) {
			continue
		}
		if err := st.Delete(s.ID); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			corrupt = append(corrupt, CorruptRecord{Path: st.path(s.ID), Err: err})
			continue
		}
		removed++
		st.logger.Info("pruned expired session",
			zap.String("id", s.ID),
			zap.Time("created_at", s.CreatedAt))
	}
	return removed, corrupt, nil
}

// atomicWrite writes data to path via a temp file and rename so the target
// is never observable half-written.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	ok = true
	return nil
}
