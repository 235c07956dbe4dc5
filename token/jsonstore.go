package token

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/openbtps/btps-node-sub001/berrors"
	"github.com/openbtps/btps-node-sub001/blog"
)

// JSONStore is a single-file, JSON-encoded Store, following the same
// exclusive-lock-plus-atomic-rename-plus-debounce durability discipline
// trust.JSONStore uses for trust records.
type JSONStore struct {
	path     string
	lock     *flock.Flock
	log      blog.Logger
	debounce time.Duration

	mu      sync.Mutex
	records map[string]Record // primary key -> Record
	dirty   bool

	flushCh   chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewJSONStore opens (or creates) a JSON-file token store at path.
func NewJSONStore(path string, log blog.Logger, debounce time.Duration) (*JSONStore, error) {
	s := &JSONStore{
		path:     path,
		lock:     flock.New(path + ".lock"),
		log:      log,
		debounce: debounce,
		records:  make(map[string]Record),
		flushCh:  make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	if debounce > 0 {
		go s.flushLoop()
	}
	return s, nil
}

func (s *JSONStore) load() error {
	if err := s.lock.Lock(); err != nil {
		return berrors.Wrap(berrors.InvalidConfig, err, "lock token store %s", s.path)
	}
	defer s.lock.Unlock()

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return berrors.Wrap(berrors.InvalidConfig, err, "read token store %s", s.path)
	}
	var onDisk map[string]Record
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &onDisk); err != nil {
			return berrors.Wrap(berrors.InvalidConfig, err, "decode token store %s", s.path)
		}
	}
	s.mu.Lock()
	if onDisk != nil {
		s.records = onDisk
	}
	s.mu.Unlock()
	return nil
}

func (s *JSONStore) Store(rec Record) error {
	s.mu.Lock()
	s.records[primaryKey(rec.Holder, rec.Token)] = rec
	s.markDirtyLocked()
	s.mu.Unlock()
	return s.maybeFlushSync()
}

func (s *JSONStore) Get(holder, tok string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[primaryKey(holder, tok)]
	if !ok {
		return Record{}, berrors.AuthenticationInvalidError("token not found")
	}
	if rec.Expired(time.Now()) {
		return Record{}, berrors.AuthenticationInvalidError("token expired")
	}
	return rec, nil
}

func (s *JSONStore) Remove(holder, tok string) error {
	s.mu.Lock()
	delete(s.records, primaryKey(holder, tok))
	s.markDirtyLocked()
	s.mu.Unlock()
	return s.maybeFlushSync()
}

func (s *JSONStore) Cleanup(now time.Time) (int, error) {
	s.mu.Lock()
	var removed int
	for key, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, key)
			removed++
		}
	}
	if removed > 0 {
		s.markDirtyLocked()
	}
	s.mu.Unlock()
	return removed, s.maybeFlushSync()
}

func (s *JSONStore) GetTokensByUser(userIdentity string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []Record
	for _, rec := range s.records {
		if rec.UserIdentity == userIdentity && !rec.Expired(now) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *JSONStore) RevokeAllForUser(userIdentity string) (int, error) {
	s.mu.Lock()
	var removed int
	for key, rec := range s.records {
		if rec.UserIdentity == userIdentity {
			delete(s.records, key)
			removed++
		}
	}
	if removed > 0 {
		s.markDirtyLocked()
	}
	s.mu.Unlock()
	return removed, s.maybeFlushSync()
}

func (s *JSONStore) markDirtyLocked() {
	s.dirty = true
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

func (s *JSONStore) maybeFlushSync() error {
	if s.debounce > 0 {
		return nil
	}
	return s.flush()
}

func (s *JSONStore) flushLoop() {
	ticker := time.NewTicker(s.debounce)
	defer ticker.Stop()
	for {
		select {
		case <-s.flushCh:
		case <-ticker.C:
		case <-s.closeCh:
			if err := s.flush(); err != nil {
				s.log.AuditErr("token jsonstore final flush: " + err.Error())
			}
			return
		}
		if err := s.flush(); err != nil {
			s.log.AuditErr("token jsonstore flush: " + err.Error())
		}
	}
}

func (s *JSONStore) flush() error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	snapshot := make(map[string]Record, len(s.records))
	for k, v := range s.records {
		snapshot[k] = v
	}
	s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		return berrors.Wrap(berrors.InvalidConfig, err, "lock token store %s", s.path)
	}
	defer s.lock.Unlock()

	raw, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return berrors.Wrap(berrors.InvalidConfig, err, "encode token store %s", s.path)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return berrors.Wrap(berrors.InvalidConfig, err, "write token store tmp %s", tmp)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return berrors.Wrap(berrors.InvalidConfig, err, "rename token store into place %s", s.path)
	}

	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	return nil
}

// Close stops the background flush loop and flushes pending writes.
func (s *JSONStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		if s.debounce == 0 {
			err = s.flush()
		}
	})
	return err
}
