package wifi

import (
	"context"
	"errors"
	"io/fs"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"poetcam/backend/camd/internal/fsatomic"
)

// lockBudget bounds how long a mutation waits for the store's advisory lock
// before surfacing contention to the caller.
const lockBudget = 2 * time.Second

// Store persists network profiles as a single JSON document. An in-memory
// copy serves reads; every mutation rewrites the document under an exclusive
// file lock with atomic-rename discipline, so concurrent writers cannot
// interleave and a crash mid-write leaves either the old or the new file.
// The document is written before the in-memory view moves: after a failed
// persist, reads keep serving the state that is actually on disk.
type Store struct {
	path string

	// writeMu serializes mutations end to end, including the persist, so
	// two staged lists can never race past each other.
	writeMu sync.Mutex

	mu   sync.RWMutex
	list []NetworkProfile
}

func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	var list []NetworkProfile
	if _, err := fsatomic.LoadJSON(path, &list); err != nil {
		return nil, &StoreError{Kind: StoreIOFailure, Err: err}
	}
	s.list = list
	return s, nil
}

// List returns all profiles, secrets redacted, ordered by name.
func (s *Store) List() []NetworkProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]NetworkProfile, 0, len(s.list))
	for _, p := range s.list {
		out = append(out, p.Redacted())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the profile for name, secret included; the caller is the mode
// controller, which needs it for activation.
func (s *Store) Get(name string) (NetworkProfile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.list {
		if p.Name == name {
			return p, true
		}
	}
	return NetworkProfile{}, false
}

// Upsert adds or replaces the profile keyed by Name. A repeat upsert rotates
// the secret and autoconnect flag in place; it never duplicates an entry.
// Profiles get a stable UUID on first insertion.
func (s *Store) Upsert(p NetworkProfile) error {
	if p.Name == "" {
		p.Name = ProfileName(p.SSID)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := s.snapshot()
	replaced := false
	for i := range next {
		if next[i].Name == p.Name {
			p.ID = next[i].ID
			next[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		next = append(next, p)
	}
	if err := s.persist(next); err != nil {
		return err
	}
	s.commit(next)
	return nil
}

// Remove deletes the profile for name. Removing a name that is not present
// succeeds: the desired end state already holds.
func (s *Store) Remove(name string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prior := s.snapshot()
	next := make([]NetworkProfile, 0, len(prior))
	found := false
	for _, p := range prior {
		if p.Name == name {
			found = true
			continue
		}
		next = append(next, p)
	}
	if !found {
		return nil
	}
	if err := s.persist(next); err != nil {
		return err
	}
	s.commit(next)
	return nil
}

func (s *Store) persist(data []NetworkProfile) error {
	err := fsatomic.WithLockRetry(s.path, lockBudget, func() error {
		return fsatomic.SaveJSON(context.TODO(), s.path, data, fs.FileMode(0o600))
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, fsatomic.ErrLockBusy) {
		return &StoreError{Kind: StoreLockContention, Err: err}
	}
	return &StoreError{Kind: StoreIOFailure, Err: err}
}

func (s *Store) snapshot() []NetworkProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]NetworkProfile, len(s.list))
	copy(out, s.list)
	return out
}

func (s *Store) commit(list []NetworkProfile) {
	s.mu.Lock()
	s.list = list
	s.mu.Unlock()
}
