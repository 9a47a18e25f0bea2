// Package cache persists document snapshots to a local bbolt store keyed
// by room id, so the editor is usable offline and reconnects only need a
// delta. Writes are asynchronous and never gated by connection state.
package cache

import (
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	bolt "go.etcd.io/bbolt"
)

var (
	ErrNotFound = errors.New("cache: no snapshot for room")
	ErrClosed   = errors.New("cache: store closed")
)

var bucketDocuments = []byte("documents")

// Store is a local snapshot store shared by all rooms of one client.
type Store struct {
	db *bolt.DB

	mu      sync.Mutex
	pending map[string][]byte
	wake    chan struct{}
	done    chan struct{}
	closed  bool
	idle    *sync.Cond
	writing bool
}

// Open opens or creates the store at path and starts the write loop.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDocuments)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:      db,
		pending: make(map[string][]byte),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	s.idle = sync.NewCond(&s.mu)
	go s.writeLoop()
	return s, nil
}

// Load reads the stored snapshot for a room. Callers hydrate the replica
// from the result before any network activity.
func (s *Store) Load(room string) ([]byte, error) {
	var snapshot []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketDocuments).Get([]byte(room))
		if raw == nil {
			return ErrNotFound
		}
		snapshot = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Save schedules an asynchronous write of the snapshot. Consecutive
// saves for the same room coalesce to the newest snapshot. Never blocks.
func (s *Store) Save(room string, snapshot []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending[room] = append([]byte(nil), snapshot...)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Flush blocks until every scheduled write has been attempted.
func (s *Store) Flush() {
	s.mu.Lock()
	for len(s.pending) != 0 || s.writing {
		s.idle.Wait()
	}
	s.mu.Unlock()
}

// Close flushes pending writes and closes the database. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.Flush()
	close(s.done)
	return s.db.Close()
}

func (s *Store) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			var room string
			var snapshot []byte
			found := false
			for r, snap := range s.pending {
				room, snapshot, found = r, snap, true
				break
			}
			if !found {
				s.mu.Unlock()
				break
			}
			delete(s.pending, room)
			s.writing = true
			s.mu.Unlock()

			if err := s.write(room, snapshot); err != nil {
				// Persistence failures fall back to network-only
				// mode; they never surface to the editing path.
				logs.Errorf("cache write failed for room %s, err: %+v", room, err)
			}

			s.mu.Lock()
			s.writing = false
			s.idle.Broadcast()
			s.mu.Unlock()
		}
	}
}

func (s *Store) write(room string, snapshot []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).Put([]byte(room), snapshot)
	})
}
