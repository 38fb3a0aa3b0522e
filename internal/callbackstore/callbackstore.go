// Package callbackstore is a durable, embedded table correlating an
// in-flight remote-converter task id to what's needed to resume it
// when /callback POSTs the result back. Adapted from the teacher's
// BoltDB-backed workflow store: a hot in-memory cache in front of a
// bbolt bucket, warmed on open.
package callbackstore

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/metaflow/engine/internal/errs"
)

var bucketPending = []byte("pending_callbacks")

// Pending is what a remote converter call needs to resume: the task
// id it was issued for and when it was dispatched (used to detect and
// scavenge calls that never got a callback).
type Pending struct {
	TaskID      string    `json:"task_id"`
	MissionJSON []byte    `json:"mission"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

type Store struct {
	db    *bbolt.DB
	mu    sync.RWMutex
	cache map[string]Pending
}

func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open callback store: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPending)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create callback bucket: %w", err)
	}
	s := &Store{db: db, cache: make(map[string]Pending)}
	if err := s.warmCache(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPending)
		return b.ForEach(func(k, v []byte) error {
			var p Pending
			if err := json.Unmarshal(v, &p); err != nil {
				return nil
			}
			s.cache[string(k)] = p
			return nil
		})
	})
}

// Put records a pending callback correlation.
func (s *Store) Put(taskID string, missionJSON []byte) error {
	p := Pending{TaskID: taskID, MissionJSON: missionJSON, DispatchedAt: time.Now()}
	data, err := json.Marshal(p)
	if err != nil {
		return errs.Logical("encode pending callback: %v", err)
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPending).Put([]byte(taskID), data)
	}); err != nil {
		return errs.Env(err, "persist pending callback %s", taskID)
	}
	s.mu.Lock()
	s.cache[taskID] = p
	s.mu.Unlock()
	return nil
}

// Take removes and returns the pending entry for taskID, if any — the
// callback endpoint calls this exactly once per task id, making a
// duplicate callback POST a no-op rather than a double-resume.
func (s *Store) Take(taskID string) (Pending, bool, error) {
	s.mu.RLock()
	p, ok := s.cache[taskID]
	s.mu.RUnlock()
	if !ok {
		return Pending{}, false, nil
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPending).Delete([]byte(taskID))
	}); err != nil {
		return Pending{}, false, errs.Env(err, "delete pending callback %s", taskID)
	}
	s.mu.Lock()
	delete(s.cache, taskID)
	s.mu.Unlock()
	return p, true, nil
}

// Overdue returns pending entries dispatched before cutoff (the remote
// converter never called back). The pipeline's scavenger does not call
// it; it re-drives task-log entries only.
func (s *Store) Overdue(cutoff time.Time) []Pending {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Pending
	for _, p := range s.cache {
		if p.DispatchedAt.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out
}

func (s *Store) Close() error {
	return s.db.Close()
}
