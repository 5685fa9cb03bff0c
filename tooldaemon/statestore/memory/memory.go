// Package memory provides an in-memory implementation of the tool daemon's
// StateStore. Suitable for development and tests; restart loses all jobs.
package memory

import (
	"sync"
	"time"

	"github.com/domeai/dome/tooldaemon"
)

type idempotencyEntry struct {
	requestHash string
	jobID       string
}

// Store is an in-memory, mutex-guarded StateStore.
type Store struct {
	mu           sync.RWMutex
	jobs         map[string]*tooldaemon.JobRecord
	idempotency  map[string]idempotencyEntry // "clientID:idempotencyKey" -> entry
	nextSeq      map[string]int64            // jobID -> next event seq
}

var _ tooldaemon.StateStore = (*Store)(nil)

// New constructs an empty in-memory Store.
func New() *Store {
	return &Store{
		jobs:        make(map[string]*tooldaemon.JobRecord),
		idempotency: make(map[string]idempotencyEntry),
		nextSeq:     make(map[string]int64),
	}
}

func idemKey(clientID, idempotencyKey string) string { return clientID + ":" + idempotencyKey }

// Submit inserts job, or replays the stored job if (clientID,
// job.IdempotencyKey) was already used with a matching request hash.
func (s *Store) Submit(job tooldaemon.JobRecord, clientID string) (tooldaemon.JobRecord, bool, error) {
	if job.IdempotencyKey == "" {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.insertLocked(job)
		return job, false, nil
	}

	key := idemKey(clientID, job.IdempotencyKey)

	s.mu.RLock()
	if entry, ok := s.idempotency[key]; ok {
		existing := *s.jobs[entry.jobID]
		s.mu.RUnlock()
		if entry.requestHash != job.RequestHash {
			return tooldaemon.JobRecord{}, false, tooldaemon.ErrIdempotencyKeyReused
		}
		return existing, true, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.idempotency[key]; ok {
		existing := *s.jobs[entry.jobID]
		if entry.requestHash != job.RequestHash {
			return tooldaemon.JobRecord{}, false, tooldaemon.ErrIdempotencyKeyReused
		}
		return existing, true, nil
	}
	s.insertLocked(job)
	s.idempotency[key] = idempotencyEntry{requestHash: job.RequestHash, jobID: job.JobID}
	return job, false, nil
}

func (s *Store) insertLocked(job tooldaemon.JobRecord) {
	stored := job
	s.jobs[job.JobID] = &stored
	s.nextSeq[job.JobID] = 1
}

// Get returns the job with the given ID.
func (s *Store) Get(jobID string) (tooldaemon.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return tooldaemon.JobRecord{}, tooldaemon.ErrJobNotFound
	}
	return *job, nil
}

// Transition moves jobID to state to, rejecting the call if the job is
// already terminal.
func (s *Store) Transition(jobID string, to tooldaemon.JobState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return tooldaemon.ErrJobNotFound
	}
	if job.State.Terminal() {
		return tooldaemon.ErrTerminalJob
	}
	job.State = to
	job.UpdatedAtEpoch = time.Now().Unix()
	return nil
}

// Cancel moves a non-terminal job to canceled; a no-op when already
// terminal.
func (s *Store) Cancel(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return tooldaemon.ErrJobNotFound
	}
	if job.State.Terminal() {
		return nil
	}
	job.State = tooldaemon.JobCanceled
	job.UpdatedAtEpoch = time.Now().Unix()
	return nil
}

// AppendEvent assigns the next per-job seq and appends the event.
func (s *Store) AppendEvent(jobID string, typ tooldaemon.EventType, payload any) (tooldaemon.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return tooldaemon.EventRecord{}, tooldaemon.ErrJobNotFound
	}
	seq := s.nextSeq[jobID]
	record := tooldaemon.EventRecord{Seq: seq, Type: typ, Payload: payload, TSEpoch: time.Now().Unix()}
	job.Events = append(job.Events, record)
	s.nextSeq[jobID] = seq + 1
	job.UpdatedAtEpoch = record.TSEpoch
	return record, nil
}

// EventsSince returns events with seq > sinceSeq, ascending.
func (s *Store) EventsSince(jobID string, sinceSeq int64) ([]tooldaemon.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, tooldaemon.ErrJobNotFound
	}
	var out []tooldaemon.EventRecord
	for _, evt := range job.Events {
		if evt.Seq > sinceSeq {
			out = append(out, evt)
		}
	}
	return out, nil
}

// GC removes terminal jobs (and their idempotency rows) whose
// UpdatedAtEpoch is older than now-ttl.
func (s *Store) GC(ttl time.Duration, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-ttl).Unix()
	removed := 0
	for id, job := range s.jobs {
		if job.State.Terminal() && job.UpdatedAtEpoch < cutoff {
			delete(s.jobs, id)
			delete(s.nextSeq, id)
			removed++
		}
	}
	for key, entry := range s.idempotency {
		if _, ok := s.jobs[entry.jobID]; !ok {
			delete(s.idempotency, key)
		}
	}
	return removed, nil
}
