package pipeline

import (
	"sync"

	"github.com/oceanframework/ocean/internal/entity"
	"github.com/oceanframework/ocean/internal/oceanerr"
	"github.com/oceanframework/ocean/internal/port"
)

// maxErrorSamples bounds how many error messages are kept per error kind
const maxErrorSamples = 5

// KindStats is the in-memory run state for one kind: counters, the set of
// keys successfully upserted, and sampled errors. Created at run start,
// discarded at run end.
type KindStats struct {
	mu            sync.Mutex
	counters      port.KindCounters
	seen          map[entity.Key]struct{}
	fetchComplete bool
	samples       map[oceanerr.Kind][]string
	retained      []*entity.Entity
}

// NewKindStats creates empty stats for a kind
func NewKindStats() *KindStats {
	return &KindStats{
		seen:    make(map[entity.Key]struct{}),
		samples: make(map[oceanerr.Kind][]string),
	}
}

// RecordFetched counts raw records delivered by the fetcher
func (s *KindStats) RecordFetched(n int) {
	s.mu.Lock()
	s.counters.Fetched += int64(n)
	s.mu.Unlock()
}

// RecordMapped counts mapping outcomes
func (s *KindStats) RecordMapped(ok, failed int) {
	s.mu.Lock()
	s.counters.MappedOK += int64(ok)
	s.counters.MappedFail += int64(failed)
	s.mu.Unlock()
}

// RecordUpserts folds per-entity upsert results into the counters and, for
// successes, the seen set. Seen membership is what stale deletion trusts,
// so only 2xx-confirmed keys land here.
func (s *KindStats) RecordUpserts(results []port.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range results {
		if r.OK() {
			s.counters.Upserted++
			s.seen[r.Key] = struct{}{}
			continue
		}
		s.counters.Failed++
		s.sampleLocked(r.Err)
	}
}

// Retain holds on to entities whose upsert failed so a later pass can retry
// them once their relation targets exist. Only populated for kinds inside
// relation cycles.
func (s *KindStats) Retain(entities []*entity.Entity) {
	s.mu.Lock()
	s.retained = append(s.retained, entities...)
	s.mu.Unlock()
}

// TakeRetained returns and clears the retained entities
func (s *KindStats) TakeRetained() []*entity.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	retained := s.retained
	s.retained = nil
	return retained
}

// RecordRetries folds second-pass upsert results back into the counters:
// a success moves an entity from failed to upserted and into the seen set.
func (s *KindStats) RecordRetries(results []port.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range results {
		if r.OK() {
			s.counters.Failed--
			s.counters.Upserted++
			s.seen[r.Key] = struct{}{}
		}
	}
}

// RecordDeleted counts stale deletions
func (s *KindStats) RecordDeleted(n int) {
	s.mu.Lock()
	s.counters.Deleted += int64(n)
	s.mu.Unlock()
}

// Sample keeps a bounded sample of an error for the run summary
func (s *KindStats) Sample(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.sampleLocked(err)
	s.mu.Unlock()
}

func (s *KindStats) sampleLocked(err error) {
	kind := oceanerr.KindOf(err)
	if len(s.samples[kind]) < maxErrorSamples {
		s.samples[kind] = append(s.samples[kind], err.Error())
	}
}

// MarkFetchComplete records that the fetcher exhausted without failing.
// Stale deletion is only safe when the seen set is complete.
func (s *KindStats) MarkFetchComplete() {
	s.mu.Lock()
	s.fetchComplete = true
	s.mu.Unlock()
}

// FetchComplete reports whether the fetcher finished cleanly
func (s *KindStats) FetchComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchComplete
}

// Counters returns a copy of the counters
func (s *KindStats) Counters() port.KindCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// Seen reports whether a key was upserted this run
func (s *KindStats) Seen(key entity.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[key]
	return ok
}

// SeenKeys returns the keys upserted this run
func (s *KindStats) SeenKeys() []entity.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]entity.Key, 0, len(s.seen))
	for k := range s.seen {
		keys = append(keys, k)
	}
	return keys
}

// ErrorSamples returns the sampled error messages per kind of error
func (s *KindStats) ErrorSamples() map[oceanerr.Kind][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[oceanerr.Kind][]string, len(s.samples))
	for k, v := range s.samples {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// HadFailures reports whether any item-level failure was recorded
func (s *KindStats) HadFailures() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters.Failed > 0 || s.counters.MappedFail > 0
}
