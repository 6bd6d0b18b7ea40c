// Package dedup rejects a resubmission of the same (submitter, value, tier)
// inside a sliding window.
//
// Expiry is lazy: every lookup recomputes the elapsed time, so an entry
// older than the window never blocks even when Sweep did not run yet.
package dedup

import (
	"sort"
	"sync"
	"time"
)

type Key struct {
	SubmitterID string `json:"submitter_id"`
	Value       int64  `json:"value"`
	Tier        int    `json:"tier"`
}

type Entry struct {
	Key   Key       `json:"key"`
	At    time.Time `json:"at"`
	JobID string    `json:"job_id"`
}

// Decision is the outcome of Admit. JobID is the new job on admission or
// the blocking one on rejection.
type Decision struct {
	Allowed    bool
	JobID      string
	RetryAfter time.Duration
}

type Deduplicator struct {
	mx      sync.Mutex
	window  time.Duration
	entries map[Key]Entry
}

func New(window time.Duration) *Deduplicator {
	return &Deduplicator{
		window:  window,
		entries: make(map[Key]Entry),
	}
}

func (d *Deduplicator) Window() time.Duration {
	return d.window
}

// Admit checks key and, when allowed, installs the entry for the job id
// returned by mint within the same critical section.
func (d *Deduplicator) Admit(key Key, now time.Time, mint func() string) Decision {
	d.mx.Lock()
	defer d.mx.Unlock()

	if e, ok := d.entries[key]; ok {
		if elapsed := now.Sub(e.At); elapsed < d.window {
			return Decision{
				Allowed:    false,
				JobID:      e.JobID,
				RetryAfter: d.window - elapsed,
			}
		}
	}

	id := mint()
	d.entries[key] = Entry{Key: key, At: now, JobID: id}
	return Decision{Allowed: true, JobID: id}
}

// Release drops the entry of a job which never made it to the queue.
func (d *Deduplicator) Release(key Key, jobID string) {
	d.mx.Lock()
	defer d.mx.Unlock()
	if e, ok := d.entries[key]; ok && e.JobID == jobID {
		delete(d.entries, key)
	}
}

// Sweep physically removes expired entries and returns how many.
func (d *Deduplicator) Sweep(now time.Time) int {
	d.mx.Lock()
	defer d.mx.Unlock()
	var n int
	for k, e := range d.entries {
		if now.Sub(e.At) >= d.window {
			delete(d.entries, k)
			n++
		}
	}
	return n
}

type ActiveEntry struct {
	Entry
	RetryAfter time.Duration `json:"retry_after"`
}

type Status struct {
	Window  time.Duration `json:"window"`
	Stored  int           `json:"stored"`
	Expired int           `json:"expired"`
	Active  []ActiveEntry `json:"active"`
}

// Status is a snapshot for operational visibility, oldest entries first.
func (d *Deduplicator) Status(now time.Time) Status {
	d.mx.Lock()
	defer d.mx.Unlock()
	st := Status{
		Window: d.window,
		Stored: len(d.entries),
		Active: make([]ActiveEntry, 0, len(d.entries)),
	}
	for _, e := range d.entries {
		elapsed := now.Sub(e.At)
		if elapsed >= d.window {
			st.Expired++
			continue
		}
		st.Active = append(st.Active, ActiveEntry{Entry: e, RetryAfter: d.window - elapsed})
	}
	sort.Slice(st.Active, func(i, j int) bool {
		return st.Active[i].At.Before(st.Active[j].At)
	})
	return st
}
