package repl

import (
	"sync"

	"github.com/kfsgo/chunksrv/cmn/debug"
	"github.com/kfsgo/chunksrv/cmn/nlog"
)

// registryEntry is the job-facing half of the in-flight registry contract
// (§4.1): anything insertable must be cancellable, must report the
// chunk-id and effective target version it was created for, and must be
// able to report whether its cancel latch fired.
type registryEntry interface {
	ChunkID() string
	EffectiveTargetVersion() int64
	Cancel()
	IsCancelledNow() bool
}

// Registry is the process-wide chunk-id -> active-job map (C1). It is
// mutated from several goroutines (Submit, replication job goroutines,
// recovery client threads); its own mutex guards every access (§5
// "Shared resources").
type Registry struct {
	mu      sync.Mutex
	entries map[string]registryEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// Insert installs job under its chunk-id, pre-empting any prior holder.
// Returns true if job ends up owning the slot, false if job's own cancel
// flag fired while the prior occupant was being torn down (§4.1).
//
// The source's tricky bit: Cancel on the prior entry may itself delete the
// slot (if the prior job observes its own cancellation synchronously and
// removes itself). Whether or not that happened, the second insert below
// unconditionally overwrites the slot with job -- this is open question
// (b) from the design notes, decided in favor of "new job always wins the
// slot it was given".
func (r *Registry) Insert(job registryEntry) bool {
	r.mu.Lock()
	prior, exists := r.entries[job.ChunkID()]
	if exists {
		debug.Assert(prior != job) // re-inserting the same job is a programming error
		r.mu.Unlock()
		nlog.Infof("[repl] pre-empting in-flight job for chunk %s", job.ChunkID())
		prior.Cancel()
		r.mu.Lock()
	}
	r.entries[job.ChunkID()] = job
	cancelled := job.IsCancelledNow()
	r.mu.Unlock()
	return !cancelled
}

// Remove detaches job's chunk-id from the map iff the map still points at
// job (it may already have been overwritten by a pre-empting insert).
func (r *Registry) Remove(job registryEntry) {
	r.mu.Lock()
	if cur, ok := r.entries[job.ChunkID()]; ok && cur == job {
		delete(r.entries, job.ChunkID())
	}
	r.mu.Unlock()
}

// CancelAll atomically detaches the whole map and cancels every entry.
// Inserts racing with this call land in a fresh map.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	taken := r.entries
	r.entries = make(map[string]registryEntry)
	r.mu.Unlock()

	for id, job := range taken {
		nlog.Infof("[repl] cancel-all: chunk %s", id)
		job.Cancel()
	}
}

// CancelByVersion cancels the job registered for chunkID iff its
// effective target version equals targetVersion. Returns whether a
// cancellation was issued (§4.1).
func (r *Registry) CancelByVersion(chunkID string, targetVersion int64) bool {
	r.mu.Lock()
	job, ok := r.entries[chunkID]
	if ok && job.EffectiveTargetVersion() == targetVersion {
		delete(r.entries, chunkID)
		r.mu.Unlock()
		job.Cancel()
		return true
	}
	r.mu.Unlock()
	return false
}

// Len reports the number of active entries; used by tests and by the
// active-job-count gauge's cross-check.
func (r *Registry) Len() int {
	r.mu.Lock()
	n := len(r.entries)
	r.mu.Unlock()
	return n
}
