package repl

import (
	"sync"

	"github.com/kfsgo/chunksrv/3rdparty/atomic"
)

// Request is the inbound replicate-chunk operation (§6). An invalid
// Location selects the recovery path instead of replication.
type Request struct {
	FileID        string
	ChunkID       string
	ChunkVersion  int64
	TargetVersion int64 // -1 means "use source version" (replication only)

	Location       string // peer endpoint; empty/invalid selects recovery
	ChunkAccess    string // opaque credential material
	AllowClearText bool
	MinStorageTier string

	// Recovery-only geometry (§4.4).
	PathName           string
	FileSize           int64
	ChunkOffset        int64
	StriperType        string
	StripeSize         int64
	NumStripes         int
	NumRecoveryStripes int

	// ChunkServerAccess is the raw whitespace-delimited "token key" pair
	// from §6, exactly as received; ParseChunkServerAccess splits it at
	// authentication time (repl/auth.go).
	ChunkServerAccess string

	// Done receives exactly one Response when the job finalizes (§4.7
	// step 5, §8 invariant 5).
	Done chan<- Response
}

// IsRecovery reports whether Location selects the recovery path.
func (r *Request) IsRecovery() bool { return !validLocation(r.Location) }

func validLocation(loc string) bool { return loc != "" }

// Response is what the engine hands back to the requester exactly once
// per Request (§4.7 step 5).
type Response struct {
	ChunkID          string
	Status           error // nil on success; *JobError otherwise
	FinalVersion     int64 // -1 on failure or cancel (§4.7 step 3)
	InvalidStripeIdx string // "idx chunkid version ..." triples (§4.4 step 4)
}

// jobState is the explicit state enum driving both C3 and C4's dispatch
// (design note: "async control flow ... express as an explicit state
// enum").
type jobState int

const (
	stateInit jobState = iota
	stateWaitQuota
	stateGetMeta      // C3 only
	stateMetaSetup    // C4 only
	stateAllocated
	stateOpenReader   // C4 only
	stateRead
	stateWrite
	stateFinalize
	stateDone
)

// job is the shared data model from §3, embedded by replicationJob and
// recoveryJob. All mutation of job-local fields happens on the job's
// owning goroutine (dispatcher for replication, a bridge client-thread
// goroutine for recovery); cancel is the one field touched cross-goroutine,
// hence the dedicated atomic + epoch pair.
type job struct {
	req *Request

	id string // short job id; striped reads are tagged with recoveryJob's nextReqID counter instead

	size   int64
	offset int64
	done   bool

	handle FileHandle

	cancelFlag atomic.Bool
	epoch      atomic.Int64 // bumped on finalize; stale completions compare against this

	mu           sync.Mutex // guards handle/size/offset when read from another goroutine (debug assertions only)
	finalizeOnce sync.Once  // C7: exactly one finalization runs, regardless of which path triggers it
}

func newJob(req *Request) *job {
	return &job{req: req, id: genJobID()}
}

func (j *job) ChunkID() string { return j.req.ChunkID }

func (j *job) EffectiveTargetVersion() int64 {
	if j.req.TargetVersion >= 0 {
		return j.req.TargetVersion
	}
	return j.req.ChunkVersion
}

// Cancel sets the one-way cancellation latch (§5 "Cancellation is a
// one-way latch").
func (j *job) Cancel() { j.cancelFlag.Store(true) }

func (j *job) IsCancelledNow() bool { return j.cancelFlag.Load() }

// epochAt returns the current epoch, to be captured by a completion
// callback and compared against job.epoch.Load() when the completion
// fires; a mismatch means the job was already finalized and the
// completion must be dropped (design note: "cyclic completion callbacks").
func (j *job) epochAt() int64 { return j.epoch.Load() }

func (j *job) staleCompletion(capturedEpoch int64) bool {
	return j.epoch.Load() != capturedEpoch
}

func (j *job) bumpEpoch() { j.epoch.Inc() }
