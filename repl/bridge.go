package repl

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kfsgo/chunksrv/cmn/nlog"
)

// bridgeCmd is the command a client-thread's queue carries for one
// recovery job (§4.5). kNone means "no command outstanding for this
// job"; the only legal transitions out of it are kNone->kStart and
// kNone->kRead. kCancel is reachable from any state.
type bridgeCmd int32

const (
	kNone bridgeCmd = iota
	kStart
	kRead
	kCancel
)

func (c bridgeCmd) String() string {
	switch c {
	case kNone:
		return "none"
	case kStart:
		return "start"
	case kRead:
		return "read"
	case kCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

type bridgeMsg struct {
	kind bridgeCmd
	job  *recoveryJob
}

// clientThread is one persistent goroutine with its own command queue. A
// recoveryJob is pinned to exactly one clientThread for its whole
// lifetime (round-robin assignment at Submit); every call the job makes
// into its StripedReader happens on that thread, never concurrently with
// another command for the same job (§4.5).
type clientThread struct {
	idx   int
	queue chan bridgeMsg
}

// threadAffinityKey tags a context with the client-thread index it is
// currently executing on, so Enqueue can tell whether it was called from
// the job's own owning thread (in which case it dispatches inline) or
// from some other goroutine (in which case it posts to the queue).
type threadAffinityKey struct{}

func withThreadAffinity(ctx context.Context, idx int) context.Context {
	return context.WithValue(ctx, threadAffinityKey{}, idx)
}

func threadAffinity(ctx context.Context) (int, bool) {
	idx, ok := ctx.Value(threadAffinityKey{}).(int)
	return idx, ok
}

// Bridge is the cross-thread bridge between the dispatcher goroutine that
// accepts recovery Requests and the round-robin pool of client-thread
// goroutines that run them (§4.5, §5 "dispatcher goroutine <->
// client-thread goroutine"). It plays the role Replicator.cc's
// MetaServers thread pool plays: Submit pins a job to one thread and
// posts its Start command; HandleCompletion reports the result back
// under the dispatcher lock once the job's drive() returns for good.
type Bridge struct {
	mu       sync.Mutex
	threads  []*clientThread
	capacity int
	next     uint64

	// dispatchMu is "the dispatcher mutex" HandleCompletion acquires
	// around finalize, so recovery completions on different client
	// threads finalize one at a time (§4.5). Replication jobs do not take
	// it; the registry has its own mutex and the counters are atomics.
	dispatchMu sync.Mutex

	ctx context.Context
	grp *errgroup.Group

	active sync.WaitGroup
}

// NewBridge creates a bridge whose client-thread pool starts at maxThreads
// (rsReader.maxRecoveryThreads, live-tunable via Resize).
func NewBridge(ctx context.Context, maxThreads int) *Bridge {
	grp, gctx := errgroup.WithContext(ctx)
	b := &Bridge{ctx: gctx, grp: grp}
	b.Resize(maxThreads)
	return b
}

// Resize grows or shrinks the round-robin pool's concurrency ceiling.
// Growing spawns new client-thread goroutines immediately. Shrinking only
// lowers the eligible-for-assignment count: a thread beyond the new
// capacity keeps running whatever job is already pinned to it (§4.5
// "without tearing down in-flight jobs already pinned to a retained
// thread") and simply stops receiving new ones.
func (b *Bridge) Resize(n int) {
	if n < 1 {
		n = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.threads) < n {
		t := &clientThread{idx: len(b.threads), queue: make(chan bridgeMsg, 64)}
		b.threads = append(b.threads, t)
		b.grp.Go(func() error {
			b.runThread(t)
			return nil
		})
	}
	b.capacity = n
}

func (b *Bridge) runThread(t *clientThread) {
	ctx := withThreadAffinity(b.ctx, t.idx)
	for msg := range t.queue {
		b.dispatch(ctx, msg.job, msg.kind)
	}
}

// Submit assigns job to the next thread in round-robin order and posts
// its Start command. Called exactly once per recovery job, from the
// dispatcher goroutine that accepted the Request.
func (b *Bridge) Submit(job *recoveryJob) {
	b.mu.Lock()
	idx := int(b.next % uint64(b.capacity))
	b.next++
	t := b.threads[idx]
	b.mu.Unlock()

	job.threadIdx = idx
	job.bridge = b
	b.active.Add(1)
	b.enqueueTo(t, job, kStart)
}

// Enqueue posts job's next command to its owning thread's queue, or
// dispatches it inline if the calling goroutine already is that thread
// (§4.5 "if called from the owning thread itself"). kCancel may be
// enqueued any number of times; job.pendingCancel dedups everything after
// the first so only one HandleCancel ever actually runs. Any other
// attempted transition out of a non-kNone state is a programming error.
func (b *Bridge) Enqueue(ctx context.Context, job *recoveryJob, kind bridgeCmd) {
	if kind == kCancel {
		if !job.pendingCancel.CAS(false, true) {
			return
		}
	} else {
		cur := bridgeCmd(job.bridgeState.Load())
		if cur != kNone {
			panic(fmt.Sprintf("[repl] bridge: illegal transition %s -> %s for chunk %s", cur, kind, job.ChunkID()))
		}
		job.bridgeState.Store(int32(kind))
	}

	if idx, ok := threadAffinity(ctx); ok && idx == job.threadIdx {
		b.dispatch(ctx, job, kind)
		return
	}

	b.mu.Lock()
	t := b.threads[job.threadIdx]
	b.mu.Unlock()
	t.queue <- bridgeMsg{kind: kind, job: job}
}

// enqueueTo is Enqueue's entry path for a job's very first command, where
// the caller (Submit) has already picked the thread and there is no prior
// bridgeState to validate against.
func (b *Bridge) enqueueTo(t *clientThread, job *recoveryJob, kind bridgeCmd) {
	job.bridgeState.Store(int32(kind))
	ctx := b.ctx
	if idx, ok := threadAffinity(ctx); ok && idx == job.threadIdx {
		b.dispatch(ctx, job, kind)
		return
	}
	t.queue <- bridgeMsg{kind: kind, job: job}
}

func (b *Bridge) dispatch(ctx context.Context, job *recoveryJob, kind bridgeCmd) {
	switch kind {
	case kStart:
		b.handleStart(ctx, job)
	case kRead:
		b.handleRead(ctx, job)
	case kCancel:
		b.handleCancel(ctx, job)
	default:
		panic(fmt.Sprintf("[repl] bridge: unknown command %s for chunk %s", kind, job.ChunkID()))
	}
}

// handleStart runs a freshly admitted job's MetaSetup/Allocate/OpenReader
// phase and its full read-write drive to completion on its pinned
// thread, then reports the result through HandleCompletion. A job whose
// cancel was enqueued before Start ever ran skips straight to the
// cancelled outcome without touching the store or striped reader.
func (b *Bridge) handleStart(ctx context.Context, job *recoveryJob) {
	if job.pendingCancel.Load() {
		b.HandleCompletion(ctx, job, -1, ErrCancelled())
		return
	}
	job.stats.jobStarted(true)
	finalVersion, err := job.drive(ctx)
	b.HandleCompletion(ctx, job, finalVersion, err)
}

// handleRead executes exactly one read/write cycle of an already-running
// job's drive loop. It exists for symmetry with handleStart and as the
// real per-cycle call site for the kNone->kRead transition: it resets
// job.bridgeState back to kNone after every cycle that does not finish the
// read loop (see recover.go's runReadWriteLoop), so the next cycle's Enqueue(kRead) is
// itself a fresh, legal kNone->kRead transition rather than a single
// command spanning the whole read loop.
func (b *Bridge) handleRead(ctx context.Context, job *recoveryJob) {
	if job.pendingCancel.Load() {
		job.readDone = true
		job.readErr = ErrCancelled()
		return
	}
	job.stepReadWrite(ctx)
	if !job.readDone {
		job.bridgeState.Store(int32(kNone))
	}
}

// handleCancel applies the one-way cancel latch. Because a client
// thread's queue is strictly FIFO, a Cancel enqueued while a Start or
// Read command is already running for the same job sits behind it and
// only runs once that command's handler returns -- i.e. the thread
// drains whatever was already posted before the cancel takes effect, per
// §4.5. The immediate, cross-goroutine interruption signal is
// job.cancelFlag (set synchronously below), which drive()'s own
// IsCancelledNow() checks observe without waiting for the queue.
func (b *Bridge) handleCancel(_ context.Context, job *recoveryJob) {
	job.job.Cancel()
}

// HandleCompletion is called once, on job's owning thread, when drive()
// returns for good (success, failure, or cancel). It acquires the
// dispatcher mutex before finalizing, so no two recovery jobs finalize
// at the same time (§4.5); registry Insert/CancelByVersion calls are
// serialized by the registry's own mutex, not by this one.
func (b *Bridge) HandleCompletion(ctx context.Context, job *recoveryJob, finalVersion int64, err error) {
	b.dispatchMu.Lock()
	job.finalize(ctx, finalVersion, err)
	b.dispatchMu.Unlock()
	b.active.Done()
}

// Wait blocks until every submitted job has finalized, then stops the
// client-thread pool.
func (b *Bridge) Wait() error {
	b.active.Wait()
	b.mu.Lock()
	for _, t := range b.threads {
		close(t.queue)
	}
	b.mu.Unlock()
	err := b.grp.Wait()
	if err != nil {
		nlog.Errorf("[repl] bridge: unexpected error from client-thread pool: %v", err)
	}
	return err
}
