package repl

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kfsgo/chunksrv/3rdparty/atomic"
	"github.com/kfsgo/chunksrv/cmn/cos"
	"github.com/kfsgo/chunksrv/cmn/nlog"
)

// recoveryJob drives C4: reconstruction of a chunk from surviving
// Reed-Solomon stripes via an external striped reader. Unlike a
// replicationJob, a recoveryJob's Start and each of its Read cycles run
// as separate commands posted through repl/bridge.go's cross-thread
// bridge (§4.5): the job is pinned to one client-thread goroutine for its
// whole lifetime, and drive()'s read/write loop is just a sequence of
// kRead commands Enqueue'd back onto that same thread (§4.4, §4.5).
type recoveryJob struct {
	job

	store  ChunkStore
	reader StripedReader
	params RSReaderParams
	stats  *Stats
	gate   *BufferGate
	reg    *Registry

	state     jobState
	readSize  int64
	tail      tailBuffer
	nextReqID uint64

	invalidStripeIdx string // set on an ErrInvalidStripes failure (§4.4 step 4)

	// Bridge dispatch state (§4.5). threadIdx and bridge are set once, by
	// Bridge.Submit, before the job ever runs; bridgeState and
	// pendingCancel are mutated from whichever goroutine currently holds
	// the job (either the dispatcher, via Enqueue, or the owning
	// client-thread goroutine itself).
	threadIdx     int
	bridge        *Bridge
	bridgeState   atomic.Int32
	pendingCancel atomic.Bool

	// Running state for the current read/write cycle sequence. Valid
	// only while drive() is executing on this job's owning thread; never
	// touched concurrently because every stepReadWrite call for one job
	// is serialized through that thread's command queue.
	rwOffset  int64
	rwWritten int64
	rwBuf     []byte
	readDone  bool
	readErr   error
}

func newRecoveryJob(req *Request, store ChunkStore, reader StripedReader, params RSReaderParams, stats *Stats, gate *BufferGate, reg *Registry) *recoveryJob {
	return &recoveryJob{
		job:    *newJob(req),
		store:  store,
		reader: reader,
		params: params,
		stats:  stats,
		gate:   gate,
		reg:    reg,
		state:  stateInit,
	}
}

// Cancel overrides job.Cancel to also drive the bridge protocol's Cancel
// command (§4.5): job.Cancel sets the cross-goroutine cancelFlag every
// state-machine check already polls, synchronously and unconditionally;
// the Enqueue(kCancel) call additionally posts a Cancel command onto the
// job's owning thread so any command already queued ahead of it finishes
// first (the FIFO drain §4.5 requires) before the bridge treats the job
// as cancelled. A job that hasn't been handed to a bridge yet (bridge ==
// nil, still between construction and Submit) relies solely on the
// cancelFlag -- drive()'s own IsCancelledNow() checks pick it up once the
// job starts running.
func (j *recoveryJob) Cancel() {
	j.job.Cancel()
	if j.bridge != nil {
		j.bridge.Enqueue(context.Background(), j, kCancel)
	}
}

// drive runs §4.4's state machine: MetaSetup -> Allocated -> OpenReader ->
// (Read -> Write)* -> Close -> done. The (Read -> Write)* portion is
// driven one cycle at a time through the bridge's kRead command rather
// than a plain in-line loop (§4.5): runReadWriteLoop below posts one
// Enqueue(kRead) per cycle and lets stepReadWrite carry the loop's state
// across calls.
func (j *recoveryJob) drive(ctx context.Context) (finalVersion int64, err error) {
	j.state = stateMetaSetup

	if j.IsCancelledNow() {
		return -1, ErrCancelled()
	}
	if j.req.NumStripes < 1 || j.req.StripeSize < MinStripeSize || j.req.StripeSize > MaxStripeSize {
		return -1, ErrInvalidArgument("invalid recovery geometry")
	}
	j.size = j.req.FileSize - j.req.ChunkOffset
	if j.size > j.req.FileSize {
		j.size = j.req.FileSize
	}
	if j.size > j.params.MaxRecoverChunkSize {
		return -1, ErrInvalidArgument("chunk size exceeds maxRecoverChunkSize safety bound")
	}

	targetVersion := j.req.TargetVersion
	if targetVersion < 0 {
		targetVersion = j.req.ChunkVersion
	}

	j.state = stateWaitQuota
	j.readSize = computeReadSize(j.params.MaxReadSize, j.gate.quota, j.req.NumStripes, j.req.StripeSize, DefaultReadSize)
	budget := recoveryBudget(j.readSize, j.req.NumStripes)
	if j.gate.OverQuota(budget) {
		return -1, ErrOutOfMemory("recovery read budget exceeds buffer quota")
	}
	granted, wait := j.gate.TryReserve(budget)
	if !granted {
		select {
		case <-wait:
		case <-ctx.Done():
			j.gate.CancelWait(wait)
			return -1, ErrCancelled()
		}
	}
	defer j.gate.Release(budget)

	if j.IsCancelledNow() {
		return -1, ErrCancelled()
	}

	j.state = stateAllocated
	handle, err := j.store.AllocChunk(ctx, j.req.FileID, j.req.ChunkID, 0, j.req.MinStorageTier, true, targetVersion)
	if err != nil {
		return -1, err
	}
	j.handle = handle

	j.state = stateOpenReader
	desc := StripeDescriptor{
		FileID:             j.req.FileID,
		PathName:           j.req.PathName,
		FileSize:           j.req.FileSize,
		StripeSize:         j.req.StripeSize,
		NumStripes:         j.req.NumStripes,
		NumRecoveryStripes: j.req.NumRecoveryStripes,
		ChunkOffset:        j.req.ChunkOffset,
	}
	if err := j.reader.Open(ctx, desc, true /* skipHoles */); err != nil {
		return -1, ErrHostUnreachable("striped reader Open failed", err)
	}
	defer j.reader.Close(ctx)

	// The Start command's own setup work (admission, alloc, open) is
	// done; drop back to kNone so the first kRead cycle below is a legal
	// kNone->kRead transition rather than a rejected kStart->kRead one
	// (§4.5).
	j.bridgeState.Store(int32(kNone))

	if invalidIdx, err := j.runReadWriteLoop(ctx); err != nil {
		j.invalidStripeIdx = invalidIdx
		return -1, wrapInvalidStripes(invalidIdx, err)
	}

	j.state = stateFinalize
	if err := j.store.ChangeChunkVers(ctx, j.req.ChunkID, targetVersion, true); err != nil {
		return -1, err
	}
	return targetVersion, nil
}

// runReadWriteLoop drives stepReadWrite to completion, one bridge kRead
// command per cycle (§4.5). Every Enqueue call here is a fresh
// kNone->kRead transition: handleRead resets bridgeState back to kNone
// after each cycle that doesn't finish the job, which is what makes the
// next iteration's Enqueue legal rather than a rejected double-transition.
// Because this call always runs on the job's own owning thread, Enqueue
// dispatches stepReadWrite inline and returns only once that one cycle is
// done -- the loop below is not concurrent with anything else touching j.
func (j *recoveryJob) runReadWriteLoop(ctx context.Context) (invalidStripes string, err error) {
	j.rwOffset = 0
	j.rwWritten = 0
	j.rwBuf = make([]byte, j.readSize)
	j.readDone = false
	j.readErr = nil

	for !j.readDone {
		j.bridge.Enqueue(ctx, j, kRead)
	}

	if j.readErr == nil {
		return "", nil
	}
	var is *ErrInvalidStripes
	if errors.As(j.readErr, &is) {
		return formatInvalidStripes(is.Stripes), j.readErr
	}
	return "", j.readErr
}

// stepReadWrite runs exactly one read-then-write cycle of the recovery
// loop (§4.4 steps 3-5), leaving its result in j.readErr/j.readDone for
// runReadWriteLoop to pick up. It is called only from
// Bridge.handleRead, always on j's owning client thread.
func (j *recoveryJob) stepReadWrite(ctx context.Context) {
	if j.IsCancelledNow() {
		j.readErr = ErrCancelled()
		j.readDone = true
		return
	}

	j.state = stateRead
	j.nextReqID++
	reqID := j.nextReqID
	res, rerr := j.reader.Read(ctx, j.rwBuf, j.rwOffset, reqID)
	if rerr != nil {
		var is *ErrInvalidStripes
		if errors.As(rerr, &is) {
			// §4.4 step 4: a panic flag on a non-empty chunk means the
			// striped reader hit a condition it considers a
			// programming/config fault, not a reportable bad-replica
			// set -- treat it as fatal rather than surfacing it as an
			// ordinary invalid-stripes response.
			if is.Panic && j.size > 0 {
				cos.AssertMsg(false, fmt.Sprintf("panic flag set on striped read for chunk %s (size=%d): %s",
					j.ChunkID(), j.size, formatInvalidStripes(is.Stripes)))
			}
			j.readErr = rerr
			j.readDone = true
			return
		}
		j.readErr = ErrHostUnreachable("striped read failed", rerr)
		j.readDone = true
		return
	}
	if res.Size == 0 && !res.AtChunkEnd {
		j.readErr = ErrShortRead("striped reader returned zero bytes before reporting chunk end")
		j.readDone = true
		return
	}

	j.state = stateWrite
	toWrite := j.tail.Append(j.rwBuf[:res.Size], res.AtChunkEnd)
	if len(toWrite) > 0 {
		checksums := blockChecksums(toWrite, j.rwWritten, defaultChecksumType)
		if _, err := j.store.WriteChunk(ctx, j.handle, j.rwWritten, toWrite, checksums); err != nil {
			j.readErr = err
			j.readDone = true
			return
		}
		j.rwWritten += int64(len(toWrite))
	}

	j.rwOffset += res.Size
	if res.AtChunkEnd {
		if j.rwOffset != j.size {
			j.readErr = ErrShortRead("recovery read did not reach expected chunk size")
			j.readDone = true
			return
		}
		cos.Assert(j.tail.Len() == 0)
		j.readDone = true
	}
}

func wrapInvalidStripes(idx string, err error) error {
	if idx == "" {
		return err
	}
	nlog.Errorf("[repl] recovery: invalid stripes: %s", idx)
	return ErrFault("invalid stripes in recovery group: " + idx)
}

// formatInvalidStripes renders the "idx chunkid version" triples the
// response carries (§4.4 step 4).
func formatInvalidStripes(stripes []InvalidStripe) string {
	parts := make([]string, 0, len(stripes))
	for _, s := range stripes {
		parts = append(parts, strconv.Itoa(s.Index)+" "+s.ChunkID+" "+strconv.FormatInt(s.Version, 10))
	}
	return strings.Join(parts, " ")
}
