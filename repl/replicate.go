package repl

import (
	"context"

	"github.com/kfsgo/chunksrv/cmn/debug"
	"github.com/kfsgo/chunksrv/cmn/nlog"
)

// replicationJob drives C3: single-source streaming copy from a peer into
// the local chunk store. One instance is created per accepted replication
// Request and runs entirely on the dispatcher goroutine that owns it
// (§4.3, §5).
type replicationJob struct {
	job

	store    ChunkStore
	peer     Peer
	params   ReplicatorParams
	stats    *Stats
	gate     *BufferGate
	registry *Registry

	state jobState
	tail  tailBuffer

	badChecksumRetried bool // set once a bad-checksum read has been retried; each read is retried at most once (§4.3 step 4)
}

func newReplicationJob(req *Request, store ChunkStore, peer Peer, params ReplicatorParams, stats *Stats, gate *BufferGate, registry *Registry) *replicationJob {
	return &replicationJob{
		job:      *newJob(req),
		store:    store,
		peer:     peer,
		params:   params,
		stats:    stats,
		gate:     gate,
		registry: registry,
		state:    stateInit,
	}
}

// run executes the job to completion (success, failure, or cancellation)
// and sends exactly one Response on req.Done (§4.7 step 5).
func (j *replicationJob) run(ctx context.Context) {
	j.stats.jobStarted(false)

	finalVersion, err := j.drive(ctx)
	j.finalize(ctx, finalVersion, err)
}

// drive runs the explicit state machine from §4.3: GetMeta -> Allocated ->
// (Read -> Write)* -> done. Cancellation is checked at every state
// transition (§5 "a cancelled job still runs to its next check point").
func (j *replicationJob) drive(ctx context.Context) (finalVersion int64, err error) {
	j.state = stateGetMeta

	if j.IsCancelledNow() {
		return -1, ErrCancelled()
	}

	size, srcVersion, err := j.peer.GetChunkMetadata(ctx, j.req.ChunkID, !j.params.ReadSkipDiskVerify)
	if err != nil {
		return -1, ErrHostUnreachable("GetChunkMetadata failed", err)
	}
	j.size = size
	targetVersion := j.req.TargetVersion
	if targetVersion < 0 {
		targetVersion = srcVersion
	}

	j.state = stateWaitQuota
	budget := replicationBudget()
	if j.gate.OverQuota(budget) {
		return -1, ErrOutOfMemory("replication read budget exceeds buffer quota")
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

	if err := j.readWriteLoop(ctx); err != nil {
		return -1, err
	}

	j.state = stateFinalize
	if err := j.store.ChangeChunkVers(ctx, j.req.ChunkID, targetVersion, true); err != nil {
		return -1, err
	}
	return targetVersion, nil
}

// readWriteLoop performs the repeated read-from-peer / write-to-store
// cycle until the peer reports end-of-chunk (§4.3 steps 3-6).
func (j *replicationJob) readWriteLoop(ctx context.Context) error {
	readOffset := int64(0)
	writtenSoFar := int64(0)
	for {
		if j.IsCancelledNow() {
			return ErrCancelled()
		}

		j.state = stateRead
		skipVerify := j.params.ReadSkipDiskVerify && readOffset%ChecksumBlockSize == 0
		res, err := j.peer.Read(ctx, j.req.ChunkID, j.req.ChunkVersion, readOffset, DefaultReadSize, skipVerify)
		if err != nil {
			if IsKind(err, KindBadChecksum) && skipVerify {
				j.badChecksumRetried = true
				j.stats.retriedReplicationRead()
				nlog.Infof("[repl] chunk %s: bad checksum at offset %d, retrying once", j.req.ChunkID, readOffset)
				res, err = j.peer.Read(ctx, j.req.ChunkID, j.req.ChunkVersion, readOffset, DefaultReadSize, false)
			}
			if err != nil {
				return err
			}
		}
		if int64(len(res.Data)) < DefaultReadSize && !res.AtChunkEnd {
			return ErrShortRead("peer returned fewer bytes than requested before reporting chunk end")
		}

		j.state = stateWrite
		toWrite := j.tail.Append(res.Data, res.AtChunkEnd)
		if len(toWrite) > 0 {
			checksums := blockChecksums(toWrite, writtenSoFar, defaultChecksumType)
			if _, err := j.store.WriteChunk(ctx, j.handle, writtenSoFar, toWrite, checksums); err != nil {
				return err
			}
			writtenSoFar += int64(len(toWrite))
		}

		readOffset += int64(len(res.Data))
		if res.AtChunkEnd {
			if readOffset != j.size {
				return ErrShortRead("final offset did not reach reported chunk size")
			}
			debug.Assert(j.tail.Len() == 0)
			return nil
		}
	}
}

const defaultChecksumType = "xxhash"
