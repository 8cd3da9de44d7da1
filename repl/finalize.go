package repl

import (
	"context"

	"github.com/kfsgo/chunksrv/cmn/nlog"
)

// finalize is the replication path's single finalization point (§4.7, §8
// invariant 4). It runs at most once per job regardless of how many
// completion paths race to call it (success, error, or cancellation all
// funnel here): the job's finalizeOnce guards the body.
//
// Sequence (§4.7):
//  1. release the local chunk store's claim on the handle
//  2. remove the job from the in-flight registry
//  3. bump the job's epoch (no completion path compares against it
//     today: jobs call their peer/reader synchronously)
//  4. record the terminal outcome in Stats
//  5. send exactly one Response on req.Done
func (j *replicationJob) finalize(ctx context.Context, finalVersion int64, status error) {
	j.finalizeOnce.Do(func() {
		if status != nil {
			finalVersion = -1
			if IsKind(status, KindCancelled) {
				nlog.Infof("[repl] chunk %s: replication cancelled", j.req.ChunkID)
			} else {
				nlog.Errorf("[repl] chunk %s: replication failed: %v", j.req.ChunkID, status)
			}
		}

		if j.handle != nil {
			if err := j.store.ReplicationDone(ctx, j.req.ChunkID, status, j.handle); err != nil {
				nlog.Errorf("[repl] chunk %s: ReplicationDone failed: %v", j.req.ChunkID, err)
			}
		}

		j.registry.Remove(j)
		j.bumpEpoch()

		if status != nil {
			kind := KindFault
			if je, ok := status.(*JobError); ok {
				kind = je.Kind()
			}
			j.stats.jobFailed(false, kind)
		} else {
			j.stats.jobSucceeded(false)
		}

		if j.req.Done != nil {
			j.req.Done <- Response{
				ChunkID:      j.req.ChunkID,
				Status:       status,
				FinalVersion: finalVersion,
			}
		}
	})
}

// finalize is the recovery path's single finalization point; the sequence
// mirrors replicationJob.finalize but additionally carries any parsed
// invalid-stripe triples into the Response (§4.4 step 4, §4.7).
func (j *recoveryJob) finalize(ctx context.Context, finalVersion int64, status error) {
	j.finalizeOnce.Do(func() {
		if status != nil {
			finalVersion = -1
			if IsKind(status, KindCancelled) {
				nlog.Infof("[repl] chunk %s: recovery cancelled", j.req.ChunkID)
			} else {
				nlog.Errorf("[repl] chunk %s: recovery failed: %v", j.req.ChunkID, status)
			}
		}

		if j.handle != nil {
			if err := j.store.ReplicationDone(ctx, j.req.ChunkID, status, j.handle); err != nil {
				nlog.Errorf("[repl] chunk %s: ReplicationDone failed: %v", j.req.ChunkID, err)
			}
		}

		j.reg.Remove(j)
		j.bumpEpoch()

		if status != nil {
			kind := KindFault
			if je, ok := status.(*JobError); ok {
				kind = je.Kind()
			}
			j.stats.jobFailed(true, kind)
		} else {
			j.stats.jobSucceeded(true)
		}

		if j.req.Done != nil {
			j.req.Done <- Response{
				ChunkID:          j.req.ChunkID,
				Status:           status,
				FinalVersion:     finalVersion,
				InvalidStripeIdx: j.invalidStripeIdx,
			}
		}
	})
}
