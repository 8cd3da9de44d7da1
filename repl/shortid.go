package repl

import (
	"strconv"
	"sync"

	"github.com/teris-io/shortid"

	"github.com/kfsgo/chunksrv/3rdparty/atomic"
)

// Short, user-friendly job identifiers, generated the way cmn/shortid.go
// generates cluster-wide UUIDs: a small pool of shortid generators (one
// per worker slot) so concurrent callers don't contend on a single
// generator's internal counter.
const idABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

var (
	idOnce sync.Once
	sids   [8]*shortid.Shortid
	idSeq  atomic.Uint64
)

func initShortid() {
	for i := range sids {
		sids[i] = shortid.MustNew(uint8(i+1), idABC, 1)
	}
}

// genJobID produces a short, reasonably unique id for a job or request,
// falling back to a sequence number if shortid's generator is exhausted.
func genJobID() string {
	idOnce.Do(initShortid)
	slot := sids[idSeq.Inc()%uint64(len(sids))]
	if id, err := slot.Generate(); err == nil {
		return id
	}
	return "job-" + strconv.FormatUint(idSeq.Load(), 10)
}
