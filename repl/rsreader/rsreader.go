// Package rsreader implements repl.StripedReader by fetching individual
// stripes from the peers that still hold them and reconstructing missing
// ones with Reed-Solomon parity, the mechanics ec/getjogger.go's
// restoreMainObj uses (a reedsolomon.Encoder fed nil shards for whatever
// could not be fetched).
package rsreader

import (
	"context"
	"strconv"
	"sync"

	"github.com/klauspost/reedsolomon"

	"github.com/kfsgo/chunksrv/repl"
)

// StripePeerResolver maps a (fileID, stripe index) pair -- where index
// runs over the NumStripes data shards followed by the NumRecoveryStripes
// parity shards -- to the peer currently serving it. A nil Peer (or a
// resolution error) is treated as a hole: the corresponding shard is
// reconstructed rather than fetched.
type StripePeerResolver interface {
	StripePeer(ctx context.Context, fileID string, stripeIndex int) (repl.Peer, error)
}

// Reader is a repl.StripedReader. One instance serves exactly one
// recovery job's Open..Close lifetime (§4.4); it is not safe for
// concurrent Read calls, matching a job's own single-goroutine-at-a-time
// state machine.
type Reader struct {
	resolver StripePeerResolver
	enc      reedsolomon.Encoder
	desc     repl.StripeDescriptor
	skipHoles bool

	mu    sync.Mutex // guards peer-resolution cache across retries within one row
	peers map[int]repl.Peer
}

func New(resolver StripePeerResolver) *Reader {
	return &Reader{resolver: resolver}
}

// Factory implements repl.StripedReaderFactory, handing the Engine a
// fresh Reader per recovery job while sharing one resolver across all of
// them.
type Factory struct {
	Resolver StripePeerResolver
}

func (f Factory) New() repl.StripedReader {
	return New(f.Resolver)
}

func (r *Reader) Open(ctx context.Context, desc repl.StripeDescriptor, skipHoles bool) error {
	enc, err := reedsolomon.New(desc.NumStripes, desc.NumRecoveryStripes)
	if err != nil {
		return repl.ErrInvalidArgument("reedsolomon.New: " + err.Error())
	}
	r.enc = enc
	r.desc = desc
	r.skipHoles = skipHoles
	r.peers = make(map[int]repl.Peer, desc.NumStripes+desc.NumRecoveryStripes)
	return nil
}

func (r *Reader) Close(context.Context) error { return nil }

// Read reconstructs [offset, offset+len(buf)) of the chunk, one
// NumStripes*StripeSize-wide row at a time (a "row" is one StripeSize-wide
// stripe from every data shard, laid out round-robin across the NumStripes data shards plus
// their NumRecoveryStripes parity shards, per §4.4's geometry).
func (r *Reader) Read(ctx context.Context, buf []byte, offset int64, reqID uint64) (repl.StripedReadResult, error) {
	rowSize := int64(r.desc.NumStripes) * r.desc.StripeSize
	chunkEnd := r.desc.FileSize - r.desc.ChunkOffset
	if chunkEnd > r.desc.FileSize {
		chunkEnd = r.desc.FileSize
	}

	want := int64(len(buf))
	if offset+want > chunkEnd {
		want = chunkEnd - offset
	}
	if want <= 0 {
		return repl.StripedReadResult{ReqID: reqID, Size: 0, AtChunkEnd: true}, nil
	}

	absOffset := r.desc.ChunkOffset + offset
	n := int64(0)
	for n < want {
		row := (absOffset + n) / rowSize
		rowData, invalid, fatal, err := r.fetchRow(ctx, row)
		if err != nil {
			return repl.StripedReadResult{}, err
		}
		if len(invalid) > 0 {
			return repl.StripedReadResult{}, &repl.ErrInvalidStripes{Stripes: invalid, Panic: fatal}
		}

		rowStart := row * rowSize
		readStart := (absOffset + n) - rowStart
		avail := int64(len(rowData)) - readStart
		take := want - n
		if take > avail {
			take = avail
		}
		copy(buf[n:n+take], rowData[readStart:readStart+take])
		n += take
	}

	atEnd := offset+n >= chunkEnd
	return repl.StripedReadResult{ReqID: reqID, Size: n, AtChunkEnd: atEnd}, nil
}

// fetchRow fetches (or reconstructs) one full row of NumStripes data
// shards, returning their concatenated bytes. If more than
// NumRecoveryStripes shards are unavailable the row cannot be
// reconstructed; the caller reports invalid to the job owner (§4.4 step
// 4). fatal is set when every single shard in the row is unreachable --
// not just a few down replicas but a total resolution failure, which
// §4.4 step 4 treats as a programming/config-level fault rather than a
// reportable bad-replica condition.
func (r *Reader) fetchRow(ctx context.Context, row int64) (rowData []byte, invalid []repl.InvalidStripe, fatal bool, err error) {
	total := r.desc.NumStripes + r.desc.NumRecoveryStripes
	shards := make([][]byte, total)
	missing := 0

	for i := 0; i < total; i++ {
		data, ok := r.fetchShard(ctx, row, i)
		if !ok {
			missing++
			shards[i] = nil
			invalid = append(invalid, repl.InvalidStripe{Index: i, ChunkID: r.desc.FileID, Version: 0})
			continue
		}
		shards[i] = data
	}

	if missing == 0 {
		return concatDataShards(shards[:r.desc.NumStripes]), nil, false, nil
	}
	if missing > r.desc.NumRecoveryStripes {
		return nil, invalid, missing == total, nil
	}

	if err := r.enc.Reconstruct(shards); err != nil {
		return nil, nil, false, repl.ErrFault("reedsolomon reconstruct failed: " + err.Error())
	}
	return concatDataShards(shards[:r.desc.NumStripes]), nil, false, nil
}

func (r *Reader) fetchShard(ctx context.Context, row int64, stripeIndex int) (data []byte, ok bool) {
	r.mu.Lock()
	peer, cached := r.peers[stripeIndex]
	r.mu.Unlock()

	if !cached {
		var err error
		peer, err = r.resolver.StripePeer(ctx, r.desc.FileID, stripeIndex)
		if err != nil || peer == nil {
			return nil, false
		}
		r.mu.Lock()
		r.peers[stripeIndex] = peer
		r.mu.Unlock()
	}
	if peer == nil {
		return nil, false
	}

	shardID := r.desc.FileID + "." + strconv.Itoa(stripeIndex)
	offset := row * r.desc.StripeSize
	res, err := peer.Read(ctx, shardID, 0, offset, r.desc.StripeSize, false)
	if err != nil || int64(len(res.Data)) != r.desc.StripeSize {
		return nil, false
	}
	return res.Data, true
}

func concatDataShards(shards [][]byte) []byte {
	size := 0
	for _, s := range shards {
		size += len(s)
	}
	out := make([]byte, 0, size)
	for _, s := range shards {
		out = append(out, s...)
	}
	return out
}
