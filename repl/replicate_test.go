package repl_test

import (
	"context"
	"testing"
	"time"

	"github.com/kfsgo/chunksrv/repl"
	"github.com/kfsgo/chunksrv/repl/memchunkstore"
)

// badChecksumOncePeer fails the very first Read at each distinct offset
// with ErrBadChecksum, then serves the real bytes on the retry -- the
// peer side of §4.3 step 4's at-most-once-per-block retry.
type badChecksumOncePeer struct {
	data    []byte
	version int64
	failed  map[int64]bool
}

func (p *badChecksumOncePeer) GetChunkMetadata(context.Context, string, bool) (int64, int64, error) {
	return int64(len(p.data)), p.version, nil
}

func (p *badChecksumOncePeer) Read(_ context.Context, _ string, _ int64, offset, numBytes int64, _ bool) (repl.ReadResult, error) {
	if !p.failed[offset] {
		p.failed[offset] = true
		return repl.ReadResult{}, repl.ErrBadChecksum("block checksum mismatch")
	}
	end := offset + numBytes
	if end > int64(len(p.data)) {
		end = int64(len(p.data))
	}
	return repl.ReadResult{Data: p.data[offset:end], AtChunkEnd: end == int64(len(p.data))}, nil
}

func TestReplicationRetryOnceOnBadChecksum(t *testing.T) {
	payload := make([]byte, 300<<10)
	for i := range payload {
		payload[i] = byte(i + 11)
	}
	peer := &badChecksumOncePeer{data: payload, version: 2, failed: make(map[int64]bool)}
	store := memchunkstore.New()
	e := repl.NewEngine(context.Background(), store, fakeDialer{peer: peer}, nil, 16<<20, nil, nil)

	done := make(chan repl.Response, 1)
	req := &repl.Request{
		FileID: "f1", ChunkID: "c1", ChunkVersion: 2, TargetVersion: -1,
		Location: "peer-a", Done: done,
	}
	if err := e.Submit(context.Background(), req); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case resp := <-done:
		if resp.Status != nil {
			t.Fatalf("expected the retry to succeed, got %v", resp.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for replication to finish")
	}

	size, _, err := store.GetChunkInfo(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetChunkInfo: %v", err)
	}
	if size != int64(len(payload)) {
		t.Fatalf("stored size = %d, want %d", size, len(payload))
	}
	if snap := e.Stats(); snap.ReplicationRetry != 1 {
		t.Fatalf("ReplicationRetry = %d, want 1", snap.ReplicationRetry)
	}
}

// badChecksumTwicePeer always fails, to prove the retry never fires more
// than once per block (§4.3 step 4's "at most one retry").
type badChecksumTwicePeer struct{ version int64 }

func (p *badChecksumTwicePeer) GetChunkMetadata(context.Context, string, bool) (int64, int64, error) {
	return 1 << 20, p.version, nil
}

func (p *badChecksumTwicePeer) Read(context.Context, string, int64, int64, int64, bool) (repl.ReadResult, error) {
	return repl.ReadResult{}, repl.ErrBadChecksum("block checksum mismatch")
}

func TestReplicationFailsAfterSecondBadChecksum(t *testing.T) {
	peer := &badChecksumTwicePeer{version: 1}
	store := memchunkstore.New()
	e := repl.NewEngine(context.Background(), store, fakeDialer{peer: peer}, nil, 16<<20, nil, nil)

	done := make(chan repl.Response, 1)
	req := &repl.Request{
		FileID: "f2", ChunkID: "c2", ChunkVersion: 1, TargetVersion: -1,
		Location: "peer-a", Done: done,
	}
	if err := e.Submit(context.Background(), req); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case resp := <-done:
		if resp.Status == nil {
			t.Fatal("expected replication to fail once the retry also hits a bad checksum")
		}
		if !repl.IsKind(resp.Status, repl.KindBadChecksum) {
			t.Fatalf("expected KindBadChecksum, got %v", resp.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for replication to finish")
	}

	if snap := e.Stats(); snap.ReplicationRetry != 1 {
		t.Fatalf("ReplicationRetry = %d, want exactly 1 (no second retry)", snap.ReplicationRetry)
	}
}

// shortReadPeer reports a single zero-byte read that is not at chunk end,
// directly triggering §4.3 step 4's short-read rejection.
type shortReadPeer struct{ version int64 }

func (p *shortReadPeer) GetChunkMetadata(context.Context, string, bool) (int64, int64, error) {
	return 1 << 20, p.version, nil
}

func (p *shortReadPeer) Read(context.Context, string, int64, int64, int64, bool) (repl.ReadResult, error) {
	return repl.ReadResult{Data: nil, AtChunkEnd: false}, nil
}

func TestReplicationFailsOnShortReadBeforeEOF(t *testing.T) {
	peer := &shortReadPeer{version: 1}
	store := memchunkstore.New()
	e := repl.NewEngine(context.Background(), store, fakeDialer{peer: peer}, nil, 16<<20, nil, nil)

	done := make(chan repl.Response, 1)
	req := &repl.Request{
		FileID: "f3", ChunkID: "c3", ChunkVersion: 1, TargetVersion: -1,
		Location: "peer-a", Done: done,
	}
	if err := e.Submit(context.Background(), req); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case resp := <-done:
		if resp.Status == nil {
			t.Fatal("expected a zero-byte, non-EOF read to fail the job")
		}
		if !repl.IsKind(resp.Status, repl.KindShortRead) {
			t.Fatalf("expected KindShortRead, got %v", resp.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for replication to finish")
	}
}

// TestReplicationFlushesUnalignedTailWrite drives a payload whose length
// is not a multiple of ChecksumBlockSize through the full engine, proving
// the tail buffer's final partial block gets flushed on AtChunkEnd rather
// than silently dropped (§4.3 step 5).
func TestReplicationFlushesUnalignedTailWrite(t *testing.T) {
	payload := make([]byte, repl.ChecksumBlockSize*2+777)
	for i := range payload {
		payload[i] = byte(i * 5)
	}
	peer := &fakePeer{data: payload, version: 4}
	store := memchunkstore.New()
	e := repl.NewEngine(context.Background(), store, fakeDialer{peer: peer}, nil, 16<<20, nil, nil)

	done := make(chan repl.Response, 1)
	req := &repl.Request{
		FileID: "f4", ChunkID: "c4", ChunkVersion: 4, TargetVersion: -1,
		Location: "peer-a", Done: done,
	}
	if err := e.Submit(context.Background(), req); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case resp := <-done:
		if resp.Status != nil {
			t.Fatalf("unexpected failure: %v", resp.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for replication to finish")
	}

	size, _, err := store.GetChunkInfo(context.Background(), "c4")
	if err != nil {
		t.Fatalf("GetChunkInfo: %v", err)
	}
	if size != int64(len(payload)) {
		t.Fatalf("stored size = %d, want %d (the unaligned tail must still be flushed)", size, len(payload))
	}
}
