package repl_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kfsgo/chunksrv/repl"
	"github.com/kfsgo/chunksrv/repl/memchunkstore"
)

// fakePeer serves one fixed chunk's bytes, replaying them in whatever
// slice the caller asks for.
type fakePeer struct {
	data    []byte
	version int64
}

func (p *fakePeer) GetChunkMetadata(context.Context, string, bool) (size, version int64, err error) {
	return int64(len(p.data)), p.version, nil
}

func (p *fakePeer) Read(_ context.Context, _ string, _ int64, offset, numBytes int64, _ bool) (repl.ReadResult, error) {
	end := offset + numBytes
	if end > int64(len(p.data)) {
		end = int64(len(p.data))
	}
	if offset > end {
		offset = end
	}
	return repl.ReadResult{Data: p.data[offset:end], AtChunkEnd: end == int64(len(p.data))}, nil
}

type fakeDialer struct{ peer repl.Peer }

func (d fakeDialer) Dial(context.Context, string) (repl.Peer, error) { return d.peer, nil }

// fakeStripedReader hands back a single fixed payload, ignoring the RS
// geometry entirely, for exercising the recovery job's state machine
// without a real erasure-coded fixture (repl/rsreader owns the actual
// Reed-Solomon mechanics and is exercised separately).
type fakeStripedReader struct{ data []byte }

func (r *fakeStripedReader) Open(context.Context, repl.StripeDescriptor, bool) error { return nil }
func (r *fakeStripedReader) Close(context.Context) error                            { return nil }

func (r *fakeStripedReader) Read(_ context.Context, buf []byte, offset int64, reqID uint64) (repl.StripedReadResult, error) {
	end := offset + int64(len(buf))
	if end > int64(len(r.data)) {
		end = int64(len(r.data))
	}
	if offset > end {
		offset = end
	}
	n := copy(buf, r.data[offset:end])
	return repl.StripedReadResult{ReqID: reqID, Size: int64(n), AtChunkEnd: end == int64(len(r.data))}, nil
}

type fakeReaderFactory struct{ data []byte }

func (f fakeReaderFactory) New() repl.StripedReader { return &fakeStripedReader{data: f.data} }

// denyAllAuthenticator refuses every request, to exercise Engine.Submit's
// pre-admission auth check.
type denyAllAuthenticator struct{}

func (denyAllAuthenticator) Authenticate(context.Context, *repl.Request) error {
	return repl.ErrInvalidArgument("denied by denyAllAuthenticator")
}

func newTestEngine(dialer repl.PeerDialer, readers repl.StripedReaderFactory) (*repl.Engine, *memchunkstore.Store) {
	store := memchunkstore.New()
	e := repl.NewEngine(context.Background(), store, dialer, readers, 16<<20, nil, nil)
	return e, store
}

var _ = Describe("Engine", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("replication", func() {
		It("copies a chunk from a peer end to end", func() {
			payload := make([]byte, 200<<10)
			for i := range payload {
				payload[i] = byte(i)
			}
			peer := &fakePeer{data: payload, version: 3}
			e, store := newTestEngine(fakeDialer{peer: peer}, nil)

			done := make(chan repl.Response, 1)
			req := &repl.Request{
				FileID: "f1", ChunkID: "c1", ChunkVersion: 3, TargetVersion: -1,
				Location: "peer-a", Done: done,
			}
			Expect(e.Submit(ctx, req)).To(Succeed())

			var resp repl.Response
			Eventually(done, 5*time.Second).Should(Receive(&resp))
			Expect(resp.Status).To(BeNil())
			Expect(resp.FinalVersion).To(Equal(int64(3)))

			size, version, err := store.GetChunkInfo(ctx, "c1")
			Expect(err).NotTo(HaveOccurred())
			Expect(size).To(Equal(int64(len(payload))))
			Expect(version).To(Equal(int64(3)))

			snap := e.Stats()
			Expect(snap.ReplicationTotal).To(Equal(int64(1)))
			Expect(snap.ReplicationError).To(Equal(int64(0)))
		})

		It("finalizes a cancelled job with a non-nil status", func() {
			payload := make([]byte, 10<<20)
			peer := &fakePeer{data: payload, version: 1}
			e, _ := newTestEngine(fakeDialer{peer: peer}, nil)

			done := make(chan repl.Response, 1)
			req := &repl.Request{
				FileID: "f3", ChunkID: "c3", ChunkVersion: 1, TargetVersion: -1,
				Location: "peer-a", Done: done,
			}
			Expect(e.Submit(ctx, req)).To(Succeed())
			Expect(e.CancelChunk("c3", 1)).To(BeTrue())

			var resp repl.Response
			Eventually(done, 5*time.Second).Should(Receive(&resp))
			Expect(resp.Status).NotTo(BeNil())
		})

		It("rejects a request with no ChunkID or FileID", func() {
			e, _ := newTestEngine(fakeDialer{peer: &fakePeer{}}, nil)
			err := e.Submit(ctx, &repl.Request{Location: "peer-a"})
			Expect(err).To(HaveOccurred())
		})

		It("rejects a request an Authenticator refuses, before any job is created", func() {
			e, _ := newTestEngine(fakeDialer{peer: &fakePeer{}}, nil)
			e.SetAuthenticator(denyAllAuthenticator{})

			err := e.Submit(ctx, &repl.Request{FileID: "f4", ChunkID: "c4", Location: "peer-a"})
			Expect(err).To(HaveOccurred())
			Expect(e.Stats().ReplicationTotal).To(Equal(int64(0)))
		})
	})

	Describe("recovery", func() {
		It("reconstructs a chunk from the striped reader end to end", func() {
			payload := make([]byte, 150<<10)
			for i := range payload {
				payload[i] = byte(i * 3)
			}
			e, store := newTestEngine(nil, fakeReaderFactory{data: payload})

			done := make(chan repl.Response, 1)
			req := &repl.Request{
				FileID: "f2", ChunkID: "c2", ChunkVersion: 1, TargetVersion: -1,
				FileSize: int64(len(payload)), StripeSize: repl.MinStripeSize,
				NumStripes: 4, NumRecoveryStripes: 2, Done: done,
			}
			Expect(e.Submit(ctx, req)).To(Succeed())

			var resp repl.Response
			Eventually(done, 5*time.Second).Should(Receive(&resp))
			Expect(resp.Status).To(BeNil())
			Expect(resp.FinalVersion).To(Equal(int64(1)))

			size, _, err := store.GetChunkInfo(ctx, "c2")
			Expect(err).NotTo(HaveOccurred())
			Expect(size).To(Equal(int64(len(payload))))
		})
	})
})
