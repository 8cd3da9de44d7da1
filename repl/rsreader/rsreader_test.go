package rsreader_test

import (
	"context"
	"errors"
	"testing"

	"github.com/klauspost/reedsolomon"

	"github.com/kfsgo/chunksrv/repl"
	"github.com/kfsgo/chunksrv/repl/rsreader"
)

const (
	numStripes         = 4
	numRecoveryStripes = 2
	stripeSize         = int64(1024)
	rowSize            = numStripes * stripeSize
	numRows            = 3
)

// encodedFixture builds numRows rows' worth of data+parity shards for a
// FileSize-byte chunk, the way a real RS-encoded file would be laid out on
// its peers: shard i holds byte range [row*stripeSize, (row+1)*stripeSize)
// for every row, concatenated.
type encodedFixture struct {
	plaintext []byte
	shards    [][]byte // one []byte per stripe index, all rows concatenated
}

func buildFixture(t *testing.T) *encodedFixture {
	t.Helper()
	enc, err := reedsolomon.New(numStripes, numRecoveryStripes)
	if err != nil {
		t.Fatalf("reedsolomon.New: %v", err)
	}

	plaintext := make([]byte, rowSize*numRows)
	for i := range plaintext {
		plaintext[i] = byte(i*7 + 1)
	}

	shards := make([][]byte, numStripes+numRecoveryStripes)
	for i := range shards {
		shards[i] = make([]byte, stripeSize*numRows)
	}
	for row := 0; row < numRows; row++ {
		rowStart := int64(row) * rowSize
		rowShards := make([][]byte, numStripes+numRecoveryStripes)
		for i := 0; i < numStripes; i++ {
			rowShards[i] = plaintext[rowStart+int64(i)*stripeSize : rowStart+int64(i+1)*stripeSize]
		}
		for i := numStripes; i < numStripes+numRecoveryStripes; i++ {
			rowShards[i] = make([]byte, stripeSize)
		}
		if err := enc.Encode(rowShards); err != nil {
			t.Fatalf("Encode row %d: %v", row, err)
		}
		for i, s := range rowShards {
			copy(shards[i][int64(row)*stripeSize:], s)
		}
	}
	return &encodedFixture{plaintext: plaintext, shards: shards}
}

// fakeResolver serves every shard except those listed in holes.
type fakeResolver struct {
	fx    *encodedFixture
	holes map[int]bool
}

func (r *fakeResolver) StripePeer(_ context.Context, _ string, stripeIndex int) (repl.Peer, error) {
	if r.holes[stripeIndex] {
		return nil, nil
	}
	return &fakeShardPeer{data: r.fx.shards[stripeIndex]}, nil
}

type fakeShardPeer struct{ data []byte }

func (p *fakeShardPeer) GetChunkMetadata(context.Context, string, bool) (int64, int64, error) {
	return int64(len(p.data)), 0, nil
}

func (p *fakeShardPeer) Read(_ context.Context, _ string, _ int64, offset, numBytes int64, _ bool) (repl.ReadResult, error) {
	end := offset + numBytes
	if end > int64(len(p.data)) {
		end = int64(len(p.data))
	}
	return repl.ReadResult{Data: p.data[offset:end], AtChunkEnd: end == int64(len(p.data))}, nil
}

func readAll(t *testing.T, r *rsreader.Reader, size int64) []byte {
	t.Helper()
	out := make([]byte, 0, size)
	buf := make([]byte, 777) // deliberately not stripe/row aligned
	offset := int64(0)
	var reqID uint64
	for {
		reqID++
		res, err := r.Read(context.Background(), buf, offset, reqID)
		if err != nil {
			t.Fatalf("Read at offset %d: %v", offset, err)
		}
		out = append(out, buf[:res.Size]...)
		offset += res.Size
		if res.AtChunkEnd {
			return out
		}
	}
}

func TestReaderReconstructsFromPartialStripes(t *testing.T) {
	fx := buildFixture(t)

	for _, holes := range [][]int{
		{},         // no holes: pure passthrough
		{1},        // one missing data shard
		{4},        // one missing parity shard, irrelevant on its own
		{0, 5},     // one data + one parity missing, still within budget
		{2, 3},     // two data shards missing, exactly at the recovery budget
	} {
		holeSet := make(map[int]bool, len(holes))
		for _, h := range holes {
			holeSet[h] = true
		}
		resolver := &fakeResolver{fx: fx, holes: holeSet}
		r := rsreader.New(resolver)

		desc := repl.StripeDescriptor{
			FileID:             "f1",
			FileSize:           int64(len(fx.plaintext)),
			StripeSize:         stripeSize,
			NumStripes:         numStripes,
			NumRecoveryStripes: numRecoveryStripes,
		}
		if err := r.Open(context.Background(), desc, true); err != nil {
			t.Fatalf("holes=%v: Open: %v", holes, err)
		}

		got := readAll(t, r, int64(len(fx.plaintext)))
		if len(got) != len(fx.plaintext) {
			t.Fatalf("holes=%v: got %d bytes, want %d", holes, len(got), len(fx.plaintext))
		}
		for i := range got {
			if got[i] != fx.plaintext[i] {
				t.Fatalf("holes=%v: byte %d mismatch: got %d want %d", holes, i, got[i], fx.plaintext[i])
			}
		}
	}
}

func TestReaderReportsInvalidStripesBeyondBudget(t *testing.T) {
	fx := buildFixture(t)
	resolver := &fakeResolver{fx: fx, holes: map[int]bool{0: true, 1: true, 4: true}} // 3 missing > 2 parity
	r := rsreader.New(resolver)

	desc := repl.StripeDescriptor{
		FileID:             "f1",
		FileSize:           int64(len(fx.plaintext)),
		StripeSize:         stripeSize,
		NumStripes:         numStripes,
		NumRecoveryStripes: numRecoveryStripes,
	}
	if err := r.Open(context.Background(), desc, true); err != nil {
		t.Fatalf("Open: %v", err)
	}

	buf := make([]byte, stripeSize*numStripes)
	_, err := r.Read(context.Background(), buf, 0, 1)
	if err == nil {
		t.Fatalf("Read should fail when more shards are missing than the recovery budget allows")
	}
	var invalid *repl.ErrInvalidStripes
	if !errors.As(err, &invalid) {
		t.Fatalf("expected *repl.ErrInvalidStripes, got %T: %v", err, err)
	}
	if len(invalid.Stripes) != 3 {
		t.Fatalf("Stripes = %d entries, want 3", len(invalid.Stripes))
	}
	if invalid.Panic {
		t.Fatalf("a partial (3-of-6) shard loss should not set Panic")
	}
}

func TestReaderSetsPanicWhenEveryShardIsUnreachable(t *testing.T) {
	fx := buildFixture(t)
	holes := map[int]bool{0: true, 1: true, 2: true, 3: true, 4: true, 5: true}
	resolver := &fakeResolver{fx: fx, holes: holes}
	r := rsreader.New(resolver)

	desc := repl.StripeDescriptor{
		FileID:             "f1",
		FileSize:           int64(len(fx.plaintext)),
		StripeSize:         stripeSize,
		NumStripes:         numStripes,
		NumRecoveryStripes: numRecoveryStripes,
	}
	if err := r.Open(context.Background(), desc, true); err != nil {
		t.Fatalf("Open: %v", err)
	}

	buf := make([]byte, stripeSize*numStripes)
	_, err := r.Read(context.Background(), buf, 0, 1)
	var invalid *repl.ErrInvalidStripes
	if !errors.As(err, &invalid) {
		t.Fatalf("expected *repl.ErrInvalidStripes, got %T: %v", err, err)
	}
	if !invalid.Panic {
		t.Fatalf("a total shard-resolution failure must set Panic")
	}
}
