package memchunkstore_test

import (
	"context"
	"testing"

	"github.com/kfsgo/chunksrv/repl"
	"github.com/kfsgo/chunksrv/repl/memchunkstore"
)

func TestAllocChunkRejectsExistingReadableChunkAtTargetVersion(t *testing.T) {
	ctx := context.Background()
	s := memchunkstore.New()

	h, err := s.AllocChunk(ctx, "f1", "c1", 0, "", true, 5)
	if err != nil {
		t.Fatalf("AllocChunk: %v", err)
	}
	if _, err := s.WriteChunk(ctx, h, 0, []byte("data"), nil); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if err := s.ChangeChunkVers(ctx, "c1", 5, true); err != nil {
		t.Fatalf("ChangeChunkVers: %v", err)
	}
	if err := s.ReplicationDone(ctx, "c1", nil, h); err != nil {
		t.Fatalf("ReplicationDone: %v", err)
	}

	// Real callers always pass beingReplicated=true (§4.3 step 2); the
	// already-exists check must still fire regardless of that value.
	_, err = s.AllocChunk(ctx, "f1", "c1", 0, "", true, 5)
	if err == nil {
		t.Fatal("expected AllocChunk to reject a readable chunk already at the target version")
	}
	if !repl.IsKind(err, repl.KindAlreadyExists) {
		t.Fatalf("expected KindAlreadyExists, got %v", err)
	}
	const wantMsg = "readable chunk with target version already exists"
	if got := err.Error(); got != "AlreadyExists: "+wantMsg {
		t.Fatalf("Error() = %q, want message %q", got, wantMsg)
	}
}

func TestAllocChunkAllowsDifferentTargetVersion(t *testing.T) {
	ctx := context.Background()
	s := memchunkstore.New()

	h, err := s.AllocChunk(ctx, "f1", "c1", 0, "", true, 5)
	if err != nil {
		t.Fatalf("AllocChunk: %v", err)
	}
	if err := s.ChangeChunkVers(ctx, "c1", 5, true); err != nil {
		t.Fatalf("ChangeChunkVers: %v", err)
	}
	if err := s.ReplicationDone(ctx, "c1", nil, h); err != nil {
		t.Fatalf("ReplicationDone: %v", err)
	}

	if _, err := s.AllocChunk(ctx, "f1", "c1", 5, "", true, 6); err != nil {
		t.Fatalf("AllocChunk for a newer target version should succeed, got %v", err)
	}
}
