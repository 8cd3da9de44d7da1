// Package memchunkstore is a minimal in-memory repl.ChunkStore, used by
// repl's own tests and by anyone exercising the engine without a real
// on-disk store.
package memchunkstore

import (
	"context"
	"sync"

	"github.com/kfsgo/chunksrv/repl"
)

type handle struct {
	fileID, chunkID string
	version         int64
	tier            string
	data            []byte
}

// Store is a process-local map of chunkID -> bytes, guarded by a single
// mutex; it makes no attempt at the concurrency or crash-durability a
// real on-disk store would provide, which is exactly why it stays out of
// the production tree.
type Store struct {
	mu       sync.Mutex
	chunks   map[string]*handle // committed, readable chunks
	inflight map[string]*handle // between AllocChunk and ReplicationDone
}

func New() *Store {
	return &Store{chunks: make(map[string]*handle), inflight: make(map[string]*handle)}
}

func (s *Store) AllocChunk(_ context.Context, fileID, chunkID string, version int64, tier string, _ bool, targetVersion int64) (repl.FileHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// beingReplicated is always true from the real engine (§4.3 step 2); a
	// readable chunk already at targetVersion must be rejected regardless.
	if existing, ok := s.chunks[chunkID]; ok && existing.version == targetVersion {
		return nil, repl.ErrAlreadyExists("readable chunk with target version already exists")
	}
	h := &handle{fileID: fileID, chunkID: chunkID, version: version, tier: tier}
	s.inflight[chunkID] = h
	return h, nil
}

func (s *Store) WriteChunk(_ context.Context, fh repl.FileHandle, offset int64, data []byte, _ []repl.BlockChecksum) (int64, error) {
	h := fh.(*handle)
	s.mu.Lock()
	defer s.mu.Unlock()
	need := offset + int64(len(data))
	if int64(len(h.data)) < need {
		grown := make([]byte, need)
		copy(grown, h.data)
		h.data = grown
	}
	copy(h.data[offset:], data)
	return int64(len(data)), nil
}

func (s *Store) ChangeChunkVers(_ context.Context, chunkID string, finalVersion int64, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.inflight[chunkID]
	if !ok {
		return repl.ErrInvalidArgument("unknown in-flight chunk: " + chunkID)
	}
	h.version = finalVersion
	return nil
}

func (s *Store) ReplicationDone(_ context.Context, chunkID string, status error, fh repl.FileHandle) error {
	h := fh.(*handle)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, chunkID)
	if status != nil {
		return nil
	}
	s.chunks[chunkID] = h
	return nil
}

func (s *Store) GetChunkInfo(_ context.Context, chunkID string) (size, version int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.chunks[chunkID]
	if !ok {
		return 0, 0, repl.ErrInvalidArgument("unknown chunk: " + chunkID)
	}
	return int64(len(h.data)), h.version, nil
}
