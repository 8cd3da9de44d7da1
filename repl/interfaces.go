package repl

import "context"

// ChunkStore is the local chunk store (§1 "out of scope, interfaces
// only"). The engine calls the first four operations, at the points
// named in §4 and §6; GetChunkInfo is for callers.
type ChunkStore interface {
	// AllocChunk reserves local storage for (fileID, chunkID) at the
	// given version (0 marks an incomplete replica-in-progress) and tier,
	// returning a FileHandle the caller owns exclusively until
	// ReplicationDone. Returns an *JobError(KindAlreadyExists) if a
	// readable chunk already exists at targetVersion (§4.3.2).
	AllocChunk(ctx context.Context, fileID, chunkID string, version int64, tier string, beingReplicated bool, targetVersion int64) (FileHandle, error)

	// WriteChunk writes data at offset into handle. offset must be a
	// multiple of ChecksumBlockSize except for the terminal write ending
	// exactly at the job's size (§3 invariant 2).
	WriteChunk(ctx context.Context, handle FileHandle, offset int64, data []byte, checksums []BlockChecksum) (int64, error)

	// ChangeChunkVers bumps the chunk's on-disk version once the job has
	// written every byte. stable indicates the version should be treated
	// as durable/discoverable by peers (§4.7 step 1).
	ChangeChunkVers(ctx context.Context, chunkID string, finalVersion int64, stable bool) error

	// ReplicationDone transfers ownership of handle back to the store,
	// which registers the chunk on success (status == nil) or discards
	// the partial replica otherwise (§4.7 step 2).
	ReplicationDone(ctx context.Context, chunkID string, status error, handle FileHandle) error

	// GetChunkInfo returns local chunk metadata, used by callers (not the
	// engine itself) to verify replication round-trips (§8).
	GetChunkInfo(ctx context.Context, chunkID string) (size int64, version int64, err error)
}

// FileHandle is an opaque local-file reference the chunk store hands back
// from AllocChunk and reclaims via ReplicationDone.
type FileHandle interface {
	// no methods: the engine never touches the handle's contents, only
	// carries it between AllocChunk and ReplicationDone (§3 invariant 5).
}

// BlockChecksum is the checksum of one ChecksumBlockSize-sized slice.
type BlockChecksum struct {
	Offset int64
	Sum    []byte
}

// ReadResult is what a peer hands back from a Read (striped readers
// return a StripedReadResult).
type ReadResult struct {
	Data       []byte
	Checksums  []BlockChecksum
	AtChunkEnd bool // true if this read reached the source's reported size
}

// Peer is the remote replication source (§6 "Outbound (peer,
// replication)"). repl/peerclient provides a concrete fasthttp-backed
// implementation; any other implementation may be substituted.
type Peer interface {
	// GetChunkMetadata returns the authoritative (size, version) for
	// chunkID as seen by the peer (§4.3 step 1).
	GetChunkMetadata(ctx context.Context, chunkID string, readVerify bool) (size, version int64, err error)

	// Read returns up to numBytes starting at offset. skipVerifyDiskChecksum
	// requests the peer skip its own on-disk checksum verification (only
	// valid when offset is checksum-block aligned, §4.3 step 3).
	Read(ctx context.Context, chunkID string, version int64, offset, numBytes int64, skipVerifyDiskChecksum bool) (ReadResult, error)
}

// StripeDescriptor carries the geometry a recovery job needs to open a
// StripedReader (§4.4).
type StripeDescriptor struct {
	FileID             string
	PathName           string
	FileSize           int64
	StripeSize         int64
	NumStripes         int
	NumRecoveryStripes int
	ChunkOffset        int64
}

// InvalidStripe is one (index, chunk-id, version) triple reported by a
// striped reader when it cannot satisfy a read from the surviving stripes
// (§4.4 step 4).
type InvalidStripe struct {
	Index   int
	ChunkID string
	Version int64
}

// StripedReader is the RS-recovery data source (§6 "Outbound
// (metadata-server-backed striped reader, recovery)"). repl/rsreader
// provides a concrete reedsolomon-backed implementation.
type StripedReader interface {
	// Open establishes the reader for the given geometry. skipHoles=true
	// per §4.4 step 2.
	Open(ctx context.Context, desc StripeDescriptor, skipHoles bool) error

	// Read issues a read for up to len(buf) bytes at offset, tagged with
	// reqID so completions can be matched to the issuing job (§4.4 step 3).
	// It may report ErrInvalidStripes-wrapped InvalidStripe entries instead
	// of data when the stripe group cannot be reconstructed.
	Read(ctx context.Context, buf []byte, offset int64, reqID uint64) (StripedReadResult, error)

	Close(ctx context.Context) error
}

// StripedReadResult is what a StripedReader.Read call returns on success.
type StripedReadResult struct {
	ReqID      uint64
	Size       int64
	AtChunkEnd bool
}

// ErrInvalidStripes is returned (wrapped) by StripedReader.Read when the
// stripe group could not be reconstructed from the surviving peers; the
// engine forwards Stripes to the owner-op (§4.4 step 4).
type ErrInvalidStripes struct {
	Stripes []InvalidStripe
	Panic   bool
}

func (e *ErrInvalidStripes) Error() string {
	return "striped reader: invalid stripes in group"
}
