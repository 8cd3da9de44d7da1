package repl

const (
	// ChunkSize is the fixed size of a chunk (§3, invariant 1).
	ChunkSize = 64 << 20 // 64 MiB

	// ChecksumBlockSize is the unit over which a block checksum is
	// computed; all aligned I/O is a multiple of this except a terminal
	// tail (§3, invariant 2; GLOSSARY).
	ChecksumBlockSize = 64 << 10 // 64 KiB

	// DefaultReadSize is the replication path's per-RPC read size (§4.3.3).
	DefaultReadSize = 1 << 20 // 1 MiB

	// MinBufferReservation is the floor a job must reserve from the
	// buffer-quota gate regardless of its computed budget (§4.2).
	MinBufferReservation = 16 << 10 // 16 KiB

	// MinStripeSize and MaxStripeSize bound valid recovery geometry (§4.4).
	MinStripeSize = 4 << 10   // 4 KiB
	MaxStripeSize = 16 << 20 // 16 MiB
)
