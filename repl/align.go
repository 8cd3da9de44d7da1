package repl

import "github.com/kfsgo/chunksrv/cmn/cos"

// alignUp rounds n up to the next multiple of block (block must be a
// power of two, as ChecksumBlockSize is).
func alignUp(n, block int64) int64 {
	if r := n % block; r != 0 {
		return n + (block - r)
	}
	return n
}

func alignDown(n, block int64) int64 {
	return n - n%block
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int64) int64 {
	return a / gcd(a, b) * b
}

// computeReadSize is the recovery path's per-job read size, chosen once
// before the first striped read (§4.4 "Per-job read size"). Ported from
// Replicator.cc's GetReadSize: align up to a checksum block; cap at
// maxReadSize and at bufferQuota/(numStripes+1) (rounded down to a block
// multiple); if the result still exceeds stripeSize, floor it to the
// nearest multiple of the LCM of checksum-block and stripe-size when
// that LCM still fits the cap, else the LCM of ioBufferSize and
// stripe-size (used unfloored in that case, matching the source's
// "invalid read parameters" fallback). The floor is one checksum block.
func computeReadSize(maxReadSize, bufferQuota int64, numStripes int, stripeSize, ioBufferSize int64) int64 {
	cap1 := alignDown(bufferQuota/int64(numStripes+1), ChecksumBlockSize)
	size := minI64(maxReadSize, cap1)
	size = alignUp(size, ChecksumBlockSize)
	if size < ChecksumBlockSize {
		size = ChecksumBlockSize
	}

	if size > stripeSize {
		l := lcm(ChecksumBlockSize, stripeSize)
		if l > size {
			l = lcm(ioBufferSize, stripeSize)
			if l > size {
				return l
			}
		}
		size = (size / l) * l
	}
	if size < ChecksumBlockSize {
		size = ChecksumBlockSize
	}
	return size
}

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// tailBuffer accumulates the unaligned remainder between successive reads
// (§4.6). Each Append returns the checksum-block-aligned prefix to write
// and retains the new residue as the tail.
type tailBuffer struct {
	buf []byte
}

// Append combines the current tail with newData and splits it into an
// aligned prefix (to write now) and a new tail (< ChecksumBlockSize),
// unless atEnd is true, in which case the whole combined buffer is
// returned as the final write and the tail is cleared (§4.6, terminal
// write may be shorter than a full checksum block).
func (t *tailBuffer) Append(newData []byte, atEnd bool) (toWrite []byte) {
	combined := append(t.buf, newData...)
	if atEnd {
		t.buf = nil
		return combined
	}
	alignedLen := alignDown(int64(len(combined)), ChecksumBlockSize)
	toWrite = combined[:alignedLen]
	residue := combined[alignedLen:]
	t.buf = append([]byte(nil), residue...)
	return toWrite
}

func (t *tailBuffer) Len() int64 { return int64(len(t.buf)) }

// splitAlignedTail splits data (the bytes just read by the replication
// path) into the largest whole-checksum-block prefix and a sub-block
// tail (§4.3 step 5).
func splitAlignedTail(data []byte) (aligned, tail []byte) {
	alignedLen := alignDown(int64(len(data)), ChecksumBlockSize)
	return data[:alignedLen], data[alignedLen:]
}

// blockChecksums computes one BlockChecksum per ChecksumBlockSize-sized
// slice of data, using the checksum abstraction cmn/cos/cksum.go
// provides (§4.6: "per-block checksums ... computed with a pluggable
// hash").
func blockChecksums(data []byte, baseOffset int64, ty string) []BlockChecksum {
	n := (int64(len(data)) + ChecksumBlockSize - 1) / ChecksumBlockSize
	out := make([]BlockChecksum, 0, n)
	for off := int64(0); off < int64(len(data)); off += ChecksumBlockSize {
		end := off + ChecksumBlockSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		h := cos.NewCksumHash(ty)
		h.H.Write(data[off:end])
		h.Finalize()
		out = append(out, BlockChecksum{Offset: baseOffset + off, Sum: h.Sum()})
	}
	return out
}
