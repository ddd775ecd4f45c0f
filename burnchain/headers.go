package burnchain

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/tolelom/sortichain/chainhash"
	"github.com/tolelom/sortichain/errs"
)

// recordSize is the fixed on-disk size of one Header record:
// height(8) + hash(32) + parent_hash(32) + timestamp(8).
const recordSize = 8 + chainhash.HashSize + chainhash.HashSize + 8

// HeaderFile is the flat, fixed-record-size file that stores the burnchain's
// header sequence indexed by height, per spec.md §6's on-disk layout.
type HeaderFile struct {
	mu   sync.RWMutex
	path string
	f    *os.File
}

// OpenHeaderFile opens (creating if absent) the headers file at path.
func OpenHeaderFile(path string) (*HeaderFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.FSError, fmt.Errorf("open headers file %q: %w", path, err))
	}
	return &HeaderFile{path: path, f: f}, nil
}

// Height returns the highest height recorded in the file, or -1 if empty.
func (hf *HeaderFile) Height() (int64, error) {
	hf.mu.RLock()
	defer hf.mu.RUnlock()
	n, err := hf.recordCountLocked()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return -1, nil
	}
	return n - 1, nil
}

func (hf *HeaderFile) recordCountLocked() (int64, error) {
	fi, err := hf.f.Stat()
	if err != nil {
		return 0, errs.Wrap(errs.FSError, err)
	}
	return fi.Size() / recordSize, nil
}

// ReadHeaders returns the headers in [lo, hi] inclusive, in ascending order.
func (hf *HeaderFile) ReadHeaders(lo, hi int64) ([]Header, error) {
	hf.mu.RLock()
	defer hf.mu.RUnlock()
	n, err := hf.recordCountLocked()
	if err != nil {
		return nil, err
	}
	if lo < 0 || hi >= n || lo > hi {
		return nil, errs.Wrap(errs.FSError, fmt.Errorf("height range [%d,%d] out of bounds (have %d records)", lo, hi, n))
	}
	out := make([]Header, 0, hi-lo+1)
	buf := make([]byte, recordSize)
	for h := lo; h <= hi; h++ {
		if _, err := hf.f.ReadAt(buf, h*recordSize); err != nil {
			return nil, errs.Wrap(errs.FSError, err)
		}
		out = append(out, decodeHeader(buf))
	}
	return out, nil
}

// Append writes h at height hf.Height()+1 and rejects h if h.Height is not
// exactly that next height. Append does not itself validate parent-hash
// linkage (that is pipeline's job, since it can compare against
// the indexer's remote view too).
func (hf *HeaderFile) Append(h Header) error {
	hf.mu.Lock()
	defer hf.mu.Unlock()
	n, err := hf.recordCountLocked()
	if err != nil {
		return err
	}
	if h.Height != n {
		return errs.Wrap(errs.FSError, fmt.Errorf("append height %d does not follow current height %d", h.Height, n-1))
	}
	buf := encodeHeader(h)
	if _, err := hf.f.WriteAt(buf, h.Height*recordSize); err != nil {
		return errs.Wrap(errs.FSError, err)
	}
	return hf.f.Sync()
}

// Truncate drops every record above height, used by reorg handling.
func (hf *HeaderFile) Truncate(height int64) error {
	hf.mu.Lock()
	defer hf.mu.Unlock()
	if err := hf.f.Truncate((height + 1) * recordSize); err != nil {
		return errs.Wrap(errs.FSError, err)
	}
	return hf.f.Sync()
}

// Close releases the underlying file handle.
func (hf *HeaderFile) Close() error {
	hf.mu.Lock()
	defer hf.mu.Unlock()
	return hf.f.Close()
}

func encodeHeader(h Header) []byte {
	buf := make([]byte, recordSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(h.Height))
	copy(buf[8:8+chainhash.HashSize], h.Hash[:])
	copy(buf[8+chainhash.HashSize:8+2*chainhash.HashSize], h.ParentHash[:])
	binary.BigEndian.PutUint64(buf[8+2*chainhash.HashSize:], uint64(h.Timestamp))
	return buf
}

func decodeHeader(buf []byte) Header {
	var h Header
	h.Height = int64(binary.BigEndian.Uint64(buf[0:8]))
	copy(h.Hash[:], buf[8:8+chainhash.HashSize])
	copy(h.ParentHash[:], buf[8+chainhash.HashSize:8+2*chainhash.HashSize])
	h.Timestamp = int64(binary.BigEndian.Uint64(buf[8+2*chainhash.HashSize:]))
	return h
}
