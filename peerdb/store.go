package peerdb

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/tolelom/sortichain/errs"
)

// NumSlots is the fixed number of peer slots, matching the original
// implementation's NUM_NEIGHBORS-style bound (spec.md §4.7 "the table is
// fixed-capacity, never grows unbounded regardless of how many distinct
// peers are observed").
const NumSlots = 4096

// DB is the fixed-slot peer database. Each of NumSlots buckets holds at
// most one Neighbor; a new peer hashing to an occupied slot either is
// rejected (TryInsert) or evicts the incumbent (InsertOrReplace),
// following the teacher's storage.LevelDB wrap-one-handle-in-a-type
// pattern (storage/leveldb.go) generalized to fixed-slot semantics.
type DB struct {
	db *leveldb.DB
}

// Open opens (or creates) the peer database at path.
func Open(path string) (*DB, error) {
	ldb, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errs.Wrap(errs.FSError, fmt.Errorf("open peer db %q: %w", path, err))
	}
	return &DB{db: ldb}, nil
}

// Close closes the underlying LevelDB handle.
func (d *DB) Close() error {
	return d.db.Close()
}

// Slot returns the deterministic slot index a key hashes to. FNV-1a is the
// one stdlib-only choice in this module: it needs no cryptographic
// property here, only a stable, well-distributed mapping from peer
// identity to a bucket index, which hash/fnv provides without pulling in
// another dependency (slot placement is load balancing, not a security
// boundary).
func Slot(key NeighborKey) uint32 {
	h := fnv.New32a()
	h.Write(key.Bytes())
	return h.Sum32() % NumSlots
}

func slotKey(slot uint32) []byte {
	return []byte(fmt.Sprintf("slot:%08x", slot))
}

func asnPrefix(asn uint32) []byte {
	return []byte(fmt.Sprintf("asn:%08x:", asn))
}

func asnKey(asn uint32, slot uint32) []byte {
	return []byte(fmt.Sprintf("asn:%08x:%08x", asn, slot))
}

// getSlot returns the neighbor currently occupying slot, or nil if empty.
func (d *DB) getSlot(slot uint32) (*Neighbor, error) {
	val, err := d.db.Get(slotKey(slot), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.DBError, err)
	}
	var n Neighbor
	if err := json.Unmarshal(val, &n); err != nil {
		return nil, errs.Wrap(errs.DBError, fmt.Errorf("decode neighbor: %w", err))
	}
	return &n, nil
}

func (d *DB) putSlot(slot uint32, n *Neighbor, prev *Neighbor) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode neighbor: %w", err)
	}
	batch := new(leveldb.Batch)
	if prev != nil && prev.ASN != n.ASN {
		batch.Delete(asnKey(prev.ASN, slot))
	}
	batch.Put(slotKey(slot), data)
	batch.Put(asnKey(n.ASN, slot), n.Key.Bytes())
	if err := d.db.Write(batch, nil); err != nil {
		return errs.Wrap(errs.DBError, err)
	}
	return nil
}

// TryInsert places n in its hashed slot if that slot is empty or already
// holds n's own key, overwriting the stored record with n in the latter
// case (LastContact is whatever n carries). It never
// evicts another peer; callers that want eviction use InsertOrReplace
// (spec.md §4.7 "the walker inserts optimistically, only replacing via the
// walk's own replacement logic").
func (d *DB) TryInsert(n *Neighbor) (inserted bool, err error) {
	slot := Slot(n.Key)
	existing, err := d.getSlot(slot)
	if err != nil {
		return false, err
	}
	if existing != nil && !existing.Key.Equal(n.Key) {
		return false, nil
	}
	if err := d.putSlot(slot, n, existing); err != nil {
		return false, err
	}
	return true, nil
}

// InsertOrReplace places n in its hashed slot, evicting whatever
// incumbent is there. A blacklisted incumbent is always evicted; a
// whitelisted incumbent is never evicted and the insert is rejected
// instead (spec.md §4.7 "whitelist overrides eviction; blacklist forces
// it"). Returns the evicted neighbor's key, if any.
func (d *DB) InsertOrReplace(n *Neighbor) (evicted *NeighborKey, replaced bool, err error) {
	slot := Slot(n.Key)
	existing, err := d.getSlot(slot)
	if err != nil {
		return nil, false, err
	}
	if existing != nil && !existing.Key.Equal(n.Key) {
		if existing.Whitelisted && !existing.Blacklisted {
			return nil, false, nil
		}
		k := existing.Key
		evicted = &k
	}
	if err := d.putSlot(slot, n, existing); err != nil {
		return nil, false, err
	}
	return evicted, true, nil
}

// Get returns the neighbor stored for key, if its slot currently holds it.
func (d *DB) Get(key NeighborKey) (*Neighbor, error) {
	n, err := d.getSlot(Slot(key))
	if err != nil {
		return nil, err
	}
	if n == nil || !n.Key.Equal(key) {
		return nil, nil
	}
	return n, nil
}

// Remove clears key's slot, if it currently holds key.
func (d *DB) Remove(key NeighborKey) error {
	n, err := d.Get(key)
	if err != nil || n == nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Delete(slotKey(Slot(key)))
	batch.Delete(asnKey(n.ASN, Slot(key)))
	return d.db.Write(batch, nil)
}

// PeerSlots returns every occupied slot's neighbor, for the walker's full
// table scans (restart candidate selection, metrics).
func (d *DB) PeerSlots() ([]*Neighbor, error) {
	iter := d.db.NewIterator(util.BytesPrefix([]byte("slot:")), nil)
	defer iter.Release()
	var out []*Neighbor
	for iter.Next() {
		var n Neighbor
		if err := json.Unmarshal(iter.Value(), &n); err != nil {
			return nil, errs.Wrap(errs.DBError, fmt.Errorf("decode neighbor: %w", err))
		}
		out = append(out, &n)
	}
	if err := iter.Error(); err != nil {
		return nil, errs.Wrap(errs.DBError, err)
	}
	return out, nil
}

// GetRandomWalkNeighbors samples up to n non-blacklisted peers uniformly
// at random from the occupied slots, the candidate pool the walker's
// restart step draws from (spec.md §4.6 "restart picks a fresh uniform
// random neighbor, not an AS-biased one").
func (d *DB) GetRandomWalkNeighbors(n int) ([]*Neighbor, error) {
	all, err := d.PeerSlots()
	if err != nil {
		return nil, err
	}
	candidates := all[:0]
	for _, p := range all {
		if !p.Blacklisted {
			candidates = append(candidates, p)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if n > len(candidates) {
		n = len(candidates)
	}
	return candidates[:n], nil
}

// ASNCount returns how many occupied slots currently belong to the given
// autonomous system, the input to the walker's AS-bias calculation
// (spec.md §4.6).
func (d *DB) ASNCount(asn uint32) (int, error) {
	iter := d.db.NewIterator(util.BytesPrefix(asnPrefix(asn)), nil)
	defer iter.Release()
	count := 0
	for iter.Next() {
		count++
	}
	if err := iter.Error(); err != nil {
		return 0, errs.Wrap(errs.DBError, err)
	}
	return count, nil
}
