package peerwalk

import (
	"encoding/json"
	"math"
	"math/rand"
	"net"

	"github.com/tolelom/sortichain/peerdb"
)

// decodeNeighbors unmarshals a getneighbors reply payload into the
// candidate neighbor list. A malformed payload yields no candidates
// rather than an error: a misbehaving peer just ends this walk step
// early, it doesn't abort the walker (same "log and drop" posture as the
// op classifier).
func decodeNeighbors(payload []byte) []*peerdb.Neighbor {
	var wire []struct {
		Addr      string `json:"addr"`
		Port      uint16 `json:"port"`
		PublicKey []byte `json:"public_key"`
		ASN       uint32 `json:"asn"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil
	}
	out := make([]*peerdb.Neighbor, 0, len(wire))
	for _, w := range wire {
		ip := parseIP(w.Addr)
		if ip == nil {
			continue
		}
		out = append(out, &peerdb.Neighbor{
			Key:       peerdb.NeighborKey{Addr: ip, Port: w.Port},
			PublicKey: w.PublicKey,
			ASN:       w.ASN,
		})
	}
	return out
}

func parseIP(s string) net.IP {
	return net.ParseIP(s)
}

// degree estimates a neighbor's graph degree as the peer DB's count of
// slots sharing its autonomous system, the same proxy the original
// implementation uses in place of querying actual peer-to-peer fanout
// (spec.md §4.6 design note: "AS membership approximates degree without
// requiring a full crawl").
func degree(n *peerdb.Neighbor, db *peerdb.DB) float64 {
	count, err := db.ASNCount(n.ASN)
	if err != nil || count == 0 {
		return 1
	}
	return float64(count)
}

// chooseASBiased picks one candidate from discovered with probability
// inversely proportional to its AS's current representation in the peer
// table, so the walk is more likely to step toward under-represented
// autonomous systems rather than piling onto a handful of large ones
// (spec.md §4.6 "AS-biased step": the MH proposal distribution, not the
// final accept/reject decision).
func chooseASBiased(discovered []*peerdb.Neighbor, db *peerdb.DB) *peerdb.Neighbor {
	weights := make([]float64, len(discovered))
	var total float64
	for i, n := range discovered {
		weights[i] = 1.0 / degree(n, db)
		total += weights[i]
	}
	if total == 0 {
		return discovered[rand.Intn(len(discovered))]
	}
	r := rand.Float64() * total
	var cursor float64
	for i, w := range weights {
		cursor += w
		if r <= cursor {
			return discovered[i]
		}
	}
	return discovered[len(discovered)-1]
}

// acceptReject applies the Metropolis-Hastings acceptance rule: move to
// candidate with probability min(1, degree(current)/degree(candidate)),
// biasing the stationary distribution of the walk toward low-degree
// (under-represented) peers rather than the uniform-over-edges
// distribution a naive random walk would converge to (spec.md §4.6).
func acceptReject(current, candidate *peerdb.Neighbor, db *peerdb.DB) bool {
	dCur := degree(current, db)
	dCand := degree(candidate, db)
	if dCand <= 0 {
		return true
	}
	p := math.Min(1, dCur/dCand)
	return rand.Float64() < p
}
