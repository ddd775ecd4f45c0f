package ops

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/vechain/go-ecvrf"
)

// BitcoinCodec implements AddressCodec and VRFKeyCodec for a Bitcoin-style
// burnchain, the only concrete implementation this module ships; a second
// burnchain with different address versioning plugs in by implementing the
// same two interfaces.
type BitcoinCodec struct {
	Params *chaincfg.Params
}

var _ AddressCodec = (*BitcoinCodec)(nil)
var _ VRFKeyCodec = (*BitcoinCodec)(nil)

// DecodeAddress parses s as a base58check or bech32 Bitcoin address under
// the configured network parameters.
func (c *BitcoinCodec) DecodeAddress(s string) error {
	_, err := btcutil.DecodeAddress(s, c.Params)
	if err != nil {
		return fmt.Errorf("decode address %q: %w", s, err)
	}
	return nil
}

// DecodeVRFPublicKey validates that b is a well-formed secp256k1 point
// (compressed or uncompressed encoding, as btcec.ParsePubKey accepts) suitable as an EC-VRF public key (go-ecvrf uses the same curve).
func (c *BitcoinCodec) DecodeVRFPublicKey(b []byte) error {
	if _, err := btcec.ParsePubKey(b); err != nil {
		return fmt.Errorf("parse VRF public key: %w", err)
	}
	return nil
}

// VerifyVRFProof checks a VRF proof over seed against the registered public
// key, returning the VRF output hash that feeds sortition's seed chain
// (spec.md §4.4 "the VRF seed of the winning commit becomes the next
// new_seed"). Exposed for sortition and for tests that want deterministic,
// reproducible seed derivation (spec.md §9).
func VerifyVRFProof(pubKey, alpha, proof []byte) (beta []byte, err error) {
	pk, err := btcec.ParsePubKey(pubKey)
	if err != nil {
		return nil, fmt.Errorf("parse VRF public key: %w", err)
	}
	beta, err = ecvrf.NewSecp256k1Sha256Tai().Verify(pk.ToECDSA(), alpha, proof)
	if err != nil {
		return nil, fmt.Errorf("verify VRF proof: %w", err)
	}
	return beta, nil
}
