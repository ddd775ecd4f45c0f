package ops

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

func TestBitcoinCodecDecodeAddressAcceptsWellFormedP2PKH(t *testing.T) {
	codec := &BitcoinCodec{Params: &chaincfg.MainNetParams}

	hash160 := make([]byte, 20)
	addr, err := btcutil.NewAddressPubKeyHash(hash160, codec.Params)
	if err != nil {
		t.Fatalf("build test address: %v", err)
	}

	if err := codec.DecodeAddress(addr.EncodeAddress()); err != nil {
		t.Fatalf("expected a well-formed mainnet P2PKH address to decode, got %v", err)
	}
}

func TestBitcoinCodecDecodeAddressRejectsGarbage(t *testing.T) {
	codec := &BitcoinCodec{Params: &chaincfg.MainNetParams}
	if err := codec.DecodeAddress("not-an-address"); err == nil {
		t.Fatal("expected garbage input to fail address decoding")
	}
}

func TestBitcoinCodecDecodeAddressRejectsWrongNetwork(t *testing.T) {
	hash160 := make([]byte, 20)
	testnetAddr, err := btcutil.NewAddressPubKeyHash(hash160, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("build testnet address: %v", err)
	}

	mainnetCodec := &BitcoinCodec{Params: &chaincfg.MainNetParams}
	if err := mainnetCodec.DecodeAddress(testnetAddr.EncodeAddress()); err == nil {
		t.Fatal("expected a testnet address to fail mainnet decoding")
	}
}

func TestBitcoinCodecDecodeVRFPublicKeyAcceptsValidCompressedPoint(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	codec := &BitcoinCodec{Params: &chaincfg.MainNetParams}
	if err := codec.DecodeVRFPublicKey(priv.PubKey().SerializeCompressed()); err != nil {
		t.Fatalf("expected a valid compressed pubkey to validate, got %v", err)
	}
}

func TestBitcoinCodecDecodeVRFPublicKeyRejectsMalformed(t *testing.T) {
	codec := &BitcoinCodec{Params: &chaincfg.MainNetParams}
	if err := codec.DecodeVRFPublicKey([]byte{0x01, 0x02, 0x03}); err == nil {
		t.Fatal("expected a malformed VRF public key to be rejected")
	}
}

func TestVerifyVRFProofRejectsMalformedPublicKey(t *testing.T) {
	if _, err := VerifyVRFProof([]byte{0x00}, []byte("alpha"), []byte("proof")); err == nil {
		t.Fatal("expected a malformed public key to fail VRF verification")
	}
}
