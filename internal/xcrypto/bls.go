package xcrypto

import (
	"errors"

	blst "github.com/supranational/blst/bindings/go"
)

// BLS backs the PoS finality gadget's prevote/precommit aggregation. The
// MinPk scheme is used, matching the adapter retrieved from
// wyf-ACCEPT-eth2030/pkg/crypto/bls_blst_adapter.go: public keys live in
// compressed G1 (48 bytes), signatures in compressed G2 (96 bytes).
var blsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_POP_")

const (
	BLSPublicKeySize = 48
	BLSSignatureSize = 96
	blsSecretSize    = 32
)

var (
	ErrBLSInvalidIKM       = errors.New("xcrypto: bls IKM must be at least 32 bytes")
	ErrBLSKeyGenFailed     = errors.New("xcrypto: bls key generation failed")
	ErrBLSInvalidSecretKey = errors.New("xcrypto: invalid bls secret key")
	ErrBLSSignFailed       = errors.New("xcrypto: bls signing failed")
	ErrBLSNoSignatures     = errors.New("xcrypto: no bls signatures to aggregate")
	ErrBLSAggregateFailed  = errors.New("xcrypto: bls aggregation failed")
)

// BLSKeyGen derives a BLS key pair from input key material, mirroring
// BlstKeyGen.
func BLSKeyGen(ikm []byte) (pubkey, secretKey []byte, err error) {
	if len(ikm) < 32 {
		return nil, nil, ErrBLSInvalidIKM
	}
	sk := blst.KeyGen(ikm)
	if sk == nil {
		return nil, nil, ErrBLSKeyGenFailed
	}
	pk := new(blst.P1Affine).From(sk)
	return pk.Compress(), sk.Serialize(), nil
}

// BLSSign signs msg (the vote digest) with the given compressed secret key.
func BLSSign(secretKey, msg []byte) ([]byte, error) {
	if len(secretKey) != blsSecretSize {
		return nil, ErrBLSInvalidSecretKey
	}
	sk := new(blst.SecretKey).Deserialize(secretKey)
	if sk == nil {
		return nil, ErrBLSInvalidSecretKey
	}
	sig := new(blst.P2Affine).Sign(sk, msg, blsDST)
	if sig == nil {
		return nil, ErrBLSSignFailed
	}
	return sig.Compress(), nil
}

// BLSAggregate merges N compressed signatures into a single compressed
// aggregate signature, mirroring BlstAggregateSigs.
func BLSAggregate(sigs [][]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, ErrBLSNoSignatures
	}
	agg := new(blst.P2Aggregate)
	if !agg.AggregateCompressed(sigs, true) {
		return nil, ErrBLSAggregateFailed
	}
	return agg.ToAffine().Compress(), nil
}

// BLSVerify checks a single BLS signature.
func BLSVerify(pubkey, msg, sig []byte) bool {
	if len(pubkey) == 0 || len(sig) == 0 {
		return false
	}
	pk := new(blst.P1Affine).Uncompress(pubkey)
	if pk == nil {
		return false
	}
	s := new(blst.P2Affine).Uncompress(sig)
	if s == nil {
		return false
	}
	return s.Verify(true, pk, true, msg, blsDST)
}

// BLSFastAggregateVerify checks an aggregate signature where every signer
// signed the same message, the shape a prevote/precommit quorum takes.
func BLSFastAggregateVerify(pubkeys [][]byte, msg, sig []byte) bool {
	n := len(pubkeys)
	if n == 0 || len(sig) == 0 {
		return false
	}
	s := new(blst.P2Affine).Uncompress(sig)
	if s == nil {
		return false
	}
	pks := make([]*blst.P1Affine, n)
	for i, pkBytes := range pubkeys {
		pks[i] = new(blst.P1Affine).Uncompress(pkBytes)
		if pks[i] == nil {
			return false
		}
	}
	return s.FastAggregateVerify(true, pks, msg, blsDST)
}
