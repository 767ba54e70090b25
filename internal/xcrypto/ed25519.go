package xcrypto

import (
	stded25519 "crypto/ed25519"
	"crypto/rand"
	"errors"

	"budlum/common"
)

// Signatures and account identity use Ed25519 straight from the standard
// library. No ed25519 package appears anywhere in the retrieval pack, and
// the one repo that does sign with Ed25519 (frederikgramkortegaard-august's
// blockchain/crypto.go) also reaches directly for crypto/ed25519 — so this
// is the pack's own idiom, not an avoidance of one. Key generation and
// address derivation follow the shape of xfsgo/crypto's
// GenPrvKey/PubKey2Addr pair.

const (
	PublicKeySize  = stded25519.PublicKeySize
	PrivateKeySize = stded25519.PrivateKeySize
	SignatureSize  = stded25519.SignatureSize
)

var ErrInvalidSignature = errors.New("xcrypto: invalid ed25519 signature")

func GenerateKey() (stded25519.PublicKey, stded25519.PrivateKey, error) {
	return stded25519.GenerateKey(rand.Reader)
}

func Sign(priv stded25519.PrivateKey, digest common.Hash) []byte {
	return stded25519.Sign(priv, digest.Bytes())
}

func Verify(pub stded25519.PublicKey, digest common.Hash, sig []byte) bool {
	if len(pub) != PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	return stded25519.Verify(pub, digest.Bytes(), sig)
}

// PubKeyToAddr derives an address the same way xfsgo's PubKey2Addr does:
// hash the encoded key, truncate, prefix with a version byte, append a
// checksum. secp256k1 points became flat 32-byte Ed25519 keys, so the
// public-key encoding step (PubKeyEncode) is no longer needed.
func PubKeyToAddr(version uint8, pub stded25519.PublicKey) common.Address {
	pubHash := H(pub)
	payload := append([]byte{version}, pubHash.Bytes()[:common.AddrLen-1-common.AddrCheckSumLen]...)
	cs := Checksum(payload)
	full := append(payload, cs...)
	return common.Bytes2Address(full)
}

func DefaultPubKeyToAddr(pub stded25519.PublicKey) common.Address {
	return PubKeyToAddr(common.DefaultAddressVersion, pub)
}

// Checksum is a double-H truncated checksum, mirroring xfsgo/crypto's
// double-SHA256 Checksum function with the module's own hash function.
func Checksum(payload []byte) []byte {
	first := H(payload)
	second := H(first.Bytes())
	return second.Bytes()[:common.AddrCheckSumLen]
}

func VerifyAddress(addr common.Address) bool {
	want := Checksum(addr.Payload())
	got := addr.Checksum()
	if len(want) != len(got) {
		return false
	}
	for i := range want {
		if want[i] != got[i] {
			return false
		}
	}
	return true
}
