package openid

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"math/big"
)

// HashAlgorithm is the digest used for DH secret hashing and HMAC signatures
type HashAlgorithm string

const (
	SHA1   HashAlgorithm = "sha1"
	SHA256 HashAlgorithm = "sha256"
)

// New returns a fresh hash.Hash for the algorithm
func (h HashAlgorithm) New() hash.Hash {
	if h == SHA256 {
		return sha256.New()
	}
	return sha1.New()
}

// Size is the digest length in bytes
func (h HashAlgorithm) Size() int {
	if h == SHA256 {
		return sha256.Size
	}
	return sha1.Size
}

// AssocType is the openid.assoc_type name for the algorithm
func (h HashAlgorithm) AssocType() string {
	if h == SHA256 {
		return "HMAC-SHA256"
	}
	return "HMAC-SHA1"
}

func hashForAssocType(assocType string) (HashAlgorithm, bool) {
	switch assocType {
	case "HMAC-SHA1":
		return SHA1, true
	case "HMAC-SHA256":
		return SHA256, true
	}
	return "", false
}

// btwoc returns the big-endian two's complement encoding of a non-negative n,
// with a leading zero byte whenever the high bit would otherwise be set.
func btwoc(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) == 0 {
		return []byte{0}
	}
	if b[0]&0x80 != 0 {
		b = append([]byte{0}, b...)
	}
	return b
}

// unbtwoc strips the sign padding added by btwoc
func unbtwoc(b []byte) []byte {
	for len(b) > 1 && b[0] == 0 {
		b = b[1:]
	}
	return b
}

func encodeBigInt(n *big.Int) string {
	return base64.StdEncoding.EncodeToString(btwoc(n))
}

func decodeBigInt(s string) (*big.Int, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64 integer: %v", ErrMalformedResponse, err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty integer", ErrMalformedResponse)
	}
	return new(big.Int).SetBytes(b), nil
}

func xorBytes(a, b []byte) ([]byte, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("%w: xor length mismatch (%d != %d)", ErrMalformedResponse, len(a), len(b))
	}
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out, nil
}

func computeMAC(alg HashAlgorithm, secret []byte, message string) []byte {
	mac := hmac.New(alg.New, secret)
	mac.Write([]byte(message))
	return mac.Sum(nil)
}

// sign returns the base64 HMAC of message under secret
func sign(alg HashAlgorithm, secret []byte, message string) string {
	return base64.StdEncoding.EncodeToString(computeMAC(alg, secret, message))
}

// verifyMAC checks a base64 signature in constant time
func verifyMAC(alg HashAlgorithm, secret []byte, message, signature string) bool {
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(got, computeMAC(alg, secret, message))
}
