package openid

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
)

// OpenID 2.0 Appendix B default modulus, generator 2
const defaultModulusBase64 = "ANz5OguIOXLsDhmYmsWizjEOHTdxfo2Vcbt2I3MYZuYe91ouJ4mLBX+YkcLiemOcPym2CBRYHNOyyjmG0mg3BVd9RcLn5S3IHHoXGHblzqdLFEi/368Ygo79JRnxTkXjgmY0rxlJ5bU1zIKaSDuKdiI+XUkKJX8Fvf8W8vsixYOr"

var (
	defaultModulus   = mustDecodeModulus(defaultModulusBase64)
	defaultGenerator = big.NewInt(2)
	bigOne           = big.NewInt(1)
)

func mustDecodeModulus(s string) *big.Int {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return new(big.Int).SetBytes(b)
}

// dhParams is the ephemeral key material of one association attempt
type dhParams struct {
	modulus   *big.Int
	generator *big.Int
	private   *big.Int
	public    *big.Int
}

// newDHParams draws a private exponent of the given bit length
func newDHParams(r io.Reader, bits int) (*dhParams, error) {
	limit := new(big.Int).Lsh(bigOne, uint(bits))
	var private *big.Int
	for {
		x, err := rand.Int(r, limit)
		if err != nil {
			return nil, fmt.Errorf("generating DH exponent: %w", err)
		}
		if x.Cmp(bigOne) > 0 {
			private = x
			break
		}
	}
	return &dhParams{
		modulus:   defaultModulus,
		generator: defaultGenerator,
		private:   private,
		public:    new(big.Int).Exp(defaultGenerator, private, defaultModulus),
	}, nil
}

// sharedSecret computes serverPublic^private mod p after range-checking the server value
func (d *dhParams) sharedSecret(serverPublic *big.Int) (*big.Int, error) {
	upper := new(big.Int).Sub(d.modulus, bigOne)
	if serverPublic.Cmp(bigOne) <= 0 || serverPublic.Cmp(upper) >= 0 {
		return nil, fmt.Errorf("%w: dh_server_public out of range", ErrMalformedResponse)
	}
	return new(big.Int).Exp(serverPublic, d.private, d.modulus), nil
}

// decryptMacKey recovers the MAC key from enc_mac_key
func (d *dhParams) decryptMacKey(alg HashAlgorithm, serverPublic *big.Int, encMacKey []byte) ([]byte, error) {
	shared, err := d.sharedSecret(serverPublic)
	if err != nil {
		return nil, err
	}
	h := alg.New()
	h.Write(btwoc(shared))
	return xorBytes(encMacKey, h.Sum(nil))
}
