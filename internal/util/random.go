package util

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

// SerialBits is the entropy drawn for certificate serial numbers. 159 bits
// keeps the DER INTEGER within the 20 octets RFC 5280 allows.
const SerialBits = 159

// RandomSerial returns a positive, non-zero serial of SerialBits bits read
// from r. A nil r uses crypto/rand.
func RandomSerial(r io.Reader) (*big.Int, error) {
	if r == nil {
		r = rand.Reader
	}
	limit := new(big.Int).Lsh(big.NewInt(1), SerialBits)
	for {
		n, err := rand.Int(r, limit)
		if err != nil {
			return nil, fmt.Errorf("generating serial number: %w", err)
		}
		if n.Sign() > 0 {
			return n, nil
		}
	}
}
