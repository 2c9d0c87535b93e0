package auth

import (
	"math/big"
	"strings"
)

// base58btc is the Bitcoin alphabet used by did:key multibase identifiers.
// Decoding a multicodec-prefixed Ed25519 key is a dozen lines of math, not
// worth a dependency.
const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var base58Index [256]int8

func init() {
	for i := range base58Index {
		base58Index[i] = -1
	}
	for i, c := range base58Alphabet {
		base58Index[c] = int8(i)
	}
}

func base58Decode(s string) ([]byte, error) {
	base := big.NewInt(58)
	result := big.NewInt(0)
	for _, c := range s {
		if c > 255 || base58Index[c] < 0 {
			return nil, errInvalidBase58
		}
		result.Mul(result, base)
		result.Add(result, big.NewInt(int64(base58Index[c])))
	}

	decoded := result.Bytes()

	// Leading '1' characters encode leading zero bytes.
	leadingZeros := 0
	for _, c := range s {
		if c != '1' {
			break
		}
		leadingZeros++
	}

	out := make([]byte, leadingZeros+len(decoded))
	copy(out[leadingZeros:], decoded)
	return out, nil
}

func base58Encode(input []byte) string {
	value := new(big.Int).SetBytes(input)
	base := big.NewInt(58)
	mod := new(big.Int)

	var out []byte
	zero := big.NewInt(0)
	for value.Cmp(zero) > 0 {
		value.DivMod(value, base, mod)
		out = append(out, base58Alphabet[mod.Int64()])
	}
	// Reverse (we appended least-significant digit first).
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}

	leadingZeros := 0
	for _, b := range input {
		if b != 0 {
			break
		}
		leadingZeros++
	}
	return strings.Repeat("1", leadingZeros) + string(out)
}
