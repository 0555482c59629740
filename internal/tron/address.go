package tron

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TRON addresses are 21 bytes: a 0x41 network prefix followed by the
// 20-byte EVM account, rendered as Base58Check ("T...").
const (
	AddressLength = 21
	addressPrefix = 0x41
)

// ErrInvalidAddress covers malformed base58, bad checksums, and wrong
// prefixes.
var ErrInvalidAddress = errors.New("tron: invalid address")

// Address is a prefixed TRON account address.
type Address [AddressLength]byte

const b58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var b58Index = func() [256]int8 {
	var idx [256]int8
	for i := range idx {
		idx[i] = -1
	}
	for i, c := range b58Alphabet {
		idx[c] = int8(i)
	}
	return idx
}()

// ParseAddress decodes and validates a Base58Check TRON address.
func ParseAddress(s string) (Address, error) {
	var addr Address
	if len(s) == 0 {
		return addr, ErrInvalidAddress
	}

	raw, err := base58Decode(s)
	if err != nil {
		return addr, err
	}
	if len(raw) != AddressLength+4 {
		return addr, fmt.Errorf("%w: wrong length %d", ErrInvalidAddress, len(raw))
	}

	payload, check := raw[:AddressLength], raw[AddressLength:]
	if want := checksum(payload); string(check) != string(want) {
		return addr, fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
	}
	if payload[0] != addressPrefix {
		return addr, fmt.Errorf("%w: prefix 0x%02x", ErrInvalidAddress, payload[0])
	}

	copy(addr[:], payload)
	return addr, nil
}

// FromEVM wraps a 20-byte EVM account into a prefixed TRON address.
func FromEVM(a common.Address) Address {
	var addr Address
	addr[0] = addressPrefix
	copy(addr[1:], a.Bytes())
	return addr
}

// EVM strips the network prefix.
func (a Address) EVM() common.Address {
	return common.BytesToAddress(a[1:])
}

// Hex returns the 41-prefixed hex form used by the node API.
func (a Address) Hex() string {
	return hex.EncodeToString(a[:])
}

// String returns the Base58Check form.
func (a Address) String() string {
	payload := make([]byte, 0, AddressLength+4)
	payload = append(payload, a[:]...)
	payload = append(payload, checksum(a[:])...)
	return base58Encode(payload)
}

func checksum(b []byte) []byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second[:4]
}

func base58Decode(s string) ([]byte, error) {
	n := new(big.Int)
	radix := big.NewInt(58)
	for _, c := range []byte(s) {
		d := b58Index[c]
		if d < 0 {
			return nil, fmt.Errorf("%w: bad character %q", ErrInvalidAddress, c)
		}
		n.Mul(n, radix)
		n.Add(n, big.NewInt(int64(d)))
	}

	// leading '1' characters encode leading zero bytes
	zeros := 0
	for zeros < len(s) && s[zeros] == '1' {
		zeros++
	}

	decoded := n.Bytes()
	out := make([]byte, zeros+len(decoded))
	copy(out[zeros:], decoded)
	return out, nil
}

func base58Encode(b []byte) string {
	zeros := 0
	for zeros < len(b) && b[zeros] == 0 {
		zeros++
	}

	n := new(big.Int).SetBytes(b)
	radix := big.NewInt(58)
	mod := new(big.Int)

	var out []byte
	for n.Sign() > 0 {
		n.DivMod(n, radix, mod)
		out = append(out, b58Alphabet[mod.Int64()])
	}
	for i := 0; i < zeros; i++ {
		out = append(out, '1')
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}
