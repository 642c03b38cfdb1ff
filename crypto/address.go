package crypto

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix defines the human-readable part of bech32 account identifiers.
type AddressPrefix string

// ArcPrefix is the prefix used for every account on the escrow ledger.
const ArcPrefix AddressPrefix = "arc"

// ErrInvalidAddress is returned when an identifier cannot be decoded.
var ErrInvalidAddress = errors.New("crypto: invalid address")

// Address represents a 20-byte account identifier with a specific prefix.
type Address struct {
	prefix AddressPrefix
	bytes  [20]byte
}

// NewAddress wraps raw bytes in an Address using the ledger prefix.
func NewAddress(b [20]byte) Address {
	return Address{prefix: ArcPrefix, bytes: b}
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	prefix := a.prefix
	if prefix == "" {
		prefix = ArcPrefix
	}
	encoded, err := bech32.Encode(string(prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Bytes returns the raw 20-byte identifier.
func (a Address) Bytes() [20]byte { return a.bytes }

// Hex returns the 0x-prefixed checksummed form.
func (a Address) Hex() string { return common.BytesToAddress(a.bytes[:]).Hex() }

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix { return a.prefix }

// IsZero reports whether the address is all zeroes.
func (a Address) IsZero() bool { return a.bytes == [20]byte{} }

// DecodeAddress parses a bech32 identifier carrying the arc prefix.
func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("%w: invalid bech32 string: %v", ErrInvalidAddress, err)
	}
	if AddressPrefix(prefix) != ArcPrefix {
		return Address{}, fmt.Errorf("%w: unexpected prefix %q", ErrInvalidAddress, prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("%w: error converting bits: %v", ErrInvalidAddress, err)
	}
	if len(conv) != 20 {
		return Address{}, fmt.Errorf("%w: expected 20 bytes, got %d", ErrInvalidAddress, len(conv))
	}
	var raw [20]byte
	copy(raw[:], conv)
	return Address{prefix: ArcPrefix, bytes: raw}, nil
}

// ParseAddress accepts either the bech32 form or a 0x-prefixed hex address,
// the latter being what wallets on the settlement chain hand out.
func ParseAddress(value string) ([20]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		if !common.IsHexAddress(trimmed) {
			return [20]byte{}, fmt.Errorf("%w: malformed hex %q", ErrInvalidAddress, trimmed)
		}
		var out [20]byte
		copy(out[:], common.HexToAddress(trimmed).Bytes())
		return out, nil
	}
	addr, err := DecodeAddress(strings.ToLower(trimmed))
	if err != nil {
		return [20]byte{}, err
	}
	return addr.Bytes(), nil
}

// MustParseAddress panics on malformed input; used for constants.
func MustParseAddress(value string) [20]byte {
	out, err := ParseAddress(value)
	if err != nil {
		panic(err)
	}
	return out
}

// FormatAddress renders raw bytes in bech32 form.
func FormatAddress(b [20]byte) string { return NewAddress(b).String() }

// ModuleAddress derives the deterministic account that holds funds on behalf
// of a native module.
func ModuleAddress(name string) [20]byte {
	var out [20]byte
	copy(out[:], ethcrypto.Keccak256([]byte("module/" + name))[12:])
	return out
}
