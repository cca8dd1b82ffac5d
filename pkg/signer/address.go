package signer

import (
	"encoding/hex"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/sha3"
)

// Keccak256 hashes the concatenation of data with legacy Keccak-256.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// PubKeyToAddress derives the EIP-55 checksummed 0x address of a public key.
func PubKeyToAddress(pub *secp256k1.PublicKey) string {
	uncompressed := pub.SerializeUncompressed()
	return ChecksumAddress(Keccak256(uncompressed[1:])[12:])
}

// ChecksumAddress renders a 20 byte address with EIP-55 mixed-case encoding.
func ChecksumAddress(addr []byte) string {
	lower := hex.EncodeToString(addr)
	hash := hex.EncodeToString(Keccak256([]byte(lower)))

	out := make([]byte, len(lower))
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		if c >= 'a' && c <= 'f' && hash[i] >= '8' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return "0x" + string(out)
}

// ParseAddress accepts a 0x-prefixed 40 hex digit address in any case.
func ParseAddress(s string) ([]byte, bool) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return nil, false
	}
	raw, err := hex.DecodeString(s[2:])
	if err != nil || len(raw) != 20 {
		return nil, false
	}
	return raw, true
}

// NormalizeAddress returns the checksummed form of s, or false if s is not an address.
func NormalizeAddress(s string) (string, bool) {
	raw, ok := ParseAddress(s)
	if !ok {
		return "", false
	}
	return ChecksumAddress(raw), true
}
