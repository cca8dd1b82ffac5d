package signer

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/pkg/errors"
)

// LocalSigner signs with an in-process secp256k1 key. It satisfies both
// IdentitySigner and DelegateSigner, so the same type backs a wallet loaded
// from PRIVATE_KEY and a generated session key.
type LocalSigner struct {
	key     *secp256k1.PrivateKey
	address string
}

func NewLocalSigner(key *secp256k1.PrivateKey) *LocalSigner {
	return &LocalSigner{
		key:     key,
		address: PubKeyToAddress(key.PubKey()),
	}
}

// LocalSignerFromHex loads a 32 byte private key, with or without 0x prefix.
func LocalSignerFromHex(privateKeyHex string) (*LocalSigner, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "decode private key")
	}
	if len(raw) != secp256k1.PrivKeyBytesLen {
		return nil, errors.Errorf("private key must be %d bytes, got %d", secp256k1.PrivKeyBytesLen, len(raw))
	}
	return NewLocalSigner(secp256k1.PrivKeyFromBytes(raw)), nil
}

func (s *LocalSigner) Address() string {
	return s.address
}

// Sign hashes payload with keccak256 and returns a 0x-prefixed r||s||v signature.
func (s *LocalSigner) Sign(ctx context.Context, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.signDigest(Keccak256(payload)), nil
}

func (s *LocalSigner) SignTypedData(ctx context.Context, data *TypedData) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	digest, err := data.Digest()
	if err != nil {
		return "", errors.Wrap(err, "hash typed data")
	}
	return s.signDigest(digest), nil
}

func (s *LocalSigner) signDigest(digest []byte) string {
	// SignCompact yields [27+recid] || r || s; Ethereum expects r || s || v.
	compact := ecdsa.SignCompact(s.key, digest, false)
	sig := make([]byte, 65)
	copy(sig, compact[1:])
	sig[64] = compact[0]
	return "0x" + hex.EncodeToString(sig)
}

// RecoverAddress returns the address that produced sig over digest.
func RecoverAddress(digest []byte, sig string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil {
		return "", errors.Wrap(err, "decode signature")
	}
	if len(raw) != 65 {
		return "", errors.Errorf("signature must be 65 bytes, got %d", len(raw))
	}

	compact := make([]byte, 65)
	compact[0] = raw[64]
	copy(compact[1:], raw[:64])

	pub, _, err := ecdsa.RecoverCompact(compact, digest)
	if err != nil {
		return "", errors.Wrap(err, "recover public key")
	}
	return PubKeyToAddress(pub), nil
}

// Serialize exposes the raw key for persistence by the session key store.
func (s *LocalSigner) Serialize() []byte {
	return s.key.Serialize()
}
