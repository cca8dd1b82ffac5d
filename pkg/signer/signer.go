// Package signer defines the two signing capabilities the ClearNode client
// needs and a local secp256k1 implementation of both.
//
// The identity signer holds the full wallet and is only asked for EIP-712
// typed-data signatures during authentication. The delegate signer is the
// session key and signs every routine request payload.
package signer

import "context"

// IdentitySigner produces typed structured-data (EIP-712) signatures with the
// full wallet identity. Implementations may block on an out-of-band approval.
type IdentitySigner interface {
	Address() string
	SignTypedData(ctx context.Context, data *TypedData) (string, error)
}

// DelegateSigner signs arbitrary serialized payloads with the session key.
type DelegateSigner interface {
	Address() string
	Sign(ctx context.Context, payload []byte) (string, error)
}
