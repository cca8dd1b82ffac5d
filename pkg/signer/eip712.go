package signer

import (
	"encoding/binary"
	"fmt"

	"github.com/holiman/uint256"
)

const (
	domainType    = "EIP712Domain(string name)"
	policyType    = "Policy(string challenge,string scope,address wallet,address application,address participant,uint256 expire,Allowance[] allowances)"
	allowanceType = "Allowance(string asset,uint256 amount)"
)

var (
	domainTypeHash    = Keccak256([]byte(domainType))
	policyTypeHash    = Keccak256([]byte(policyType + allowanceType))
	allowanceTypeHash = Keccak256([]byte(allowanceType))
)

type Domain struct {
	Name string `json:"name"`
}

// Allowance caps what the session key may spend of one asset. Amount is an
// integer in the asset's base units.
type Allowance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// Policy is the message a wallet signs to bind a ClearNode auth challenge to
// a session key.
type Policy struct {
	Challenge   string      `json:"challenge"`
	Scope       string      `json:"scope"`
	Wallet      string      `json:"wallet"`
	Application string      `json:"application"`
	Participant string      `json:"participant"`
	Expire      uint64      `json:"expire"`
	Allowances  []Allowance `json:"allowances"`
}

// TypedData is the EIP-712 payload with primary type Policy.
type TypedData struct {
	Domain  Domain
	Message Policy
}

// Digest returns keccak256(0x19 0x01 || domainSeparator || hashStruct(Policy)).
func (td *TypedData) Digest() ([]byte, error) {
	messageHash, err := hashPolicy(&td.Message)
	if err != nil {
		return nil, err
	}
	return Keccak256([]byte{0x19, 0x01}, td.DomainSeparator(), messageHash), nil
}

func (td *TypedData) DomainSeparator() []byte {
	return Keccak256(domainTypeHash, Keccak256([]byte(td.Domain.Name)))
}

func hashPolicy(p *Policy) ([]byte, error) {
	wallet, err := encodeAddress("wallet", p.Wallet)
	if err != nil {
		return nil, err
	}
	application, err := encodeAddress("application", p.Application)
	if err != nil {
		return nil, err
	}
	participant, err := encodeAddress("participant", p.Participant)
	if err != nil {
		return nil, err
	}

	allowanceHashes := make([][]byte, 0, len(p.Allowances))
	for _, a := range p.Allowances {
		h, err := hashAllowance(a)
		if err != nil {
			return nil, err
		}
		allowanceHashes = append(allowanceHashes, h)
	}

	return Keccak256(
		policyTypeHash,
		Keccak256([]byte(p.Challenge)),
		Keccak256([]byte(p.Scope)),
		wallet,
		application,
		participant,
		encodeUint64(p.Expire),
		Keccak256(allowanceHashes...),
	), nil
}

func hashAllowance(a Allowance) ([]byte, error) {
	amount, err := uint256.FromDecimal(a.Amount)
	if err != nil {
		return nil, fmt.Errorf("allowance %s amount %q: %w", a.Asset, a.Amount, err)
	}
	word := amount.Bytes32()
	return Keccak256(allowanceTypeHash, Keccak256([]byte(a.Asset)), word[:]), nil
}

func encodeAddress(field, s string) ([]byte, error) {
	raw, ok := ParseAddress(s)
	if !ok {
		return nil, fmt.Errorf("policy field %s: %q is not an address", field, s)
	}
	word := make([]byte, 32)
	copy(word[12:], raw)
	return word, nil
}

func encodeUint64(v uint64) []byte {
	word := make([]byte, 32)
	binary.BigEndian.PutUint64(word[24:], v)
	return word
}
