// Package auth verifies that a caller controls the identity it claims.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

var (
	// ErrInvalidIdentity is returned for an identity that cannot be parsed.
	ErrInvalidIdentity = errors.New("auth: invalid identity")

	// ErrInvalidProof is returned when a proof does not verify.
	ErrInvalidProof = errors.New("auth: invalid proof")
)

// Identity names a principal. For Secp256k1Verifier it is the hex encoding of
// a compressed public key.
type Identity string

// Authenticator checks that proof was produced by id over message.
type Authenticator interface {
	Authenticate(ctx context.Context, id Identity, message, proof []byte) error

	// ValidateIdentity rejects identities Authenticate could never accept.
	ValidateIdentity(id Identity) error
}

// Trusted accepts every proof. Use it when the transport has already
// authenticated the caller.
type Trusted struct{}

// Authenticate implements Authenticator.
func (Trusted) Authenticate(context.Context, Identity, []byte, []byte) error {
	return nil
}

// ValidateIdentity implements Authenticator. Any non-empty name will do.
func (Trusted) ValidateIdentity(id Identity) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}
	return nil
}

// Secp256k1Verifier checks DER-encoded ECDSA signatures over sha256(message).
type Secp256k1Verifier struct{}

// ParseIdentity decodes id into a public key.
func ParseIdentity(id Identity) (*secp256k1.PublicKey, error) {
	raw, err := hex.DecodeString(string(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidIdentity, err)
	}
	pub, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidIdentity, err)
	}
	return pub, nil
}

// ValidateIdentity implements Authenticator.
func (Secp256k1Verifier) ValidateIdentity(id Identity) error {
	_, err := ParseIdentity(id)
	return err
}

// Authenticate implements Authenticator.
func (Secp256k1Verifier) Authenticate(_ context.Context, id Identity, message, proof []byte) error {
	pub, err := ParseIdentity(id)
	if err != nil {
		return err
	}
	sig, err := ecdsa.ParseDERSignature(proof)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidProof, err)
	}
	digest := sha256.Sum256(message)
	if !sig.Verify(digest[:], pub) {
		return ErrInvalidProof
	}
	return nil
}

// Signer holds a secp256k1 private key and produces proofs for
// Secp256k1Verifier.
type Signer struct {
	key *secp256k1.PrivateKey
}

// NewSigner generates a fresh key.
func NewSigner() (*Signer, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &Signer{key: key}, nil
}

// SignerFromHex loads a 32-byte private key from hex.
func SignerFromHex(s string) (*Signer, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid private key encoding: %w", err)
	}
	if len(raw) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("invalid private key length %d", len(raw))
	}
	return &Signer{key: secp256k1.PrivKeyFromBytes(raw)}, nil
}

// Identity returns the public identity for this key.
func (s *Signer) Identity() Identity {
	return Identity(hex.EncodeToString(s.key.PubKey().SerializeCompressed()))
}

// Hex returns the private key in hex.
func (s *Signer) Hex() string {
	return hex.EncodeToString(s.key.Serialize())
}

// Sign returns a DER signature over sha256(message).
func (s *Signer) Sign(message []byte) []byte {
	digest := sha256.Sum256(message)
	return ecdsa.Sign(s.key, digest[:]).Serialize()
}
