package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecp256k1RoundTrip(t *testing.T) {
	ctx := context.Background()
	signer, err := NewSigner()
	require.NoError(t, err)

	msg := []byte("negative-reservoir/reset/v1/default/0")
	proof := signer.Sign(msg)

	var v Secp256k1Verifier
	assert.NoError(t, v.Authenticate(ctx, signer.Identity(), msg, proof))
	assert.ErrorIs(t, v.Authenticate(ctx, signer.Identity(), []byte("other"), proof), ErrInvalidProof)
}

func TestSecp256k1RejectsOtherKey(t *testing.T) {
	ctx := context.Background()
	admin, err := NewSigner()
	require.NoError(t, err)
	intruder, err := NewSigner()
	require.NoError(t, err)

	msg := []byte("reset")
	var v Secp256k1Verifier
	err = v.Authenticate(ctx, admin.Identity(), msg, intruder.Sign(msg))
	assert.ErrorIs(t, err, ErrInvalidProof)
}

func TestSecp256k1RejectsMalformedInput(t *testing.T) {
	ctx := context.Background()
	var v Secp256k1Verifier

	assert.ErrorIs(t, v.Authenticate(ctx, "not-hex", nil, nil), ErrInvalidIdentity)
	assert.ErrorIs(t, v.Authenticate(ctx, "abcd", nil, nil), ErrInvalidIdentity)

	signer, err := NewSigner()
	require.NoError(t, err)
	assert.ErrorIs(t, v.Authenticate(ctx, signer.Identity(), []byte("m"), []byte{0x01}), ErrInvalidProof)
}

func TestSignerHexRoundTrip(t *testing.T) {
	signer, err := NewSigner()
	require.NoError(t, err)

	loaded, err := SignerFromHex(signer.Hex())
	require.NoError(t, err)
	assert.Equal(t, signer.Identity(), loaded.Identity())

	_, err = SignerFromHex("zz")
	assert.Error(t, err)
	_, err = SignerFromHex("abcd")
	assert.Error(t, err)
}

func TestTrustedAcceptsAnything(t *testing.T) {
	assert.NoError(t, Trusted{}.Authenticate(context.Background(), "anyone", nil, nil))
}

func TestValidateIdentity(t *testing.T) {
	signer, err := NewSigner()
	require.NoError(t, err)

	var v Secp256k1Verifier
	assert.NoError(t, v.ValidateIdentity(signer.Identity()))
	assert.ErrorIs(t, v.ValidateIdentity("alice"), ErrInvalidIdentity)
	assert.ErrorIs(t, v.ValidateIdentity(""), ErrInvalidIdentity)

	assert.NoError(t, Trusted{}.ValidateIdentity("alice"))
	assert.ErrorIs(t, Trusted{}.ValidateIdentity(""), ErrInvalidIdentity)
}
