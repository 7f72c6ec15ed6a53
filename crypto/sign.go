package crypto

import (
	"crypto/ed25519"
	"errors"
)

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// Signature represents an Ed25519 signature.
type Signature [SignatureSize]byte

// Sign creates an Ed25519 signature for a message using the 32-byte private
// key as the Ed25519 seed. Signed pre-keys are authenticated this way so a
// peer can verify they were issued by the identity key's owner.
func Sign(message []byte, privateKey [32]byte) (Signature, error) {
	if len(message) == 0 {
		return Signature{}, errors.New("empty message")
	}

	// Ed25519 private keys are 64 bytes (32 bytes seed + 32 bytes public key)
	edPrivateKey := ed25519.NewKeyFromSeed(privateKey[:])

	signatureBytes := ed25519.Sign(edPrivateKey, message)

	var signature Signature
	copy(signature[:], signatureBytes)

	return signature, nil
}

// Verify checks if a signature is valid for a message and the Ed25519 public
// key derived from the same seed used by Sign.
func Verify(message []byte, signature Signature, privateSeed [32]byte) (bool, error) {
	if len(message) == 0 {
		return false, errors.New("empty message")
	}

	edPrivateKey := ed25519.NewKeyFromSeed(privateSeed[:])
	edPublicKey := edPrivateKey.Public().(ed25519.PublicKey)

	return ed25519.Verify(edPublicKey, message, signature[:]), nil
}

// VerifyWithPublic checks a signature against an explicit Ed25519 public key,
// for callers that only hold the signer's public half.
func VerifyWithPublic(message []byte, signature Signature, publicKey ed25519.PublicKey) (bool, error) {
	if len(message) == 0 {
		return false, errors.New("empty message")
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return false, errors.New("invalid public key size")
	}

	return ed25519.Verify(publicKey, message, signature[:]), nil
}

// SigningPublicKey derives the Ed25519 public key for a 32-byte seed. This is
// the key peers use to verify signed pre-keys.
func SigningPublicKey(privateSeed [32]byte) ed25519.PublicKey {
	edPrivateKey := ed25519.NewKeyFromSeed(privateSeed[:])
	return edPrivateKey.Public().(ed25519.PublicKey)
}
