package crypto

import (
	"bytes"
	"testing"
)

func TestGenerateKeyPair(t *testing.T) {
	keys, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	if isZeroKey(keys.Public) {
		t.Error("Public key should not be all zeros")
	}
	if isZeroKey(keys.Private) {
		t.Error("Private key should not be all zeros")
	}
}

func TestFromSecretKeyDerivesPublic(t *testing.T) {
	keys, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	derived, err := FromSecretKey(keys.Private)
	if err != nil {
		t.Fatalf("FromSecretKey failed: %v", err)
	}

	if !bytes.Equal(derived.Public[:], keys.Public[:]) {
		t.Errorf("Derived public key %x does not match original %x",
			derived.Public[:8], keys.Public[:8])
	}
}

func TestFromSecretKeyRejectsZeros(t *testing.T) {
	var zero [32]byte
	if _, err := FromSecretKey(zero); err == nil {
		t.Error("Expected error for all-zero secret key")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	keys, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	message := []byte("signed pre-key public half")
	sig, err := Sign(message, keys.Private)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	ok, err := Verify(message, sig, keys.Private)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !ok {
		t.Error("Signature should verify")
	}

	// A tampered message must not verify.
	message[0] ^= 0xff
	ok, err = Verify(message, sig, keys.Private)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if ok {
		t.Error("Tampered message should not verify")
	}
}

func TestSecureWipe(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	if err := SecureWipe(data); err != nil {
		t.Fatalf("SecureWipe failed: %v", err)
	}
	for i, b := range data {
		if b != 0 {
			t.Errorf("Byte %d not wiped: %d", i, b)
		}
	}

	if err := SecureWipe(nil); err == nil {
		t.Error("Expected error wiping nil slice")
	}
}
