package identity

import (
	"bytes"
	"testing"
)

func TestGenerateAndSignVerify(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	msg := []byte("announce payload bytes")
	sig := kp.Sign(msg)

	if err := Verify(kp.PublicKey, msg, sig); err != nil {
		t.Errorf("Verify() error = %v, want nil", err)
	}

	if err := Verify(kp.PublicKey, []byte("tampered"), sig); err == nil {
		t.Error("Verify() = nil for tampered message, want error")
	}
}

func TestFromPrivateKeyRoundTrip(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	restored, err := FromPrivateKey(kp.PrivateKey)
	if err != nil {
		t.Fatalf("FromPrivateKey() error = %v", err)
	}

	if !bytes.Equal(restored.PublicKey, kp.PublicKey) {
		t.Error("restored public key does not match original")
	}
}

func TestFromPrivateKeyWrongLength(t *testing.T) {
	if _, err := FromPrivateKey(make([]byte, 10)); err == nil {
		t.Error("FromPrivateKey() expected error for short key")
	}
}

func TestRandomBytesLengthAndUniqueness(t *testing.T) {
	a, err := RandomBytes(10)
	if err != nil {
		t.Fatalf("RandomBytes() error = %v", err)
	}
	if len(a) != 10 {
		t.Errorf("RandomBytes() length = %d, want 10", len(a))
	}
	b, _ := RandomBytes(10)
	if bytes.Equal(a, b) {
		t.Error("two RandomBytes() calls produced identical output")
	}
}

func TestDeriveKeystreamDeterministic(t *testing.T) {
	salt := []byte("ifac-key-salt-16")
	ikm := []byte{1, 2, 3, 4, 5, 6}

	a, err := DeriveKeystream(salt, ikm, 32)
	if err != nil {
		t.Fatalf("DeriveKeystream() error = %v", err)
	}
	b, err := DeriveKeystream(salt, ikm, 32)
	if err != nil {
		t.Fatalf("DeriveKeystream() error = %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("DeriveKeystream() not deterministic for identical inputs")
	}

	c, _ := DeriveKeystream([]byte("different-salt-1"), ikm, 32)
	if bytes.Equal(a, c) {
		t.Error("DeriveKeystream() produced identical output for different salts")
	}
}

func TestDeriveKeystreamLength(t *testing.T) {
	out, err := DeriveKeystream([]byte("salt"), []byte("ikm"), 100)
	if err != nil {
		t.Fatalf("DeriveKeystream() error = %v", err)
	}
	if len(out) != 100 {
		t.Errorf("DeriveKeystream() length = %d, want 100", len(out))
	}
}

func TestECDHSymmetric(t *testing.T) {
	alice, _ := Generate()
	bob, _ := Generate()

	s1, err := ECDH(alice.PrivateKey, bob.PublicKey)
	if err != nil {
		t.Fatalf("ECDH() error = %v", err)
	}
	s2, err := ECDH(bob.PrivateKey, alice.PublicKey)
	if err != nil {
		t.Fatalf("ECDH() error = %v", err)
	}
	if !bytes.Equal(s1, s2) {
		t.Error("ECDH() shared secrets do not match between peers")
	}
}

func TestECDHWrongPubKeySize(t *testing.T) {
	alice, _ := Generate()
	if _, err := ECDH(alice.PrivateKey, make([]byte, 10)); err == nil {
		t.Error("ECDH() expected error for wrong-size public key")
	}
}
