package storage

import "testing"

func TestDeriveMasterKey_Deterministic(t *testing.T) {
	var salt [SaltSize]byte
	copy(salt[:], []byte("0123456789abcdef"))

	k1 := DeriveMasterKey("correct horse battery staple", salt)
	k2 := DeriveMasterKey("correct horse battery staple", salt)
	if k1 != k2 {
		t.Fatal("DeriveMasterKey is not deterministic for the same password/salt")
	}
}

func TestDeriveMasterKey_DiffersByPassword(t *testing.T) {
	var salt [SaltSize]byte
	copy(salt[:], []byte("0123456789abcdef"))

	k1 := DeriveMasterKey("password-one", salt)
	k2 := DeriveMasterKey("password-two", salt)
	if k1 == k2 {
		t.Fatal("different passwords produced the same master key")
	}
}

func TestDeriveMasterKey_DiffersBySalt(t *testing.T) {
	var saltA, saltB [SaltSize]byte
	copy(saltA[:], []byte("0123456789abcdef"))
	copy(saltB[:], []byte("fedcba9876543210"))

	k1 := DeriveMasterKey("same password", saltA)
	k2 := DeriveMasterKey("same password", saltB)
	if k1 == k2 {
		t.Fatal("different salts produced the same master key")
	}
}
