package auth

import (
	"bytes"
	"testing"
)

func TestDeriveKey(t *testing.T) {
	tests := []struct {
		name         string
		masterSecret []byte
		purpose      string
		length       int
		wantErr      bool
	}{
		{name: "valid derivation", masterSecret: []byte("a-master-secret-for-testing"), purpose: "test-v1", length: DerivedKeyLength},
		{name: "short output", masterSecret: []byte("a-master-secret-for-testing"), purpose: "test-v1", length: rotatingCodeLength},
		{name: "empty master secret", masterSecret: []byte{}, purpose: "test-v1", length: DerivedKeyLength, wantErr: true},
		{name: "nil master secret", masterSecret: nil, purpose: "test-v1", length: DerivedKeyLength, wantErr: true},
		{name: "empty purpose string is allowed", masterSecret: []byte("test-secret"), purpose: "", length: DerivedKeyLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := DeriveKey(tt.masterSecret, tt.purpose, tt.length)
			if tt.wantErr {
				if err != ErrInvalidMasterSecret {
					t.Errorf("DeriveKey() error = %v, want %v", err, ErrInvalidMasterSecret)
				}
				return
			}
			if err != nil {
				t.Fatalf("DeriveKey() unexpected error: %v", err)
			}
			if len(key) != tt.length {
				t.Errorf("DeriveKey() key length = %d, want %d", len(key), tt.length)
			}
		})
	}
}

func TestDerivedKeysAreIndependentAndDeterministic(t *testing.T) {
	master := []byte("shared-master-secret")

	a1, err := DeriveKey(master, "purpose-a", DerivedKeyLength)
	if err != nil {
		t.Fatalf("derive a: %v", err)
	}
	a2, _ := DeriveKey(master, "purpose-a", DerivedKeyLength)
	b, _ := DeriveKey(master, "purpose-b", DerivedKeyLength)

	if !bytes.Equal(a1, a2) {
		t.Error("same inputs produced different keys")
	}
	if bytes.Equal(a1, b) {
		t.Error("different purposes produced identical keys")
	}

	admin, _ := DeriveAdminJWTKey(master)
	if bytes.Equal(admin, master) || len(admin) != DerivedKeyLength {
		t.Error("admin key must be a derived 32 byte key")
	}
}
