package authutil

import "testing"

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("secret")
	if err != nil {
		t.Fatalf("HashPassword error: %v", err)
	}
	if err := CheckPassword(hash, "secret"); err != nil {
		t.Fatalf("expected match: %v", err)
	}
	if err := CheckPassword(hash, "wrong"); err == nil {
		t.Fatalf("expected mismatch error")
	}
	if err := CheckPassword("", "secret"); err == nil {
		t.Fatalf("expected error without a configured hash")
	}
	if _, err := HashPassword(""); err == nil {
		t.Fatalf("expected error for empty password")
	}
}
