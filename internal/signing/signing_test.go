package signing

import "testing"

func TestSigner(t *testing.T) {
	secret := []byte("topsecret")
	s := NewSigner(secret)
	sig := s.Sign("session123", 1700000000)
	if len(sig) == 0 {
		t.Fatalf("expected signature")
	}
	if !s.Validate("session123", "1700000000", sig) {
		t.Fatalf("expected signature to validate")
	}
	if s.Validate("wrong", "1700000000", sig) {
		t.Fatalf("expected validation to fail for wrong session id")
	}
	if s.Validate("session123", "42", sig) {
		t.Fatalf("expected validation to fail for wrong expiry")
	}
	if s.Validate("session123", "not-a-number", sig) {
		t.Fatalf("expected validation to fail for malformed expiry")
	}
	other := NewSigner([]byte("differentsecret"))
	if other.Validate("session123", "1700000000", sig) {
		t.Fatalf("expected validation to fail under a different secret")
	}
}
