package hashing

import "testing"

func TestBlake3DomainSeparation(t *testing.T) {
	apiKey := NewBlake3(APIKeyDomain, 8)
	session := NewBlake3(SessionDomain, 8)

	a := apiKey.Sum([]byte("sk_live_123"))
	if len(a) != 16 {
		t.Fatalf("expected 8 byte hex digest, got %q", a)
	}
	if a != apiKey.Sum([]byte("sk_live_123")) {
		t.Fatalf("digest must be deterministic")
	}
	if a == session.Sum([]byte("sk_live_123")) {
		t.Fatalf("domains must not collide")
	}
	if full := NewBlake3(APIKeyDomain, 0).Sum(nil); len(full) != 64 {
		t.Fatalf("expected full digest, got %d chars", len(full))
	}
}

func TestFuncAdapter(t *testing.T) {
	h := Func(func(data []byte) string { return string(data) + "!" })
	if got := h.Sum([]byte("x")); got != "x!" {
		t.Fatalf("unexpected sum %q", got)
	}
}
