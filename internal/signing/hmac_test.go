package signing

import "testing"

func TestVerify(t *testing.T) {
	secret := "s3cr3t"
	body := []byte(`{"event_type":"order.created"}`)
	sig := Sign(secret, body)

	if !Verify(secret, body, sig) {
		t.Fatalf("expected valid signature to verify")
	}
	if Verify(secret, body, "00"+sig) {
		t.Fatalf("expected mangled signature to fail")
	}
	if Verify(secret, []byte(`{"tampered":true}`), sig) {
		t.Fatalf("expected signature over different body to fail")
	}
	if Verify("wrong-secret", body, sig) {
		t.Fatalf("expected signature under wrong secret to fail")
	}
}

func TestVerifyRejectsNonHex(t *testing.T) {
	if Verify("s", []byte("x"), "not-hex-at-all") {
		t.Fatalf("expected non-hex signature to be rejected")
	}
}
