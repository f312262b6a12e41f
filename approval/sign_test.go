package approval

import "testing"

func TestSignDeterministic(t *testing.T) {
	a := Sign("secret", "rid-1", ActionApprove)
	b := Sign("secret", "rid-1", ActionApprove)
	if a != b {
		t.Error("same inputs must sign identically")
	}
	if len(a) != 64 {
		t.Errorf("signature length = %d, want 64 hex chars", len(a))
	}
	if Sign("other-secret", "rid-1", ActionApprove) == a {
		t.Error("secret must affect the signature")
	}
}

func TestSignLengthPrefixSeparation(t *testing.T) {
	// Naive concatenation would make these collide; length prefixes must not.
	if Sign("s", "a:b", "c") == Sign("s", "a", "b:c") {
		t.Error("length-prefix encoding failed to separate shifted inputs")
	}
	if Sign("s", "ab", "") == Sign("s", "a", "b") {
		t.Error("boundary shift collided")
	}
}

func TestVerify(t *testing.T) {
	sig := Sign("secret", "rid-1", ActionDeny)
	if !Verify("secret", "rid-1", ActionDeny, sig) {
		t.Error("valid signature rejected")
	}
	if Verify("secret", "rid-1", ActionApprove, sig) {
		t.Error("signature valid for the wrong action")
	}
	if Verify("secret", "rid-2", ActionDeny, sig) {
		t.Error("signature valid for the wrong request")
	}
	if Verify("secret", "rid-1", ActionDeny, sig[:63]+"0") {
		t.Error("tampered signature accepted")
	}
}
