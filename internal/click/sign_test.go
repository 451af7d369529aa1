package click

import "testing"

func TestPrepareSignVector(t *testing.T) {
	got := PrepareSign("1001", "12345", "secretkey", "33486322123132", "11000.00", "0", "1700000000")
	want := "56be688978a50f8ab0c47d461046a61d"
	if got != want {
		t.Errorf("PrepareSign = %q, want %q", got, want)
	}
}

func TestCompleteSignVector(t *testing.T) {
	got := CompleteSign("1001", "12345", "secretkey", "33486322123132", "33486322123132", "11000.00", "1", "1700000000")
	want := "d45ca6f98561be60bfdcafb0247c9ab5"
	if got != want {
		t.Errorf("CompleteSign = %q, want %q", got, want)
	}
}

func TestVerifySign(t *testing.T) {
	sig := PrepareSign("1", "2", "s", "3", "4", "0", "5")

	if !VerifySign(sig, sig) {
		t.Error("identical signatures should verify")
	}

	upper := make([]byte, len(sig))
	for i := 0; i < len(sig); i++ {
		c := sig[i]
		if c >= 'a' && c <= 'f' {
			c = c - 'a' + 'A'
		}
		upper[i] = c
	}
	if !VerifySign(sig, string(upper)) {
		t.Error("signature comparison should be case-insensitive")
	}

	if VerifySign(sig, sig[:len(sig)-1]) {
		t.Error("truncated signature should not verify")
	}
	if VerifySign(sig, "00000000000000000000000000000000") {
		t.Error("wrong signature should not verify")
	}
}
