package auth

import (
	"errors"
	"testing"
	"time"
)

func TestCSRFMintVerify(t *testing.T) {
	keys := testKeys(t)

	signed, err := MintCSRFToken(keys, time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	token, err := VerifyCSRFToken(signed, keys)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	// 32 random bytes in raw base64url.
	if len(token) != 43 {
		t.Errorf("embedded token length = %d, want 43", len(token))
	}
}

func TestCSRFDoubleSubmit(t *testing.T) {
	keys := testKeys(t)

	tokenA, err := MintCSRFToken(keys, time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	tokenB, err := MintCSRFToken(keys, time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	tests := []struct {
		name   string
		cookie string
		header string
		ok     bool
	}{
		{"matching tokens", tokenA, tokenA, true},
		// Both validly signed, but different randoms: must fail.
		{"two independently valid tokens", tokenA, tokenB, false},
		{"missing header", tokenA, "", false},
		{"missing cookie", "", tokenA, false},
		{"garbage header", tokenA, "garbage", false},
		{"garbage cookie", "garbage", tokenA, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDoubleSubmit(tt.cookie, tt.header, keys)
			if tt.ok && err != nil {
				t.Errorf("ValidateDoubleSubmit failed: %v", err)
			}
			if !tt.ok {
				var se *SecurityError
				if !errors.As(err, &se) {
					t.Errorf("expected SecurityError, got %v", err)
				}
			}
		})
	}
}

func TestCSRFRejectsForeignSignature(t *testing.T) {
	keys := testKeys(t)
	otherKeys, err := DeriveKeys("x7Pd2VqN8mRw4KcTj6LbYh3GfZs9EuAt")
	if err != nil {
		t.Fatalf("derive keys: %v", err)
	}

	foreign, err := MintCSRFToken(otherKeys, time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := VerifyCSRFToken(foreign, keys); !errors.Is(err, ErrVerification) {
		t.Errorf("foreign csrf token accepted: %v", err)
	}
}
