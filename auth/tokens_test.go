package auth

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
)

const testSecret = "Kf8mQ2xLr9ZpWv3TnYb6JhGd4CsEu7Aw"

func testKeys(t *testing.T) Keys {
	t.Helper()
	keys, err := DeriveKeys(testSecret)
	if err != nil {
		t.Fatalf("derive keys: %v", err)
	}
	return keys
}

func TestValidateSecret(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		wantErr bool
	}{
		{"strong secret", testSecret, false},
		{"too short", "short", true},
		{"long but low entropy", strings.Repeat("aab", 20), true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSecret(tt.secret)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSecret(%q) error = %v, wantErr %v", tt.secret, err, tt.wantErr)
			}
		})
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	keys := testKeys(t)

	signed, err := Sign(map[string]any{"sub": "user-1", "name": "Ada"}, keys, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if strings.Count(signed, ".") != 2 {
		t.Fatalf("expected compact JWS, got %q", signed)
	}

	claims, err := Verify(signed, keys)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims["sub"] != "user-1" || claims["name"] != "Ada" {
		t.Errorf("claims lost in round trip: %v", claims)
	}
	for _, reserved := range []string{"iat", "nbf", "exp", "jti"} {
		if _, ok := claims[reserved]; !ok {
			t.Errorf("missing registered claim %s", reserved)
		}
	}
}

func TestSignRejectsEmptyPayload(t *testing.T) {
	keys := testKeys(t)
	if _, err := Sign(nil, keys, time.Hour); !errors.Is(err, ErrSigning) {
		t.Errorf("expected ErrSigning for empty payload, got %v", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	keys := testKeys(t)
	otherKeys, err := DeriveKeys("x7Pd2VqN8mRw4KcTj6LbYh3GfZs9EuAt")
	if err != nil {
		t.Fatalf("derive keys: %v", err)
	}

	signed, err := Sign(map[string]any{"sub": "user-1"}, keys, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := Verify(signed, otherKeys); !errors.Is(err, ErrVerification) {
		t.Errorf("expected ErrVerification with wrong key, got %v", err)
	}
}

func TestVerifyRejectsAlgNone(t *testing.T) {
	keys := testKeys(t)
	// Unsigned token with alg=none: header {"alg":"none","typ":"JWT"},
	// payload {"sub":"evil","exp":9999999999}.
	token := "eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0." +
		"eyJzdWIiOiJldmlsIiwiZXhwIjo5OTk5OTk5OTk5fQ."
	if _, err := Verify(token, keys); !errors.Is(err, ErrVerification) {
		t.Errorf("alg=none accepted: %v", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	keys := testKeys(t)
	signed, err := Sign(map[string]any{"sub": "user-1"}, keys, time.Millisecond)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	time.Sleep(1100 * time.Millisecond)
	if _, err := Verify(signed, keys); !errors.Is(err, ErrVerification) {
		t.Errorf("expired token accepted: %v", err)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	keys := testKeys(t)

	jwe, err := Encrypt("inner payload", keys, time.Hour)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if strings.Count(jwe, ".") != 4 {
		t.Fatalf("expected compact JWE, got %q", jwe)
	}

	payload, err := Decrypt(jwe, keys)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if payload != "inner payload" {
		t.Errorf("payload mismatch: %q", payload)
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	keys := testKeys(t)
	otherKeys, err := DeriveKeys("x7Pd2VqN8mRw4KcTj6LbYh3GfZs9EuAt")
	if err != nil {
		t.Fatalf("derive keys: %v", err)
	}

	jwe, err := Encrypt("secret", keys, time.Hour)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := Decrypt(jwe, otherKeys); !errors.Is(err, ErrDecryption) {
		t.Errorf("expected ErrDecryption, got %v", err)
	}
}

func TestDecryptRejectsExactExpiryInstant(t *testing.T) {
	keys := testKeys(t)

	// exp marks the first invalid instant, not the last valid one.
	now := time.Now().Unix()
	plaintext, err := json.Marshal(jweEnvelope{
		Payload:   "inner payload",
		IssuedAt:  now - 60,
		NotBefore: now - 60,
		Expiry:    now,
		ID:        randomToken(32),
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	encrypter, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: keys.enc},
		nil,
	)
	if err != nil {
		t.Fatalf("new encrypter: %v", err)
	}
	obj, err := encrypter.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	compact, err := obj.CompactSerialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	if _, err := Decrypt(compact, keys); !errors.Is(err, ErrDecryption) {
		t.Errorf("token at its exp instant accepted: %v", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	keys := testKeys(t)
	user := User{Sub: "gh:1234", Name: "Ada Lovelace", Email: "ada@example.com", Image: "https://example.com/a.png"}

	token, err := EncodeSession(user, keys, time.Hour)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	sess, err := DecodeSession(token, keys)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sess.User != user {
		t.Errorf("user mismatch: got %+v want %+v", sess.User, user)
	}
	if sess.Expires.Before(time.Now()) {
		t.Errorf("expiry already passed: %v", sess.Expires)
	}
}

func TestSessionTamperDetection(t *testing.T) {
	keys := testKeys(t)
	token, err := EncodeSession(User{Sub: "user-1"}, keys, time.Hour)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// Flipping any byte must fail decode, never yield a different user.
	for i := 0; i < len(token); i += 7 {
		mutated := []byte(token)
		if mutated[i] == 'A' {
			mutated[i] = 'B'
		} else {
			mutated[i] = 'A'
		}
		if string(mutated) == token {
			continue
		}
		sess, err := DecodeSession(string(mutated), keys)
		if err == nil {
			t.Fatalf("tampered token at byte %d decoded to user %q", i, sess.User.Sub)
		}
		if !errors.Is(err, ErrInvalidSession) {
			t.Errorf("tampered token error not opaque at byte %d: %v", i, err)
		}
	}
}

func TestDecodeSessionOpaqueError(t *testing.T) {
	keys := testKeys(t)

	// Garbage, wrong-key and truncated tokens must all collapse into the
	// same opaque failure.
	otherKeys, _ := DeriveKeys("x7Pd2VqN8mRw4KcTj6LbYh3GfZs9EuAt")
	good, _ := EncodeSession(User{Sub: "user-1"}, otherKeys, time.Hour)

	for _, token := range []string{"", "garbage", good, good[:len(good)/2]} {
		if _, err := DecodeSession(token, keys); !errors.Is(err, ErrInvalidSession) {
			t.Errorf("DecodeSession(%.16q) = %v, want ErrInvalidSession", token, err)
		}
	}
}
