package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// DefaultTokenMaxAge bounds the lifetime of signed and encrypted tokens.
const DefaultTokenMaxAge = 15 * 24 * time.Hour

// Secret material constraints, enforced at configuration time.
const (
	MinSecretLength  = 32
	MinSecretEntropy = 4.5 // bits per character
)

// Crypto failure kinds. DecodeSession deliberately collapses both of its
// stages into ErrInvalidSession so callers cannot distinguish them.
var (
	ErrSigning        = errors.New("token signing failed")
	ErrVerification   = errors.New("token verification failed")
	ErrEncryption     = errors.New("token encryption failed")
	ErrDecryption     = errors.New("token decryption failed")
	ErrInvalidSession = errors.New("invalid session")
)

// Keys holds the HKDF-derived signing and encryption keys. The master secret
// itself is never used directly.
type Keys struct {
	sign []byte
	enc  []byte
}

// DeriveKeys expands the master secret into independent 256-bit signing and
// encryption keys.
func DeriveKeys(secret string) (Keys, error) {
	signKey, err := expandKey(secret, "authgate signing key")
	if err != nil {
		return Keys{}, err
	}
	encKey, err := expandKey(secret, "authgate encryption key")
	if err != nil {
		return Keys{}, err
	}
	return Keys{sign: signKey, enc: encKey}, nil
}

func expandKey(secret, info string) ([]byte, error) {
	reader := hkdf.New(sha256.New, []byte(secret), nil, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// ValidateSecret rejects weak master secrets before any request is served.
func ValidateSecret(secret string) error {
	if len(secret) < MinSecretLength {
		return fmt.Errorf("secret must be at least %d bytes, got %d", MinSecretLength, len(secret))
	}
	if entropy := shannonEntropy(secret); entropy < MinSecretEntropy {
		return fmt.Errorf("secret entropy %.2f bits/char below required %.1f", entropy, MinSecretEntropy)
	}
	return nil
}

func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	total := 0
	for _, r := range s {
		freq[r]++
		total++
	}
	entropy := 0.0
	for _, count := range freq {
		p := float64(count) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// Sign produces an HS256 JWS over the claims with iat, nbf, exp and a random
// jti filled in.
func Sign(claims map[string]any, keys Keys, maxAge time.Duration) (string, error) {
	if len(claims) == 0 {
		return "", fmt.Errorf("%w: empty payload", ErrSigning)
	}
	if maxAge <= 0 {
		maxAge = DefaultTokenMaxAge
	}

	now := time.Now()
	mapClaims := jwt.MapClaims{}
	for k, v := range claims {
		mapClaims[k] = v
	}
	mapClaims["iat"] = now.Unix()
	mapClaims["nbf"] = now.Unix()
	mapClaims["exp"] = now.Add(maxAge).Unix()
	mapClaims["jti"] = randomToken(32)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, mapClaims)
	signed, err := token.SignedString(keys.sign)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return signed, nil
}

// Verify parses and validates a JWS. Only HS256 is accepted; alg=none and any
// other algorithm are rejected.
func Verify(token string, keys Keys) (jwt.MapClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)

	claims := jwt.MapClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return keys.sign, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerification, err)
	}
	if !parsed.Valid {
		return nil, ErrVerification
	}
	return claims, nil
}

type jweEnvelope struct {
	Payload   string `json:"payload"`
	IssuedAt  int64  `json:"iat"`
	NotBefore int64  `json:"nbf"`
	Expiry    int64  `json:"exp"`
	ID        string `json:"jti"`
}

// Encrypt wraps the serialized payload in a compact JWE using direct
// symmetric A256GCM encryption.
func Encrypt(payload string, keys Keys, maxAge time.Duration) (string, error) {
	if maxAge <= 0 {
		maxAge = DefaultTokenMaxAge
	}

	now := time.Now()
	envelope := jweEnvelope{
		Payload:   payload,
		IssuedAt:  now.Unix(),
		NotBefore: now.Unix(),
		Expiry:    now.Add(maxAge).Unix(),
		ID:        randomToken(32),
	}
	plaintext, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	encrypter, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: keys.enc},
		nil,
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	obj, err := encrypter.Encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	compact, err := obj.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return compact, nil
}

// Decrypt opens a compact JWE and returns the serialized payload after
// enforcing the envelope expiry window.
func Decrypt(token string, keys Keys) (string, error) {
	obj, err := jose.ParseEncrypted(token)
	if err != nil {
		return "", fmt.Errorf("%w: malformed token", ErrDecryption)
	}
	plaintext, err := obj.Decrypt(keys.enc)
	if err != nil {
		return "", fmt.Errorf("%w: decryption failed", ErrDecryption)
	}

	var envelope jweEnvelope
	if err := json.Unmarshal(plaintext, &envelope); err != nil {
		return "", fmt.Errorf("%w: malformed envelope", ErrDecryption)
	}
	now := time.Now().Unix()
	if envelope.Expiry != 0 && now >= envelope.Expiry {
		return "", fmt.Errorf("%w: token expired", ErrDecryption)
	}
	if envelope.NotBefore != 0 && now < envelope.NotBefore {
		return "", fmt.Errorf("%w: token not yet valid", ErrDecryption)
	}
	return envelope.Payload, nil
}

// EncodeSession mints a session token: sign the user claims first, then wrap
// the JWS as the JWE plaintext. The sign-then-encrypt order is mandatory so
// the ciphertext authenticates already integrity-protected claims.
func EncodeSession(user User, keys Keys, maxAge time.Duration) (string, error) {
	claims := map[string]any{"sub": user.Sub}
	if user.Name != "" {
		claims["name"] = user.Name
	}
	if user.Email != "" {
		claims["email"] = user.Email
	}
	if user.Image != "" {
		claims["image"] = user.Image
	}

	signed, err := Sign(claims, keys, maxAge)
	if err != nil {
		return "", err
	}
	return Encrypt(signed, keys, maxAge)
}

// DecodeSession reverses EncodeSession: decrypt, then verify. Failures at
// either stage surface as the same opaque error.
func DecodeSession(token string, keys Keys) (Session, error) {
	signed, err := Decrypt(token, keys)
	if err != nil {
		return Session{}, ErrInvalidSession
	}
	claims, err := Verify(signed, keys)
	if err != nil {
		return Session{}, ErrInvalidSession
	}

	user := User{Sub: stringClaim(claims, "sub")}
	if user.Sub == "" {
		return Session{}, ErrInvalidSession
	}
	user.Name = stringClaim(claims, "name")
	user.Email = stringClaim(claims, "email")
	user.Image = stringClaim(claims, "image")

	expires := time.Time{}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expires = exp.Time
	}
	return Session{User: user, Expires: expires}, nil
}

func stringClaim(claims jwt.MapClaims, name string) string {
	if v, ok := claims[name].(string); ok {
		return v
	}
	return ""
}

// randomToken returns n random bytes in raw base64url form.
func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
