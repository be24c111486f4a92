package usertoken

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func TestNewVerifierRequiresJWKSURL(t *testing.T) {
	if _, err := NewVerifier(Config{}); err == nil {
		t.Fatalf("expected missing jwks url to fail")
	}
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func registered(subject string, issuedAt time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    defaultIssuer,
		Audience:  jwt.ClaimStrings{defaultAudience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		NotBefore: jwt.NewNumericDate(time.Now().Add(-time.Second)),
	}
}

func TestVerifyRefreshesOnKeyRotation(t *testing.T) {
	key1, key2 := generateKey(t), generateKey(t)
	var active atomic.Value
	active.Store("kid-1")
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		kid := active.Load().(string)
		pub := key1.PublicKey
		if kid == "kid-2" {
			pub = key2.PublicKey
		}
		w.Header().Set("Cache-Control", "public, max-age=60")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{toJWK(kid, pub)}})
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(Config{JWKSURL: jwksServer.URL, MinRefreshInterval: time.Nanosecond})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	ctx := context.Background()

	if id, err := v.Verify(ctx, signToken(t, key1, "kid-1", registered("user-a", time.Now()))); err != nil || id.Subject != "user-a" {
		t.Fatalf("verify kid-1 = %+v, %v", id, err)
	}

	active.Store("kid-2")
	if id, err := v.Verify(ctx, signToken(t, key2, "kid-2", registered("user-b", time.Now()))); err != nil || id.Subject != "user-b" {
		t.Fatalf("verify kid-2 = %+v, %v", id, err)
	}
}

func TestVerifyThrottlesUnknownKeyRefresh(t *testing.T) {
	key := generateKey(t)
	var hits atomic.Int32
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{toJWK("kid-1", key.PublicKey)}})
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(Config{JWKSURL: jwksServer.URL})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := v.Verify(context.Background(), signToken(t, key, "kid-unknown", registered("user-a", time.Now()))); err == nil {
			t.Fatalf("expected unknown kid to fail")
		}
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("jwks fetched %d times, want 1", got)
	}
}

func TestVerifyRejectsFutureIssuedAt(t *testing.T) {
	key := generateKey(t)
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{toJWK("kid-1", key.PublicKey)}})
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(Config{JWKSURL: jwksServer.URL, Leeway: 5 * time.Second})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if _, err := v.Verify(context.Background(), signToken(t, key, "kid-1", registered("user-1", time.Now().Add(2*time.Minute)))); err == nil {
		t.Fatalf("expected future iat token to fail")
	}
}

func TestVerifyReturnsProfileClaims(t *testing.T) {
	key := generateKey(t)
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{toJWK("kid-1", key.PublicKey)}})
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(Config{JWKSURL: jwksServer.URL})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	signed := signToken(t, key, "kid-1", Claims{
		RegisteredClaims: registered("user-1", time.Now()),
		Email:            " reader@example.com ",
		Name:             "Asha",
		Role:             "Admin",
	})

	id, err := v.Verify(context.Background(), signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	want := Identity{Subject: "user-1", Email: "reader@example.com", Name: "Asha", Role: "admin"}
	if id != want {
		t.Fatalf("identity = %+v, want %+v", id, want)
	}
}

func TestCacheMaxAge(t *testing.T) {
	cases := map[string]time.Duration{
		"":                           0,
		"public, max-age=60":         time.Minute,
		"MAX-AGE=5, must-revalidate": 5 * time.Second,
		"max-age=abc":                0,
		"no-store":                   0,
	}
	for header, want := range cases {
		if got := cacheMaxAge(header); got != want {
			t.Fatalf("cacheMaxAge(%q) = %v, want %v", header, got, want)
		}
	}
}

func toJWK(kid string, key rsa.PublicKey) map[string]string {
	return map[string]string{
		"kty": "RSA",
		"kid": kid,
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}
