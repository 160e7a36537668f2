package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWT_RoundTrip(t *testing.T) {
	tok, err := SignJWT(42, "alice", "secret", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	uid, err := ParseJWT(tok, "secret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if uid != 42 {
		t.Fatalf("uid = %d", uid)
	}
}

func TestJWT_Rejects(t *testing.T) {
	good, _ := SignJWT(1, "", "secret", time.Hour)
	expired, _ := SignJWT(1, "", "secret", -time.Minute)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)

	cases := map[string]struct{ token, secret string }{
		"wrong secret": {good, "other"},
		"expired":      {expired, "secret"},
		"alg none":     {none, "secret"},
		"garbage":      {"not-a-jwt", "secret"},
	}
	for name, tc := range cases {
		if _, err := ParseJWT(tc.token, tc.secret); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestBearerToken(t *testing.T) {
	if tok, ok := BearerToken("Bearer abc"); !ok || tok != "abc" {
		t.Fatalf("got %q %v", tok, ok)
	}
	if tok, ok := BearerToken("bearer  abc "); !ok || tok != "abc" {
		t.Fatalf("case-insensitive scheme: got %q %v", tok, ok)
	}
	for _, h := range []string{"", "Bearer", "Basic abc", "Bearer "} {
		if _, ok := BearerToken(h); ok {
			t.Fatalf("expected %q to be rejected", h)
		}
	}
}

func TestPassword(t *testing.T) {
	h, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !CheckPassword(h, "hunter2") {
		t.Fatalf("password should match")
	}
	if CheckPassword(h, "hunter3") {
		t.Fatalf("wrong password matched")
	}
}
