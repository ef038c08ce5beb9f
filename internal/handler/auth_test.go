package handler

import (
	"testing"
	"time"

	"payledger/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenRoundTrip(t *testing.T) {
	tm := NewTokenManager(config.JWTConfig{Secret: "s3cret", Issuer: "payledger"})
	tok, err := tm.Issue(15, RoleAdmin, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := tm.Parse(tok)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.UserID != 15 || claims.Role != RoleAdmin {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestTokenRejected(t *testing.T) {
	tm := NewTokenManager(config.JWTConfig{Secret: "s3cret", Issuer: "payledger"})
	sign := func(claims jwt.Claims, method jwt.SigningMethod, key interface{}) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}
	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))

	cases := map[string]string{
		"expired": sign(Claims{UserID: 1, RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "payledger", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))}}, jwt.SigningMethodHS256, []byte("s3cret")),
		"no expiry": sign(Claims{UserID: 1, RegisteredClaims: jwt.RegisteredClaims{Issuer: "payledger"}},
			jwt.SigningMethodHS256, []byte("s3cret")),
		"wrong issuer": sign(Claims{UserID: 1, RegisteredClaims: jwt.RegisteredClaims{Issuer: "other", ExpiresAt: exp}},
			jwt.SigningMethodHS256, []byte("s3cret")),
		"wrong key": sign(Claims{UserID: 1, RegisteredClaims: jwt.RegisteredClaims{Issuer: "payledger", ExpiresAt: exp}},
			jwt.SigningMethodHS256, []byte("other")),
		"hs512": sign(Claims{UserID: 1, RegisteredClaims: jwt.RegisteredClaims{Issuer: "payledger", ExpiresAt: exp}},
			jwt.SigningMethodHS512, []byte("s3cret")),
		"no user": sign(Claims{RegisteredClaims: jwt.RegisteredClaims{Issuer: "payledger", ExpiresAt: exp}},
			jwt.SigningMethodHS256, []byte("s3cret")),
	}
	for name, tok := range cases {
		if _, err := tm.Parse(tok); err == nil {
			t.Errorf("%s: token accepted", name)
		}
	}
}

func TestTokenDefaultsToUserRole(t *testing.T) {
	tm := NewTokenManager(config.JWTConfig{Secret: "s3cret"})
	tok, _ := tm.Issue(3, "", time.Minute)
	claims, err := tm.Parse(tok)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Role != RoleUser {
		t.Fatalf("role = %q, want user", claims.Role)
	}
}
