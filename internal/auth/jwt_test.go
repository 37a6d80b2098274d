package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestCreateAndVerifyOperatorToken(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	tok, err := CreateOperatorToken("ops", cfg)
	if err != nil {
		t.Fatalf("CreateOperatorToken: %v", err)
	}

	claims, err := VerifyOperatorToken(tok, cfg)
	if err != nil {
		t.Fatalf("VerifyOperatorToken: %v", err)
	}
	if claims.Operator != "ops" || claims.Role != RoleOperator {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyOperatorToken_WrongSecret(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	tok, err := CreateOperatorToken("ops", cfg)
	if err != nil {
		t.Fatalf("CreateOperatorToken: %v", err)
	}

	_, err = VerifyOperatorToken(tok, TokenConfig{Secret: "wrong", Expiry: time.Hour, Issuer: "test"})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestVerifyOperatorToken_WrongIssuer(t *testing.T) {
	tok, err := CreateOperatorToken("ops", TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "other"})
	if err != nil {
		t.Fatalf("CreateOperatorToken: %v", err)
	}
	if _, err := VerifyOperatorToken(tok, TokenConfig{Secret: "secret", Issuer: "test"}); err == nil {
		t.Fatalf("expected issuer mismatch error")
	}
}

func TestVerifyOperatorToken_RequiresRole(t *testing.T) {
	claims := Claims{
		Operator: "someone",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	_, err = VerifyOperatorToken(tok, TokenConfig{Secret: "secret", Issuer: "test"})
	if !errors.Is(err, ErrNotOperator) {
		t.Fatalf("expected ErrNotOperator, got %v", err)
	}
}

func TestVerifyOperatorToken_Expired(t *testing.T) {
	claims := Claims{
		Operator: "ops",
		Role:     RoleOperator,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := VerifyOperatorToken(tok, TokenConfig{Secret: "secret"}); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("expected expired error, got %v", err)
	}
}

func TestCreateOperatorToken_InvalidConfig(t *testing.T) {
	if _, err := CreateOperatorToken("ops", TokenConfig{Secret: "secret", Expiry: -time.Second}); err == nil {
		t.Fatalf("expected error for negative expiry")
	}
	if _, err := CreateOperatorToken("", TokenConfig{Secret: "secret", Expiry: time.Hour}); err == nil {
		t.Fatalf("expected error for empty operator")
	}
	if _, err := CreateOperatorToken("ops", TokenConfig{Expiry: time.Hour}); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}
