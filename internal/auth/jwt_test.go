// Custodian - Continuous Behavioral Authentication Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodian

package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tomtom215/custodian/internal/config"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testManager(t *testing.T, timeout time.Duration) *JWTManager {
	t.Helper()
	m, err := NewJWTManager(&config.SecurityConfig{
		JWTSecret:      testSecret,
		SessionTimeout: timeout,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestNewJWTManagerRequiresSecret(t *testing.T) {
	if _, err := NewJWTManager(&config.SecurityConfig{}); err == nil {
		t.Error("empty secret accepted")
	}
}

func TestGenerateAndValidate(t *testing.T) {
	m := testManager(t, time.Hour)

	token, err := m.GenerateToken("alice", "phone-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := m.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UserID != "alice" || claims.ClientID != "phone-1" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.Subject != "alice" {
		t.Errorf("subject = %q, want alice", claims.Subject)
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	m := testManager(t, -time.Minute)

	token, err := m.GenerateToken("alice", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := m.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestValidateRejectsTampered(t *testing.T) {
	m := testManager(t, time.Hour)

	token, err := m.GenerateToken("alice", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + ".AAAA" + parts[2][4:]
	if _, err := m.ValidateToken(tampered); err == nil {
		t.Error("tampered token accepted")
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	m := testManager(t, time.Hour)
	other, _ := NewJWTManager(&config.SecurityConfig{
		JWTSecret: "ffffffffffffffffffffffffffffffff",
	})

	token, err := other.GenerateToken("alice", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := m.ValidateToken(token); err == nil {
		t.Error("token signed with a different secret accepted")
	}
}

func TestValidateRejectsUnsignedAlgorithm(t *testing.T) {
	m := testManager(t, time.Hour)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "alice"})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := m.ValidateToken(token); err == nil {
		t.Error("alg=none token accepted")
	}
}

func TestValidateRejectsMissingUserID(t *testing.T) {
	m := testManager(t, time.Hour)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := m.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}
