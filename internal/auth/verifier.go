package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/quietpost/quietpost/internal/platform/errors"
)

// verifierEnv holds raw env values before post-parse validation.
type verifierEnv struct {
	Issuer    string `env:"QUIETPOST_TOKEN_ISSUER"`
	Audience  string `env:"QUIETPOST_TOKEN_AUDIENCE"`
	PublicKey string `env:"QUIETPOST_TOKEN_PUBLIC_KEY"`
}

// VerifierConfig defines how bearer credentials are verified at the edge.
type VerifierConfig struct {
	Issuer   string
	Audience string
	Key      ed25519.PublicKey
	Now      func() time.Time
}

// bearerClaims is the internal claims type used for JWT parsing.
type bearerClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// LoadVerifierConfigFromEnv reads bearer verification configuration.
func LoadVerifierConfigFromEnv(now func() time.Time) (VerifierConfig, error) {
	var raw verifierEnv
	if err := env.Parse(&raw); err != nil {
		return VerifierConfig{}, fmt.Errorf("parse token env: %w", err)
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	publicKey := strings.TrimSpace(raw.PublicKey)
	if issuer == "" {
		return VerifierConfig{}, fmt.Errorf("QUIETPOST_TOKEN_ISSUER is required")
	}
	if audience == "" {
		return VerifierConfig{}, fmt.Errorf("QUIETPOST_TOKEN_AUDIENCE is required")
	}
	if publicKey == "" {
		return VerifierConfig{}, fmt.Errorf("QUIETPOST_TOKEN_PUBLIC_KEY is required")
	}
	keyBytes, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return VerifierConfig{}, fmt.Errorf("decode token public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return VerifierConfig{}, fmt.Errorf("token public key must be %d bytes", ed25519.PublicKeySize)
	}
	if now == nil {
		now = time.Now
	}
	return VerifierConfig{
		Issuer:   issuer,
		Audience: audience,
		Key:      ed25519.PublicKey(keyBytes),
		Now:      now,
	}, nil
}

// VerifyBearer verifies a bearer credential and returns the caller identity.
func VerifyBearer(token string, cfg VerifierConfig) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, apperrors.New(apperrors.CodeIdentityMissing, "bearer credential is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Issuer == "" || cfg.Audience == "" || len(cfg.Key) != ed25519.PublicKeySize {
		return Identity{}, errors.New("bearer verifier is not configured")
	}

	var parsed bearerClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(token *jwt.Token) (any, error) {
		return cfg.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithTimeFunc(cfg.Now),
	)
	if err != nil {
		return Identity{}, apperrors.Wrap(apperrors.CodeIdentityMissing, "verify bearer credential", err)
	}

	subject := strings.TrimSpace(parsed.Subject)
	if subject == "" {
		return Identity{}, apperrors.New(apperrors.CodeIdentityMissing, "bearer credential has no subject")
	}

	return Identity{
		Subject: subject,
		Email:   strings.TrimSpace(parsed.Email),
	}, nil
}
