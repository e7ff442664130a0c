package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims represents the IPC handshake token payload.
type TokenClaims struct {
	ClientType string `json:"clientType,omitempty"`
	jwt.RegisteredClaims
}

// JWTManager handles handshake token creation and verification.
//
// The UI presents these tokens in the Socket.IO auth payload; they never
// leave the local machine.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewJWTManager creates a new JWT manager from the install secret.
func NewJWTManager(secret []byte) (*JWTManager, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("empty secret")
	}
	// Derive Ed25519 key from the install secret.
	seed := sha256.Sum256(secret)
	privateKey := ed25519.NewKeyFromSeed(seed[:])
	publicKey := privateKey.Public().(ed25519.PublicKey)

	return &JWTManager{
		privateKey: privateKey,
		publicKey:  publicKey,
	}, nil
}

// CreateToken creates a new handshake token for a client surface.
func (m *JWTManager) CreateToken(clientType string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := TokenClaims{
		ClientType: clientType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientType,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "claude-agent-desktop",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(m.privateKey)
}

// VerifyToken verifies and parses a handshake token.
func (m *JWTManager) VerifyToken(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if claims, ok := token.Claims.(*TokenClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}
