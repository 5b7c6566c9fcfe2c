package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// createSessionJWT wraps an opaque session id in a signed bearer
// token. The engine only ever sees the id; the JWT exists so browsers
// carry a tamper-evident credential.
func createSessionJWT(sessionID string, expiresAt time.Time) (string, error) {
	claims := jwt.MapClaims{"sid": sessionID, "exp": expiresAt.Unix()}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

// parseSessionJWT extracts the session id from a bearer token. Expiry
// of the underlying session is still enforced by the engine; the JWT
// exp only bounds how long the credential itself is honored.
func parseSessionJWT(tokenStr string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		return jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return "", errors.New("invalid session token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid token claims")
	}
	sid, ok := claims["sid"].(string)
	if !ok || sid == "" {
		return "", errors.New("token carries no session")
	}
	return sid, nil
}

// Agent key helpers. The key is shown once at creation; only the
// bcrypt hash and a prefix for candidate lookup are stored.
func generateAgentKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "pk_" + hex.EncodeToString(b), nil
}

func hashAgentKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	return string(hash), err
}

func agentKeyPrefix(key string) string {
	if len(key) >= 8 {
		return key[:8]
	}
	return key
}
