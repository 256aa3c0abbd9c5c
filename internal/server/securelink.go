package server

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidLink = errors.New("invalid or expired secure link")

// LinkClaims binds a room's secret key into a signed invitation link so the
// email flow never ships the raw key in message bodies.
type LinkClaims struct {
	SecretKey string `json:"room"`
	jwt.RegisteredClaims
}

// NewSecureLink issues an HMAC-signed token embedding the room key.
func NewSecureLink(secret, roomKey string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := LinkClaims{
		SecretKey: roomKey,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseSecureLink validates a token and returns the embedded room key.
func ParseSecureLink(secret, tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &LinkClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidLink
	}
	claims, ok := token.Claims.(*LinkClaims)
	if !ok || claims.SecretKey == "" {
		return "", ErrInvalidLink
	}
	return claims.SecretKey, nil
}
