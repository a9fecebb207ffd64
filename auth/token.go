// Package auth holds the client's credential handling: signed token
// claims shared with the dev server, and the on-disk credentials file
// that stands in for browser storage.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/putto11262002/chatlink/chat"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

type TokenOptions struct {
	Exp    time.Duration
	Secret []byte
}

type UserClaims struct {
	UserID   int    `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func NewUserClaims(userID int, username string, exp time.Time) *UserClaims {
	return &UserClaims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			Issuer:    "chatlink",
		},
	}
}

// CreateToken signs a token carrying the user's identity.
func CreateToken(user chat.User, options TokenOptions) (string, error) {
	claims := NewUserClaims(user.ID, user.Username, time.Now().Add(options.Exp))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(options.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a token's signature and expiry and returns its
// claims. Used by the dev server; the real backend does its own checks.
func VerifyToken(token string, options TokenOptions) (*UserClaims, error) {
	claims := &UserClaims{}

	parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		return options.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))

	switch {
	case parsed != nil && parsed.Valid:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	default:
		return nil, ErrTokenInvalid
	}
}

// Identity extracts the user identity baked into a token without
// verifying the signature. The client is not a trust boundary: the
// backend re-validates the token on every request, this only tells the
// chat layer who "self" is.
func Identity(token string) (chat.User, error) {
	claims := &UserClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return chat.User{}, fmt.Errorf("parse token: %w", err)
	}
	return chat.User{
		ID:       claims.UserID,
		Username: claims.Username,
	}, nil
}
