package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"slopestream-core/internal/apperrors"
)

// JWTVerifier is the default TokenVerifier: it validates a bearer token
// signed with a shared HMAC secret. It does not issue tokens — that's an
// external identity provider's job.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier builds a JWTVerifier from the configured secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify parses and validates tokenString, returning the bound user id.
func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, apperrors.Unauthenticated("invalid token")
	}
	if !token.Valid {
		return Identity{}, apperrors.Unauthenticated("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, apperrors.Unauthenticated("invalid token claims")
	}

	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return Identity{}, apperrors.Unauthenticated("user_id not found in token")
	}

	email, _ := claims["email"].(string)

	return Identity{UserID: userID, Email: email}, nil
}
