package channel

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	userIdClaim  = "user-id"
	shardIdClaim = "shard-id"
	expClaim     = "exp"
)

// TokenIssuer mints and verifies channel tokens. A token binds one user
// to one shard for the token lifetime; it doubles as the address of the
// user's push connection.
type TokenIssuer struct {
	key []byte
}

func NewTokenIssuer(key []byte) *TokenIssuer {
	return &TokenIssuer{key: key}
}

func (ti *TokenIssuer) CreateToken(userId, shardId string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim:  userId,
		shardIdClaim: shardId,
		expClaim:     time.Now().Add(ttl).Unix(),
	})

	return token.SignedString(ti.key)
}

// VerifyToken validates a channel token and returns the user and shard
// it was issued for.
func (ti *TokenIssuer) VerifyToken(tokenString string) (userId, shardId string, err error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return ti.key, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return "", "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", fmt.Errorf("invalid token claims")
	}

	userId, ok = claims[userIdClaim].(string)
	if !ok {
		return "", "", fmt.Errorf("invalid user id claim")
	}

	shardId, ok = claims[shardIdClaim].(string)
	if !ok {
		return "", "", fmt.Errorf("invalid shard id claim")
	}

	return userId, shardId, nil
}
