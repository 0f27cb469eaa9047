package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	userIdClaim  = "user-id"
	shardIdClaim = "shard-id"
	expClaim     = "exp"

	sessionLifetime = 30 * 24 * time.Hour
)

// sessionCookieName scopes the session to one shard, so a browser can
// hold distinct identities on different shards at once.
func sessionCookieName(shardId string) string {
	return "session-" + shardId
}

func (s *EphemChatApp) createSessionToken(userId, shardId string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim:  userId,
		shardIdClaim: shardId,
		expClaim:     time.Now().Add(sessionLifetime).Unix(),
	})

	return token.SignedString(s.signingKey)
}

func (s *EphemChatApp) parseSessionToken(tokenString, shardId string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return s.signingKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}

	userId, ok := claims[userIdClaim].(string)
	if !ok {
		return "", fmt.Errorf("invalid user id claim")
	}

	tokenShard, ok := claims[shardIdClaim].(string)
	if !ok || tokenShard != shardId {
		return "", fmt.Errorf("token is for a different shard")
	}

	return userId, nil
}

// sessionUserId extracts the caller's identity on a shard from the
// session cookie, if one is present and valid.
func (s *EphemChatApp) sessionUserId(r *http.Request, shardId string) (string, bool) {
	cookie, err := r.Cookie(sessionCookieName(shardId))
	if err != nil {
		return "", false
	}

	userId, err := s.parseSessionToken(cookie.Value, shardId)
	if err != nil {
		s.log.Printf("rejecting session cookie: %v", err)
		return "", false
	}
	return userId, true
}

func (s *EphemChatApp) setSessionCookie(w http.ResponseWriter, userId, shardId string) error {
	token, err := s.createSessionToken(userId, shardId)
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName(shardId),
		Value:    token,
		Path:     "/",
		Expires:  time.Now().Add(sessionLifetime),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	return nil
}
