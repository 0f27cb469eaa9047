package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer([]byte("test-signing-key"))

	token, err := issuer.CreateToken("user-1", "shard-1", time.Hour)
	assert.NoError(t, err)
	assert.NotEmpty(t, token)

	userId, shardId, err := issuer.VerifyToken(token)
	assert.NoError(t, err)
	assert.Equal(t, "user-1", userId)
	assert.Equal(t, "shard-1", shardId)
}

func TestVerifyTokenWrongKey(t *testing.T) {
	issuer := NewTokenIssuer([]byte("test-signing-key"))
	other := NewTokenIssuer([]byte("different-key"))

	token, err := issuer.CreateToken("user-1", "shard-1", time.Hour)
	assert.NoError(t, err)

	_, _, err = other.VerifyToken(token)
	assert.Error(t, err)
}

func TestVerifyTokenExpired(t *testing.T) {
	issuer := NewTokenIssuer([]byte("test-signing-key"))

	token, err := issuer.CreateToken("user-1", "shard-1", -time.Minute)
	assert.NoError(t, err)

	_, _, err = issuer.VerifyToken(token)
	assert.Error(t, err)
}
