package session

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestJoinTokenRoundTrip(t *testing.T) {
	auth := NewTokenAuth([]byte("test-secret"))

	token, err := auth.MintJoinToken(&JoinClaims{
		SessionId: "01J0TEST",
		Name:      "alice",
		Operator:  true,
	}, time.Minute)
	assert.Equal(t, err, nil)

	claims, err := auth.VerifyJoinToken(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, claims.SessionId, "01J0TEST")
	assert.Equal(t, claims.Name, "alice")
	assert.Equal(t, claims.Operator, true)
}

func TestJoinTokenWrongSecret(t *testing.T) {
	token, err := NewTokenAuth([]byte("a")).MintJoinToken(&JoinClaims{SessionId: "x", Name: "n"}, time.Minute)
	assert.Equal(t, err, nil)

	_, err = NewTokenAuth([]byte("b")).VerifyJoinToken(token)
	assert.NotEqual(t, err, nil)
}

func TestJoinTokenExpired(t *testing.T) {
	auth := NewTokenAuth([]byte("test-secret"))
	token, err := auth.MintJoinToken(&JoinClaims{SessionId: "x", Name: "n"}, -time.Minute)
	assert.Equal(t, err, nil)

	_, err = auth.VerifyJoinToken(token)
	assert.NotEqual(t, err, nil)
}

func TestAdminToken(t *testing.T) {
	auth := NewTokenAuth([]byte("test-secret"))

	token, err := auth.MintAdminToken("ops", time.Minute)
	assert.Equal(t, err, nil)
	assert.Equal(t, auth.VerifyAdminToken(token), nil)

	// a join token must not pass the admin check
	joinToken, err := auth.MintJoinToken(&JoinClaims{SessionId: "x", Name: "n"}, time.Minute)
	assert.Equal(t, err, nil)
	assert.NotEqual(t, auth.VerifyAdminToken(joinToken), nil)
}
