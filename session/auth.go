package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrBadToken = errors.New("bad token")

// TokenAuth mints and verifies the HS256 tokens that gate joining a session
// and calling the admin api. Join tokens are bound to one session id; admin
// tokens carry the admin claim instead.
type TokenAuth struct {
	secret []byte
}

func NewTokenAuth(secret []byte) *TokenAuth {
	return &TokenAuth{secret: secret}
}

type JoinClaims struct {
	SessionId string
	Name      string
	Operator  bool
}

func (self *TokenAuth) MintJoinToken(claims *JoinClaims, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"session": claims.SessionId,
		"name":    claims.Name,
		"op":      claims.Operator,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	})
	return token.SignedString(self.secret)
}

func (self *TokenAuth) VerifyJoinToken(tokenString string) (*JoinClaims, error) {
	claims, err := self.parse(tokenString)
	if err != nil {
		return nil, err
	}
	sessionId, ok := claims["session"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing session claim", ErrBadToken)
	}
	name, ok := claims["name"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing name claim", ErrBadToken)
	}
	operator, _ := claims["op"].(bool)
	return &JoinClaims{
		SessionId: sessionId,
		Name:      name,
		Operator:  operator,
	}, nil
}

func (self *TokenAuth) MintAdminToken(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   subject,
		"admin": true,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	})
	return token.SignedString(self.secret)
}

func (self *TokenAuth) VerifyAdminToken(tokenString string) error {
	claims, err := self.parse(tokenString)
	if err != nil {
		return err
	}
	if admin, _ := claims["admin"].(bool); !admin {
		return fmt.Errorf("%w: not an admin token", ErrBadToken)
	}
	return nil
}

func (self *TokenAuth) parse(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(
		tokenString,
		func(token *jwt.Token) (any, error) {
			return self.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadToken, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrBadToken
	}
	return claims, nil
}
