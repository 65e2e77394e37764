package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
)

// TokenTTL bounds how long a handshake token stays valid after the web
// application mints it.
const TokenTTL = 1 * time.Hour

var ErrInvalidToken = errors.New("invalid or expired token")

// Claims is the payload carried inside a terminal handshake token. The
// gateway trusts these fields, never client-supplied query parameters.
type Claims struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// TokenVerifier verifies (and for tests, mints) fernet handshake tokens.
type TokenVerifier struct {
	keys []*fernet.Key
	ttl  time.Duration
}

func NewTokenVerifier(encodedKey string) (*TokenVerifier, error) {
	key, err := fernet.DecodeKey(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return &TokenVerifier{keys: []*fernet.Key{key}, ttl: TokenTTL}, nil
}

// GenerateKey returns a new base64-encoded fernet key.
func GenerateKey() (string, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return "", fmt.Errorf("generate fernet key: %w", err)
	}
	return k.Encode(), nil
}

// Mint signs claims into a token. The web application normally does this;
// it is exposed here for tests and local development.
func (v *TokenVerifier) Mint(c Claims) (string, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign(payload, v.keys[0])
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return string(tok), nil
}

// Verify checks the token signature and TTL and returns its claims.
func (v *TokenVerifier) Verify(token string) (Claims, error) {
	msg := fernet.VerifyAndDecrypt([]byte(token), v.ttl, v.keys)
	if msg == nil {
		return Claims{}, ErrInvalidToken
	}
	var c Claims
	if err := json.Unmarshal(msg, &c); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if c.SessionID == "" {
		return Claims{}, ErrInvalidToken
	}
	return c, nil
}
