package authutil

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTTL = 24 * time.Hour

// Signer issues and validates HS256 tokens for one shared secret.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner returns a Signer for secret. A non-positive ttl defaults to 24h.
func NewSigner(secret string, ttl time.Duration) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("empty signing secret")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// TTL is the lifetime of issued tokens.
func (s *Signer) TTL() time.Duration { return s.ttl }

// IssueToken returns a signed JWT for the provided subject.
func (s *Signer) IssueToken(subject string) (string, error) {
	if subject == "" {
		return "", errors.New("empty subject")
	}
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": s.now().Unix(),
		"exp": s.now().Add(s.ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken parses token string and validates signature, returning the subject.
func (s *Signer) ValidateToken(tokenStr string) (string, error) {
	if tokenStr == "" {
		return "", errors.New("empty token")
	}
	// check if token method is the HMAC and validate signature
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", err
	}
	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		if subject, ok := claims["sub"].(string); ok && subject != "" {
			return subject, nil
		}
	}
	return "", errors.New("invalid token claims")
}
