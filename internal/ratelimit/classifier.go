package ratelimit

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Classifier decides whether a request is authenticated and, if so, who
// made it.
type Classifier interface {
	Classify(r *http.Request) (identity string, authenticated bool)
}

// AnonymousClassifier treats every caller as anonymous.
type AnonymousClassifier struct{}

// Classify implements Classifier.
func (AnonymousClassifier) Classify(*http.Request) (string, bool) { return "", false }

// JWTClassifier authenticates HS256 bearer tokens signed with a shared
// secret. The "sub" claim is the identity.
type JWTClassifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTClassifier returns a JWTClassifier, or AnonymousClassifier when
// secret is empty.
func NewJWTClassifier(secret string) Classifier {
	if secret == "" {
		return AnonymousClassifier{}
	}
	return &JWTClassifier{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// Classify implements Classifier. Missing, malformed, expired or wrongly
// signed tokens are anonymous.
func (c *JWTClassifier) Classify(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return "", false
	}
	tok, err := c.parser.Parse(strings.TrimSpace(raw), func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	})
	if err != nil || !tok.Valid {
		return "", false
	}
	sub, err := tok.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", false
	}
	return sub, true
}
