package service

import (
	"fmt"
	"time"

	"github.com/boddenberg/school-ledger-go/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "school-ledger"

// AccessClaims is what the authorization collaborator puts in a token. The
// ledger reads the principal and the visibility scope from it and never
// derives either from roles.
type AccessClaims struct {
	Name       string   `json:"name,omitempty"`
	ScopeAll   bool     `json:"scope_all,omitempty"`
	StudentIDs []string `json:"student_ids,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier validates HS256 access tokens.
type TokenVerifier struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenVerifier creates a verifier for secret. ttl is only used by Issue.
func NewTokenVerifier(secret string, ttl time.Duration) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Verify parses a token into the acting principal and its scope.
func (v *TokenVerifier) Verify(tokenString string) (domain.Actor, domain.Scope, error) {
	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now), jwt.WithIssuer(tokenIssuer))
	if err != nil || !token.Valid {
		return domain.Actor{}, domain.Scope{}, &domain.ErrUnauthorized{Message: "invalid or expired token"}
	}
	if claims.Subject == "" {
		return domain.Actor{}, domain.Scope{}, &domain.ErrUnauthorized{Message: "token has no subject"}
	}

	actor := domain.Actor{ID: claims.Subject, Name: claims.Name}
	scope := domain.Scope{All: claims.ScopeAll, StudentIDs: claims.StudentIDs}
	return actor, scope, nil
}

// Issue signs a token for actor and scope. It stands in for the
// authorization collaborator in tests and local tooling.
func (v *TokenVerifier) Issue(actor domain.Actor, scope domain.Scope) (string, error) {
	now := v.now()
	claims := AccessClaims{
		Name:       actor.Name,
		ScopeAll:   scope.All,
		StudentIDs: scope.StudentIDs,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
