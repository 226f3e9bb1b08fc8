package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	errMissingSigningSecret = errors.New("auth: signing secret is required")
	errMissingIssuer        = errors.New("auth: issuer is required")
	errMissingAudience      = errors.New("auth: audience is required")
	errInvalidTokenTTL      = errors.New("auth: token ttl must be positive")
	errMissingSubjectClaim  = errors.New("auth: token subject is required")
)

// TokenIssuerConfig configures the API token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer mints and checks HS256 bearer tokens. The token subject is the user
// identifier that owns notes and their history.
type TokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	switch {
	case len(cfg.SigningSecret) == 0:
		return nil, errMissingSigningSecret
	case strings.TrimSpace(cfg.Issuer) == "":
		return nil, errMissingIssuer
	case strings.TrimSpace(cfg.Audience) == "":
		return nil, errMissingAudience
	case cfg.TokenTTL <= 0:
		return nil, errInvalidTokenTTL
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{
		secret:   cfg.SigningSecret,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      cfg.TokenTTL,
		now:      now,
	}, nil
}

// IssueToken signs a token for subject and reports its lifetime in seconds. Each token
// carries a fresh UUIDv7 token id.
func (i *TokenIssuer) IssueToken(subject string) (string, int64, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", 0, errMissingSubjectClaim
	}
	tokenID, err := uuid.NewV7()
	if err != nil {
		return "", 0, fmt.Errorf("auth: token id: %w", err)
	}

	issuedAt := i.now().UTC()
	claims := jwt.RegisteredClaims{
		ID:        tokenID.String(),
		Subject:   subject,
		Issuer:    i.issuer,
		Audience:  jwt.ClaimStrings{i.audience},
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(issuedAt.Add(i.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(i.ttl / time.Second), nil
}

// ValidateToken returns the subject of a token signed by this issuer for its audience.
// Expired tokens fail with an error matching jwt.ErrTokenExpired.
func (i *TokenIssuer) ValidateToken(tokenString string) (string, error) {
	var claims jwt.RegisteredClaims
	if _, err := jwt.ParseWithClaims(tokenString, &claims, i.signingKey, i.parserOptions()...); err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingSubjectClaim
	}
	return claims.Subject, nil
}

func (i *TokenIssuer) signingKey(token *jwt.Token) (interface{}, error) {
	if token.Method != jwt.SigningMethodHS256 {
		return nil, fmt.Errorf("auth: unexpected signing algorithm %s", token.Method.Alg())
	}
	return i.secret, nil
}

func (i *TokenIssuer) parserOptions() []jwt.ParserOption {
	return []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
}
