package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures the HS256 token authenticator.
type JWTConfig struct {
	// Issuer is the expected iss claim. Empty skips the check.
	Issuer string

	// SigningKey is the HMAC key used to verify signatures.
	SigningKey []byte

	// Leeway tolerates clock skew on exp and nbf.
	Leeway time.Duration
}

// Claims is the token payload.
type Claims struct {
	Roles       []string `json:"roles,omitempty"`
	Participant string   `json:"participant,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HS256 bearer tokens.
type JWTAuthenticator struct {
	cfg    JWTConfig
	parser *jwt.Parser
}

// NewJWTAuthenticator creates a JWT authenticator.
func NewJWTAuthenticator(cfg JWTConfig) (*JWTAuthenticator, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, errors.New("jwt signing key is required")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &JWTAuthenticator{cfg: cfg, parser: jwt.NewParser(opts...)}, nil
}

// Authenticate validates the token in ctx.
func (a *JWTAuthenticator) Authenticate(ctx context.Context) (*Principal, error) {
	token := GetToken(ctx)
	if token == "" {
		return nil, errors.New("no token found in context")
	}

	var claims Claims
	_, err := a.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.cfg.SigningKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("missing sub claim")
	}

	return &Principal{
		Subject:     claims.Subject,
		Roles:       claims.Roles,
		Participant: claims.Participant,
		AuthType:    AuthTypeJWT,
	}, nil
}

// Issue signs a token for p that expires after ttl.
func (a *JWTAuthenticator) Issue(p Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Roles:       p.Roles,
		Participant: p.Participant,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject,
			Issuer:    a.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.cfg.SigningKey)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify interface compliance.
var _ Authenticator = (*JWTAuthenticator)(nil)
