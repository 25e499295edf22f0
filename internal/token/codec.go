// Package token mints and validates stateless access tokens.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// AccessType is the typ claim carried by every access token.
const AccessType = "at+jwt"

var (
	ErrExpired                  = errors.New("token has expired")
	ErrInvalidSignatureOrIssuer = errors.New("could not validate credentials")
	ErrMissingOrWrongType       = errors.New("missing or invalid token type")
	ErrMissingSubject           = errors.New("token has no subject")
)

// Claims is the exact access-token claim set: sub, iss, iat, exp, typ, jti.
type Claims struct {
	Type string `json:"typ,omitempty"`
	jwt.RegisteredClaims
}

type Config struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
}

// Codec signs with HS256. It holds no mutable state after construction.
type Codec struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  clockwork.Clock
	parser *jwt.Parser
}

func NewCodec(cfg Config, clock clockwork.Clock) (*Codec, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("access token secret must not be empty")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("access token issuer must not be empty")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("access token ttl must be positive")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	secret := make([]byte, len(cfg.Secret))
	copy(secret, cfg.Secret)
	return &Codec{
		secret: secret,
		issuer: cfg.Issuer,
		ttl:    cfg.TTL,
		clock:  clock,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(clock.Now),
		),
	}, nil
}

// TTL is the configured access-token lifetime.
func (c *Codec) TTL() time.Duration { return c.ttl }

// Mint signs an access token for subject valid from now until now+ttl.
func (c *Codec) Mint(subject string, now time.Time) (string, error) {
	if subject == "" {
		return "", ErrMissingSubject
	}
	claims := Claims{
		Type: AccessType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// Validate checks signature, issuer and expiry, then requires typ=at+jwt and a subject.
func (c *Codec) Validate(raw string) (*Claims, error) {
	var claims Claims
	_, err := c.parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpired
	default:
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignatureOrIssuer, err)
	}
	if claims.Type != AccessType {
		return nil, ErrMissingOrWrongType
	}
	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}
	return &claims, nil
}
