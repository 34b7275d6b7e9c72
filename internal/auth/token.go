// Package auth resolves request credentials into identities using HS256 JWTs.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"medchat/pkg/types"
)

// Claims is the payload carried inside a token.
type Claims struct {
	UserID int64  `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type Options struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
}

func (o Options) validate() error {
	if len(o.Secret) == 0 {
		return errors.New("jwt secret cannot be empty")
	}
	if o.Issuer == "" {
		return errors.New("jwt issuer cannot be empty")
	}
	return nil
}

// Issuer mints tokens for an identity.
type Issuer struct {
	opts Options
	now  func() time.Time
}

func NewIssuer(opts Options) (*Issuer, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.TTL <= 0 {
		return nil, errors.New("token ttl must be greater than 0")
	}
	return &Issuer{opts: opts, now: time.Now}, nil
}

// Issue returns a signed token for id and its expiry.
func (i *Issuer) Issue(id types.Identity) (string, time.Time, error) {
	if !types.IsValidUserID(id.ID) {
		return "", time.Time{}, types.ErrInvalidUserID
	}
	now := i.now()
	expires := now.Add(i.opts.TTL)

	claims := &Claims{
		UserID: int64(id.ID),
		Name:   id.Name,
		Role:   id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID.String(),
			Issuer:    i.opts.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.opts.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expires, nil
}
