package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"medchat/pkg/interfaces"
	"medchat/pkg/types"
)

// NameLookup fills in display names for tokens that carry none.
type NameLookup interface {
	UserName(ctx context.Context, user types.UserID) (string, error)
}

// JWTResolver implements interfaces.IdentityResolver.
type JWTResolver struct {
	opts   Options
	names  NameLookup
	log    *zap.Logger
	parser *jwt.Parser
}

var _ interfaces.IdentityResolver = (*JWTResolver)(nil)

// NewResolver builds a resolver. names may be nil.
func NewResolver(opts Options, names NameLookup, log *zap.Logger) (*JWTResolver, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &JWTResolver{
		opts:  opts,
		names: names,
		log:   log.Named("auth"),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(opts.Issuer),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// Resolve reads the token from the Authorization header or, for browsers
// opening a socket, the token query parameter. Every failure wraps
// interfaces.ErrUnauthenticated.
func (r *JWTResolver) Resolve(req *http.Request) (types.Identity, error) {
	raw := TokenFromRequest(req)
	if raw == "" {
		return types.Identity{}, fmt.Errorf("%w: missing token", interfaces.ErrUnauthenticated)
	}

	claims, err := r.Parse(raw)
	if err != nil {
		return types.Identity{}, err
	}

	id := types.Identity{ID: types.UserID(claims.UserID), Name: claims.Name, Role: claims.Role}
	if id.Name == "" && r.names != nil {
		name, err := r.names.UserName(req.Context(), id.ID)
		if err != nil {
			r.log.Warn("name lookup failed", zap.Stringer("user", id.ID), zap.Error(err))
		}
		id.Name = name
	}
	return id, nil
}

// Parse verifies a raw token and returns its claims.
func (r *JWTResolver) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := r.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return r.opts.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrUnauthenticated, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", interfaces.ErrUnauthenticated)
	}
	if !types.IsValidUserID(types.UserID(claims.UserID)) {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrUnauthenticated, types.ErrInvalidUserID)
	}
	return claims, nil
}

// TokenFromRequest returns the bearer token or the token query parameter.
func TokenFromRequest(req *http.Request) string {
	if header := req.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return req.URL.Query().Get("token")
}

// IsUnauthenticated reports whether err came from a failed resolution.
func IsUnauthenticated(err error) bool {
	return errors.Is(err, interfaces.ErrUnauthenticated)
}
