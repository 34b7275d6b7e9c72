package auth

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"medchat/pkg/interfaces"
	"medchat/pkg/types"
)

// UserRecorder persists the profile a token carries.
type UserRecorder interface {
	UpsertUser(ctx context.Context, user types.Identity) error
}

// RecordingResolver wraps a resolver and writes each caller's claimed name
// and role to the user table, so conversation listings can show names for
// users the store has never seen. A profile is written the first time it is
// seen and again only when it changes.
type RecordingResolver struct {
	inner interfaces.IdentityResolver
	users UserRecorder
	log   *zap.Logger
	seen  sync.Map // types.UserID -> types.Identity
}

var _ interfaces.IdentityResolver = (*RecordingResolver)(nil)

func NewRecordingResolver(inner interfaces.IdentityResolver, users UserRecorder, log *zap.Logger) *RecordingResolver {
	return &RecordingResolver{inner: inner, users: users, log: log.Named("auth")}
}

func (r *RecordingResolver) Resolve(req *http.Request) (types.Identity, error) {
	id, err := r.inner.Resolve(req)
	if err != nil {
		return id, err
	}
	// Tokens without a role would reset it to the default.
	if id.Name == "" || id.Role == "" {
		return id, nil
	}
	if prev, ok := r.seen.Load(id.ID); ok && prev.(types.Identity) == id {
		return id, nil
	}
	if err := r.users.UpsertUser(req.Context(), id); err != nil {
		r.log.Warn("failed to record user profile", zap.Stringer("user", id.ID), zap.Error(err))
		return id, nil
	}
	r.seen.Store(id.ID, id)
	return id, nil
}
