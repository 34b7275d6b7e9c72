package interfaces

import (
	"net/http"

	"medchat/pkg/types"
)

// IdentityResolver maps the credential presented with a request to a user.
type IdentityResolver interface {
	Resolve(r *http.Request) (types.Identity, error)
}
