// Package handlers implements HTTP request handlers for the S3-compatible
// gateway operations.
//
// Handlers operate on a Request assembled by the router: the authenticated
// user, the worker's backend session, and the namelist refs acquired for this
// request. Namelists are the membership fast path; the backend stays the
// source of truth, so namelist mutations happen only after the matching
// backend call succeeds.
package handlers

import (
	"io"
	"net/http"

	s3err "github.com/baotiao/zeppelin-gateway/internal/errors"
	"github.com/baotiao/zeppelin-gateway/internal/namelist"
	"github.com/baotiao/zeppelin-gateway/internal/store"
	"github.com/baotiao/zeppelin-gateway/internal/xmlutil"
)

// Request carries the per-request state the router resolved before
// dispatching to a handler.
type Request struct {
	// Bucket and Object are the path segments, object already stripped of a
	// trailing slash.
	Bucket string
	Object string

	// User is the authenticated caller (the anonymous user when auth is off).
	User *store.User

	// Store is the backend session checked out of the worker pool for the
	// duration of this request.
	Store store.Store

	// Buckets is the caller's referenced bucket namelist.
	Buckets *namelist.Namelist

	// Objects is the target bucket's referenced object namelist. It is nil
	// when the bucket is not in the caller's bucket namelist; object-level
	// handlers are only dispatched with it set.
	Objects *namelist.Namelist
}

// Handler implements the gateway operations. The bucket-namelist registry is
// needed by PutBucket to check name uniqueness across all users.
type Handler struct {
	buckets *namelist.Registry
}

// New creates a Handler backed by the given bucket-namelist registry.
func New(buckets *namelist.Registry) *Handler {
	return &Handler{buckets: buckets}
}

// ownerOf converts the caller into the XML owner shape. The backend keys
// users by display name, so it doubles as the ID.
func ownerOf(u *store.User) xmlutil.Owner {
	return xmlutil.Owner{ID: u.DisplayName, DisplayName: u.DisplayName}
}

// infoOwner converts a stored owner into the XML owner shape.
func infoOwner(o store.UserInfo) xmlutil.Owner {
	return xmlutil.Owner{ID: o.DisplayName, DisplayName: o.DisplayName}
}

// readBody drains the request body. A read failure is reported as 500; the
// backend contract takes whole values, so streaming ends here.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return nil, false
	}
	return body, true
}
