// Package server implements the gateway HTTP server: the S3-compatible
// dispatch on the client port and the operator surface on the admin port.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/baotiao/zeppelin-gateway/internal/auth"
	"github.com/baotiao/zeppelin-gateway/internal/config"
	s3err "github.com/baotiao/zeppelin-gateway/internal/errors"
	"github.com/baotiao/zeppelin-gateway/internal/handlers"
	"github.com/baotiao/zeppelin-gateway/internal/keylock"
	"github.com/baotiao/zeppelin-gateway/internal/metrics"
	"github.com/baotiao/zeppelin-gateway/internal/namelist"
	"github.com/baotiao/zeppelin-gateway/internal/store"
	"github.com/baotiao/zeppelin-gateway/internal/xmlutil"

	"github.com/go-chi/chi/v5"
)

// Version is reported by the admin status endpoint.
const Version = "1.0.0"

// Gateway is the client-facing HTTP server. Every S3 request flows through
// one catch-all dispatch that resolves the worker session, the caller, the
// namelist refs, and the per-object mutex before invoking a handler.
type Gateway struct {
	cfg        *config.Config
	router     chi.Router
	pool       *SessionPool
	auth       *auth.Authenticator
	buckets    *namelist.Registry
	objects    *namelist.Registry
	locks      *keylock.Registry
	handler    *handlers.Handler
	httpServer *http.Server
}

// New creates a Gateway serving requests through the given session pool.
func New(cfg *config.Config, pool *SessionPool) (*Gateway, error) {
	mode, err := auth.ParseMode(cfg.Auth.Mode)
	if err != nil {
		return nil, fmt.Errorf("auth mode: %w", err)
	}

	buckets := namelist.NewRegistry(func(ctx context.Context, s store.Store, scope string) ([]string, error) {
		return s.ListBucketNames(ctx, scope)
	})
	objects := namelist.NewRegistry(func(ctx context.Context, s store.Store, scope string) ([]string, error) {
		return s.ListObjectNames(ctx, scope)
	})

	g := &Gateway{
		cfg:     cfg,
		router:  chi.NewMux(),
		pool:    pool,
		auth:    auth.New(mode),
		buckets: buckets,
		objects: objects,
		locks:   keylock.NewRegistry(),
		handler: handlers.New(buckets),
	}

	// Single catch-all: S3 paths are free-form, so the method and query
	// classification happens in dispatch rather than in the mux.
	g.router.HandleFunc("/*", g.dispatch)
	return g, nil
}

// ListenAndServe starts the HTTP server on the given address.
// Middleware chain: metricsMiddleware -> commonHeaders -> router.
func (g *Gateway) ListenAndServe(addr string) error {
	var handler http.Handler = g.router
	handler = commonHeaders(handler)
	handler = metricsMiddleware(handler)

	g.httpServer = &http.Server{
		Addr:    addr,
		Handler: handler,
	}
	return g.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.httpServer == nil {
		return nil
	}
	return g.httpServer.Shutdown(ctx)
}

// Handler returns the middleware-wrapped handler chain. Used by tests to
// serve through httptest without binding a port.
func (g *Gateway) Handler() http.Handler {
	return metricsMiddleware(commonHeaders(g.router))
}

// parsePath extracts bucket and object from the request path. The first
// segment is the bucket, everything after it the object; a single trailing
// slash on the object is stripped.
func parsePath(path string) (bucket, object string) {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return "", ""
	}
	bucket, object, found := strings.Cut(path, "/")
	if !found {
		return bucket, ""
	}
	return bucket, strings.TrimSuffix(object, "/")
}

// Operation tags, used as metric labels and to invoke handlers.
const (
	opListBuckets          = "ListBuckets"
	opListObjects          = "ListObjects"
	opListMultipartUploads = "ListMultipartUploads"
	opPutBucket            = "PutBucket"
	opDeleteBucket         = "DeleteBucket"
	opHeadBucket           = "HeadBucket"
	opGetObject            = "GetObject"
	opHeadObject           = "HeadObject"
	opPutObject            = "PutObject"
	opDeleteObject         = "DeleteObject"
	opInitiateMultipart    = "InitiateMultipartUpload"
	opUploadPart           = "UploadPart"
	opCompleteMultipart    = "CompleteMultipartUpload"
	opAbortMultipart       = "AbortMultipartUpload"
	opListParts            = "ListParts"
	opAdminListUsers       = "AdminListUsers"
	opAdminPutUser         = "AdminPutUser"
	opNotImplemented       = "NotImplemented"
)

// classify maps method, path level, and query hints to an operation tag.
// Unrecognized combinations map to opNotImplemented.
func classify(bucket, object string, r *http.Request) string {
	q := r.URL.Query()

	if bucket == "admin_list_users" && r.Method == http.MethodGet {
		return opAdminListUsers
	}
	if bucket == "admin_put_user" && r.Method == http.MethodPut {
		return opAdminPutUser
	}

	switch {
	case bucket == "":
		if r.Method == http.MethodGet {
			return opListBuckets
		}
	case object == "":
		switch r.Method {
		case http.MethodGet:
			if q.Has("uploads") {
				return opListMultipartUploads
			}
			return opListObjects
		case http.MethodPut:
			return opPutBucket
		case http.MethodDelete:
			return opDeleteBucket
		case http.MethodHead:
			return opHeadBucket
		}
	default:
		switch r.Method {
		case http.MethodGet:
			if q.Has("uploadId") {
				return opListParts
			}
			return opGetObject
		case http.MethodPut:
			if q.Has("partNumber") && q.Has("uploadId") {
				return opUploadPart
			}
			return opPutObject
		case http.MethodDelete:
			if q.Has("uploadId") {
				return opAbortMultipart
			}
			return opDeleteObject
		case http.MethodHead:
			return opHeadObject
		case http.MethodPost:
			if q.Has("uploads") {
				return opInitiateMultipart
			}
			if q.Has("uploadId") {
				return opCompleteMultipart
			}
		}
	}
	return opNotImplemented
}

// dispatch serves one S3 request: classify, check out a session, authenticate,
// take the namelist refs and the per-object mutex in order, run the handler,
// and release everything in reverse on the way out.
func (g *Gateway) dispatch(w http.ResponseWriter, r *http.Request) {
	rec := newResponseRecorder(w)
	bucket, object := parsePath(r.URL.Path)

	op := classify(bucket, object, r)
	defer func() {
		metrics.CountOperation(op, rec.statusCode)
	}()
	slog.Debug("dispatch", "method", r.Method, "path", r.URL.Path, "op", op)

	if op == opNotImplemented {
		xmlutil.WriteErrorResponse(rec, r, s3err.ErrNotImplemented)
		return
	}

	// Admin operations bypass authentication.
	if op == opAdminListUsers || op == opAdminPutUser {
		g.serveAdmin(rec, r, op, object)
		return
	}

	sess, err := g.pool.Acquire(r.Context())
	if err != nil {
		slog.Error("acquire session error", "error", err)
		xmlutil.WriteErrorResponse(rec, r, s3err.ErrInternalError)
		return
	}
	defer g.pool.Release(sess)

	user, s3e := g.auth.Authenticate(r.Context(), sess, r)
	if s3e != nil {
		xmlutil.WriteErrorResponse(rec, r, s3e)
		return
	}

	req := &handlers.Request{
		Bucket: bucket,
		Object: object,
		User:   user,
		Store:  sess,
	}

	// Ref order: bucket namelist, then object namelist, then the per-object
	// mutex. The deferred releases run in reverse.
	ctx := r.Context()
	bl, err := g.buckets.Ref(ctx, sess, user.DisplayName)
	if err != nil {
		slog.Error("ref bucket namelist error", "user", user.DisplayName, "error", err)
		xmlutil.WriteErrorResponse(rec, r, s3err.ErrInternalError)
		return
	}
	defer func() {
		if err := g.buckets.Unref(user.DisplayName); err != nil {
			slog.Error("unref bucket namelist error", "user", user.DisplayName, "error", err)
		}
	}()
	req.Buckets = bl

	if bucket != "" && bl.IsExist(bucket) {
		ol, err := g.objects.Ref(ctx, sess, bucket)
		if err != nil {
			slog.Error("ref object namelist error", "bucket", bucket, "error", err)
			xmlutil.WriteErrorResponse(rec, r, s3err.ErrInternalError)
			return
		}
		defer func() {
			if err := g.objects.Unref(bucket); err != nil {
				slog.Error("unref object namelist error", "bucket", bucket, "error", err)
			}
		}()
		req.Objects = ol
	}

	if object != "" {
		// Object operations need a bucket the caller owns.
		if req.Objects == nil {
			if r.Method == http.MethodHead {
				rec.WriteHeader(http.StatusNotFound)
				return
			}
			xmlutil.WriteErrorResponse(rec, r, s3err.ErrNoSuchBucket)
			return
		}
		key := bucket + "/" + object
		g.locks.Lock(key)
		defer g.locks.Unlock(key)
	}

	g.invoke(op, rec, r, req)
}

// serveAdmin runs the unauthenticated admin operations recognized on the
// client port.
func (g *Gateway) serveAdmin(w http.ResponseWriter, r *http.Request, op, object string) {
	if op == opAdminPutUser && object == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	sess, err := g.pool.Acquire(r.Context())
	if err != nil {
		slog.Error("acquire session error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	defer g.pool.Release(sess)

	switch op {
	case opAdminListUsers:
		handlers.AdminListUsers(w, r, sess)
	case opAdminPutUser:
		handlers.AdminPutUser(w, r, sess, object)
	}
}

// invoke runs the classified operation.
func (g *Gateway) invoke(op string, w http.ResponseWriter, r *http.Request, req *handlers.Request) {
	switch op {
	case opListBuckets:
		g.handler.ListBuckets(w, r, req)
	case opListObjects:
		g.handler.ListObjects(w, r, req)
	case opListMultipartUploads:
		g.handler.ListMultipartUploads(w, r, req)
	case opPutBucket:
		g.handler.PutBucket(w, r, req)
	case opDeleteBucket:
		g.handler.DeleteBucket(w, r, req)
	case opHeadBucket:
		g.handler.HeadBucket(w, r, req)
	case opGetObject:
		g.handler.GetObject(w, r, req, false)
	case opHeadObject:
		g.handler.GetObject(w, r, req, true)
	case opPutObject:
		g.handler.PutObject(w, r, req)
	case opDeleteObject:
		g.handler.DeleteObject(w, r, req)
	case opInitiateMultipart:
		g.handler.InitiateMultipartUpload(w, r, req)
	case opUploadPart:
		g.handler.UploadPart(w, r, req)
	case opCompleteMultipart:
		g.handler.CompleteMultipartUpload(w, r, req)
	case opAbortMultipart:
		g.handler.AbortMultipartUpload(w, r, req)
	case opListParts:
		g.handler.ListParts(w, r, req)
	default:
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNotImplemented)
	}
}
