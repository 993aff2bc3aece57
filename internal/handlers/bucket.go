package handlers

import (
	"log/slog"
	"net/http"

	s3err "github.com/baotiao/zeppelin-gateway/internal/errors"
	"github.com/baotiao/zeppelin-gateway/internal/store"
	"github.com/baotiao/zeppelin-gateway/internal/xmlutil"
)

// ListBuckets handles GET / and returns the buckets owned by the caller.
func (h *Handler) ListBuckets(w http.ResponseWriter, r *http.Request, req *Request) {
	ctx := r.Context()

	var xmlBuckets []xmlutil.Bucket
	err := req.Buckets.Range(func(name string) error {
		b, err := req.Store.GetBucket(ctx, name)
		if store.IsNotFound(err) {
			// Namelist may be momentarily ahead of the backend.
			return nil
		}
		if err != nil {
			return err
		}
		xmlBuckets = append(xmlBuckets, xmlutil.Bucket{
			Name:         b.Name,
			CreationDate: xmlutil.FormatTimeS3(b.Created),
		})
		return nil
	})
	if err != nil {
		slog.Error("ListBuckets error", "user", req.User.DisplayName, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.ListAllMyBucketsResult{
		Owner:   ownerOf(req.User),
		Buckets: xmlBuckets,
	}
	xmlutil.RenderListBuckets(w, result)
}

// PutBucket handles PUT /{bucket} and creates a new bucket. Bucket names are
// unique across all users, so after the caller's own namelist is checked the
// remaining users' bucket namelists are each referenced and scanned.
func (h *Handler) PutBucket(w http.ResponseWriter, r *http.Request, req *Request) {
	ctx := r.Context()

	if req.Buckets.IsExist(req.Bucket) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrBucketAlreadyOwnedByYou)
		return
	}

	users, err := req.Store.ListUsers(ctx)
	if err != nil {
		slog.Error("PutBucket list users error", "bucket", req.Bucket, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	for _, u := range users {
		if u.DisplayName == req.User.DisplayName {
			continue
		}
		nl, err := h.buckets.Ref(ctx, req.Store, u.DisplayName)
		if err != nil {
			slog.Error("PutBucket ref namelist error", "bucket", req.Bucket, "user", u.DisplayName, "error", err)
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
			return
		}
		taken := nl.IsExist(req.Bucket)
		if err := h.buckets.Unref(u.DisplayName); err != nil {
			slog.Error("PutBucket unref namelist error", "user", u.DisplayName, "error", err)
		}
		if taken {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrBucketAlreadyExists)
			return
		}
	}

	owner := store.UserInfo{DisplayName: req.User.DisplayName}
	if err := req.Store.AddBucket(ctx, req.Bucket, owner); err != nil {
		slog.Error("PutBucket add bucket error", "bucket", req.Bucket, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	req.Buckets.Insert(req.Bucket)
	w.WriteHeader(http.StatusOK)
}

// DeleteBucket handles DELETE /{bucket}. The bucket must be empty.
func (h *Handler) DeleteBucket(w http.ResponseWriter, r *http.Request, req *Request) {
	ctx := r.Context()

	if !req.Buckets.IsExist(req.Bucket) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	if req.Objects == nil || !req.Objects.IsEmpty() {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrBucketNotEmpty)
		return
	}

	if err := req.Store.DelBucket(ctx, req.Bucket); err != nil && !store.IsNotFound(err) {
		slog.Error("DeleteBucket error", "bucket", req.Bucket, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	req.Buckets.Delete(req.Bucket)
	w.WriteHeader(http.StatusNoContent)
}

// HeadBucket handles HEAD /{bucket}. Status only, no body.
func (h *Handler) HeadBucket(w http.ResponseWriter, r *http.Request, req *Request) {
	if !req.Buckets.IsExist(req.Bucket) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}
