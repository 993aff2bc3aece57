package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	s3err "github.com/baotiao/zeppelin-gateway/internal/errors"
	"github.com/baotiao/zeppelin-gateway/internal/store"
	"github.com/baotiao/zeppelin-gateway/internal/xmlutil"
)

// listMaxKeys is reported in list responses; pagination is accepted but
// never advanced, so IsTruncated stays false.
const listMaxKeys = 1000

// PutObject handles PUT /{bucket}/{object}. The whole body is read, stored
// through the backend, and only then inserted into the object namelist.
func (h *Handler) PutObject(w http.ResponseWriter, r *http.Request, req *Request) {
	ctx := r.Context()

	body, ok := readBody(w, r)
	if !ok {
		return
	}

	etag := store.ETag(body)
	info := store.ObjectInfo{
		MTime:        time.Now().UTC(),
		ETag:         etag,
		Size:         int64(len(body)),
		StorageClass: store.DefaultStorageClass,
		Owner:        store.UserInfo{DisplayName: req.User.DisplayName},
	}

	if err := req.Store.AddObject(ctx, req.Bucket, req.Object, info, body); err != nil {
		slog.Error("PutObject error", "bucket", req.Bucket, "object", req.Object, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	req.Objects.Insert(req.Object)
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

// GetObject handles GET and HEAD /{bucket}/{object}. HEAD skips the content
// fetch and returns the same headers with an empty body.
func (h *Handler) GetObject(w http.ResponseWriter, r *http.Request, req *Request, head bool) {
	ctx := r.Context()

	if !req.Objects.IsExist(req.Object) {
		if head {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}

	obj, err := req.Store.GetObject(ctx, req.Bucket, req.Object, !head)
	if err != nil {
		slog.Error("GetObject error", "bucket", req.Bucket, "object", req.Object, "error", err)
		if head {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.Header().Set("ETag", obj.Info.ETag)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Info.Size, 10))
	w.WriteHeader(http.StatusOK)
	if !head {
		w.Write(obj.Content)
	}
}

// DeleteObject handles DELETE /{bucket}/{object}. Deleting an absent object
// replies 204; a backend NotFound is likewise normalized to success.
func (h *Handler) DeleteObject(w http.ResponseWriter, r *http.Request, req *Request) {
	ctx := r.Context()

	if !req.Objects.IsExist(req.Object) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := req.Store.DelObject(ctx, req.Bucket, req.Object); err != nil && !store.IsNotFound(err) {
		slog.Error("DeleteObject error", "bucket", req.Bucket, "object", req.Object, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	req.Objects.Delete(req.Object)
	w.WriteHeader(http.StatusNoContent)
}

// ListObjects handles GET /{bucket}. Shadow names of in-progress multipart
// uploads are skipped; each remaining name is resolved to its stored info.
func (h *Handler) ListObjects(w http.ResponseWriter, r *http.Request, req *Request) {
	ctx := r.Context()

	if req.Objects == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	var contents []xmlutil.Object
	err := req.Objects.Range(func(name string) error {
		if store.IsShadowName(name) {
			return nil
		}
		obj, err := req.Store.GetObject(ctx, req.Bucket, name, false)
		if store.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		owner := infoOwner(obj.Info.Owner)
		contents = append(contents, xmlutil.Object{
			Key:          name,
			LastModified: xmlutil.FormatTimeS3(obj.Info.MTime),
			ETag:         obj.Info.ETag,
			Size:         obj.Info.Size,
			StorageClass: obj.Info.StorageClass,
			Owner:        &owner,
		})
		return nil
	})
	if err != nil {
		slog.Error("ListObjects error", "bucket", req.Bucket, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	q := r.URL.Query()
	result := &xmlutil.ListBucketResult{
		Name:        req.Bucket,
		Prefix:      q.Get("prefix"),
		Marker:      q.Get("marker"),
		MaxKeys:     listMaxKeys,
		IsTruncated: false,
		Contents:    contents,
	}
	xmlutil.RenderListObjects(w, result)
}
