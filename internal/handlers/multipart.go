package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	s3err "github.com/baotiao/zeppelin-gateway/internal/errors"
	"github.com/baotiao/zeppelin-gateway/internal/store"
	"github.com/baotiao/zeppelin-gateway/internal/xmlutil"
)

// InitiateMultipartUpload handles POST /{bucket}/{object}?uploads. A shadow
// object with a zero-size placeholder info records the upload in the backend
// and the object namelist; parts accumulate under it until completion.
func (h *Handler) InitiateMultipartUpload(w http.ResponseWriter, r *http.Request, req *Request) {
	ctx := r.Context()

	uploadID := store.NewUploadID(req.Object, time.Now())
	shadow := store.ShadowName(req.Object, uploadID)

	info := store.ObjectInfo{
		MTime:        time.Now().UTC(),
		ETag:         store.ETag(nil),
		Size:         0,
		StorageClass: store.DefaultStorageClass,
		Owner:        store.UserInfo{DisplayName: req.User.DisplayName},
	}
	if err := req.Store.AddObject(ctx, req.Bucket, shadow, info, nil); err != nil {
		slog.Error("InitiateMultipartUpload error", "bucket", req.Bucket, "object", req.Object, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	req.Objects.Insert(shadow)

	result := &xmlutil.InitiateMultipartUploadResult{
		Bucket:   req.Bucket,
		Key:      req.Object,
		UploadID: uploadID,
	}
	xmlutil.RenderInitiateMultipartUpload(w, result)
}

// UploadPart handles PUT /{bucket}/{object}?partNumber=N&uploadId=ID.
func (h *Handler) UploadPart(w http.ResponseWriter, r *http.Request, req *Request) {
	ctx := r.Context()
	q := r.URL.Query()

	shadow := store.ShadowName(req.Object, q.Get("uploadId"))
	if !req.Objects.IsExist(shadow) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	partNumber, err := strconv.Atoi(q.Get("partNumber"))
	if err != nil || partNumber < 1 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

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

	if err := req.Store.UploadPart(ctx, req.Bucket, shadow, info, body, partNumber); err != nil {
		if store.IsNotFound(err) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
			return
		}
		slog.Error("UploadPart error", "bucket", req.Bucket, "object", req.Object, "part", partNumber, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

// CompleteMultipartUpload handles POST /{bucket}/{object}?uploadId=ID. Any
// existing object under the final name is deleted first, then the backend
// promotes the shadow: parts are concatenated in part-number order and
// installed under the final name.
func (h *Handler) CompleteMultipartUpload(w http.ResponseWriter, r *http.Request, req *Request) {
	ctx := r.Context()

	shadow := store.ShadowName(req.Object, r.URL.Query().Get("uploadId"))
	if !req.Objects.IsExist(shadow) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	if req.Objects.IsExist(req.Object) {
		if err := req.Store.DelObject(ctx, req.Bucket, req.Object); err != nil && !store.IsNotFound(err) {
			slog.Error("CompleteMultipartUpload delete error", "bucket", req.Bucket, "object", req.Object, "error", err)
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
			return
		}
	}

	if err := req.Store.CompleteMultiUpload(ctx, req.Bucket, shadow); err != nil {
		if store.IsNotFound(err) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
			return
		}
		slog.Error("CompleteMultipartUpload error", "bucket", req.Bucket, "object", req.Object, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	req.Objects.Insert(req.Object)
	req.Objects.Delete(shadow)

	// Best effort: report the composite ETag the backend stamped.
	etag := ""
	if obj, err := req.Store.GetObject(ctx, req.Bucket, req.Object, false); err == nil {
		etag = obj.Info.ETag
	}

	result := &xmlutil.CompleteMultipartUploadResult{
		Location: fmt.Sprintf("/%s/%s", req.Bucket, req.Object),
		Bucket:   req.Bucket,
		Key:      req.Object,
		ETag:     etag,
	}
	xmlutil.RenderCompleteMultipartUpload(w, result)
}

// AbortMultipartUpload handles DELETE /{bucket}/{object}?uploadId=ID.
// Deleting the shadow drops its parts with it.
func (h *Handler) AbortMultipartUpload(w http.ResponseWriter, r *http.Request, req *Request) {
	ctx := r.Context()

	shadow := store.ShadowName(req.Object, r.URL.Query().Get("uploadId"))
	if !req.Objects.IsExist(shadow) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	if err := req.Store.DelObject(ctx, req.Bucket, shadow); err != nil && !store.IsNotFound(err) {
		slog.Error("AbortMultipartUpload error", "bucket", req.Bucket, "object", req.Object, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	req.Objects.Delete(shadow)
	w.WriteHeader(http.StatusNoContent)
}

// ListParts handles GET /{bucket}/{object}?uploadId=ID.
func (h *Handler) ListParts(w http.ResponseWriter, r *http.Request, req *Request) {
	ctx := r.Context()

	uploadID := r.URL.Query().Get("uploadId")
	shadow := store.ShadowName(req.Object, uploadID)
	if !req.Objects.IsExist(shadow) {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	parts, err := req.Store.ListParts(ctx, req.Bucket, shadow)
	if err != nil {
		if store.IsNotFound(err) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
			return
		}
		slog.Error("ListParts error", "bucket", req.Bucket, "object", req.Object, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	var xmlParts []xmlutil.Part
	for _, p := range parts {
		xmlParts = append(xmlParts, xmlutil.Part{
			PartNumber:   p.Number,
			LastModified: xmlutil.FormatTimeS3(p.Info.MTime),
			ETag:         p.Info.ETag,
			Size:         p.Info.Size,
		})
	}

	result := &xmlutil.ListPartsResult{
		Bucket:       req.Bucket,
		Key:          req.Object,
		UploadID:     uploadID,
		Initiator:    ownerOf(req.User),
		Owner:        ownerOf(req.User),
		StorageClass: store.DefaultStorageClass,
		MaxParts:     listMaxKeys,
		IsTruncated:  false,
		Parts:        xmlParts,
	}
	if len(parts) > 0 {
		result.NextPartNumberMarker = parts[len(parts)-1].Number
	}
	xmlutil.RenderListParts(w, result)
}

// ListMultipartUploads handles GET /{bucket}?uploads. In-progress uploads are
// recognized by their shadow names in the object namelist.
func (h *Handler) ListMultipartUploads(w http.ResponseWriter, r *http.Request, req *Request) {
	ctx := r.Context()

	if req.Objects == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	var uploads []xmlutil.Upload
	err := req.Objects.Range(func(name string) error {
		object, uploadID, ok := store.ParseShadowName(name)
		if !ok {
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
		uploads = append(uploads, xmlutil.Upload{
			Key:          object,
			UploadID:     uploadID,
			Initiator:    owner,
			Owner:        owner,
			StorageClass: obj.Info.StorageClass,
			Initiated:    xmlutil.FormatTimeS3(obj.Info.MTime),
		})
		return nil
	})
	if err != nil {
		slog.Error("ListMultipartUploads error", "bucket", req.Bucket, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	q := r.URL.Query()
	result := &xmlutil.ListMultipartUploadsResult{
		Bucket:         req.Bucket,
		KeyMarker:      q.Get("key-marker"),
		UploadIDMarker: q.Get("upload-id-marker"),
		MaxUploads:     listMaxKeys,
		IsTruncated:    false,
		Uploads:        uploads,
	}
	if len(uploads) > 0 {
		last := uploads[len(uploads)-1]
		result.NextKeyMarker = last.Key
		result.NextUploadIDMarker = last.UploadID
	}
	xmlutil.RenderListMultipartUploads(w, result)
}
