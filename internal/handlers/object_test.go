package handlers

import (
	"net/http"
	"testing"

	"github.com/baotiao/zeppelin-gateway/internal/xmlutil"
)

// putBucket is shared setup for the object tests.
func (e *testEnv) putBucket(t *testing.T, user, bucket string) {
	t.Helper()
	w := newRecorder()
	e.h.PutBucket(w, httpReq("PUT", "/"+bucket), e.request(t, user, bucket, ""))
	wantStatus(t, w, http.StatusOK)
}

func TestPutGetDeleteObject(t *testing.T) {
	e := newTestEnv(t)
	e.addUser(t, "alice")
	e.putBucket(t, "alice", "b1")

	w := newRecorder()
	e.h.PutObject(w, httpReqBody("PUT", "/b1/key", "hello"), e.request(t, "alice", "b1", "key"))
	wantStatus(t, w, http.StatusOK)
	wantETag := `"5d41402abc4b2a76b9719d911017c592"`
	if got := w.Header().Get("ETag"); got != wantETag {
		t.Errorf("ETag = %s, want %s", got, wantETag)
	}

	w = newRecorder()
	e.h.GetObject(w, httpReq("GET", "/b1/key"), e.request(t, "alice", "b1", "key"), false)
	wantStatus(t, w, http.StatusOK)
	if got := w.Body.String(); got != "hello" {
		t.Errorf("body = %q, want hello", got)
	}
	if got := w.Header().Get("ETag"); got != wantETag {
		t.Errorf("GET ETag = %s, want %s", got, wantETag)
	}
	if got := w.Header().Get("Content-Length"); got != "5" {
		t.Errorf("Content-Length = %s, want 5", got)
	}

	w = newRecorder()
	e.h.DeleteObject(w, httpReq("DELETE", "/b1/key"), e.request(t, "alice", "b1", "key"))
	wantStatus(t, w, http.StatusNoContent)

	w = newRecorder()
	e.h.GetObject(w, httpReq("GET", "/b1/key"), e.request(t, "alice", "b1", "key"), false)
	wantStatus(t, w, http.StatusNotFound)
	if code := errorCode(t, w); code != "NoSuchKey" {
		t.Errorf("code = %q, want NoSuchKey", code)
	}
}

func TestHeadObject(t *testing.T) {
	e := newTestEnv(t)
	e.addUser(t, "alice")
	e.putBucket(t, "alice", "b1")

	w := newRecorder()
	e.h.PutObject(w, httpReqBody("PUT", "/b1/key", "hello"), e.request(t, "alice", "b1", "key"))
	wantStatus(t, w, http.StatusOK)

	w = newRecorder()
	e.h.GetObject(w, httpReq("HEAD", "/b1/key"), e.request(t, "alice", "b1", "key"), true)
	wantStatus(t, w, http.StatusOK)
	if w.Body.Len() != 0 {
		t.Errorf("HEAD body = %q, want empty", w.Body.String())
	}
	if got := w.Header().Get("Content-Length"); got != "5" {
		t.Errorf("Content-Length = %s, want 5", got)
	}
	if got := w.Header().Get("ETag"); got == "" {
		t.Error("HEAD ETag not set")
	}

	w = newRecorder()
	e.h.GetObject(w, httpReq("HEAD", "/b1/nope"), e.request(t, "alice", "b1", "nope"), true)
	wantStatus(t, w, http.StatusNotFound)
	if w.Body.Len() != 0 {
		t.Errorf("HEAD 404 body = %q, want empty", w.Body.String())
	}
}

func TestDeleteObjectMissingIsIdempotent(t *testing.T) {
	e := newTestEnv(t)
	e.addUser(t, "alice")
	e.putBucket(t, "alice", "b1")

	w := newRecorder()
	e.h.DeleteObject(w, httpReq("DELETE", "/b1/nope"), e.request(t, "alice", "b1", "nope"))
	wantStatus(t, w, http.StatusNoContent)
}

func TestPutObjectOverwrite(t *testing.T) {
	e := newTestEnv(t)
	e.addUser(t, "alice")
	e.putBucket(t, "alice", "b1")

	w := newRecorder()
	e.h.PutObject(w, httpReqBody("PUT", "/b1/key", "one"), e.request(t, "alice", "b1", "key"))
	wantStatus(t, w, http.StatusOK)

	w = newRecorder()
	e.h.PutObject(w, httpReqBody("PUT", "/b1/key", "two"), e.request(t, "alice", "b1", "key"))
	wantStatus(t, w, http.StatusOK)

	w = newRecorder()
	e.h.GetObject(w, httpReq("GET", "/b1/key"), e.request(t, "alice", "b1", "key"), false)
	wantStatus(t, w, http.StatusOK)
	if got := w.Body.String(); got != "two" {
		t.Errorf("body = %q, want two", got)
	}
}

func TestListObjects(t *testing.T) {
	e := newTestEnv(t)
	e.addUser(t, "alice")
	e.putBucket(t, "alice", "b1")

	for _, name := range []string{"b.txt", "a.txt"} {
		w := newRecorder()
		e.h.PutObject(w, httpReqBody("PUT", "/b1/"+name, "x"), e.request(t, "alice", "b1", name))
		wantStatus(t, w, http.StatusOK)
	}

	// An in-progress upload's shadow must not show up in the listing.
	w := newRecorder()
	e.h.InitiateMultipartUpload(w, httpReq("POST", "/b1/video?uploads"), e.request(t, "alice", "b1", "video"))
	wantStatus(t, w, http.StatusOK)

	w = newRecorder()
	e.h.ListObjects(w, httpReq("GET", "/b1"), e.request(t, "alice", "b1", ""))
	wantStatus(t, w, http.StatusOK)

	var result xmlutil.ListBucketResult
	decodeXML(t, w, &result)
	if result.Name != "b1" {
		t.Errorf("Name = %q, want b1", result.Name)
	}
	if result.MaxKeys != 1000 || result.IsTruncated {
		t.Errorf("MaxKeys=%d IsTruncated=%v, want 1000 false", result.MaxKeys, result.IsTruncated)
	}
	if len(result.Contents) != 2 {
		t.Fatalf("contents = %+v, want 2 entries", result.Contents)
	}
	if result.Contents[0].Key != "a.txt" || result.Contents[1].Key != "b.txt" {
		t.Errorf("keys = [%s %s], want sorted [a.txt b.txt]", result.Contents[0].Key, result.Contents[1].Key)
	}
	if result.Contents[0].Owner == nil || result.Contents[0].Owner.DisplayName != "alice" {
		t.Errorf("owner = %+v, want alice", result.Contents[0].Owner)
	}
	if result.Contents[0].StorageClass != "STANDARD" {
		t.Errorf("storage class = %q, want STANDARD", result.Contents[0].StorageClass)
	}
}

func TestListObjectsUnknownBucket(t *testing.T) {
	e := newTestEnv(t)
	e.addUser(t, "alice")

	w := newRecorder()
	e.h.ListObjects(w, httpReq("GET", "/nope"), e.request(t, "alice", "nope", ""))
	wantStatus(t, w, http.StatusNotFound)
	if code := errorCode(t, w); code != "NoSuchBucket" {
		t.Errorf("code = %q, want NoSuchBucket", code)
	}
}
