package handlers

import (
	"net/http"
	"strings"
	"testing"

	"github.com/baotiao/zeppelin-gateway/internal/xmlutil"
)

func TestPutBucketAndListBuckets(t *testing.T) {
	e := newTestEnv(t)
	e.addUser(t, "alice")

	w := newRecorder()
	e.h.PutBucket(w, httpReq("PUT", "/photos"), e.request(t, "alice", "photos", ""))
	wantStatus(t, w, http.StatusOK)

	w = newRecorder()
	e.h.ListBuckets(w, httpReq("GET", "/"), e.request(t, "alice", "", ""))
	wantStatus(t, w, http.StatusOK)

	var result xmlutil.ListAllMyBucketsResult
	decodeXML(t, w, &result)
	if result.Owner.DisplayName != "alice" {
		t.Errorf("owner = %q, want alice", result.Owner.DisplayName)
	}
	if len(result.Buckets) != 1 || result.Buckets[0].Name != "photos" {
		t.Errorf("buckets = %+v, want [photos]", result.Buckets)
	}
	if result.Buckets[0].CreationDate == "" {
		t.Error("creation date not set")
	}
}

func TestListBucketsEmpty(t *testing.T) {
	e := newTestEnv(t)
	e.addUser(t, "alice")

	w := newRecorder()
	e.h.ListBuckets(w, httpReq("GET", "/"), e.request(t, "alice", "", ""))
	wantStatus(t, w, http.StatusOK)
	if !strings.Contains(w.Body.String(), "ListAllMyBucketsResult") {
		t.Errorf("body = %s, want empty ListAllMyBucketsResult", w.Body.String())
	}
}

func TestPutBucketAlreadyOwnedByYou(t *testing.T) {
	e := newTestEnv(t)
	e.addUser(t, "alice")

	w := newRecorder()
	e.h.PutBucket(w, httpReq("PUT", "/b1"), e.request(t, "alice", "b1", ""))
	wantStatus(t, w, http.StatusOK)

	w = newRecorder()
	e.h.PutBucket(w, httpReq("PUT", "/b1"), e.request(t, "alice", "b1", ""))
	wantStatus(t, w, http.StatusConflict)
	if code := errorCode(t, w); code != "BucketAlreadyOwnedByYou" {
		t.Errorf("code = %q, want BucketAlreadyOwnedByYou", code)
	}
}

func TestPutBucketTakenByAnotherUser(t *testing.T) {
	e := newTestEnv(t)
	e.addUser(t, "alice")
	e.addUser(t, "bob")

	w := newRecorder()
	e.h.PutBucket(w, httpReq("PUT", "/b1"), e.request(t, "alice", "b1", ""))
	wantStatus(t, w, http.StatusOK)

	w = newRecorder()
	e.h.PutBucket(w, httpReq("PUT", "/b1"), e.request(t, "bob", "b1", ""))
	wantStatus(t, w, http.StatusConflict)
	if code := errorCode(t, w); code != "BucketAlreadyExists" {
		t.Errorf("code = %q, want BucketAlreadyExists", code)
	}

	// The uniqueness scan refs and unrefs other users' namelists; only the
	// two entries referenced by this test's own requests may remain.
	if got := e.buckets.Entries(); got != 2 {
		t.Errorf("bucket namelist entries = %d, want 2", got)
	}
}

func TestHeadBucket(t *testing.T) {
	e := newTestEnv(t)
	e.addUser(t, "alice")

	w := newRecorder()
	e.h.HeadBucket(w, httpReq("HEAD", "/nope"), e.request(t, "alice", "nope", ""))
	wantStatus(t, w, http.StatusNotFound)
	if w.Body.Len() != 0 {
		t.Errorf("HEAD body = %q, want empty", w.Body.String())
	}

	w = newRecorder()
	e.h.PutBucket(w, httpReq("PUT", "/b1"), e.request(t, "alice", "b1", ""))
	wantStatus(t, w, http.StatusOK)

	w = newRecorder()
	e.h.HeadBucket(w, httpReq("HEAD", "/b1"), e.request(t, "alice", "b1", ""))
	wantStatus(t, w, http.StatusOK)
}

func TestDeleteBucket(t *testing.T) {
	e := newTestEnv(t)
	e.addUser(t, "alice")

	w := newRecorder()
	e.h.PutBucket(w, httpReq("PUT", "/b1"), e.request(t, "alice", "b1", ""))
	wantStatus(t, w, http.StatusOK)

	w = newRecorder()
	e.h.DeleteBucket(w, httpReq("DELETE", "/b1"), e.request(t, "alice", "b1", ""))
	wantStatus(t, w, http.StatusNoContent)

	w = newRecorder()
	e.h.ListBuckets(w, httpReq("GET", "/"), e.request(t, "alice", "", ""))
	var result xmlutil.ListAllMyBucketsResult
	decodeXML(t, w, &result)
	if len(result.Buckets) != 0 {
		t.Errorf("buckets after delete = %+v, want none", result.Buckets)
	}
}

func TestDeleteBucketMissing(t *testing.T) {
	e := newTestEnv(t)
	e.addUser(t, "alice")

	w := newRecorder()
	e.h.DeleteBucket(w, httpReq("DELETE", "/nope"), e.request(t, "alice", "nope", ""))
	wantStatus(t, w, http.StatusNotFound)
	if code := errorCode(t, w); code != "NoSuchBucket" {
		t.Errorf("code = %q, want NoSuchBucket", code)
	}
}

func TestDeleteBucketNotEmpty(t *testing.T) {
	e := newTestEnv(t)
	e.addUser(t, "alice")

	w := newRecorder()
	e.h.PutBucket(w, httpReq("PUT", "/b1"), e.request(t, "alice", "b1", ""))
	wantStatus(t, w, http.StatusOK)

	w = newRecorder()
	e.h.PutObject(w, httpReqBody("PUT", "/b1/big", "data"), e.request(t, "alice", "b1", "big"))
	wantStatus(t, w, http.StatusOK)

	w = newRecorder()
	e.h.DeleteBucket(w, httpReq("DELETE", "/b1"), e.request(t, "alice", "b1", ""))
	wantStatus(t, w, http.StatusConflict)
	if code := errorCode(t, w); code != "BucketNotEmpty" {
		t.Errorf("code = %q, want BucketNotEmpty", code)
	}

	w = newRecorder()
	e.h.DeleteObject(w, httpReq("DELETE", "/b1/big"), e.request(t, "alice", "b1", "big"))
	wantStatus(t, w, http.StatusNoContent)

	w = newRecorder()
	e.h.DeleteBucket(w, httpReq("DELETE", "/b1"), e.request(t, "alice", "b1", ""))
	wantStatus(t, w, http.StatusNoContent)
}
