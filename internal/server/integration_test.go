package server

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/baotiao/zeppelin-gateway/internal/xmlutil"
)

// createUser provisions a user through the admin route and returns the
// access key.
func createUser(t *testing.T, g *Gateway, name string) string {
	t.Helper()
	w := do(g, "PUT", "/admin_put_user/"+name, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("create user %s: status %d body %s", name, w.Code, w.Body.String())
	}
	accessKey, _, ok := strings.Cut(w.Body.String(), "\r\n")
	if !ok || len(accessKey) != 20 {
		t.Fatalf("create user %s: body %q", name, w.Body.String())
	}
	return accessKey
}

func TestNewUserSeesEmptyBucketList(t *testing.T) {
	g := newTestGateway(t, "access-key")
	ak := createUser(t, g, "alice")

	w := do(g, "GET", "/", nil, authHeader(ak))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", w.Code, w.Body.String())
	}
	var result xmlutil.ListAllMyBucketsResult
	if err := xml.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Owner.DisplayName != "alice" || len(result.Buckets) != 0 {
		t.Errorf("result = %+v, want empty list owned by alice", result)
	}
}

func TestBucketNameConflicts(t *testing.T) {
	g := newTestGateway(t, "access-key")
	alice := createUser(t, g, "alice")
	bob := createUser(t, g, "bob")

	w := do(g, "PUT", "/b1", nil, authHeader(alice))
	if w.Code != http.StatusOK {
		t.Fatalf("first PUT status = %d body %s", w.Code, w.Body.String())
	}

	w = do(g, "PUT", "/b1", nil, authHeader(alice))
	if w.Code != http.StatusConflict || !strings.Contains(w.Body.String(), "BucketAlreadyOwnedByYou") {
		t.Errorf("alice re-PUT = %d %q, want 409 BucketAlreadyOwnedByYou", w.Code, w.Body.String())
	}

	w = do(g, "PUT", "/b1", nil, authHeader(bob))
	if w.Code != http.StatusConflict || !strings.Contains(w.Body.String(), "BucketAlreadyExists") {
		t.Errorf("bob PUT = %d %q, want 409 BucketAlreadyExists", w.Code, w.Body.String())
	}
}

func TestObjectRoundTrip(t *testing.T) {
	g := newTestGateway(t, "access-key")
	ak := createUser(t, g, "alice")
	hdr := authHeader(ak)

	w := do(g, "PUT", "/b1", nil, hdr)
	if w.Code != http.StatusOK {
		t.Fatalf("put bucket: %d", w.Code)
	}

	w = do(g, "PUT", "/b1/key", strings.NewReader("hello"), hdr)
	if w.Code != http.StatusOK {
		t.Fatalf("put object: %d body %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("ETag"); got != `"5d41402abc4b2a76b9719d911017c592"` {
		t.Errorf("ETag = %s", got)
	}

	w = do(g, "GET", "/b1/key", nil, hdr)
	if w.Code != http.StatusOK || w.Body.String() != "hello" {
		t.Fatalf("get object = %d %q, want 200 hello", w.Code, w.Body.String())
	}

	w = do(g, "HEAD", "/b1/key", nil, hdr)
	if w.Code != http.StatusOK || w.Body.Len() != 0 {
		t.Errorf("head object = %d body %q, want 200 empty", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Content-Length"); got != "5" {
		t.Errorf("head Content-Length = %s, want 5", got)
	}

	w = do(g, "DELETE", "/b1/key", nil, hdr)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete object: %d", w.Code)
	}

	// Deletes are idempotent.
	w = do(g, "DELETE", "/b1/key", nil, hdr)
	if w.Code != http.StatusNoContent {
		t.Errorf("re-delete object: %d, want 204", w.Code)
	}

	w = do(g, "GET", "/b1/key", nil, hdr)
	if w.Code != http.StatusNotFound || !strings.Contains(w.Body.String(), "NoSuchKey") {
		t.Errorf("get after delete = %d %q, want 404 NoSuchKey", w.Code, w.Body.String())
	}

	// Error bodies echo the request id issued by the middleware.
	id := w.Header().Get("x-amz-request-id")
	if id == "" || !strings.Contains(w.Body.String(), "<RequestId>"+id+"</RequestId>") {
		t.Errorf("error body %q does not echo request id %q", w.Body.String(), id)
	}
}

func TestMultipartEndToEnd(t *testing.T) {
	g := newTestGateway(t, "access-key")
	ak := createUser(t, g, "alice")
	hdr := authHeader(ak)

	if w := do(g, "PUT", "/b1", nil, hdr); w.Code != http.StatusOK {
		t.Fatalf("put bucket: %d", w.Code)
	}

	w := do(g, "POST", "/b1/big?uploads", nil, hdr)
	if w.Code != http.StatusOK {
		t.Fatalf("initiate: %d body %s", w.Code, w.Body.String())
	}
	var initiated xmlutil.InitiateMultipartUploadResult
	if err := xml.Unmarshal(w.Body.Bytes(), &initiated); err != nil {
		t.Fatalf("decode initiate: %v", err)
	}
	uploadID := initiated.UploadID
	if len(uploadID) != 32 {
		t.Fatalf("upload id = %q", uploadID)
	}

	w = do(g, "PUT", "/b1/big?partNumber=1&uploadId="+uploadID, strings.NewReader("AAA"), hdr)
	if w.Code != http.StatusOK || w.Header().Get("ETag") == "" {
		t.Fatalf("part 1 = %d etag %q", w.Code, w.Header().Get("ETag"))
	}
	w = do(g, "PUT", "/b1/big?partNumber=2&uploadId="+uploadID, strings.NewReader("BBB"), hdr)
	if w.Code != http.StatusOK {
		t.Fatalf("part 2 = %d", w.Code)
	}

	w = do(g, "GET", "/b1?uploads", nil, hdr)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), uploadID) {
		t.Errorf("list uploads = %d %q, want body with %s", w.Code, w.Body.String(), uploadID)
	}

	w = do(g, "POST", "/b1/big?uploadId="+uploadID, nil, hdr)
	if w.Code != http.StatusOK {
		t.Fatalf("complete: %d body %s", w.Code, w.Body.String())
	}

	w = do(g, "GET", "/b1/big", nil, hdr)
	if w.Code != http.StatusOK || w.Body.String() != "AAABBB" {
		t.Fatalf("get composed = %d %q, want AAABBB", w.Code, w.Body.String())
	}

	// The shadow is gone: the upload can no longer be listed or aborted.
	w = do(g, "GET", "/b1/big?uploadId="+uploadID, nil, hdr)
	if w.Code != http.StatusNotFound || !strings.Contains(w.Body.String(), "NoSuchUpload") {
		t.Errorf("list parts after complete = %d %q, want 404 NoSuchUpload", w.Code, w.Body.String())
	}
	w = do(g, "DELETE", "/b1/big?uploadId="+uploadID, nil, hdr)
	if w.Code != http.StatusNotFound || !strings.Contains(w.Body.String(), "NoSuchUpload") {
		t.Errorf("abort after complete = %d %q, want 404 NoSuchUpload", w.Code, w.Body.String())
	}

	// The composed object lists like any other.
	w = do(g, "GET", "/b1", nil, hdr)
	if !strings.Contains(w.Body.String(), "<Key>big</Key>") {
		t.Errorf("list objects body = %q, want big", w.Body.String())
	}
	if strings.Contains(w.Body.String(), "__big") {
		t.Errorf("list objects body %q leaks shadow name", w.Body.String())
	}
}

func TestDeleteNonEmptyBucket(t *testing.T) {
	g := newTestGateway(t, "access-key")
	ak := createUser(t, g, "alice")
	hdr := authHeader(ak)

	if w := do(g, "PUT", "/b1", nil, hdr); w.Code != http.StatusOK {
		t.Fatalf("put bucket: %d", w.Code)
	}
	if w := do(g, "PUT", "/b1/big", strings.NewReader("x"), hdr); w.Code != http.StatusOK {
		t.Fatalf("put object: %d", w.Code)
	}

	w := do(g, "DELETE", "/b1", nil, hdr)
	if w.Code != http.StatusConflict || !strings.Contains(w.Body.String(), "BucketNotEmpty") {
		t.Fatalf("delete non-empty = %d %q, want 409 BucketNotEmpty", w.Code, w.Body.String())
	}

	if w := do(g, "DELETE", "/b1/big", nil, hdr); w.Code != http.StatusNoContent {
		t.Fatalf("delete object: %d", w.Code)
	}
	if w := do(g, "DELETE", "/b1", nil, hdr); w.Code != http.StatusNoContent {
		t.Fatalf("delete empty bucket: %d", w.Code)
	}
}

func TestTrailingSlashStripped(t *testing.T) {
	g := newTestGateway(t, "access-key")
	ak := createUser(t, g, "alice")
	hdr := authHeader(ak)

	if w := do(g, "PUT", "/b1", nil, hdr); w.Code != http.StatusOK {
		t.Fatalf("put bucket: %d", w.Code)
	}
	if w := do(g, "PUT", "/b1/dir/", strings.NewReader("data"), hdr); w.Code != http.StatusOK {
		t.Fatalf("put with trailing slash: %d", w.Code)
	}

	w := do(g, "GET", "/b1/dir", nil, hdr)
	if w.Code != http.StatusOK || w.Body.String() != "data" {
		t.Errorf("get stripped name = %d %q, want 200 data", w.Code, w.Body.String())
	}
}

func TestRefsBalancedAfterRequests(t *testing.T) {
	g := newTestGateway(t, "access-key")
	ak := createUser(t, g, "alice")
	hdr := authHeader(ak)

	// A mix of success and error paths.
	do(g, "PUT", "/b1", nil, hdr)
	do(g, "PUT", "/b1/key", strings.NewReader("v"), hdr)
	do(g, "GET", "/b1/key", nil, hdr)
	do(g, "GET", "/b1/missing", nil, hdr)
	do(g, "GET", "/nope/key", nil, hdr)
	do(g, "PATCH", "/b1/key", nil, hdr)
	do(g, "DELETE", "/b1/key?uploadId=ffffffffffffffffffffffffffffffff", nil, hdr)
	do(g, "GET", "/", nil, nil)

	if got := g.buckets.Entries(); got != 0 {
		t.Errorf("bucket namelist entries = %d, want 0", got)
	}
	if got := g.objects.Entries(); got != 0 {
		t.Errorf("object namelist entries = %d, want 0", got)
	}
	if got := g.locks.Len(); got != 0 {
		t.Errorf("held object locks = %d, want 0", got)
	}
}

func TestConcurrentObjectWrites(t *testing.T) {
	g := newTestGateway(t, "access-key")
	ak := createUser(t, g, "alice")
	hdr := authHeader(ak)

	if w := do(g, "PUT", "/b1", nil, hdr); w.Code != http.StatusOK {
		t.Fatalf("put bucket: %d", w.Code)
	}

	const writers = 8
	bodies := make(map[string]bool, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		body := fmt.Sprintf("content-from-writer-%d", i)
		bodies[body] = true
		wg.Add(1)
		go func(body string) {
			defer wg.Done()
			if w := do(g, "PUT", "/b1/obj", strings.NewReader(body), hdr); w.Code != http.StatusOK {
				t.Errorf("concurrent put: %d", w.Code)
			}
		}(body)
	}
	wg.Wait()

	w := do(g, "GET", "/b1/obj", nil, hdr)
	if w.Code != http.StatusOK {
		t.Fatalf("get after concurrent puts: %d", w.Code)
	}
	if !bodies[w.Body.String()] {
		t.Errorf("final content %q is not any writer's body", w.Body.String())
	}

	if got := g.locks.Len(); got != 0 {
		t.Errorf("held object locks = %d, want 0", got)
	}
}
