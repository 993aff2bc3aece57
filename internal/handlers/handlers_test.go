package handlers

import (
	"context"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/baotiao/zeppelin-gateway/internal/namelist"
	"github.com/baotiao/zeppelin-gateway/internal/store"
)

// testEnv wires a handler to a memory backend with real namelist registries,
// the same shape the router assembles in production.
type testEnv struct {
	h       *Handler
	s       store.Store
	buckets *namelist.Registry
	objects *namelist.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	opener := store.NewMemoryOpener()
	s, err := opener.Open(context.Background(), 0)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
		opener.Close()
	})

	buckets := namelist.NewRegistry(func(ctx context.Context, s store.Store, scope string) ([]string, error) {
		return s.ListBucketNames(ctx, scope)
	})
	objects := namelist.NewRegistry(func(ctx context.Context, s store.Store, scope string) ([]string, error) {
		return s.ListObjectNames(ctx, scope)
	})

	return &testEnv{
		h:       New(buckets),
		s:       s,
		buckets: buckets,
		objects: objects,
	}
}

func (e *testEnv) addUser(t *testing.T, name string) {
	t.Helper()
	if _, _, err := e.s.AddUser(context.Background(), name); err != nil {
		t.Fatalf("add user %s: %v", name, err)
	}
}

// request assembles per-request state the way the router does: ref the
// caller's bucket namelist, and the object namelist when the bucket is known.
// Refs are released via t.Cleanup so namelist balance holds at test exit.
func (e *testEnv) request(t *testing.T, user, bucket, object string) *Request {
	t.Helper()
	ctx := context.Background()

	bl, err := e.buckets.Ref(ctx, e.s, user)
	if err != nil {
		t.Fatalf("ref bucket namelist: %v", err)
	}
	t.Cleanup(func() { e.buckets.Unref(user) })

	req := &Request{
		Bucket:  bucket,
		Object:  object,
		User:    &store.User{DisplayName: user},
		Store:   e.s,
		Buckets: bl,
	}

	if bucket != "" && bl.IsExist(bucket) {
		ol, err := e.objects.Ref(ctx, e.s, bucket)
		if err != nil {
			t.Fatalf("ref object namelist: %v", err)
		}
		t.Cleanup(func() { e.objects.Unref(bucket) })
		req.Objects = ol
	}
	return req
}

func newRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

func decodeXML(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := xml.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response XML: %v\nbody: %s", err, w.Body.String())
	}
}

// errorCode extracts the Code element from an S3 error body.
func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		XMLName xml.Name `xml:"Error"`
		Code    string   `xml:"Code"`
	}
	if err := xml.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error XML: %v\nbody: %s", err, w.Body.String())
	}
	return resp.Code
}

func wantStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d\nbody: %s", w.Code, want, w.Body.String())
	}
}

func httpReq(method, target string) *http.Request {
	return httptest.NewRequest(method, target, nil)
}

func httpReqBody(method, target, body string) *http.Request {
	return httptest.NewRequest(method, target, strings.NewReader(body))
}
