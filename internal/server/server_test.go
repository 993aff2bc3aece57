package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/baotiao/zeppelin-gateway/internal/config"
	"github.com/baotiao/zeppelin-gateway/internal/metrics"
	"github.com/baotiao/zeppelin-gateway/internal/store"
)

func init() {
	// Register metrics once for the entire test binary so that tests
	// exercising the middleware see the expected collectors.
	metrics.Register()
}

// newTestGateway creates a Gateway over the memory engine.
func newTestGateway(t *testing.T, authMode string) *Gateway {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Engine = "memory"
	cfg.Auth.Mode = authMode
	cfg.Server.WorkerNum = 4

	pool, err := NewSessionPool(context.Background(), store.NewMemoryOpener(), cfg.Server.WorkerNum)
	if err != nil {
		t.Fatalf("NewSessionPool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	g, err := New(cfg, pool)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

// do serves one request through the full middleware chain.
func do(g *Gateway, method, target string, body io.Reader, header map[string]string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, target, body)
	for k, v := range header {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	g.Handler().ServeHTTP(w, r)
	return w
}

// authHeader builds an Authorization header carrying the given access key in
// the shape SDK clients send.
func authHeader(accessKey string) map[string]string {
	return map[string]string{
		"Authorization": "AWS4-HMAC-SHA256 Credential=" + accessKey +
			"/20240101/us-east-1/s3/aws4_request, SignedHeaders=host, Signature=0000",
	}
}

func TestParsePath(t *testing.T) {
	tests := []struct {
		path   string
		bucket string
		object string
	}{
		{"/", "", ""},
		{"", "", ""},
		{"/b1", "b1", ""},
		{"/b1/", "b1", ""},
		{"/b1/key", "b1", "key"},
		{"/b1/key/", "b1", "key"},
		{"/b1/path/to/obj", "b1", "path/to/obj"},
		{"/b1/path/to/obj/", "b1", "path/to/obj"},
	}
	for _, tt := range tests {
		bucket, object := parsePath(tt.path)
		if bucket != tt.bucket || object != tt.object {
			t.Errorf("parsePath(%q) = (%q, %q), want (%q, %q)",
				tt.path, bucket, object, tt.bucket, tt.object)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		method string
		target string
		want   string
	}{
		{"GET", "/", opListBuckets},
		{"POST", "/", opNotImplemented},
		{"GET", "/b1", opListObjects},
		{"GET", "/b1?uploads", opListMultipartUploads},
		{"PUT", "/b1", opPutBucket},
		{"DELETE", "/b1", opDeleteBucket},
		{"HEAD", "/b1", opHeadBucket},
		{"POST", "/b1", opNotImplemented},
		{"GET", "/b1/key", opGetObject},
		{"GET", "/b1/key?uploadId=x", opListParts},
		{"PUT", "/b1/key", opPutObject},
		{"PUT", "/b1/key?partNumber=1&uploadId=x", opUploadPart},
		{"PUT", "/b1/key?partNumber=1", opPutObject},
		{"DELETE", "/b1/key", opDeleteObject},
		{"DELETE", "/b1/key?uploadId=x", opAbortMultipart},
		{"HEAD", "/b1/key", opHeadObject},
		{"POST", "/b1/key?uploads", opInitiateMultipart},
		{"POST", "/b1/key?uploadId=x", opCompleteMultipart},
		{"POST", "/b1/key", opNotImplemented},
		{"PATCH", "/b1/key", opNotImplemented},
		{"GET", "/admin_list_users", opAdminListUsers},
		{"PUT", "/admin_put_user/alice", opAdminPutUser},
		{"GET", "/admin_put_user/alice", opGetObject},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(tt.method, tt.target, nil)
		bucket, object := parsePath(r.URL.Path)
		if got := classify(bucket, object, r); got != tt.want {
			t.Errorf("classify(%s %s) = %s, want %s", tt.method, tt.target, got, tt.want)
		}
	}
}

func TestCommonHeaders(t *testing.T) {
	g := newTestGateway(t, "none")
	w := do(g, "GET", "/", nil, nil)

	id := w.Header().Get("x-amz-request-id")
	if len(id) != 16 {
		t.Errorf("x-amz-request-id = %q, want 16 hex chars", id)
	}
	for _, c := range id {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Errorf("request id %q contains non-hex %q", id, c)
		}
	}
	if got := w.Header().Get("Server"); got != "zgw" {
		t.Errorf("Server = %q, want zgw", got)
	}
	for _, h := range []string{"Date", "Last-Modified"} {
		v := w.Header().Get(h)
		if !strings.HasSuffix(v, " GMT") {
			t.Errorf("%s = %q, want RFC 1123 GMT", h, v)
		}
		if _, err := time.Parse("Mon, 02 Jan 2006 15:04:05 GMT", v); err != nil {
			t.Errorf("%s = %q does not parse: %v", h, v, err)
		}
	}
}

func TestUnknownVerbNotImplemented(t *testing.T) {
	g := newTestGateway(t, "none")

	for _, tt := range []struct{ method, target string }{
		{"PATCH", "/b1/key"},
		{"POST", "/b1"},
		{"DELETE", "/"},
	} {
		w := do(g, tt.method, tt.target, nil, nil)
		if w.Code != http.StatusNotImplemented {
			t.Errorf("%s %s status = %d, want 501", tt.method, tt.target, w.Code)
		}
		if !strings.Contains(w.Body.String(), "NotImplemented") {
			t.Errorf("%s %s body = %q, want NotImplemented XML", tt.method, tt.target, w.Body.String())
		}
	}
}

func TestMissingAccessKeyRejected(t *testing.T) {
	g := newTestGateway(t, "access-key")

	w := do(g, "GET", "/", nil, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if !strings.Contains(w.Body.String(), "InvalidAccessKeyId") {
		t.Errorf("body = %q, want InvalidAccessKeyId", w.Body.String())
	}
}

func TestAnonymousModeServes(t *testing.T) {
	g := newTestGateway(t, "none")

	w := do(g, "GET", "/", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200\nbody: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "ListAllMyBucketsResult") {
		t.Errorf("body = %q, want ListAllMyBucketsResult", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "anonymous") {
		t.Errorf("body = %q, want anonymous owner", w.Body.String())
	}
}

func TestAdminPutUserOnMainPort(t *testing.T) {
	g := newTestGateway(t, "access-key")

	w := do(g, "PUT", "/admin_put_user/alice", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200\nbody: %s", w.Code, w.Body.String())
	}
	parts := strings.SplitN(w.Body.String(), "\r\n", 2)
	if len(parts) != 2 || len(parts[0]) != 20 || len(parts[1]) != 40 {
		t.Fatalf("body = %q, want access key CRLF secret key", w.Body.String())
	}

	// Creating a user requires a display name in the path.
	w = do(g, "PUT", "/admin_put_user", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty name status = %d, want 400", w.Code)
	}

	w = do(g, "GET", "/admin_list_users", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "disply_name: alice\r\n") {
		t.Errorf("list body = %q, want alice entry", w.Body.String())
	}
}

func TestSessionPoolBounds(t *testing.T) {
	pool, err := NewSessionPool(context.Background(), store.NewMemoryOpener(), 2)
	if err != nil {
		t.Fatalf("NewSessionPool: %v", err)
	}
	defer pool.Close()

	if pool.Size() != 2 {
		t.Fatalf("Size = %d, want 2", pool.Size())
	}

	s1, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	s2, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}

	// Pool exhausted: a deadline-bound acquire fails.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(ctx); err == nil {
		t.Fatal("acquire on exhausted pool succeeded, want context error")
	}

	// A release unblocks the next acquire.
	pool.Release(s1)
	s3, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	pool.Release(s2)
	pool.Release(s3)
}

func TestSessionPoolRejectsZeroWorkers(t *testing.T) {
	if _, err := NewSessionPool(context.Background(), store.NewMemoryOpener(), 0); err == nil {
		t.Fatal("NewSessionPool(0) succeeded, want error")
	}
}
