package xmlutil

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	s3err "github.com/baotiao/zeppelin-gateway/internal/errors"
)

func TestWriteErrorResponse(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/mybucket/mykey", nil)
	w.Header().Set("x-amz-request-id", "deadbeefdeadbeef")

	WriteErrorResponse(w, r, s3err.ErrNoSuchKey)

	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/xml" {
		t.Errorf("Content-Type = %q, want application/xml", ct)
	}
	body := w.Body.String()
	for _, want := range []string{
		"<Error>",
		"<Code>NoSuchKey</Code>",
		"<Resource>/mybucket/mykey</Resource>",
		"<RequestId>deadbeefdeadbeef</RequestId>",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
	// Error responses carry no namespace, unlike success bodies.
	if strings.Contains(body, "xmlns") {
		t.Errorf("error body should not carry xmlns:\n%s", body)
	}
}

func TestRenderListBuckets(t *testing.T) {
	w := httptest.NewRecorder()
	RenderListBuckets(w, &ListAllMyBucketsResult{
		Owner: Owner{ID: "alice", DisplayName: "alice"},
		Buckets: []Bucket{
			{Name: "b1", CreationDate: "2024-01-01T00:00:00.000Z"},
		},
	})

	body := w.Body.String()
	if !strings.HasPrefix(body, xmlHeader) {
		t.Errorf("body missing XML declaration:\n%s", body)
	}
	for _, want := range []string{
		`<ListAllMyBucketsResult xmlns="` + s3NS + `">`,
		"<Buckets><Bucket><Name>b1</Name>",
		"<DisplayName>alice</DisplayName>",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
}

func TestRenderListBucketsEmpty(t *testing.T) {
	w := httptest.NewRecorder()
	RenderListBuckets(w, &ListAllMyBucketsResult{
		Owner: Owner{ID: "alice", DisplayName: "alice"},
	})
	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ListAllMyBucketsResult") {
		t.Errorf("empty listing should still render the root element:\n%s", w.Body.String())
	}
}

func TestFormatTime(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 60_000_000, time.UTC)
	if got := FormatTimeS3(ts); got != "2024-01-02T03:04:05.060Z" {
		t.Errorf("FormatTimeS3 = %q", got)
	}
	if got := FormatTimeHTTP(ts); got != "Tue, 02 Jan 2024 03:04:05 GMT" {
		t.Errorf("FormatTimeHTTP = %q", got)
	}
}
