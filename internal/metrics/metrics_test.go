package metrics

import (
	"testing"
	"time"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/status", "/status"},
		{"/docs", "/docs"},
		{"/docs/", "/docs"},
		{"/docs/something", "/docs"},
		{"/metrics", "/metrics"},
		{"/openapi.json", "/openapi.json"},
		{"/admin_list_users", "/admin_list_users"},
		{"/admin_put_user/alice", "/admin_put_user/{name}"},
		{"/", "/"},
		{"", "/"},
		{"/my-bucket", "/{bucket}"},
		{"/my-bucket/", "/{bucket}"}, // trailing slash, no key
		{"/my-bucket/my-key", "/{bucket}/{key}"},
		{"/my-bucket/path/to/object", "/{bucket}/{key}"},
		{"/test-bucket", "/{bucket}"},
		{"/a/b/c/d", "/{bucket}/{key}"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := NormalizePath(tt.path)
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestMetricsRegistered(t *testing.T) {
	// Register metrics explicitly (replaces former init() auto-registration).
	Register()

	// Verify that calling Inc/Set on metrics does not panic.
	HTTPRequestsTotal.WithLabelValues("GET", "/health", "200").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/health").Observe(0.001)
	HTTPRequestsInFlight.Inc()
	HTTPRequestsInFlight.Dec()
	HTTPRequestSize.WithLabelValues("PUT", "/{bucket}/{key}").Observe(1024)
	HTTPResponseSize.WithLabelValues("GET", "/{bucket}/{key}").Observe(2048)
	S3OperationsTotal.WithLabelValues("ListBuckets", "success").Inc()
	QPSGauge.Set(1.5)
	BytesReceivedTotal.Add(1024)
	BytesSentTotal.Add(2048)
}

func TestOperationCounts(t *testing.T) {
	before := OperationCounts()["PutObject"]

	CountOperation("PutObject", 200)
	CountOperation("PutObject", 500)
	CountOperation("DeleteObject", 204)

	counts := OperationCounts()
	if got := counts["PutObject"] - before; got != 2 {
		t.Errorf("PutObject count delta = %d, want 2", got)
	}
	if counts["DeleteObject"] == 0 {
		t.Error("DeleteObject not counted")
	}

	// Mutating the copy must not leak back into the tracked totals.
	counts["PutObject"] = 0
	if OperationCounts()["PutObject"] == 0 {
		t.Error("OperationCounts returned a live reference")
	}
}

func TestRequestCounter(t *testing.T) {
	before := TotalRequests()
	CountRequest()
	CountRequest()
	if got := TotalRequests() - before; got != 2 {
		t.Errorf("TotalRequests delta = %d, want 2", got)
	}
}

func TestQPSSample(t *testing.T) {
	s := NewQPSSampler(time.Hour) // ticker never fires; drive sample directly
	s.lastCount = TotalRequests()
	s.lastTime = time.Now().Add(-2 * time.Second)

	for i := 0; i < 10; i++ {
		CountRequest()
	}
	s.sample(s.lastTime.Add(2 * time.Second))

	qps := QPS()
	if qps < 4.9 || qps > 5.1 {
		t.Errorf("QPS() = %v, want ~5", qps)
	}
}

func TestQPSSamplerStartStop(t *testing.T) {
	s := NewQPSSampler(10 * time.Millisecond)
	s.Start()
	CountRequest()
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	s2 := NewQPSSampler(time.Hour)
	s2.Start()
	s2.Stop()
}
