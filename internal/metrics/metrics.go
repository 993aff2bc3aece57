// Package metrics defines custom Prometheus metrics for the gateway and the
// QPS sampler backing the admin status endpoint.
package metrics

import (
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zgw_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zgw_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequestsInFlight tracks requests currently being served.
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "zgw_http_requests_in_flight",
			Help: "HTTP requests currently being served",
		},
	)

	// HTTPRequestSize observes request body size in bytes.
	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zgw_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zgw_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// S3 operation metrics.
var (
	// S3OperationsTotal counts S3 operations by operation name and status.
	S3OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zgw_s3_operations_total",
			Help: "S3 operations by type",
		},
		[]string{"operation", "status"},
	)

	// QPSGauge publishes the request rate sampled by the QPS cron.
	QPSGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "zgw_qps",
			Help: "Requests per second over the last sample interval",
		},
	)

	// BytesReceivedTotal counts total bytes received in request bodies.
	BytesReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "zgw_bytes_received_total",
			Help: "Total bytes received (request bodies)",
		},
	)

	// BytesSentTotal counts total bytes sent in response bodies.
	BytesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "zgw_bytes_sent_total",
			Help: "Total bytes sent (response bodies)",
		},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestsInFlight,
			HTTPRequestSize,
			HTTPResponseSize,
			S3OperationsTotal,
			QPSGauge,
			BytesReceivedTotal,
			BytesSentTotal,
		)
		// Initialize S3OperationsTotal so it appears in /metrics output
		// even before any S3 operations have been performed.
		S3OperationsTotal.WithLabelValues("ListBuckets", "success")
	})
}

// requestCount is the monotonic request counter sampled by the QPS cron and
// reported as the running total on the admin status endpoint.
var requestCount atomic.Uint64

// qpsBits holds the last sampled QPS as float64 bits.
var qpsBits atomic.Uint64

// CountRequest records one served request. Called by the gateway middleware.
func CountRequest() {
	requestCount.Add(1)
}

// TotalRequests returns the number of requests served since startup.
func TotalRequests() uint64 {
	return requestCount.Load()
}

// QPS returns the request rate computed by the most recent sampler tick.
func QPS() float64 {
	return math.Float64frombits(qpsBits.Load())
}

// Per-operation totals for the admin status endpoint. The Prometheus vec
// splits by status label and cannot be read back cheaply, so the plain
// totals are tracked separately.
var (
	opMu     sync.Mutex
	opCounts = make(map[string]uint64)
)

// CountOperation records the outcome of one S3 operation. The status label is
// "success" for HTTP statuses below 400 and "error" otherwise.
func CountOperation(operation string, httpStatus int) {
	status := "success"
	if httpStatus >= 400 {
		status = "error"
	}
	S3OperationsTotal.WithLabelValues(operation, status).Inc()

	opMu.Lock()
	opCounts[operation]++
	opMu.Unlock()
}

// OperationCounts returns a copy of the per-operation totals.
func OperationCounts() map[string]uint64 {
	opMu.Lock()
	defer opMu.Unlock()
	out := make(map[string]uint64, len(opCounts))
	for op, n := range opCounts {
		out[op] = n
	}
	return out
}

// DefaultQPSInterval is how often the sampler snapshots the request counter.
const DefaultQPSInterval = 2 * time.Second

// QPSSampler periodically derives the request rate from the request counter
// and publishes it to QPSGauge and the value returned by QPS().
type QPSSampler struct {
	interval  time.Duration
	lastCount uint64
	lastTime  time.Time
	stop      chan struct{}
	done      chan struct{}
}

// NewQPSSampler returns a sampler ticking at the given interval.
// A non-positive interval selects DefaultQPSInterval.
func NewQPSSampler(interval time.Duration) *QPSSampler {
	if interval <= 0 {
		interval = DefaultQPSInterval
	}
	return &QPSSampler{
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sampling goroutine. Call Stop to halt it.
func (s *QPSSampler) Start() {
	s.lastCount = TotalRequests()
	s.lastTime = time.Now()
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case now := <-ticker.C:
				s.sample(now)
			}
		}
	}()
}

// Stop halts the sampling goroutine and waits for it to exit.
func (s *QPSSampler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *QPSSampler) sample(now time.Time) {
	count := TotalRequests()
	elapsed := now.Sub(s.lastTime).Seconds()
	if elapsed <= 0 {
		return
	}
	qps := float64(count-s.lastCount) / elapsed
	qpsBits.Store(math.Float64bits(qps))
	QPSGauge.Set(qps)
	s.lastCount = count
	s.lastTime = now
}

// NormalizePath maps actual request paths to normalized path templates
// suitable for use as Prometheus metric labels. This avoids high-cardinality
// labels from individual bucket/object names.
func NormalizePath(path string) string {
	// Known fixed paths.
	switch path {
	case "/health":
		return "/health"
	case "/status":
		return "/status"
	case "/docs", "/docs/":
		return "/docs"
	case "/metrics":
		return "/metrics"
	case "/openapi.json":
		return "/openapi.json"
	case "/admin_list_users":
		return "/admin_list_users"
	case "/", "":
		return "/"
	}

	// Starts with /docs (Stoplight Elements assets).
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}

	// Admin user management carries the display name in the path.
	if strings.HasPrefix(path, "/admin_put_user/") {
		return "/admin_put_user/{name}"
	}

	// Strip leading slash and split.
	trimmed := path
	if len(trimmed) > 0 && trimmed[0] == '/' {
		trimmed = trimmed[1:]
	}
	if trimmed == "" {
		return "/"
	}

	// Find first slash to separate bucket from key.
	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 {
		// Only bucket, no key.
		return "/{bucket}"
	}
	// Check if key portion is empty (trailing slash only).
	keyPart := trimmed[idx+1:]
	if keyPart == "" {
		return "/{bucket}"
	}
	// Has both bucket and key.
	return "/{bucket}/{key}"
}
