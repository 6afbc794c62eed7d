// Package metrics 以 Prometheus 文本格式暴露进程内指标，
// 不依赖外部采集库，适合单进程部署的结算中枢。
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// 延迟直方图的桶边界，单位秒。
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type histogram struct {
	counts []uint64
	sum    float64
	count  uint64
}

func (h *histogram) observe(seconds float64) {
	h.count++
	h.sum += seconds
	for idx, bound := range latencyBuckets {
		if seconds <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
	// 超出最后一个桶的样本只进 +Inf，由 count 体现。
}

type registry struct {
	mu         sync.Mutex
	httpTotal  map[string]uint64
	httpErrors map[string]uint64
	latencies  map[string]*histogram
	taskTotal  map[string]uint64
}

var defaultRegistry = &registry{
	httpTotal:  make(map[string]uint64),
	httpErrors: make(map[string]uint64),
	latencies:  make(map[string]*histogram),
	taskTotal:  make(map[string]uint64),
}

func labelKey(parts ...string) string {
	return strings.Join(parts, "\x1f")
}

func splitKey(key string) []string {
	return strings.Split(key, "\x1f")
}

// ObserveHTTPRequest 记录一次 HTTP 请求的结果与耗时。
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	r := defaultRegistry
	r.mu.Lock()
	defer r.mu.Unlock()

	r.httpTotal[labelKey(handler, method, strconv.Itoa(status))]++
	if status >= 500 {
		r.httpErrors[labelKey(handler, method)]++
	}
	key := labelKey(handler, method)
	hist := r.latencies[key]
	if hist == nil {
		hist = &histogram{counts: make([]uint64, len(latencyBuckets))}
		r.latencies[key] = hist
	}
	hist.observe(duration.Seconds())
}

// ObserveTaskOutcome 记录一次任务处理的终态（succeeded/failed/retried/skipped）。
func ObserveTaskOutcome(outcome string) {
	r := defaultRegistry
	r.mu.Lock()
	r.taskTotal[outcome]++
	r.mu.Unlock()
}

// Handler 返回 /metrics 的 HTTP 处理器。
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultRegistry.render())
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (r *registry) render() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	b.Grow(1024)

	b.WriteString("# HELP mneehub_http_requests_total Total number of HTTP requests processed.\n")
	b.WriteString("# TYPE mneehub_http_requests_total counter\n")
	for _, key := range sortedKeys(r.httpTotal) {
		labels := splitKey(key)
		fmt.Fprintf(&b, "mneehub_http_requests_total{handler=%q,method=%q,code=%q} %d\n",
			labels[0], labels[1], labels[2], r.httpTotal[key])
	}

	b.WriteString("# HELP mneehub_http_request_errors_total HTTP requests that ended in a server error.\n")
	b.WriteString("# TYPE mneehub_http_request_errors_total counter\n")
	for _, key := range sortedKeys(r.httpErrors) {
		labels := splitKey(key)
		fmt.Fprintf(&b, "mneehub_http_request_errors_total{handler=%q,method=%q} %d\n",
			labels[0], labels[1], r.httpErrors[key])
	}

	b.WriteString("# HELP mneehub_http_request_duration_seconds HTTP request duration in seconds.\n")
	b.WriteString("# TYPE mneehub_http_request_duration_seconds histogram\n")
	for _, key := range sortedKeys(r.latencies) {
		labels := splitKey(key)
		hist := r.latencies[key]
		for idx, bound := range latencyBuckets {
			fmt.Fprintf(&b, "mneehub_http_request_duration_seconds_bucket{handler=%q,method=%q,le=%q} %d\n",
				labels[0], labels[1], formatFloat(bound), hist.counts[idx])
		}
		fmt.Fprintf(&b, "mneehub_http_request_duration_seconds_bucket{handler=%q,method=%q,le=\"+Inf\"} %d\n",
			labels[0], labels[1], hist.count)
		fmt.Fprintf(&b, "mneehub_http_request_duration_seconds_sum{handler=%q,method=%q} %s\n",
			labels[0], labels[1], formatFloat(hist.sum))
		fmt.Fprintf(&b, "mneehub_http_request_duration_seconds_count{handler=%q,method=%q} %d\n",
			labels[0], labels[1], hist.count)
	}

	b.WriteString("# HELP mneehub_task_outcomes_total Processed settlement tasks by outcome.\n")
	b.WriteString("# TYPE mneehub_task_outcomes_total counter\n")
	for _, key := range sortedKeys(r.taskTotal) {
		fmt.Fprintf(&b, "mneehub_task_outcomes_total{outcome=%q} %d\n", key, r.taskTotal[key])
	}

	return b.String()
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
