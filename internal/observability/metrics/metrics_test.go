package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRenderIncludesObservedSamples(t *testing.T) {
	ObserveHTTPRequest("tasks", "POST", 202, 30*time.Millisecond)
	ObserveHTTPRequest("tasks", "POST", 500, 2*time.Second)
	ObserveTaskOutcome("succeeded")

	recorder := httptest.NewRecorder()
	Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))

	body := recorder.Body.String()
	for _, want := range []string{
		`mneehub_http_requests_total{handler="tasks",method="POST",code="202"} 1`,
		`mneehub_http_request_errors_total{handler="tasks",method="POST"} 1`,
		`mneehub_http_request_duration_seconds_count{handler="tasks",method="POST"} 2`,
		`mneehub_task_outcomes_total{outcome="succeeded"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("指标输出缺少 %q\n%s", want, body)
		}
	}
}
