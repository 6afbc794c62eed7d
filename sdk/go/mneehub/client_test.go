package mneehub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSubmitTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var submission TaskSubmission
		if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if submission.AgentID != "startup-agent" {
			t.Fatalf("agent = %s", submission.AgentID)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Task{ID: "task-1", AgentID: submission.AgentID, Status: "pending"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	created, err := client.SubmitTask(context.Background(), TaskSubmission{
		AgentID: "startup-agent",
		Goal:    "design a logo",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if created.ID != "task-1" || created.Status != "pending" {
		t.Fatalf("created = %+v", created)
	}
}

func TestGetTaskAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"code":    "TASK_NOT_FOUND",
			"message": "task not found",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	_, err := client.GetTask(context.Background(), "missing")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "TASK_NOT_FOUND" {
		t.Fatalf("apiErr = %+v", apiErr)
	}
}

func TestListTasksQueryParameters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("agent_id") != "startup-agent" || query.Get("limit") != "5" {
			t.Fatalf("query = %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]Task{{ID: "task-1"}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	tasks, err := client.ListTasks(context.Background(), ListTasksOptions{AgentID: "startup-agent", Limit: 5})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "task-1" {
		t.Fatalf("tasks = %+v", tasks)
	}
}

func TestPayDecodesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/payments" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var payment PaymentRequest
		if err := json.NewDecoder(r.Body).Decode(&payment); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if payment.ServiceID != "image_gen" || payment.Quantity != 2 {
			t.Fatalf("payment = %+v", payment)
		}
		_ = json.NewEncoder(w).Encode(PaymentResult{
			Status:          "paid",
			ServiceCallHash: "0xabc",
			Receipt:         PaymentReceipt{PaymentID: "PAY-1", Amount: 2.0, Quantity: 2},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	result, err := client.Pay(context.Background(), PaymentRequest{
		AgentID:   "startup-agent",
		ServiceID: "image_gen",
		Quantity:  2,
	})
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if !result.Paid() || result.Receipt.PaymentID != "PAY-1" || result.Receipt.Amount != 2.0 {
		t.Fatalf("result = %+v", result)
	}
}

func TestWaitForTaskPollsUntilTerminal(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		status := "running"
		if hits >= 3 {
			status = "succeeded"
		}
		_ = json.NewEncoder(w).Encode(Task{ID: "task-1", Status: status, Result: &ExecutionResult{Summary: "done", Stage: "DONE"}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	finished, err := client.WaitForTask(ctx, "task-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if finished.Status != "succeeded" || hits < 3 {
		t.Fatalf("finished = %+v after %d polls", finished, hits)
	}
}
