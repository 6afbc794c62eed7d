package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"MNEE-Hub/sdk/go/mneehub"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(mneehub.Task{
				ID:      "task-demo",
				AgentID: "startup-agent",
				Goal:    "design a logo for my coffee brand",
				Status:  "pending",
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/tasks/task-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(mneehub.Task{
			ID:      "task-demo",
			AgentID: "startup-agent",
			Status:  "succeeded",
			Result: &mneehub.ExecutionResult{
				Summary:       "共 1 个步骤: 1 成功",
				Stage:         "DONE",
				TotalReleased: 1.0,
			},
		})
	})
	mux.HandleFunc("/api/v1/agents/startup-agent/usage", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(mneehub.AgentUsage{AgentID: "startup-agent", SpentToday: 1.0, CallsToday: 1})
	})
	mux.HandleFunc("/api/v1/payments", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(mneehub.PaymentResult{
			Status:  "paid",
			Receipt: mneehub.PaymentReceipt{PaymentID: "PAY-demo", Amount: 0.2, Quantity: 1},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := mneehub.NewClient(srv.URL, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	created, err := client.SubmitTask(ctx, mneehub.TaskSubmission{
		AgentID: "startup-agent",
		Goal:    "design a logo for my coffee brand",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted task %s (%s)\n", created.ID, created.Status)

	finished, err := client.WaitForTask(ctx, created.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("task %s finished: %s, released %.2f\n", finished.ID, finished.Result.Summary, finished.Result.TotalReleased)

	usage, err := client.Usage(ctx, "startup-agent")
	if err != nil {
		panic(err)
	}
	fmt.Printf("agent %s spent %.2f today across %d calls\n", usage.AgentID, usage.SpentToday, usage.CallsToday)

	paid, err := client.Pay(ctx, mneehub.PaymentRequest{
		AgentID:   "startup-agent",
		ServiceID: "price_oracle",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("payment %s: %s, amount %.2f\n", paid.Receipt.PaymentID, paid.Status, paid.Receipt.Amount)
}
