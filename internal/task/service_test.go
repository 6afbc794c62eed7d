package task

import (
	"context"
	stdErrors "errors"
	"testing"

	xerrors "MNEE-Hub/internal/errors"
)

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error {
	return stdErrors.New("broker unavailable")
}

func (failingProducer) Close() error { return nil }

func TestServiceSubmitValidation(t *testing.T) {
	service := NewService(NewMemoryStore(), &recordingProducer{}, 3)

	if _, err := service.Submit(context.Background(), SubmitRequest{Goal: "生成 logo"}); xerrors.CodeOf(err) != CodeTaskValidation {
		t.Fatalf("missing agent err = %v, want %s", err, CodeTaskValidation)
	}
	if _, err := service.Submit(context.Background(), SubmitRequest{AgentID: "startup-agent"}); xerrors.CodeOf(err) != CodeTaskValidation {
		t.Fatalf("missing goal err = %v, want %s", err, CodeTaskValidation)
	}
}

func TestServiceSubmitIsIdempotent(t *testing.T) {
	producer := &recordingProducer{}
	service := NewService(NewMemoryStore(), producer, 3)

	first, err := service.Submit(context.Background(), SubmitRequest{
		ID:      "fixed-id",
		AgentID: "startup-agent",
		Goal:    "生成 logo",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second, err := service.Submit(context.Background(), SubmitRequest{
		ID:      "fixed-id",
		AgentID: "startup-agent",
		Goal:    "生成 logo",
	})
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("ids differ: %s vs %s", first.ID, second.ID)
	}
	if len(producer.published) != 1 {
		t.Fatalf("published %d times, want 1", len(producer.published))
	}
}

func TestServiceSubmitPublishFailureMarksTask(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store, failingProducer{}, 3)

	_, err := service.Submit(context.Background(), SubmitRequest{
		ID:      "doomed",
		AgentID: "startup-agent",
		Goal:    "生成 logo",
	})
	if xerrors.CodeOf(err) != CodeTaskPublish {
		t.Fatalf("err = %v, want %s", err, CodeTaskPublish)
	}

	stored, getErr := store.Get(context.Background(), "doomed")
	if getErr != nil {
		t.Fatalf("Get: %v", getErr)
	}
	if stored.Status != StatusFailed || stored.ErrorCode != string(CodeTaskPublish) {
		t.Fatalf("stored = %s/%s, want failed/%s", stored.Status, stored.ErrorCode, CodeTaskPublish)
	}
}
