package workflow

import (
	"context"
	"testing"
	"time"
)

func TestMemRunStore_DeepCopyIsolation_MutatingCreateResultDoesNotAffectSubsequentReads(t *testing.T) {
	s := NewMemRunStore()
	ctx := context.Background()

	r := Run{
		ID:          "run-1",
		Scope:       "tenant-a",
		Status:      RunCreated,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
		Inputs:      map[string]any{"goal": "original"},
		Secrets:     map[string]string{"api_key": "original-secret"},
		StepResults: map[string]*StepResult{"a": {StepID: "a", Status: StepPending}},
	}

	created, err := s.Create(ctx, r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Mutate every reference-typed field of the returned value.
	created.Inputs["goal"] = "mutated"
	created.Secrets["api_key"] = "mutated-secret"
	created.StepResults["a"].Status = StepSucceeded
	created.StepResults["b"] = &StepResult{StepID: "b", Status: StepRunning}

	// Mutate the original struct we passed in, too — Create must have
	// copied on the way in, not just on the way out.
	r.Inputs["goal"] = "also-mutated"

	fromGet, found, err := s.GetByID(ctx, "tenant-a", "run-1")
	if err != nil || !found {
		t.Fatalf("expected to find the persisted run, found=%v err=%v", found, err)
	}
	if fromGet.Inputs["goal"] != "original" {
		t.Fatalf("expected store to be isolated from mutation of the Create return value, got %v", fromGet.Inputs["goal"])
	}
	if fromGet.Secrets["api_key"] != "original-secret" {
		t.Fatalf("expected secrets map to be isolated, got %v", fromGet.Secrets["api_key"])
	}
	if fromGet.StepResults["a"].Status != StepPending {
		t.Fatalf("expected step result map to be isolated, got %v", fromGet.StepResults["a"].Status)
	}
	if _, ok := fromGet.StepResults["b"]; ok {
		t.Fatalf("expected a step added to the returned map not to leak into the store")
	}

	// Mutating one read's result must not affect a second, independent read.
	second, found, err := s.GetByID(ctx, "tenant-a", "run-1")
	if err != nil || !found {
		t.Fatalf("expected to find the persisted run on a second read")
	}
	fromGet.Inputs["goal"] = "mutated-again"
	if second.Inputs["goal"] != "original" {
		t.Fatalf("expected two independent reads not to share backing storage, got %v", second.Inputs["goal"])
	}
}

func TestMemWorkflowStore_DeepCopyIsolation(t *testing.T) {
	s := NewMemWorkflowStore()
	ctx := context.Background()

	now := time.Now().UTC()
	w := Workflow{
		ID:        "wf-1",
		Version:   1,
		Steps:     []Step{{ID: "a", Name: "a", Type: "noop"}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	created, err := s.Create(ctx, w)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	created.Steps[0].Name = "mutated"

	fromGet, found, err := s.GetByID(ctx, "", "wf-1")
	if err != nil || !found {
		t.Fatalf("expected to find the persisted workflow, found=%v err=%v", found, err)
	}
	if fromGet.Steps[0].Name != "a" {
		t.Fatalf("expected store to be isolated from mutation of the Create return value's slice, got %q", fromGet.Steps[0].Name)
	}
}
