package history

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "runs.db")
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func testRecord(runID string, started time.Time) RunRecord {
	return RunRecord{
		RunID:    runID,
		App:      "groq_search",
		Mode:     "deploy",
		Status:   "succeeded",
		Started:  started,
		Finished: started.Add(2 * time.Second),
		Steps: []StepRecord{
			{
				Index:    1,
				Name:     "remove_tool",
				Args:     []string{"tools", "remove", "-n", "groq_compound_search"},
				Status:   "succeeded",
				ExitCode: -1,
			},
		},
	}
}

func TestStoreSaveGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("run-1", time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	rec.Steps = append(rec.Steps, StepRecord{
		Index:    4,
		Name:     "configure_draft",
		Args:     []string{"connections", "configure", "-a", "groq_search", "--env", "draft", "-t", "team", "-k", "bearer"},
		Status:   "succeeded",
		ExitCode: -1,
	})

	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, ok, err := store.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if got.RunID != "run-1" {
		t.Fatalf("RunID = %q, want run-1", got.RunID)
	}
	if got.App != "groq_search" {
		t.Fatalf("App = %q, want groq_search", got.App)
	}
	if !got.Started.Equal(rec.Started) {
		t.Fatalf("Started = %v, want %v", got.Started, rec.Started)
	}
	if len(got.Steps) != 2 {
		t.Fatalf("Steps = %d, want 2", len(got.Steps))
	}
	if got.Steps[1].Name != "configure_draft" {
		t.Fatalf("step 2 name = %q, want configure_draft", got.Steps[1].Name)
	}
}

func TestStoreGetMissing(t *testing.T) {
	store := newTestStore(t)

	_, ok, err := store.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Fatal("Get() ok = true for a missing record")
	}
}

func TestStoreSaveRequiresRunID(t *testing.T) {
	store := newTestStore(t)

	if err := store.Save(context.Background(), RunRecord{}); err == nil {
		t.Fatal("Save() with empty run ID error = nil")
	}
}

func TestStoreSaveReplacesExistingRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("run-1", time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	rec.Status = "failed"
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save() update error = %v", err)
	}

	got, ok, err := store.Get(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if got.Status != "failed" {
		t.Fatalf("Status = %q, want failed after update", got.Status)
	}

	list, err := store.List(ctx, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("List() = %d records, want 1 after upsert", len(list))
	}
}

func TestStoreListNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	// Insert out of chronological order.
	for _, i := range []int{2, 0, 1} {
		rec := testRecord(fmt.Sprintf("run-%d", i), base.Add(time.Duration(i)*time.Hour))
		if err := store.Save(ctx, rec); err != nil {
			t.Fatalf("Save(run-%d) error = %v", i, err)
		}
	}

	list, err := store.List(ctx, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("List() = %d records, want 3", len(list))
	}
	for i, want := range []string{"run-2", "run-1", "run-0"} {
		if list[i].RunID != want {
			t.Fatalf("list[%d] = %q, want %q", i, list[i].RunID, want)
		}
	}

	limited, err := store.List(ctx, 2)
	if err != nil {
		t.Fatalf("List(2) error = %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("List(2) = %d records, want 2", len(limited))
	}
	if limited[0].RunID != "run-2" || limited[1].RunID != "run-1" {
		t.Fatalf("List(2) = %q, %q", limited[0].RunID, limited[1].RunID)
	}
}

func TestStorePrune(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rec := testRecord(fmt.Sprintf("run-%d", i), base.Add(time.Duration(i)*time.Minute))
		if err := store.Save(ctx, rec); err != nil {
			t.Fatalf("Save(run-%d) error = %v", i, err)
		}
	}

	deleted, err := store.Prune(ctx, 2)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if deleted != 3 {
		t.Fatalf("Prune() deleted %d, want 3", deleted)
	}

	list, err := store.List(ctx, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List() = %d records after prune, want 2", len(list))
	}
	if list[0].RunID != "run-4" || list[1].RunID != "run-3" {
		t.Fatalf("kept %q, %q, want the two newest", list[0].RunID, list[1].RunID)
	}
}

func TestStorePruneAll(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("run-1", time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	deleted, err := store.Prune(ctx, 0)
	if err != nil {
		t.Fatalf("Prune(0) error = %v", err)
	}
	if deleted != 1 {
		t.Fatalf("Prune(0) deleted %d, want 1", deleted)
	}
}

func TestNewStoreRequiresPath(t *testing.T) {
	if _, err := NewStore("  "); err == nil {
		t.Fatal("NewStore() with blank path error = nil")
	}
}

func TestNewStoreCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "runs.db")
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer store.Close()

	if err := store.Save(context.Background(), testRecord("run-1", time.Now().UTC())); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
}
