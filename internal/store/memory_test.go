package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"docpilot/api/internal/project"
)

func seedMemory(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	now := time.Now().UTC()
	err := s.InsertProject(context.Background(), project.Project{
		ID:        "p1",
		Title:     "Report",
		DocType:   project.DocTypeDOCX,
		OwnerUID:  "user-1",
		Revision:  1,
		CreatedAt: now,
		UpdatedAt: now,
		Outline:   []project.Section{{ID: "a1", Title: "A"}},
	})
	if err != nil {
		t.Fatalf("InsertProject() error = %v", err)
	}
	return s
}

func TestMemoryStoreSaveOutlineBumpsRevision(t *testing.T) {
	s := seedMemory(t)
	ctx := context.Background()

	history := []project.GenerationRecord{{ID: "gen1", SectionID: "a1", Model: "mock"}}
	revision, err := s.SaveOutline(ctx, "p1", 1, []project.Section{{ID: "a1"}, {ID: "b1"}}, history)
	if err != nil {
		t.Fatalf("SaveOutline() error = %v", err)
	}
	if revision != 2 {
		t.Fatalf("expected revision 2, got %d", revision)
	}
	got, err := s.GetProject(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProject() error = %v", err)
	}
	if len(got.Outline) != 2 || got.Revision != 2 {
		t.Fatalf("unexpected project %+v", got)
	}
	if len(got.GenerationHistory) != 1 || got.GenerationHistory[0].ID != "gen1" {
		t.Fatalf("expected generation history to be saved with the outline, got %+v", got.GenerationHistory)
	}
	history[0].ID = "mutated"
	again, _ := s.GetProject(ctx, "p1")
	if again.GenerationHistory[0].ID != "gen1" {
		t.Fatal("stored history must not alias the caller's slice")
	}
}

func TestMemoryStoreRenameBumpsRevision(t *testing.T) {
	s := seedMemory(t)
	ctx := context.Background()

	if err := s.RenameProject(ctx, "p1", "Annual report"); err != nil {
		t.Fatalf("RenameProject() error = %v", err)
	}
	got, _ := s.GetProject(ctx, "p1")
	if got.Title != "Annual report" || got.Revision != 2 {
		t.Fatalf("unexpected project %+v", got)
	}
	if _, err := s.SaveOutline(ctx, "p1", 1, nil, nil); !errors.Is(err, ErrRevisionConflict) {
		t.Fatalf("a rename must invalidate the previous revision, got %v", err)
	}
}

func TestMemoryStoreRejectsStaleRevision(t *testing.T) {
	s := seedMemory(t)
	_, err := s.SaveOutline(context.Background(), "p1", 7, nil, nil)
	if !errors.Is(err, ErrRevisionConflict) {
		t.Fatalf("expected ErrRevisionConflict, got %v", err)
	}
	_, err = s.SaveOutline(context.Background(), "missing", 1, nil, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := seedMemory(t)
	got, _ := s.GetProject(context.Background(), "p1")
	got.Outline[0].Title = "mutated"

	again, _ := s.GetProject(context.Background(), "p1")
	if again.Outline[0].Title != "A" {
		t.Fatalf("expected stored project to be isolated from caller edits, got %q", again.Outline[0].Title)
	}
}

func TestMemoryStoreListFiltersByOwner(t *testing.T) {
	s := seedMemory(t)
	items, _ := s.ListProjects(context.Background(), "user-1")
	if len(items) != 1 {
		t.Fatalf("expected one project for owner, got %d", len(items))
	}
	items, _ = s.ListProjects(context.Background(), "user-2")
	if len(items) != 0 {
		t.Fatalf("expected no projects for other owner, got %d", len(items))
	}
	if err := s.DeleteProject(context.Background(), "p1"); err != nil {
		t.Fatalf("DeleteProject() error = %v", err)
	}
	if err := s.DeleteProject(context.Background(), "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}
