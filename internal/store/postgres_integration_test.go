package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"docpilot/api/internal/project"
	"docpilot/api/internal/util"
)

func getTestDatabaseURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("DOCPILOT_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("DOCPILOT_TEST_DATABASE_URL not set; skipping integration test")
	}
	return url
}

func TestPostgresStoreOutlineRevisions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	databaseURL := getTestDatabaseURL(t)
	logger := zap.NewNop()

	if err := ApplyMigrations(databaseURL, logger); err != nil {
		t.Fatalf("ApplyMigrations() error = %v", err)
	}
	db, err := Open(ctx, databaseURL, logger)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()

	s := NewPostgresStore(db)
	now := time.Now().UTC()
	id := util.NewID("prj")
	if err := s.InsertProject(ctx, project.Project{
		ID: id, Title: "Integration", DocType: project.DocTypeDOCX, OwnerUID: "it-user",
		Revision: 1, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("InsertProject() error = %v", err)
	}
	defer func() { _ = s.DeleteProject(ctx, id) }()

	revision, err := s.SaveOutline(ctx, id, 1, []project.Section{{ID: "a1", Title: "A", Status: project.StatusPending, Version: 1}},
		[]project.GenerationRecord{{ID: "gen1", SectionID: "a1", Model: "mock", Hash: "abc"}})
	if err != nil {
		t.Fatalf("SaveOutline() error = %v", err)
	}
	if revision != 2 {
		t.Fatalf("expected revision 2, got %d", revision)
	}
	if _, err := s.SaveOutline(ctx, id, 1, nil, nil); !errors.Is(err, ErrRevisionConflict) {
		t.Fatalf("expected ErrRevisionConflict, got %v", err)
	}

	got, err := s.GetProject(ctx, id)
	if err != nil {
		t.Fatalf("GetProject() error = %v", err)
	}
	if len(got.Outline) != 1 || got.Outline[0].Title != "A" {
		t.Fatalf("unexpected outline %+v", got.Outline)
	}
	if len(got.GenerationHistory) != 1 || got.GenerationHistory[0].Hash != "abc" {
		t.Fatalf("unexpected generation history %+v", got.GenerationHistory)
	}
	if _, err := s.GetProject(ctx, "missing-"+id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
