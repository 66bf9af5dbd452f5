package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"docpilot/api/internal/project"
)

// MemoryStore keeps projects in process. It backs local development without Postgres
// and end-to-end tests, and follows the same revision rules as PostgresStore.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]project.Project
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{projects: make(map[string]project.Project)}
}

func (s *MemoryStore) ListProjects(_ context.Context, ownerUID string) ([]project.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := []project.Project{}
	for _, item := range s.projects {
		if item.OwnerUID == ownerUID {
			items = append(items, item.Clone())
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
	return items, nil
}

func (s *MemoryStore) GetProject(_ context.Context, projectID string) (project.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.projects[projectID]
	if !ok {
		return project.Project{}, ErrNotFound
	}
	return item.Clone(), nil
}

func (s *MemoryStore) InsertProject(_ context.Context, item project.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.Outline == nil {
		item.Outline = []project.Section{}
	}
	s.projects[item.ID] = item.Clone()
	return nil
}

func (s *MemoryStore) RenameProject(_ context.Context, projectID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.projects[projectID]
	if !ok {
		return ErrNotFound
	}
	item.Title = title
	item.Revision++
	item.UpdatedAt = time.Now().UTC()
	s.projects[projectID] = item
	return nil
}

func (s *MemoryStore) DeleteProject(_ context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[projectID]; !ok {
		return ErrNotFound
	}
	delete(s.projects, projectID)
	return nil
}

func (s *MemoryStore) SaveOutline(_ context.Context, projectID string, expectedRevision int, outline []project.Section, history []project.GenerationRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.projects[projectID]
	if !ok {
		return 0, ErrNotFound
	}
	if item.Revision != expectedRevision {
		return 0, ErrRevisionConflict
	}
	saved := project.Project{Outline: outline, GenerationHistory: history}.Clone()
	item.Outline = saved.Outline
	if item.Outline == nil {
		item.Outline = []project.Section{}
	}
	item.GenerationHistory = saved.GenerationHistory
	item.Revision++
	item.UpdatedAt = time.Now().UTC()
	s.projects[projectID] = item
	return item.Revision, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
