// Package outline keeps a client-side copy of a project outline consistent with the
// project API. Reorder and generation are applied optimistically and rolled back by
// refetching the project; every other mutation waits for the server.
package outline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"docpilot/api/internal/auth"
	"docpilot/api/internal/project"
)

var (
	ErrInvalidOrder       = errors.New("order must be a permutation of the current sections")
	ErrUnknownSection     = errors.New("unknown section")
	ErrBlankTitle         = errors.New("section title must not be blank")
	ErrBlankPrompt        = errors.New("refinement prompt must not be blank")
	ErrBlankComment       = errors.New("comment must not be blank")
	ErrBlankTopic         = errors.New("topic must not be blank")
	ErrDeleteNotRequested = errors.New("delete was not requested for this section")
)

// Remote is the authoritative project store as seen by the synchronizer.
type Remote interface {
	FetchProject(ctx context.Context, projectID string) (project.Project, error)
	ReplaceOrder(ctx context.Context, projectID string, sectionIDs []string) error
	CreateSection(ctx context.Context, projectID, title string) (project.Section, int, error)
	DeleteSection(ctx context.Context, projectID, sectionID string) error
	UpdateContent(ctx context.Context, projectID, sectionID, content string) (project.Section, error)
	Generate(ctx context.Context, projectID, sectionID string, useWebResearch bool) (project.Section, error)
	Refine(ctx context.Context, projectID, sectionID, prompt, userID string) (project.Section, error)
	AddComment(ctx context.Context, projectID, sectionID, text, userID string) (project.Section, error)
	LikeRefinement(ctx context.Context, projectID, sectionID, refinementID, userID string) (project.Section, error)
	DislikeRefinement(ctx context.Context, projectID, sectionID, refinementID, userID string) (project.Section, error)
	SuggestOutline(ctx context.Context, projectID, topic string) (project.Project, error)
}

// rollbackTimeout bounds the refetch that undoes a failed optimistic update. The refetch
// runs even when the caller's context is already done.
const rollbackTimeout = 15 * time.Second

type Synchronizer struct {
	remote    Remote
	creds     auth.Provider
	projectID string
	logger    *zap.Logger

	mu            sync.Mutex
	snapshot      project.Project
	serverContent map[string]string
	pendingDelete string
	listeners     []func(project.Project)
}

func New(remote Remote, creds auth.Provider, projectID string, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		remote:        remote,
		creds:         creds,
		projectID:     projectID,
		logger:        logger.With(zap.String("project_id", projectID)),
		snapshot:      project.Project{ID: projectID, Outline: []project.Section{}},
		serverContent: map[string]string{},
	}
}

// OnChange registers fn to receive a copy of the project after every local change.
func (s *Synchronizer) OnChange(fn func(project.Project)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Snapshot returns a deep copy of the current local project.
func (s *Synchronizer) Snapshot() project.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.Clone()
}

// Order returns the current local section ids in document order.
func (s *Synchronizer) Order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.SectionIDs()
}

// PendingDelete returns the section awaiting delete confirmation, if any.
func (s *Synchronizer) PendingDelete() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingDelete, s.pendingDelete != ""
}

func (s *Synchronizer) Load(ctx context.Context) error {
	if _, err := s.credential(ctx); err != nil {
		return err
	}
	return s.refresh(ctx)
}

// Reorder applies ids locally and then asks the server to adopt the same order.
// ids must be a permutation of the current section ids.
func (s *Synchronizer) Reorder(ctx context.Context, ids []string) error {
	s.mu.Lock()
	if !s.snapshot.IsPermutation(ids) {
		s.mu.Unlock()
		return ErrInvalidOrder
	}
	s.mu.Unlock()

	if _, err := s.credential(ctx); err != nil {
		return err
	}

	ok := s.update(func(p *project.Project) bool {
		return p.ApplyOrder(ids) == nil
	})
	if !ok {
		// The outline changed underneath us between validation and apply.
		return ErrInvalidOrder
	}

	order := append([]string(nil), ids...)
	if err := s.remote.ReplaceOrder(ctx, s.projectID, order); err != nil {
		return s.rollback(ctx, "reorder", fmt.Errorf("replace order: %w", err))
	}
	return nil
}

func (s *Synchronizer) MoveUp(ctx context.Context, sectionID string) error {
	return s.move(ctx, sectionID, -1)
}

func (s *Synchronizer) MoveDown(ctx context.Context, sectionID string) error {
	return s.move(ctx, sectionID, 1)
}

func (s *Synchronizer) move(ctx context.Context, sectionID string, delta int) error {
	s.mu.Lock()
	ids := s.snapshot.SectionIDs()
	index := s.snapshot.IndexOf(sectionID)
	s.mu.Unlock()

	if index < 0 {
		return ErrUnknownSection
	}
	order, ok := project.SwapOrder(ids, index, delta)
	if !ok {
		return nil
	}
	return s.Reorder(ctx, order)
}

// AddSection creates a section on the server and inserts it where the server placed it.
func (s *Synchronizer) AddSection(ctx context.Context, title string) (project.Section, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return project.Section{}, ErrBlankTitle
	}
	if _, err := s.credential(ctx); err != nil {
		return project.Section{}, err
	}
	section, position, err := s.remote.CreateSection(ctx, s.projectID, title)
	if err != nil {
		return project.Section{}, fmt.Errorf("create section: %w", err)
	}
	s.update(func(p *project.Project) bool {
		p.RemoveSection(section.ID)
		p.InsertSection(section.Clone(), position)
		return true
	})
	s.rememberContent(section)
	return section, nil
}

// RequestDelete marks sectionID for deletion. Nothing is sent until ConfirmDelete.
func (s *Synchronizer) RequestDelete(sectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot.IndexOf(sectionID) < 0 {
		return ErrUnknownSection
	}
	s.pendingDelete = sectionID
	return nil
}

func (s *Synchronizer) CancelDelete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingDelete = ""
}

// ConfirmDelete consumes the pending request and removes the section once the server
// has deleted it. On failure the section stays in the outline.
func (s *Synchronizer) ConfirmDelete(ctx context.Context, sectionID string) error {
	s.mu.Lock()
	if s.pendingDelete == "" || s.pendingDelete != sectionID {
		s.mu.Unlock()
		return ErrDeleteNotRequested
	}
	s.pendingDelete = ""
	s.mu.Unlock()

	if _, err := s.credential(ctx); err != nil {
		return err
	}
	if err := s.remote.DeleteSection(ctx, s.projectID, sectionID); err != nil {
		return fmt.Errorf("delete section: %w", err)
	}
	s.update(func(p *project.Project) bool {
		return p.RemoveSection(sectionID)
	})
	s.mu.Lock()
	delete(s.serverContent, sectionID)
	s.mu.Unlock()
	return nil
}

// GenerateContent marks the section generating before the request is sent. A failed
// request is rolled back by refetching the project.
func (s *Synchronizer) GenerateContent(ctx context.Context, sectionID string, useWebResearch bool) (project.Section, error) {
	if err := s.requireSection(sectionID); err != nil {
		return project.Section{}, err
	}
	if _, err := s.credential(ctx); err != nil {
		return project.Section{}, err
	}
	s.update(func(p *project.Project) bool {
		section, err := p.Section(sectionID)
		if err != nil {
			return false
		}
		section.Status = project.StatusGenerating
		return true
	})

	section, err := s.remote.Generate(ctx, s.projectID, sectionID, useWebResearch)
	if err != nil {
		return project.Section{}, s.rollback(ctx, "generate", fmt.Errorf("generate section: %w", err))
	}
	s.applySection(section)
	return section, nil
}

// SaveContent sends html only when it differs from what the server last returned.
func (s *Synchronizer) SaveContent(ctx context.Context, sectionID, html string) error {
	s.mu.Lock()
	if s.snapshot.IndexOf(sectionID) < 0 {
		s.mu.Unlock()
		return ErrUnknownSection
	}
	unchanged := s.serverContent[sectionID] == html
	s.mu.Unlock()
	if unchanged {
		return nil
	}

	if _, err := s.credential(ctx); err != nil {
		return err
	}
	section, err := s.remote.UpdateContent(ctx, s.projectID, sectionID, html)
	if err != nil {
		return fmt.Errorf("update content: %w", err)
	}
	s.applySection(section)
	return nil
}

func (s *Synchronizer) Refine(ctx context.Context, sectionID, prompt string) error {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ErrBlankPrompt
	}
	if err := s.requireSection(sectionID); err != nil {
		return err
	}
	cred, err := s.credential(ctx)
	if err != nil {
		return err
	}
	if _, err := s.remote.Refine(ctx, s.projectID, sectionID, prompt, cred.UserID); err != nil {
		return fmt.Errorf("refine section: %w", err)
	}
	return s.refresh(ctx)
}

func (s *Synchronizer) AddComment(ctx context.Context, sectionID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrBlankComment
	}
	if err := s.requireSection(sectionID); err != nil {
		return err
	}
	cred, err := s.credential(ctx)
	if err != nil {
		return err
	}
	if _, err := s.remote.AddComment(ctx, s.projectID, sectionID, text, cred.UserID); err != nil {
		return fmt.Errorf("add comment: %w", err)
	}
	return s.refresh(ctx)
}

// LikeRefinement sends one reaction and refetches. The toggle itself is decided by the server.
func (s *Synchronizer) LikeRefinement(ctx context.Context, sectionID, refinementID string) error {
	return s.react(ctx, project.ReactionLike, sectionID, refinementID)
}

func (s *Synchronizer) DislikeRefinement(ctx context.Context, sectionID, refinementID string) error {
	return s.react(ctx, project.ReactionDislike, sectionID, refinementID)
}

func (s *Synchronizer) react(ctx context.Context, reaction project.Reaction, sectionID, refinementID string) error {
	if err := s.requireSection(sectionID); err != nil {
		return err
	}
	cred, err := s.credential(ctx)
	if err != nil {
		return err
	}
	send := s.remote.LikeRefinement
	if reaction == project.ReactionDislike {
		send = s.remote.DislikeRefinement
	}
	if _, err := send(ctx, s.projectID, sectionID, refinementID, cred.UserID); err != nil {
		return fmt.Errorf("%s refinement: %w", reaction, err)
	}
	return s.refresh(ctx)
}

// SuggestOutline replaces the server outline with a generated one and refetches.
func (s *Synchronizer) SuggestOutline(ctx context.Context, topic string) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return ErrBlankTopic
	}
	if _, err := s.credential(ctx); err != nil {
		return err
	}
	if _, err := s.remote.SuggestOutline(ctx, s.projectID, topic); err != nil {
		return fmt.Errorf("suggest outline: %w", err)
	}
	return s.refresh(ctx)
}

func (s *Synchronizer) credential(ctx context.Context) (auth.Credential, error) {
	if s.creds == nil {
		return auth.Credential{}, fmt.Errorf("outline: %w", auth.ErrNoCredential)
	}
	cred, err := s.creds.Credential(ctx)
	if err != nil {
		return auth.Credential{}, fmt.Errorf("outline: %w", err)
	}
	return cred, nil
}

func (s *Synchronizer) requireSection(sectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot.IndexOf(sectionID) < 0 {
		return ErrUnknownSection
	}
	return nil
}

// refresh fetches the project and swaps it in whole.
func (s *Synchronizer) refresh(ctx context.Context) error {
	fetched, err := s.remote.FetchProject(ctx, s.projectID)
	if err != nil {
		return fmt.Errorf("fetch project: %w", err)
	}
	if fetched.Outline == nil {
		fetched.Outline = []project.Section{}
	}
	content := make(map[string]string, len(fetched.Outline))
	for _, section := range fetched.Outline {
		content[section.ID] = section.Content
	}

	s.mu.Lock()
	s.snapshot = fetched.Clone()
	s.serverContent = content
	if s.pendingDelete != "" && s.snapshot.IndexOf(s.pendingDelete) < 0 {
		s.pendingDelete = ""
	}
	out, listeners := s.snapshot.Clone(), s.listeners
	s.mu.Unlock()

	notify(listeners, out)
	return nil
}

func (s *Synchronizer) rollback(ctx context.Context, op string, cause error) error {
	s.logger.Warn("rolling back optimistic update", zap.String("op", op), zap.Error(cause))
	refetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	if err := s.refresh(refetchCtx); err != nil {
		s.logger.Warn("rollback refetch failed", zap.String("op", op), zap.Error(err))
		return errors.Join(cause, err)
	}
	return cause
}

// update mutates a copy of the snapshot and installs it when fn reports a change.
func (s *Synchronizer) update(fn func(*project.Project) bool) bool {
	s.mu.Lock()
	next := s.snapshot.Clone()
	if !fn(&next) {
		s.mu.Unlock()
		return false
	}
	s.snapshot = next
	out, listeners := next.Clone(), s.listeners
	s.mu.Unlock()

	notify(listeners, out)
	return true
}

func (s *Synchronizer) applySection(section project.Section) {
	s.update(func(p *project.Project) bool {
		current, err := p.Section(section.ID)
		if err != nil {
			return false
		}
		*current = section.Clone()
		return true
	})
	s.rememberContent(section)
}

func (s *Synchronizer) rememberContent(section project.Section) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverContent[section.ID] = section.Content
}

func notify(listeners []func(project.Project), p project.Project) {
	for _, fn := range listeners {
		fn(p.Clone())
	}
}
