package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"docpilot/api/internal/auth"
	"docpilot/api/internal/cache"
	"docpilot/api/internal/config"
	"docpilot/api/internal/generate"
	"docpilot/api/internal/project"
	"docpilot/api/internal/store"
	"docpilot/api/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	ExpiresAt time.Time
}

type CreateProjectInput struct {
	Title   string `json:"title" validate:"required,max=200"`
	DocType string `json:"doc_type" validate:"required,oneof=docx pptx"`
}

type RenameProjectInput struct {
	Title string `json:"title" validate:"required,max=200"`
}

type SuggestOutlineInput struct {
	Topic string `json:"topic" validate:"required,max=500"`
}

type ReorderInput struct {
	SectionIDs []string `json:"section_ids" validate:"required,dive,required"`
}

type AddSectionInput struct {
	Title string `json:"title" validate:"required,max=200"`
}

type UpdateContentInput struct {
	Content string `json:"content"`
}

type GenerateInput struct {
	SectionID      string `json:"section_id" validate:"required"`
	UseWebResearch bool   `json:"use_web_research"`
}

type RefineInput struct {
	Prompt string `json:"prompt" validate:"required,max=2000"`
	UserID string `json:"user_id"`
}

type CommentInput struct {
	Text   string `json:"text" validate:"required,max=5000"`
	UserID string `json:"user_id"`
}

type ReactInput struct {
	UserID string `json:"user_id"`
}

// ProjectStore is the persistence the service needs; store.PostgresStore and store.MemoryStore satisfy it.
type ProjectStore interface {
	ListProjects(context.Context, string) ([]project.Project, error)
	GetProject(context.Context, string) (project.Project, error)
	InsertProject(context.Context, project.Project) error
	RenameProject(context.Context, string, string) error
	DeleteProject(context.Context, string) error
	SaveOutline(context.Context, string, int, []project.Section, []project.GenerationRecord) (int, error)
	Ping(ctx context.Context) error
}

// conflictRetries bounds how often an outline write is replayed after losing a revision race.
const conflictRetries = 5

// finalizeTimeout bounds the write that ends a generation once the request context is gone.
const finalizeTimeout = 30 * time.Second

// historyLimit caps the generation records kept per project; older ones are dropped first.
const historyLimit = 50

// errUnchanged lets an outline mutation finish without writing.
var errUnchanged = errors.New("outline unchanged")

type Service struct {
	cfg        config.Config
	store      ProjectStore
	cache      cache.ProjectCache
	generator  generate.Generator
	researcher generate.Researcher
	logger     *zap.Logger
	now        func() time.Time
	newBackOff func() backoff.BackOff
}

func New(cfg config.Config, dataStore ProjectStore, projectCache cache.ProjectCache, generator generate.Generator, researcher generate.Researcher, logger *zap.Logger) *Service {
	if projectCache == nil {
		projectCache = cache.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:        cfg,
		store:      dataStore,
		cache:      projectCache,
		generator:  generator,
		researcher: researcher,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		newBackOff: func() backoff.BackOff {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = 20 * time.Millisecond
			policy.MaxInterval = 500 * time.Millisecond
			return policy
		},
	}
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	session := Session{Token: token, UserID: claims.Subject, UserName: claims.Name}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingCache reports cache health; caches without a health check are always ready.
func (s *Service) PingCache(ctx context.Context) error {
	pinger, ok := s.cache.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	return pinger.Ping(ctx)
}

func (s *Service) ListProjects(ctx context.Context, session Session) ([]project.Project, error) {
	return s.store.ListProjects(ctx, session.UserID)
}

func (s *Service) CreateProject(ctx context.Context, session Session, input CreateProjectInput) (project.Project, error) {
	input.Title = strings.TrimSpace(input.Title)
	if err := validateInput(input); err != nil {
		return project.Project{}, err
	}
	now := s.now()
	item := project.Project{
		ID:        util.NewID("prj"),
		Title:     input.Title,
		DocType:   project.DocType(input.DocType),
		OwnerUID:  session.UserID,
		CreatedAt: now,
		UpdatedAt: now,
		Outline:   []project.Section{},
	}
	if err := s.store.InsertProject(ctx, item); err != nil {
		return project.Project{}, err
	}
	s.logger.Info("project created", zap.String("project_id", item.ID), zap.String("owner_uid", item.OwnerUID))
	return item, nil
}

// GetProject reads through the project cache.
func (s *Service) GetProject(ctx context.Context, session Session, projectID string) (project.Project, error) {
	if cached, ok, err := s.cache.Get(ctx, projectID); err != nil {
		s.logger.Warn("project cache read failed", zap.String("project_id", projectID), zap.Error(err))
	} else if ok {
		if err := authorize(cached, session); err != nil {
			return project.Project{}, err
		}
		return cached, nil
	}

	item, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return project.Project{}, err
	}
	if err := authorize(item, session); err != nil {
		return project.Project{}, err
	}
	s.remember(ctx, item)
	return item, nil
}

func (s *Service) RenameProject(ctx context.Context, session Session, projectID string, input RenameProjectInput) (project.Project, error) {
	input.Title = strings.TrimSpace(input.Title)
	if err := validateInput(input); err != nil {
		return project.Project{}, err
	}
	if _, err := s.loadOwned(ctx, session, projectID); err != nil {
		return project.Project{}, err
	}
	if err := s.store.RenameProject(ctx, projectID, input.Title); err != nil {
		return project.Project{}, err
	}
	item, err := s.loadOwned(ctx, session, projectID)
	if err != nil {
		return project.Project{}, err
	}
	s.remember(ctx, item)
	return item, nil
}

func (s *Service) DeleteProject(ctx context.Context, session Session, projectID string) error {
	if _, err := s.loadOwned(ctx, session, projectID); err != nil {
		return err
	}
	if err := s.store.DeleteProject(ctx, projectID); err != nil {
		return err
	}
	s.forget(ctx, projectID)
	s.logger.Info("project deleted", zap.String("project_id", projectID))
	return nil
}

// SuggestOutline replaces the outline with sections proposed for topic.
func (s *Service) SuggestOutline(ctx context.Context, session Session, projectID string, input SuggestOutlineInput) (project.Project, error) {
	input.Topic = strings.TrimSpace(input.Topic)
	if err := validateInput(input); err != nil {
		return project.Project{}, err
	}
	if _, err := s.loadOwned(ctx, session, projectID); err != nil {
		return project.Project{}, err
	}
	items, err := s.generator.SuggestOutline(ctx, input.Topic)
	if err != nil {
		s.logger.Error("outline suggestion failed", zap.String("project_id", projectID), zap.Error(err))
		return project.Project{}, domainError(http.StatusBadGateway, "GENERATION_FAILED", "Outline generation failed", nil)
	}
	return s.mutateOutline(ctx, session, projectID, func(p *project.Project) error {
		outline := make([]project.Section, 0, len(items))
		for _, item := range items {
			outline = append(outline, newSection(item.Title, item.WordCount))
		}
		p.Outline = outline
		return nil
	})
}

func (s *Service) ReorderOutline(ctx context.Context, session Session, projectID string, input ReorderInput) (project.Project, error) {
	if err := validateInput(input); err != nil {
		return project.Project{}, err
	}
	return s.mutateOutline(ctx, session, projectID, func(p *project.Project) error {
		if err := p.ApplyOrder(input.SectionIDs); err != nil {
			return domainError(http.StatusConflict, "INVALID_ORDER", "section_ids must list every section exactly once", map[string]any{
				"expected": p.SectionIDs(),
			})
		}
		return nil
	})
}

// AddSection appends a section and returns it with its outline position.
func (s *Service) AddSection(ctx context.Context, session Session, projectID string, input AddSectionInput) (project.Section, int, error) {
	input.Title = strings.TrimSpace(input.Title)
	if err := validateInput(input); err != nil {
		return project.Section{}, 0, err
	}
	section := newSection(input.Title, 0)
	position := 0
	_, err := s.mutateOutline(ctx, session, projectID, func(p *project.Project) error {
		position = p.InsertSection(section, len(p.Outline))
		return nil
	})
	if err != nil {
		return project.Section{}, 0, err
	}
	return section, position, nil
}

// DeleteSection succeeds whether or not the section still exists.
func (s *Service) DeleteSection(ctx context.Context, session Session, projectID, sectionID string) error {
	_, err := s.mutateOutline(ctx, session, projectID, func(p *project.Project) error {
		if !p.RemoveSection(sectionID) {
			return errUnchanged
		}
		return nil
	})
	return err
}

func (s *Service) UpdateContent(ctx context.Context, session Session, projectID, sectionID string, input UpdateContentInput) (project.Section, error) {
	return s.mutateSection(ctx, session, projectID, sectionID, func(section *project.Section) error {
		section.Content = input.Content
		return nil
	})
}

// GenerateSection marks the section generating, persists that, then stores the draft
// or marks the section failed.
func (s *Service) GenerateSection(ctx context.Context, session Session, projectID string, input GenerateInput) (project.Section, error) {
	if err := validateInput(input); err != nil {
		return project.Section{}, err
	}
	var target project.Section
	current, err := s.mutateOutline(ctx, session, projectID, func(p *project.Project) error {
		section, err := p.Section(input.SectionID)
		if err != nil {
			return err
		}
		section.Status = project.StatusGenerating
		section.Version++
		target = section.Clone()
		return nil
	})
	if err != nil {
		return project.Section{}, err
	}

	request := generate.SectionRequest{Title: target.Title, Topic: current.Title, WordCount: target.WordCount}
	if input.UseWebResearch && s.researcher != nil {
		notes, err := s.researcher.Research(ctx, target.Title, current.Title)
		if err != nil {
			s.logger.Warn("research failed; generating without it", zap.String("section_id", target.ID), zap.Error(err))
		}
		request.Research = notes
	}

	draft, genErr := s.generator.GenerateSection(ctx, request)

	// The section must leave generating even if the caller went away.
	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	var section project.Section
	_, err = s.mutateOutline(finalCtx, session, projectID, func(p *project.Project) error {
		generated, err := p.Section(input.SectionID)
		if err != nil {
			return err
		}
		if genErr != nil {
			generated.Status = project.StatusFailed
		} else {
			generated.Content = draft.Content
			generated.Bullets = draft.Bullets
			generated.Status = project.StatusDone
			if generated.WordCount == 0 {
				generated.WordCount = draft.WordCount
			}
			p.GenerationHistory = appendGeneration(p.GenerationHistory, s.generationRecord(generated.ID, draft))
		}
		generated.Version++
		section = generated.Clone()
		return nil
	})
	if err != nil {
		return project.Section{}, err
	}
	if genErr != nil {
		s.logger.Error("section generation failed", zap.String("project_id", projectID), zap.String("section_id", input.SectionID), zap.Error(genErr))
		return project.Section{}, domainError(http.StatusBadGateway, "GENERATION_FAILED", "Section generation failed", map[string]any{"section": section})
	}
	return section, nil
}

// RefineSection rewrites the section and records the refinement.
func (s *Service) RefineSection(ctx context.Context, session Session, projectID, sectionID string, input RefineInput) (project.Section, error) {
	input.Prompt = strings.TrimSpace(input.Prompt)
	if err := validateInput(input); err != nil {
		return project.Section{}, err
	}
	userID, err := actingUser(session, input.UserID)
	if err != nil {
		return project.Section{}, err
	}
	current, err := s.loadOwned(ctx, session, projectID)
	if err != nil {
		return project.Section{}, err
	}
	section, err := current.Section(sectionID)
	if err != nil {
		return project.Section{}, err
	}

	result, err := s.generator.Refine(ctx, generate.RefineRequest{
		CurrentText:  section.Content,
		History:      section.RefinementHistory,
		Instructions: input.Prompt,
	})
	if err != nil {
		s.logger.Error("refinement failed", zap.String("project_id", projectID), zap.String("section_id", sectionID), zap.Error(err))
		return project.Section{}, domainError(http.StatusBadGateway, "GENERATION_FAILED", "Refinement failed", nil)
	}

	refinement := project.Refinement{
		ID:          util.NewID("ref"),
		UserID:      userID,
		Prompt:      input.Prompt,
		RawResponse: result.Raw,
		ParsedText:  result.Content,
		DiffSummary: result.DiffSummary,
		CreatedAt:   s.now(),
		Likes:       []string{},
		Dislikes:    []string{},
	}
	return s.mutateSection(ctx, session, projectID, sectionID, func(section *project.Section) error {
		section.Content = result.Content
		section.Status = project.StatusDone
		section.RefinementHistory = append(section.RefinementHistory, refinement)
		return nil
	})
}

func (s *Service) AddComment(ctx context.Context, session Session, projectID, sectionID string, input CommentInput) (project.Section, error) {
	input.Text = strings.TrimSpace(input.Text)
	if err := validateInput(input); err != nil {
		return project.Section{}, err
	}
	userID, err := actingUser(session, input.UserID)
	if err != nil {
		return project.Section{}, err
	}
	comment := project.Comment{ID: util.NewID("cmt"), UserID: userID, Text: input.Text, CreatedAt: s.now()}
	return s.mutateSection(ctx, session, projectID, sectionID, func(section *project.Section) error {
		section.Comments = append(section.Comments, comment)
		return nil
	})
}

// ReactRefinement toggles a like or dislike. Repeating a reaction withdraws it and the
// opposite reaction replaces it.
func (s *Service) ReactRefinement(ctx context.Context, session Session, projectID, sectionID, refinementID string, reaction project.Reaction, input ReactInput) (project.Section, error) {
	userID, err := actingUser(session, input.UserID)
	if err != nil {
		return project.Section{}, err
	}
	return s.mutateSection(ctx, session, projectID, sectionID, func(section *project.Section) error {
		refinement, err := section.Refinement(refinementID)
		if err != nil {
			return err
		}
		refinement.Toggle(userID, reaction)
		return nil
	})
}

func (s *Service) loadOwned(ctx context.Context, session Session, projectID string) (project.Project, error) {
	item, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return project.Project{}, err
	}
	if err := authorize(item, session); err != nil {
		return project.Project{}, err
	}
	return item, nil
}

// mutateOutline applies fn to a fresh copy of the project and saves it against the revision
// it was read at. Revision conflicts are retried with backoff; any other error is final.
func (s *Service) mutateOutline(ctx context.Context, session Session, projectID string, fn func(*project.Project) error) (project.Project, error) {
	var result project.Project
	attempt := 0
	operation := func() error {
		attempt++
		current, err := s.store.GetProject(ctx, projectID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := authorize(current, session); err != nil {
			return backoff.Permanent(err)
		}
		next := current.Clone()
		if err := fn(&next); err != nil {
			if errors.Is(err, errUnchanged) {
				result = current
				return nil
			}
			return backoff.Permanent(err)
		}
		revision, err := s.store.SaveOutline(ctx, projectID, current.Revision, next.Outline, next.GenerationHistory)
		if err != nil {
			if errors.Is(err, store.ErrRevisionConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		next.Revision = revision
		next.UpdatedAt = s.now()
		result = next
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), conflictRetries), ctx)
	notify := func(err error, wait time.Duration) {
		s.logger.Debug("outline write conflict; retrying",
			zap.String("project_id", projectID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
		)
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return project.Project{}, err
	}
	s.remember(ctx, result)
	return result, nil
}

// mutateSection applies fn to one section and bumps its version.
func (s *Service) mutateSection(ctx context.Context, session Session, projectID, sectionID string, fn func(*project.Section) error) (project.Section, error) {
	var updated project.Section
	_, err := s.mutateOutline(ctx, session, projectID, func(p *project.Project) error {
		section, err := p.Section(sectionID)
		if err != nil {
			return err
		}
		if err := fn(section); err != nil {
			return err
		}
		section.Version++
		updated = section.Clone()
		return nil
	})
	if err != nil {
		return project.Section{}, err
	}
	return updated, nil
}

func (s *Service) remember(ctx context.Context, item project.Project) {
	if err := s.cache.Set(ctx, item); err != nil {
		s.logger.Warn("project cache write failed", zap.String("project_id", item.ID), zap.Error(err))
	}
}

func (s *Service) forget(ctx context.Context, projectID string) {
	if err := s.cache.Invalidate(ctx, projectID); err != nil {
		s.logger.Warn("project cache invalidate failed", zap.String("project_id", projectID), zap.Error(err))
	}
}

func (s *Service) generationRecord(sectionID string, draft generate.SectionDraft) project.GenerationRecord {
	sum := sha256.Sum256([]byte(draft.Prompt + "\x00" + draft.Raw))
	return project.GenerationRecord{
		ID:        util.NewID("gen"),
		SectionID: sectionID,
		Prompt:    draft.Prompt,
		Response:  draft.Raw,
		WordCount: draft.WordCount,
		Model:     draft.Model,
		Hash:      hex.EncodeToString(sum[:]),
		CreatedAt: s.now(),
	}
}

func appendGeneration(history []project.GenerationRecord, record project.GenerationRecord) []project.GenerationRecord {
	history = append(history, record)
	if len(history) > historyLimit {
		history = append([]project.GenerationRecord(nil), history[len(history)-historyLimit:]...)
	}
	return history
}

func newSection(title string, wordCount int) project.Section {
	return project.Section{
		ID:                util.NewID("sec"),
		Title:             title,
		WordCount:         wordCount,
		Status:            project.StatusPending,
		Version:           1,
		RefinementHistory: []project.Refinement{},
		Comments:          []project.Comment{},
	}
}

func authorize(item project.Project, session Session) error {
	if item.OwnerUID != session.UserID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return nil
}

// actingUser resolves the user id named in a request body against the bearer subject.
func actingUser(session Session, bodyUserID string) (string, error) {
	bodyUserID = strings.TrimSpace(bodyUserID)
	if bodyUserID == "" || bodyUserID == session.UserID {
		return session.UserID, nil
	}
	return "", domainError(http.StatusForbidden, "USER_MISMATCH", fmt.Sprintf("user_id %q does not match the authenticated user", bodyUserID), nil)
}
