package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"docpilot/api/internal/project"
)

var (
	ErrNotFound         = errors.New("project not found")
	ErrRevisionConflict = errors.New("project revision conflict")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const projectColumns = `id, title, doc_type, owner_uid, outline, generation_history, revision, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (project.Project, error) {
	var (
		item    project.Project
		docType string
		outline []byte
		history []byte
	)
	if err := row.Scan(&item.ID, &item.Title, &docType, &item.OwnerUID, &outline, &history, &item.Revision, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return project.Project{}, err
	}
	item.DocType = project.DocType(docType)
	if len(outline) > 0 {
		if err := json.Unmarshal(outline, &item.Outline); err != nil {
			return project.Project{}, fmt.Errorf("decode outline %s: %w", item.ID, err)
		}
	}
	if item.Outline == nil {
		item.Outline = []project.Section{}
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &item.GenerationHistory); err != nil {
			return project.Project{}, fmt.Errorf("decode generation history %s: %w", item.ID, err)
		}
	}
	return item, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context, ownerUID string) ([]project.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE owner_uid=$1 ORDER BY updated_at DESC`, ownerUID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := []project.Project{}
	for rows.Next() {
		item, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (project.Project, error) {
	item, err := scanProject(s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=$1`, projectID))
	if errors.Is(err, sql.ErrNoRows) {
		return project.Project{}, ErrNotFound
	}
	if err != nil {
		return project.Project{}, fmt.Errorf("get project: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) InsertProject(ctx context.Context, item project.Project) error {
	outline, history, err := encodeContent(item.Outline, item.GenerationHistory)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (id, title, doc_type, owner_uid, outline, generation_history, revision, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, item.ID, item.Title, string(item.DocType), item.OwnerUID, outline, history, item.Revision, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) RenameProject(ctx context.Context, projectID, title string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE projects SET title=$2, revision=revision+1, updated_at=NOW() WHERE id=$1`, projectID, title)
	if err != nil {
		return fmt.Errorf("rename project: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) DeleteProject(ctx context.Context, projectID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id=$1`, projectID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return requireRow(result)
}

// SaveOutline replaces the outline and generation history if the stored revision still
// equals expectedRevision, and returns the new revision.
func (s *PostgresStore) SaveOutline(ctx context.Context, projectID string, expectedRevision int, outline []project.Section, history []project.GenerationRecord) (int, error) {
	encodedOutline, encodedHistory, err := encodeContent(outline, history)
	if err != nil {
		return 0, err
	}
	var revision int
	err = s.db.QueryRowContext(ctx, `
		UPDATE projects
		SET outline=$3, generation_history=$4, revision=revision+1, updated_at=$5
		WHERE id=$1 AND revision=$2
		RETURNING revision
	`, projectID, expectedRevision, encodedOutline, encodedHistory, time.Now().UTC()).Scan(&revision)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM projects WHERE id=$1)`, projectID).Scan(&exists); err != nil {
			return 0, fmt.Errorf("check project: %w", err)
		}
		if !exists {
			return 0, ErrNotFound
		}
		return 0, ErrRevisionConflict
	}
	if err != nil {
		return 0, fmt.Errorf("save outline: %w", err)
	}
	return revision, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func encodeContent(outline []project.Section, history []project.GenerationRecord) ([]byte, []byte, error) {
	if outline == nil {
		outline = []project.Section{}
	}
	if history == nil {
		history = []project.GenerationRecord{}
	}
	encodedOutline, err := json.Marshal(outline)
	if err != nil {
		return nil, nil, fmt.Errorf("encode outline: %w", err)
	}
	encodedHistory, err := json.Marshal(history)
	if err != nil {
		return nil, nil, fmt.Errorf("encode generation history: %w", err)
	}
	return encodedOutline, encodedHistory, nil
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
