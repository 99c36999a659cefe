package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict means the stored document changed since it was read.
	ErrVersionConflict = errors.New("version conflict")
	ErrExists          = errors.New("already exists")
)

type DocumentKind string

const (
	KindPlan          DocumentKind = "plan"
	KindOrchestration DocumentKind = "orchestration"
)

// Document is one versioned front-matter document.
type Document struct {
	ProjectID string
	Kind      DocumentKind
	Version   int64
	Content   []byte
	UpdatedAt string
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanDocument(row *sql.Row) (Document, error) {
	var d Document
	var content string
	err := row.Scan(&d.ProjectID, &d.Kind, &d.Version, &content, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Content = []byte(content)
	return d, nil
}

func getDocument(ctx context.Context, q queryer, projectID string, kind DocumentKind) (Document, error) {
	return scanDocument(q.QueryRowContext(ctx, `SELECT project_id,kind,version,content,updated_at FROM documents WHERE project_id=? AND kind=?`, projectID, string(kind)))
}

func (r Repo) GetDocument(ctx context.Context, projectID string, kind DocumentKind) (Document, error) {
	return getDocument(ctx, r.DB, projectID, kind)
}

func (r Repo) GetDocumentTx(ctx context.Context, tx *sql.Tx, projectID string, kind DocumentKind) (Document, error) {
	return getDocument(ctx, tx, projectID, kind)
}

// InsertDocumentTx stores a new document at version 1.
func (r Repo) InsertDocumentTx(ctx context.Context, tx *sql.Tx, d Document) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO documents(project_id,kind,version,content,updated_at) VALUES (?,?,1,?,?)`,
		d.ProjectID, string(d.Kind), string(d.Content), d.UpdatedAt)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("%s document for %s: %w", d.Kind, d.ProjectID, ErrExists)
		}
		return err
	}
	return nil
}

// UpdateDocumentTx replaces content only if the stored version still equals
// expected, bumping the version by one.
func (r Repo) UpdateDocumentTx(ctx context.Context, tx *sql.Tx, d Document, expected int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE documents SET content=?, updated_at=?, version=version+1 WHERE project_id=? AND kind=? AND version=?`,
		string(d.Content), d.UpdatedAt, d.ProjectID, string(d.Kind), expected)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s document for %s at version %d: %w", d.Kind, d.ProjectID, expected, ErrVersionConflict)
	}
	return nil
}

// DeleteDocumentsTx removes every document of a project.
func (r Repo) DeleteDocumentsTx(ctx context.Context, tx *sql.Tx, projectID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE project_id=?`, projectID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Projects lists every project that has a plan document.
func (r Repo) Projects(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT project_id FROM documents WHERE kind=? ORDER BY project_id`, string(KindPlan))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SingleProject returns the only project with a plan, if exactly one exists.
func (r Repo) SingleProject(ctx context.Context) (string, error) {
	ids, err := r.Projects(ctx)
	if err != nil {
		return "", err
	}
	switch len(ids) {
	case 0:
		return "", ErrNotFound
	case 1:
		return ids[0], nil
	}
	return "", fmt.Errorf("multiple projects exist (%s); specify --project", strings.Join(ids, ", "))
}

func isConstraint(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "constraint")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
