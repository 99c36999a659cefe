package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"planline/internal/domain"
)

// InsertIssue allocates the next issue number for the project and stores it.
func (r Repo) InsertIssue(ctx context.Context, is domain.Issue) (domain.Issue, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(number),0)+1 FROM issues WHERE project_id=?`, is.ProjectID).Scan(&next); err != nil {
		return domain.Issue{}, err
	}
	labels, err := json.Marshal(is.Labels)
	if err != nil {
		return domain.Issue{}, err
	}
	if is.State == "" {
		is.State = "open"
	}
	is.Number = next
	is.Ref = fmt.Sprintf("#%d", next)
	if _, err := tx.ExecContext(ctx, `INSERT INTO issues(project_id,number,title,body,labels_json,state,created_at) VALUES (?,?,?,?,?,?,?)`,
		is.ProjectID, is.Number, is.Title, nullable(is.Body), string(labels), is.State, is.CreatedAt); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	return is, nil
}

func (r Repo) ListIssues(ctx context.Context, projectID string) ([]domain.Issue, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,number,title,COALESCE(body,''),COALESCE(labels_json,'[]'),state,created_at FROM issues WHERE project_id=? ORDER BY number`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Issue
	for rows.Next() {
		is, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, is)
	}
	return out, rows.Err()
}

// CloseIssue marks an issue closed.
func (r Repo) CloseIssue(ctx context.Context, projectID string, number int64) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE issues SET state='closed' WHERE project_id=? AND number=?`, projectID, number)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("issue #%d: %w", number, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIssue(s rowScanner) (domain.Issue, error) {
	var is domain.Issue
	var labels string
	if err := s.Scan(&is.ProjectID, &is.Number, &is.Title, &is.Body, &labels, &is.State, &is.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return is, ErrNotFound
		}
		return is, err
	}
	if err := json.Unmarshal([]byte(labels), &is.Labels); err != nil {
		return is, fmt.Errorf("issue #%d labels: %w", is.Number, err)
	}
	is.Ref = fmt.Sprintf("#%d", is.Number)
	return is, nil
}
