// Package tracker provides the issue trackers the plan engine opens module
// issues in: a workspace-local ledger and an external command.
package tracker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"planline/internal/config"
	"planline/internal/domain"
	"planline/internal/repo"
)

// Ledger stores issues in the workspace database, numbered #1, #2, ... per
// project.
type Ledger struct {
	Repo      repo.Repo
	ProjectID string
	Now       func() time.Time
}

func (l Ledger) CreateIssue(ctx context.Context, title, body string, labels []string) (string, error) {
	if strings.TrimSpace(title) == "" {
		return "", errors.New("issue title is required")
	}
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	is, err := l.Repo.InsertIssue(ctx, domain.Issue{
		ProjectID: l.ProjectID,
		Title:     title,
		Body:      body,
		Labels:    labels,
		CreatedAt: now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("record issue: %w", err)
	}
	return is.Ref, nil
}

// Command runs an external program per issue. The body is written to stdin,
// title and labels are passed as PLANLINE_ISSUE_TITLE and
// PLANLINE_ISSUE_LABELS, and the first non-empty stdout line is the ref.
type Command struct {
	Argv    []string
	Dir     string
	Timeout time.Duration
}

var ErrCommandTimeout = errors.New("tracker command timed out")

func (c Command) CreateIssue(ctx context.Context, title, body string, labels []string) (string, error) {
	if len(c.Argv) == 0 {
		return "", errors.New("tracker command not configured")
	}
	cmdCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(cmdCtx, c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(),
		"PLANLINE_ISSUE_TITLE="+title,
		"PLANLINE_ISSUE_LABELS="+strings.Join(labels, ","),
	)
	cmd.Stdin = strings.NewReader(body)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("%w after %s", ErrCommandTimeout, c.Timeout)
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		return "", fmt.Errorf("tracker command %s: %w: %s", c.Argv[0], err, strings.TrimSpace(stderr.String()))
	}
	sc := bufio.NewScanner(&stdout)
	for sc.Scan() {
		if ref := strings.TrimSpace(sc.Text()); ref != "" {
			return ref, nil
		}
	}
	return "", fmt.Errorf("tracker command %s printed no issue reference", c.Argv[0])
}

// Issuer is satisfied by every tracker.
type Issuer interface {
	CreateIssue(ctx context.Context, title, body string, labels []string) (string, error)
}

// FromConfig builds the tracker selected in planline.yml.
func FromConfig(cfg *config.Config, r repo.Repo, projectID, root string) (Issuer, error) {
	switch cfg.Tracker.Kind {
	case "", "local":
		return Ledger{Repo: r, ProjectID: projectID}, nil
	case "command":
		return Command{Argv: cfg.Tracker.Command, Dir: root, Timeout: cfg.Tracker.Timeout.Std()}, nil
	}
	return nil, fmt.Errorf("unknown tracker kind %q", cfg.Tracker.Kind)
}
