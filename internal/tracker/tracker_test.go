package tracker_test

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planline/internal/config"
	"planline/internal/db"
	"planline/internal/migrate"
	"planline/internal/repo"
	"planline/internal/tracker"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func TestLedgerNumbersPerProject(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	a := tracker.Ledger{Repo: r, ProjectID: "a"}
	b := tracker.Ledger{Repo: r, ProjectID: "b"}

	ref, err := a.CreateIssue(ctx, "[MODULE] Auth", "body", []string{"module", "priority:high"})
	require.NoError(t, err)
	assert.Equal(t, "#1", ref)
	ref, err = a.CreateIssue(ctx, "[MODULE] Billing", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "#2", ref)
	ref, err = b.CreateIssue(ctx, "[MODULE] Search", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "#1", ref)

	issues, err := r.ListIssues(ctx, "a")
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assert.Equal(t, []string{"module", "priority:high"}, issues[0].Labels)
	assert.Equal(t, "open", issues[0].State)

	require.NoError(t, r.CloseIssue(ctx, "a", 1))
	assert.ErrorIs(t, r.CloseIssue(ctx, "a", 9), repo.ErrNotFound)

	_, err = a.CreateIssue(ctx, " ", "", nil)
	assert.Error(t, err)
}

func TestCommandReadsRefFromStdout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	c := tracker.Command{Argv: []string{"sh", "-c", `cat >/dev/null; echo; echo "GH-$PLANLINE_ISSUE_LABELS"`}, Timeout: 5 * time.Second}
	ref, err := c.CreateIssue(context.Background(), "[MODULE] Auth", "body", []string{"module"})
	require.NoError(t, err)
	assert.Equal(t, "GH-module", ref)
}

func TestCommandFailures(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	ctx := context.Background()
	_, err := tracker.Command{Argv: []string{"sh", "-c", "echo boom >&2; exit 3"}}.CreateIssue(ctx, "t", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	_, err = tracker.Command{Argv: []string{"sh", "-c", "true"}}.CreateIssue(ctx, "t", "", nil)
	assert.ErrorContains(t, err, "no issue reference")

	_, err = tracker.Command{Argv: []string{"sleep", "5"}, Timeout: 50 * time.Millisecond}.CreateIssue(ctx, "t", "", nil)
	assert.ErrorIs(t, err, tracker.ErrCommandTimeout)

	_, err = tracker.Command{}.CreateIssue(ctx, "t", "", nil)
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	r := newRepo(t)
	cfg := config.Default("p")
	tr, err := tracker.FromConfig(cfg, r, "p", ".")
	require.NoError(t, err)
	assert.IsType(t, tracker.Ledger{}, tr)

	cfg.Tracker.Kind = "command"
	cfg.Tracker.Command = []string{"gh-issue"}
	tr, err = tracker.FromConfig(cfg, r, "p", ".")
	require.NoError(t, err)
	assert.IsType(t, tracker.Command{}, tr)

	cfg.Tracker.Kind = "jira"
	_, err = tracker.FromConfig(cfg, r, "p", ".")
	assert.Error(t, err)
}
