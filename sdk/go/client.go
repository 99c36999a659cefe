package planlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Planline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
	// IfVersion, when set, is sent as If-Match so writes fail with
	// concurrent_modification if the plan changed since that version.
	IfVersion int64
}

// New creates a client with sane defaults. Handoff calls block until the
// recipient acknowledges, so the timeout covers a full retry and escalation.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   90 * time.Second,
	}
}

type Section struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

type Module struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Status             string   `json:"status"`
	Priority           string   `json:"priority"`
	AcceptanceCriteria string   `json:"acceptance_criteria"`
	DependsOn          []string `json:"depends_on"`
	Context            string   `json:"context"`
	ExternalIssueRef   *string  `json:"github_issue"`
}

type ExitCriterion struct {
	Name      string `json:"name"`
	Satisfied bool   `json:"satisfied"`
	Hint      string `json:"hint"`
}

// Plan represents the API plan model (partial).
type Plan struct {
	PlanID       string          `json:"plan_id"`
	Goal         string          `json:"goal"`
	Status       string          `json:"status"`
	Sections     []Section       `json:"requirements_sections"`
	Modules      []Module        `json:"modules"`
	ExitCriteria []ExitCriterion `json:"exit_criteria"`
	ApprovedAt   string          `json:"approved_at"`
	Version      int64           `json:"version"`
}

type PlanResponse struct {
	Plan     Plan     `json:"plan"`
	Warnings []string `json:"warnings"`
}

type IssueRef struct {
	ModuleID string `json:"module_id"`
	Ref      string `json:"ref"`
}

type Approval struct {
	Plan    Plan       `json:"plan"`
	Created []IssueRef `json:"created_issues"`
	// Warnings lists modules whose issue could not be opened.
	Warnings []struct {
		ModuleID string `json:"module_id"`
		Message  string `json:"message"`
	} `json:"warnings"`
	Notified *HandoffResult `json:"notified"`
	// NotifyError is set when the plan was approved but the notified agent
	// never acknowledged.
	NotifyError *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"notify_error"`
}

// ModuleInput describes a module to add.
type ModuleInput struct {
	Name               string   `json:"name"`
	AcceptanceCriteria string   `json:"acceptance_criteria,omitempty"`
	Priority           string   `json:"priority,omitempty"`
	DependsOn          []string `json:"depends_on,omitempty"`
	Context            string   `json:"context,omitempty"`
}

// Handoff is a message sent through the acknowledgment protocol.
type Handoff struct {
	From             string `json:"from,omitempty"`
	To               string `json:"to"`
	Subject          string `json:"subject"`
	Priority         string `json:"priority,omitempty"`
	Type             string `json:"type,omitempty"`
	Payload          any    `json:"payload,omitempty"`
	BlockedOperation string `json:"blocked_operation,omitempty"`
}

type HandoffResult struct {
	MessageID string    `json:"message_id"`
	Attempts  int       `json:"attempts"`
	AckedAt   time.Time `json:"acked_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Details come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// StartPlanning creates the plan.
func (c *Client) StartPlanning(ctx context.Context, goal string) (Plan, error) {
	var resp PlanResponse
	err := c.do(ctx, http.MethodPost, c.projectPath("plan"), map[string]any{"goal": goal}, &resp)
	return resp.Plan, err
}

// Status returns the raw status view, including exit criteria and dependency
// analysis.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, c.projectPath("plan"), nil, &resp)
	return resp, err
}

// AdvanceSection moves a requirement section to status.
func (c *Client) AdvanceSection(ctx context.Context, name, status string) (PlanResponse, error) {
	var resp PlanResponse
	endpoint := c.projectPath(fmt.Sprintf("plan/sections/%s", url.PathEscape(name)))
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

// AddModule adds a module to the plan.
func (c *Client) AddModule(ctx context.Context, in ModuleInput) (PlanResponse, error) {
	var resp PlanResponse
	err := c.do(ctx, http.MethodPost, c.projectPath("plan/modules"), in, &resp)
	return resp, err
}

// RemoveModule removes a module; force overrides the lock on started work.
func (c *Client) RemoveModule(ctx context.Context, id string, force bool) (PlanResponse, error) {
	var resp PlanResponse
	endpoint := c.projectPath(fmt.Sprintf("plan/modules/%s", url.PathEscape(id)))
	if force {
		endpoint += "?force=true"
	}
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp, err
}

// Approve approves the plan. A non-empty notify names an agent that must
// acknowledge the approval.
func (c *Client) Approve(ctx context.Context, skipIssues bool, notify string) (Approval, error) {
	body := map[string]any{"skip_issues": skipIssues}
	if notify != "" {
		body["notify"] = notify
	}
	var resp Approval
	err := c.do(ctx, http.MethodPost, c.projectPath("plan/approve"), body, &resp)
	return resp, err
}

// SendHandoff delivers a message and waits for its acknowledgment.
func (c *Client) SendHandoff(ctx context.Context, h Handoff) (HandoffResult, error) {
	var resp HandoffResult
	err := c.do(ctx, http.MethodPost, c.projectPath("handoffs"), h, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	if c.IfVersion > 0 && method != http.MethodGet {
		req.Header.Set("If-Match", strconv.Quote(strconv.FormatInt(c.IfVersion, 10)))
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
